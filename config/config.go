// Package config loads process configuration from a YAML file with
// environment overrides for secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fundflow/cleanup"
	"fundflow/dispatch"
	"fundflow/escrow"
	"fundflow/retry"
)

type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Payments      PaymentsConfig      `yaml:"payments"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	PayoutRetry   PayoutRetryConfig   `yaml:"payout_retry"`
	DeliveryRetry DeliveryRetryConfig `yaml:"delivery_retry"`
	Escrow        EscrowConfig        `yaml:"escrow"`
	Cleanup       CleanupConfig       `yaml:"cleanup"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type HTTPConfig struct {
	Addr               string `yaml:"addr"`
	ReadTimeoutSec     int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxConns        int32  `yaml:"max_conns"`
	MinConns        int32  `yaml:"min_conns"`
	MaxConnIdleSec  int    `yaml:"max_conn_idle_sec"`
	HealthCheckSec  int    `yaml:"health_check_sec"`
	MigrateOnLaunch bool   `yaml:"migrate_on_launch"`
}

// RedisConfig is optional. With an empty Addr locks are kept in PostgreSQL.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	TasksSecret string `yaml:"tasks_secret"`
	TokenTTLMin int    `yaml:"token_ttl_min"`
}

// PaymentsConfig points at the payment gateway. BalanceURL may be empty, in
// which case the escrow balance check is skipped.
type PaymentsConfig struct {
	GatewayURL     string `yaml:"gateway_url"`
	BalanceURL     string `yaml:"balance_url"`
	APIKey         string `yaml:"api_key"`
	CallTimeoutSec int    `yaml:"call_timeout_sec"`
}

type DispatchConfig struct {
	// CallbackURL is where due tasks are POSTed. Empty means tasks are
	// executed in-process.
	CallbackURL       string `yaml:"callback_url"`
	IntervalSec       int    `yaml:"interval_sec"`
	BatchSize         int    `yaml:"batch_size"`
	MaxInFlight       int64  `yaml:"max_in_flight"`
	RedeliverAfterSec int    `yaml:"redeliver_after_sec"`
}

type PayoutRetryConfig struct {
	InitialDelaySec    int     `yaml:"initial_delay_sec"`
	Multiplier         float64 `yaml:"multiplier"`
	MaxRetries         int     `yaml:"max_retries"`
	ContentionDelaySec int     `yaml:"contention_delay_sec"`
}

type DeliveryRetryConfig struct {
	InitialDelaySec int     `yaml:"initial_delay_sec"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxRetries      int     `yaml:"max_retries"`
	MaxAgeHours     int     `yaml:"max_age_hours"`
	BatchSize       int     `yaml:"batch_size"`
}

type EscrowConfig struct {
	ReminderDays         []int `yaml:"reminder_days"`
	ReminderGraceDays    int   `yaml:"reminder_grace_days"`
	EscalationDays       int   `yaml:"escalation_days"`
	ForfeitureDays       int   `yaml:"forfeiture_days"`
	ClaimWindowDays      int   `yaml:"claim_window_days"`
	ClaimFeePercent      int   `yaml:"claim_fee_percent"`
	BalanceBuffer        int64 `yaml:"balance_buffer"`
	EscrowAlertThreshold int64 `yaml:"escrow_alert_threshold"`
	BatchSize            int   `yaml:"batch_size"`
	SweepLockTTLSec      int   `yaml:"sweep_lock_ttl_sec"`
}

type CleanupConfig struct {
	ExecutingTimeoutMin int `yaml:"executing_timeout_min"`
	StaleThresholdHours int `yaml:"stale_threshold_hours"`
	BatchSize           int `yaml:"batch_size"`
	MaxBatches          int `yaml:"max_batches"`
	AuditLogDays        int `yaml:"audit_log_days"`
	EscrowLogDays       int `yaml:"escrow_log_days"`
	ReadAlertDays       int `yaml:"read_alert_days"`
	DLQDays             int `yaml:"dlq_days"`
	AnonymizeAfterDays  int `yaml:"anonymize_after_days"`
}

// ScheduleConfig drives the in-process tickers. A zero interval disables the
// ticker so an external cron can call the job endpoints instead.
type ScheduleConfig struct {
	EscrowSweepMin   int `yaml:"escrow_sweep_min"`
	CleanupMin       int `yaml:"cleanup_min"`
	DeliveryRetrySec int `yaml:"delivery_retry_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every knob set. Secrets and
// endpoints are left empty.
func Default() Config {
	payout := retry.DefaultPolicy()
	esc := escrow.DefaultConfig()
	cl := cleanup.DefaultConfig()
	return Config{
		HTTP: HTTPConfig{
			Addr:               ":8080",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    60,
			ShutdownTimeoutSec: 20,
		},
		Database: DatabaseConfig{
			MaxConns:       20,
			MinConns:       2,
			MaxConnIdleSec: 300,
			HealthCheckSec: 60,
		},
		Redis: RedisConfig{
			KeyPrefix: "fundflow:lock:",
		},
		Auth: AuthConfig{
			TokenTTLMin: 24 * 60,
		},
		Payments: PaymentsConfig{
			CallTimeoutSec: 30,
		},
		Dispatch: DispatchConfig{
			IntervalSec:       10,
			BatchSize:         50,
			MaxInFlight:       8,
			RedeliverAfterSec: 300,
		},
		PayoutRetry: PayoutRetryConfig{
			InitialDelaySec:    int(payout.InitialDelay / time.Second),
			Multiplier:         payout.Multiplier,
			MaxRetries:         payout.MaxRetries,
			ContentionDelaySec: 30,
		},
		DeliveryRetry: DeliveryRetryConfig{
			InitialDelaySec: 60,
			Multiplier:      2,
			MaxRetries:      5,
			MaxAgeHours:     72,
			BatchSize:       100,
		},
		Escrow: EscrowConfig{
			ReminderDays:         esc.ReminderDays,
			ReminderGraceDays:    esc.ReminderGraceDays,
			EscalationDays:       esc.EscalationDays,
			ForfeitureDays:       esc.ForfeitureDays,
			ClaimWindowDays:      esc.ClaimWindowDays,
			ClaimFeePercent:      esc.ClaimFeePercent,
			BalanceBuffer:        esc.BalanceBuffer,
			EscrowAlertThreshold: esc.EscrowAlertThreshold,
			BatchSize:            esc.BatchSize,
			SweepLockTTLSec:      int(esc.SweepLockTTL / time.Second),
		},
		Cleanup: CleanupConfig{
			ExecutingTimeoutMin: int(cl.ExecutingTimeout / time.Minute),
			StaleThresholdHours: int(cl.StaleThreshold / time.Hour),
			BatchSize:           cl.BatchSize,
			MaxBatches:          cl.MaxBatches,
			AuditLogDays:        days(cl.Retention.AuditLogs),
			EscrowLogDays:       days(cl.Retention.EscrowLogs),
			ReadAlertDays:       days(cl.Retention.ReadAlerts),
			DLQDays:             days(cl.Retention.DLQ),
			AnonymizeAfterDays:  days(cl.Retention.AnonymizeAfter),
		},
		Schedule: ScheduleConfig{
			EscrowSweepMin:   24 * 60,
			CleanupMin:       60,
			DeliveryRetrySec: 300,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of Default and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"DATABASE_URL":       &c.Database.URL,
		"REDIS_ADDR":         &c.Redis.Addr,
		"REDIS_PASSWORD":     &c.Redis.Password,
		"TASKS_AUTH_SECRET":  &c.Auth.TasksSecret,
		"JWT_SECRET":         &c.Auth.JWTSecret,
		"HTTP_ADDR":          &c.HTTP.Addr,
		"CALLBACK_URL":       &c.Dispatch.CallbackURL,
		"PAYOUT_GATEWAY_URL": &c.Payments.GatewayURL,
		"BALANCE_URL":        &c.Payments.BalanceURL,
		"PAYMENTS_API_KEY":   &c.Payments.APIKey,
		"LOG_LEVEL":          &c.Logging.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate rejects missing secrets and inconsistent policy values.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if c.Auth.TasksSecret == "" {
		errs = append(errs, errors.New("tasks secret is required"))
	}
	if c.Payments.GatewayURL == "" {
		errs = append(errs, errors.New("payments gateway url is required"))
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, fmt.Errorf("database min_conns %d exceeds max_conns %d", c.Database.MinConns, c.Database.MaxConns))
	}
	if err := c.PayoutPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("payout_retry: %w", err))
	}
	if err := c.DeliveryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delivery_retry: %w", err))
	}
	if err := c.EscrowConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func (c Config) PayoutPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: seconds(c.PayoutRetry.InitialDelaySec),
		Multiplier:   c.PayoutRetry.Multiplier,
		MaxRetries:   c.PayoutRetry.MaxRetries,
	}
}

func (c Config) DeliveryPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: seconds(c.DeliveryRetry.InitialDelaySec),
		Multiplier:   c.DeliveryRetry.Multiplier,
		MaxRetries:   c.DeliveryRetry.MaxRetries,
	}
}

func (c Config) EscrowConfig() escrow.Config {
	e := c.Escrow
	return escrow.Config{
		ReminderDays:         append([]int(nil), e.ReminderDays...),
		ReminderGraceDays:    e.ReminderGraceDays,
		EscalationDays:       e.EscalationDays,
		ForfeitureDays:       e.ForfeitureDays,
		ClaimWindowDays:      e.ClaimWindowDays,
		ClaimFeePercent:      e.ClaimFeePercent,
		BalanceBuffer:        e.BalanceBuffer,
		EscrowAlertThreshold: e.EscrowAlertThreshold,
		BatchSize:            e.BatchSize,
		SweepLockTTL:         seconds(e.SweepLockTTLSec),
	}
}

func (c Config) CleanupConfig() cleanup.Config {
	cl := c.Cleanup
	return cleanup.Config{
		ExecutingTimeout: time.Duration(cl.ExecutingTimeoutMin) * time.Minute,
		StaleThreshold:   time.Duration(cl.StaleThresholdHours) * time.Hour,
		BatchSize:        cl.BatchSize,
		MaxBatches:       cl.MaxBatches,
		Retention: cleanup.Retention{
			AuditLogs:      daysDuration(cl.AuditLogDays),
			EscrowLogs:     daysDuration(cl.EscrowLogDays),
			ReadAlerts:     daysDuration(cl.ReadAlertDays),
			DLQ:            daysDuration(cl.DLQDays),
			AnonymizeAfter: daysDuration(cl.AnonymizeAfterDays),
		},
	}
}

func (c Config) PollerConfig() dispatch.PollerConfig {
	return dispatch.PollerConfig{
		Interval:       seconds(c.Dispatch.IntervalSec),
		BatchSize:      c.Dispatch.BatchSize,
		MaxInFlight:    c.Dispatch.MaxInFlight,
		RedeliverAfter: seconds(c.Dispatch.RedeliverAfterSec),
	}
}

// DeliveryMaxAge bounds how far back the delivery retry batch looks.
func (c Config) DeliveryMaxAge() time.Duration {
	return time.Duration(c.DeliveryRetry.MaxAgeHours) * time.Hour
}

func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging level %q: %w", c.Logging.Level, err)
	}
	return lvl, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func daysDuration(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func days(d time.Duration) int { return int(d / (24 * time.Hour)) }
