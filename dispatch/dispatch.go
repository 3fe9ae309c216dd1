// Package dispatch delivers due retry tasks to the execution callback. It is
// the delayed-execution half of the retry scheduler: tasks sit in storage
// until their scheduled time and are then POSTed, at least once, to the
// endpoint that runs them.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"fundflow/retry"
)

// AuthHeader carries the shared secret on callback requests.
const AuthHeader = "X-Task-Auth"

// CallbackPayload is the body of a task callback.
type CallbackPayload struct {
	TaskID              string `json:"taskId"`
	FailedPayoutAlertID string `json:"failedPayoutAlertId"`
	OrderID             string `json:"orderId"`
	RetryCount          int    `json:"retryCount"`
}

// PayloadFor builds the callback body for task.
func PayloadFor(task retry.Task) CallbackPayload {
	orderID, _ := task.Payload[retry.PayloadOrderID].(string)
	if orderID == "" {
		orderID = task.OperationKey
	}
	return CallbackPayload{
		TaskID:              task.ID,
		FailedPayoutAlertID: task.FailedPayoutID(),
		OrderID:             orderID,
		RetryCount:          task.RetryCount,
	}
}

// Source yields tasks that are due for delivery.
type Source interface {
	DueTasks(ctx context.Context, limit int, redeliverAfter time.Duration) ([]retry.Task, error)
}

// Deliverer hands one task to whatever executes it.
type Deliverer interface {
	Deliver(ctx context.Context, task retry.Task) error
}

// HTTPDeliverer POSTs tasks to the callback endpoint.
type HTTPDeliverer struct {
	client *http.Client
	url    string
	secret string
}

func NewHTTPDeliverer(client *http.Client, url, secret string) *HTTPDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPDeliverer{client: client, url: url, secret: secret}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, task retry.Task) error {
	body, err := json.Marshal(PayloadFor(task))
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthHeader, d.secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: post %s: %w", task.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch: callback for %s returned %d", task.ID, resp.StatusCode)
	}
	return nil
}

// Executor runs a task by id.
type Executor interface {
	Execute(ctx context.Context, taskID string) (retry.ExecuteResult, error)
}

// DirectDeliverer executes tasks in-process, for single-binary deployments.
type DirectDeliverer struct {
	exec Executor
}

func NewDirectDeliverer(exec Executor) *DirectDeliverer {
	return &DirectDeliverer{exec: exec}
}

func (d *DirectDeliverer) Deliver(ctx context.Context, task retry.Task) error {
	_, err := d.exec.Execute(ctx, task.ID)
	return err
}

// Poller periodically claims due tasks and delivers them with bounded
// concurrency.
type Poller struct {
	source         Source
	deliverer      Deliverer
	interval       time.Duration
	batchSize      int
	redeliverAfter time.Duration
	inFlight       *semaphore.Weighted
	logger         *slog.Logger
}

type PollerConfig struct {
	Interval       time.Duration
	BatchSize      int
	MaxInFlight    int64
	RedeliverAfter time.Duration
}

func NewPoller(source Source, deliverer Deliverer, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = 5 * time.Minute
	}
	return &Poller{
		source:         source,
		deliverer:      deliverer,
		interval:       cfg.Interval,
		batchSize:      cfg.BatchSize,
		redeliverAfter: cfg.RedeliverAfter,
		inFlight:       semaphore.NewWeighted(cfg.MaxInFlight),
		logger:         slog.Default(),
	}
}

func (p *Poller) WithLogger(logger *slog.Logger) *Poller {
	if logger != nil {
		p.logger = logger.With("component", "dispatch")
	}
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce delivers one batch and waits for it. It returns the number of
// tasks delivered without error. Failed deliveries are redelivered after
// the redeliver window.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	tasks, err := p.source.DueTasks(ctx, p.batchSize, p.redeliverAfter)
	if err != nil {
		return 0, err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, task := range tasks {
		if err := p.inFlight.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(task retry.Task) {
			defer wg.Done()
			defer p.inFlight.Release(1)
			if err := p.deliverer.Deliver(ctx, task); err != nil {
				p.logger.Warn("task delivery failed", "task_id", task.ID, "error", err)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(task)
	}
	wg.Wait()

	if len(tasks) > 0 {
		p.logger.Info("delivered due tasks", "claimed", len(tasks), "delivered", delivered)
	}
	return delivered, nil
}
