package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fundflow/auth"
	"fundflow/cleanup"
	"fundflow/delivery"
	"fundflow/dispatch"
	"fundflow/escrow"
	"fundflow/fault"
	"fundflow/lock"
	"fundflow/metrics"
	"fundflow/retry"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type payoutRetrier interface {
	Execute(ctx context.Context, taskID string) (retry.ExecuteResult, error)
	ManualRetry(ctx context.Context, failedPayoutID, adminID string) (retry.ManualRetryResult, error)
}

type escrowManager interface {
	Sweep(ctx context.Context) (escrow.SweepResult, error)
	ApproveClaim(ctx context.Context, forfeitedID string, req escrow.ClaimRequest) (escrow.ClaimResult, error)
	Stats(ctx context.Context) (escrow.Stats, error)
}

type deliveryRetrier interface {
	RetryBatch(ctx context.Context, maxAge time.Duration, batchSize int) (delivery.BatchResult, error)
	RetryOne(ctx context.Context, deliveryID string) (delivery.BatchResult, error)
	Stats(ctx context.Context) (delivery.DLQStats, error)
}

type cleanupRunner interface {
	Run(ctx context.Context) (cleanup.Report, error)
}

type authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Claims, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the task callback, the scheduled job triggers and the admin
// console API.
type Server struct {
	retryService    payoutRetrier
	escrowService   escrowManager
	deliveryService deliveryRetrier
	cleanupService  cleanupRunner
	authService     authenticator
	db              pinger

	tasksSecret    string
	deliveryMaxAge time.Duration
	deliveryBatch  int
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/tasks/payout-retry", s.handlePayoutRetryTask)
	mux.HandleFunc("/jobs/escrow-sweep", s.handleEscrowSweepJob)
	mux.HandleFunc("/jobs/cleanup", s.handleCleanupJob)
	mux.HandleFunc("/jobs/delivery-retry", s.handleDeliveryRetryJob)
	mux.HandleFunc("/auth/login", s.handleLogin)

	mux.HandleFunc("/admin/payouts/{alertId}/retry", s.requireRole(auth.RoleAdmin, s.handleManualPayoutRetry))
	mux.HandleFunc("/admin/dlq/stats", s.requireRole(auth.RoleSupport, s.handleDLQStats))
	mux.HandleFunc("/admin/deliveries/{id}/retry", s.requireRole(auth.RoleAdmin, s.handleDeliveryRetry))
	mux.HandleFunc("/admin/forfeitures/{id}/claim", s.requireRole(auth.RoleAdmin, s.handleApproveClaim))
	mux.HandleFunc("/admin/escrow/stats", s.requireRole(auth.RoleSupport, s.handleEscrowStats))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// checkTaskSecret compares the shared secret header in constant time.
func (s *Server) checkTaskSecret(r *http.Request) bool {
	got := r.Header.Get(dispatch.AuthHeader)
	if s.tasksSecret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.tasksSecret)) == 1
}

type payoutRetryTaskResponse struct {
	TaskID     string `json:"taskId"`
	Success    bool   `json:"success"`
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	Contended  bool   `json:"contended,omitempty"`
	NextTaskID string `json:"nextTaskId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handlePayoutRetryTask runs one delivered retry task. Every classified
// outcome answers 200 so the delivery mechanism does not retry on its own;
// retry ownership stays with the scheduler.
func (s *Server) handlePayoutRetryTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.checkTaskSecret(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload dispatch.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.TaskID == "" || payload.FailedPayoutAlertID == "" || payload.OrderID == "" {
		writeError(w, http.StatusBadRequest, "taskId, failedPayoutAlertId and orderId are required")
		return
	}

	res, err := s.retryService.Execute(r.Context(), payload.TaskID)
	resp := payoutRetryTaskResponse{
		TaskID:     payload.TaskID,
		Success:    res.Success,
		Action:     string(res.NextAction.Kind),
		Reason:     res.NextAction.Reason,
		Contended:  res.Contended,
		NextTaskID: res.NextTaskID,
	}
	if err != nil {
		s.log().Error("payout retry task failed",
			"task_id", payload.TaskID,
			"failed_payout_id", payload.FailedPayoutAlertID,
			"order_id", payload.OrderID,
			"kind", fault.Classify(err),
			"error", err,
		)
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscrowSweepJob(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, "escrow_sweep", func(ctx context.Context) (any, error) {
		return s.escrowService.Sweep(ctx)
	})
}

func (s *Server) handleCleanupJob(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, "cleanup", func(ctx context.Context) (any, error) {
		return s.cleanupService.Run(ctx)
	})
}

func (s *Server) handleDeliveryRetryJob(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, "delivery_retry", func(ctx context.Context) (any, error) {
		res, err := s.deliveryService.RetryBatch(ctx, s.deliveryMaxAge, s.deliveryBatch)
		return newBatchResponse(res), err
	})
}

// runJob answers 200 with the job report, or 500 with the report and error
// when the job failed.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) (any, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.checkTaskSecret(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	started := time.Now()
	report, err := fn(r.Context())
	s.metrics.ObserveJob(name, started, err)
	if err != nil {
		s.log().Error("job failed", "job", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"job":    name,
			"report": report,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "report": report})
}

// requireRole verifies the bearer token and stores the caller in the
// request context.
func (s *Server) requireRole(want auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.Role.Allows(want) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)
		next(w, r.WithContext(ctx))
	}
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.log().Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		UserID:    res.User.ID,
		Email:     res.User.Email,
		Role:      string(res.User.Role),
	})
}

type manualRetryResponse struct {
	FailedPayoutID string `json:"failedPayoutId"`
	BatchID        string `json:"batchId"`
}

func (s *Server) handleManualPayoutRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	alertID := r.PathValue("alertId")
	if alertID == "" {
		writeError(w, http.StatusBadRequest, "missing failed payout id")
		return
	}

	res, err := s.retryService.ManualRetry(r.Context(), alertID, userIDFrom(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, retry.ErrFailedPayoutNotFound):
			writeError(w, http.StatusNotFound, "failed payout not found")
		case errors.Is(err, retry.ErrAlreadyResolved):
			writeError(w, http.StatusConflict, "payout already resolved")
		case lock.IsContended(err):
			writeError(w, http.StatusConflict, "payout is being processed")
		default:
			s.log().Error("manual payout retry failed", "failed_payout_id", alertID, "error", err)
			writeError(w, http.StatusBadGateway, "payout failed: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, manualRetryResponse{FailedPayoutID: res.FailedPayoutID, BatchID: res.BatchID})
}

type batchResponse struct {
	Retried           int `json:"retried"`
	Succeeded         int `json:"succeeded"`
	MovedToDLQ        int `json:"movedToDlq"`
	Skipped           int `json:"skipped"`
	PermanentlyFailed int `json:"permanentlyFailed"`
	Errors            int `json:"errors"`
}

func newBatchResponse(r delivery.BatchResult) batchResponse {
	return batchResponse{
		Retried:           r.Retried,
		Succeeded:         r.Succeeded,
		MovedToDLQ:        r.MovedToDLQ,
		Skipped:           r.Skipped,
		PermanentlyFailed: r.PermanentlyFailed,
		Errors:            r.Errors,
	}
}

func (s *Server) handleDeliveryRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing delivery id")
		return
	}

	res, err := s.deliveryService.RetryOne(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, delivery.ErrNotRetryable):
			writeError(w, http.StatusConflict, "delivery is not retryable")
		default:
			s.log().Error("admin delivery retry failed", "delivery_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(res))
}

type dlqStatsResponse struct {
	Total             int            `json:"total"`
	ByChannel         map[string]int `json:"byChannel"`
	OldestMovedAt     string         `json:"oldestMovedAt,omitempty"`
	PendingFailed     int            `json:"pendingFailed"`
	Retrying          int            `json:"retrying"`
	PermanentlyFailed int            `json:"permanentlyFailed"`
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.deliveryService.Stats(r.Context())
	if err != nil {
		s.log().Error("dlq stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := dlqStatsResponse{
		Total:             stats.Total,
		ByChannel:         make(map[string]int, len(stats.ByChannel)),
		PendingFailed:     stats.PendingFailed,
		Retrying:          stats.Retrying,
		PermanentlyFailed: stats.PermanentlyFailed,
	}
	for ch, n := range stats.ByChannel {
		resp.ByChannel[string(ch)] = n
	}
	if stats.OldestMovedAt != nil {
		resp.OldestMovedAt = stats.OldestMovedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type claimRequest struct {
	Reason    string   `json:"reason"`
	Documents []string `json:"documents"`
}

type claimResponse struct {
	ForfeitedID   string `json:"forfeitedId"`
	RefundAmount  int64  `json:"refundAmount"`
	ProcessingFee int64  `json:"processingFee"`
	NewPendingID  string `json:"newPendingId"`
}

func (s *Server) handleApproveClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing forfeited record id")
		return
	}
	var body claimRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := s.escrowService.ApproveClaim(r.Context(), id, escrow.ClaimRequest{
		Reason:    escrow.ClaimReason(body.Reason),
		Documents: body.Documents,
		AdminID:   userIDFrom(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, escrow.ErrForfeitedNotFound):
			writeError(w, http.StatusNotFound, "forfeited record not found")
		case errors.Is(err, escrow.ErrClaimDeadlinePassed):
			writeError(w, http.StatusConflict, "deadline passed")
		case errors.Is(err, escrow.ErrClaimNotEligible):
			writeError(w, http.StatusConflict, "claim is no longer eligible")
		case lock.IsContended(err):
			writeError(w, http.StatusConflict, "claim is being processed")
		case fault.Classify(err) == fault.KindValidation:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log().Error("approve claim failed", "forfeited_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		ForfeitedID:   res.ForfeitedID,
		RefundAmount:  res.RefundAmount,
		ProcessingFee: res.ProcessingFee,
		NewPendingID:  res.NewPendingID,
	})
}

func (s *Server) handleEscrowStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.escrowService.Stats(r.Context())
	if err != nil {
		s.log().Error("escrow stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
