package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fundflow/auth"
	"fundflow/cleanup"
	"fundflow/delivery"
	"fundflow/dispatch"
	"fundflow/escrow"
	"fundflow/lock"
	"fundflow/metrics"
	"fundflow/retry"
)

const testSecret = "tasks-secret"

type stubRetryService struct {
	executed    []string
	execResult  retry.ExecuteResult
	execErr     error
	manual      retry.ManualRetryResult
	manualErr   error
	manualAdmin string
}

func (s *stubRetryService) Execute(_ context.Context, taskID string) (retry.ExecuteResult, error) {
	s.executed = append(s.executed, taskID)
	return s.execResult, s.execErr
}

func (s *stubRetryService) ManualRetry(_ context.Context, _ string, adminID string) (retry.ManualRetryResult, error) {
	s.manualAdmin = adminID
	return s.manual, s.manualErr
}

type stubEscrowService struct {
	sweep      escrow.SweepResult
	sweepErr   error
	claim      escrow.ClaimResult
	claimErr   error
	claimReq   escrow.ClaimRequest
	stats      escrow.Stats
	statsCalls int
}

func (s *stubEscrowService) Sweep(context.Context) (escrow.SweepResult, error) {
	return s.sweep, s.sweepErr
}

func (s *stubEscrowService) ApproveClaim(_ context.Context, _ string, req escrow.ClaimRequest) (escrow.ClaimResult, error) {
	s.claimReq = req
	return s.claim, s.claimErr
}

func (s *stubEscrowService) Stats(context.Context) (escrow.Stats, error) {
	s.statsCalls++
	return s.stats, nil
}

type stubDeliveryService struct {
	batch    delivery.BatchResult
	batchErr error
	one      delivery.BatchResult
	oneErr   error
	stats    delivery.DLQStats
	maxAge   time.Duration
}

func (s *stubDeliveryService) RetryBatch(_ context.Context, maxAge time.Duration, _ int) (delivery.BatchResult, error) {
	s.maxAge = maxAge
	return s.batch, s.batchErr
}

func (s *stubDeliveryService) RetryOne(context.Context, string) (delivery.BatchResult, error) {
	return s.one, s.oneErr
}

func (s *stubDeliveryService) Stats(context.Context) (delivery.DLQStats, error) {
	return s.stats, nil
}

type stubCleanup struct {
	report cleanup.Report
	err    error
}

func (s *stubCleanup) Run(context.Context) (cleanup.Report, error) {
	return s.report, s.err
}

type stubAuth struct {
	login    auth.LoginResult
	loginErr error
	tokens   map[string]auth.Claims
}

func (s *stubAuth) Login(context.Context, auth.LoginRequest) (auth.LoginResult, error) {
	return s.login, s.loginErr
}

func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	c, ok := s.tokens[token]
	if !ok {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return c, nil
}

func newTestServer() (*Server, *stubRetryService, *stubEscrowService, *stubDeliveryService) {
	rs := &stubRetryService{}
	es := &stubEscrowService{}
	ds := &stubDeliveryService{}
	return &Server{
		retryService:    rs,
		escrowService:   es,
		deliveryService: ds,
		cleanupService:  &stubCleanup{},
		authService: &stubAuth{tokens: map[string]auth.Claims{
			"admin-token":   {UserID: "admin-1", Role: auth.RoleAdmin},
			"support-token": {UserID: "support-1", Role: auth.RoleSupport},
		}},
		tasksSecret:    testSecret,
		deliveryMaxAge: 72 * time.Hour,
		deliveryBatch:  100,
	}, rs, es, ds
}

func taskRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/tasks/payout-retry", strings.NewReader(body))
	req.Header.Set(dispatch.AuthHeader, testSecret)
	return req
}

const validTaskBody = `{"taskId":"payout-retry-o1-1","failedPayoutAlertId":"fpa-1","orderId":"o1","retryCount":1}`

func TestHandlePayoutRetryTask_Success(t *testing.T) {
	server, rs, _, _ := newTestServer()
	rs.execResult = retry.ExecuteResult{
		TaskID:     "payout-retry-o1-1",
		Success:    true,
		NextAction: retry.NextAction{Kind: retry.ActionResolve, BatchID: "b-1"},
	}

	rec := httptest.NewRecorder()
	server.handlePayoutRetryTask(rec, taskRequest(validTaskBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp payoutRetryTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Action != string(retry.ActionResolve) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if len(rs.executed) != 1 || rs.executed[0] != "payout-retry-o1-1" {
		t.Fatalf("expected task executed once, got %v", rs.executed)
	}
}

func TestHandlePayoutRetryTask_InternalErrorStill200(t *testing.T) {
	server, rs, _, _ := newTestServer()
	rs.execErr = errors.New("connection reset")

	rec := httptest.NewRecorder()
	server.handlePayoutRetryTask(rec, taskRequest(validTaskBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection reset") {
		t.Fatalf("expected error in body, got %s", rec.Body.String())
	}
}

func TestHandlePayoutRetryTask_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"wrong method", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/tasks/payout-retry", nil)
		}, http.StatusMethodNotAllowed},
		{"missing secret", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/tasks/payout-retry", strings.NewReader(validTaskBody))
		}, http.StatusUnauthorized},
		{"wrong secret", func() *http.Request {
			r := taskRequest(validTaskBody)
			r.Header.Set(dispatch.AuthHeader, "tasks-secreT")
			return r
		}, http.StatusUnauthorized},
		{"bad json", func() *http.Request { return taskRequest(`{`) }, http.StatusBadRequest},
		{"missing fields", func() *http.Request { return taskRequest(`{"taskId":"t1"}`) }, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server, rs, _, _ := newTestServer()
			rec := httptest.NewRecorder()
			server.handlePayoutRetryTask(rec, tc.req())
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if len(rs.executed) != 0 {
				t.Fatalf("expected no execution, got %v", rs.executed)
			}
		})
	}
}

func TestJobs_RequireSecretAndReport(t *testing.T) {
	server, _, es, ds := newTestServer()
	es.sweep = escrow.SweepResult{Scanned: 3, Escalations: 1}
	ds.batch = delivery.BatchResult{Retried: 2, MovedToDLQ: 1}

	req := httptest.NewRequest(http.MethodPost, "/jobs/escrow-sweep", nil)
	rec := httptest.NewRecorder()
	server.handleEscrowSweepJob(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs/escrow-sweep", nil)
	req.Header.Set(dispatch.AuthHeader, testSecret)
	rec = httptest.NewRecorder()
	server.handleEscrowSweepJob(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Job    string             `json:"job"`
		Report escrow.SweepResult `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Job != "escrow_sweep" || payload.Report.Scanned != 3 || payload.Report.Escalations != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs/delivery-retry", nil)
	req.Header.Set(dispatch.AuthHeader, testSecret)
	rec = httptest.NewRecorder()
	server.handleDeliveryRetryJob(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ds.maxAge != 72*time.Hour {
		t.Fatalf("expected configured max age, got %s", ds.maxAge)
	}
	if !strings.Contains(rec.Body.String(), `"movedToDlq":1`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCleanupJob_FailureReturns500WithReport(t *testing.T) {
	server, _, _, _ := newTestServer()
	server.cleanupService = &stubCleanup{
		report: cleanup.Report{StaleDeleted: 2, Errors: map[string]string{cleanup.JobTimeouts: "deadlock"}},
		err:    fmt.Errorf("cleanup: %s: deadlock", cleanup.JobTimeouts),
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs/cleanup", nil)
	req.Header.Set(dispatch.AuthHeader, testSecret)
	rec := httptest.NewRecorder()
	server.handleCleanupJob(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"staleDeleted":2`) {
		t.Fatalf("expected partial report, got %s", rec.Body.String())
	}
}

func TestJobs_RecordedInMetrics(t *testing.T) {
	server, _, _, _ := newTestServer()
	server.metrics = metrics.New(nil)
	server.cleanupService = &stubCleanup{err: errors.New("deadlock")}
	handler := server.routes()

	req := httptest.NewRequest(http.MethodPost, "/jobs/cleanup", nil)
	req.Header.Set(dispatch.AuthHeader, testSecret)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if want := `fundflow_job_runs_total{job="cleanup",outcome="error"} 1`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %q in scrape, got %s", want, rec.Body.String())
	}
}

func adminRequest(method, path, token, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestAdminRoutes_Auth(t *testing.T) {
	server, _, es, _ := newTestServer()
	handler := server.routes()

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"no token", adminRequest(http.MethodGet, "/admin/escrow/stats", "", ""), http.StatusUnauthorized},
		{"bad token", adminRequest(http.MethodGet, "/admin/escrow/stats", "forged", ""), http.StatusUnauthorized},
		{"support reads stats", adminRequest(http.MethodGet, "/admin/escrow/stats", "support-token", ""), http.StatusOK},
		{"support cannot claim", adminRequest(http.MethodPost, "/admin/forfeitures/ff-1/claim", "support-token", `{"reason":"force_majeure"}`), http.StatusForbidden},
		{"support cannot retry payout", adminRequest(http.MethodPost, "/admin/payouts/fpa-1/retry", "support-token", ""), http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tc.req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
	if es.statsCalls != 1 {
		t.Fatalf("expected one stats call, got %d", es.statsCalls)
	}
}

func TestHandleApproveClaim(t *testing.T) {
	server, _, es, _ := newTestServer()
	es.claim = escrow.ClaimResult{ForfeitedID: "ff-1", RefundAmount: 8000, ProcessingFee: 2000, NewPendingID: "pf-9"}

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/forfeitures/ff-1/claim", "admin-token",
		`{"reason":"medical_incapacity","documents":["doc-1"]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp claimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RefundAmount != 8000 || resp.ProcessingFee != 2000 || resp.NewPendingID != "pf-9" {
		t.Fatalf("unexpected payload %+v", resp)
	}
	if es.claimReq.AdminID != "admin-1" || es.claimReq.Reason != escrow.ClaimMedicalIncapacity {
		t.Fatalf("unexpected claim request %+v", es.claimReq)
	}
}

func TestHandleApproveClaim_Errors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{escrow.ErrForfeitedNotFound, http.StatusNotFound},
		{escrow.ErrClaimDeadlinePassed, http.StatusConflict},
		{escrow.ErrClaimNotEligible, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", lock.ErrContended), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		server, _, es, _ := newTestServer()
		es.claimErr = tc.err

		req := adminRequest(http.MethodPost, "/admin/forfeitures/ff-1/claim", "", `{"reason":"force_majeure"}`)
		req.SetPathValue("id", "ff-1")
		req = req.WithContext(context.WithValue(req.Context(), ctxKeyUserID, "admin-1"))
		rec := httptest.NewRecorder()
		server.handleApproveClaim(rec, req)

		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
	}
}

func TestHandleManualPayoutRetry(t *testing.T) {
	server, rs, _, _ := newTestServer()
	rs.manual = retry.ManualRetryResult{FailedPayoutID: "fpa-1", BatchID: "b-7"}

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/payouts/fpa-1/retry", "admin-token", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rs.manualAdmin != "admin-1" {
		t.Fatalf("expected admin id passed through, got %q", rs.manualAdmin)
	}

	rs.manualErr = retry.ErrAlreadyResolved
	rec = httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/payouts/fpa-1/retry", "admin-token", ""))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleDeliveryRetry_Errors(t *testing.T) {
	server, _, _, ds := newTestServer()

	ds.oneErr = delivery.ErrNotRetryable
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/deliveries/ev1_email/retry", "admin-token", ""))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	ds.oneErr = delivery.ErrRecordNotFound
	rec = httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodPost, "/admin/deliveries/missing/retry", "admin-token", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleDLQStats(t *testing.T) {
	server, _, _, ds := newTestServer()
	oldest := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ds.stats = delivery.DLQStats{
		Total:         3,
		ByChannel:     map[delivery.Channel]int{delivery.ChannelEmail: 2, delivery.ChannelSMS: 1},
		OldestMovedAt: &oldest,
		PendingFailed: 4,
	}

	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, adminRequest(http.MethodGet, "/admin/dlq/stats", "support-token", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp dlqStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.ByChannel["email"] != 2 || resp.OldestMovedAt != oldest.Format(time.RFC3339) {
		t.Fatalf("unexpected payload %+v", resp)
	}
}

func TestHandleLogin(t *testing.T) {
	server, _, _, _ := newTestServer()
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	server.authService = &stubAuth{login: auth.LoginResult{
		Token:     "tok",
		ExpiresAt: exp,
		User:      auth.User{ID: "admin-1", Email: "ops@example.com", Role: auth.RoleAdmin},
	}}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"ops@example.com","password":"secret-password"}`))
	rec := httptest.NewRecorder()
	server.handleLogin(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "tok" || resp.Role != "admin" || resp.ExpiresAt != exp.Format(time.RFC3339) {
		t.Fatalf("unexpected payload %+v", resp)
	}

	server.authService = &stubAuth{loginErr: auth.ErrInvalidCredentials}
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"ops@example.com","password":"nope"}`))
	rec = httptest.NewRecorder()
	server.handleLogin(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
