package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fundflow/retry"
)

func TestHTTPDeliverer_PostsPayloadWithSecret(t *testing.T) {
	var (
		gotHeader string
		gotBody   CallbackPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotHeader = r.Header.Get(AuthHeader)
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.Client(), srv.URL, "s3cret")
	task := retry.Task{
		ID:           "payout-retry-order-1-2",
		OperationKey: "order-1",
		RetryCount:   1,
		Payload: map[string]any{
			retry.PayloadFailedPayoutID: "fpa-1",
			retry.PayloadOrderID:        "order-1",
		},
	}
	if err := d.Deliver(context.Background(), task); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotHeader != "s3cret" {
		t.Fatalf("expected secret header, got %q", gotHeader)
	}
	want := CallbackPayload{TaskID: task.ID, FailedPayoutAlertID: "fpa-1", OrderID: "order-1", RetryCount: 1}
	if gotBody != want {
		t.Fatalf("expected %+v, got %+v", want, gotBody)
	}
}

func TestHTTPDeliverer_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.Client(), srv.URL, "wrong")
	if err := d.Deliver(context.Background(), retry.Task{ID: "t1"}); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestPoller_PollOnceDeliversBatch(t *testing.T) {
	source := &fakeSource{tasks: []retry.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	deliverer := &fakeDeliverer{fail: map[string]bool{"b": true}}
	p := NewPoller(source, deliverer, PollerConfig{BatchSize: 10, MaxInFlight: 2})

	n, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 delivered, got %d", n)
	}
	if source.lastLimit != 10 {
		t.Fatalf("expected batch size 10, got %d", source.lastLimit)
	}
	if len(deliverer.seen) != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", len(deliverer.seen))
	}
}

func TestPoller_SourceError(t *testing.T) {
	p := NewPoller(&fakeSource{err: errors.New("db down")}, &fakeDeliverer{}, PollerConfig{})
	if _, err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("expected source error")
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	p := NewPoller(&fakeSource{}, &fakeDeliverer{}, PollerConfig{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

type fakeSource struct {
	tasks     []retry.Task
	err       error
	lastLimit int
}

func (f *fakeSource) DueTasks(_ context.Context, limit int, _ time.Duration) ([]retry.Task, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := f.tasks
	f.tasks = nil
	return out, nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	fail map[string]bool
	seen []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, task retry.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, task.ID)
	if f.fail[task.ID] {
		return errors.New("callback refused")
	}
	return nil
}

func TestDirectDeliverer(t *testing.T) {
	exec := &fakeExecutor{}
	if err := NewDirectDeliverer(exec).Deliver(context.Background(), retry.Task{ID: "t1"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if exec.got != "t1" {
		t.Fatalf("expected execute t1, got %q", exec.got)
	}
}

type fakeExecutor struct{ got string }

func (f *fakeExecutor) Execute(_ context.Context, taskID string) (retry.ExecuteResult, error) {
	f.got = taskID
	return retry.ExecuteResult{TaskID: taskID}, nil
}
