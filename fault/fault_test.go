package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransient},
		{"net", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransient},
		{"5xx", statusErr{code: 503}, KindTransient},
		{"429", statusErr{code: 429}, KindTransient},
		{"4xx", statusErr{code: 422}, KindValidation},
		{"explicit validation", Validation("payout", errors.New("bad destination")), KindValidation},
		{"wrapped integrity", fmt.Errorf("exec: %w", Integrity("retry", CodeTaskIntegrity, errors.New("missing"))), KindIntegrity},
		{"unknown", errors.New("boom"), KindTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
	if Classify(nil) != "" {
		t.Fatal("expected empty kind for nil error")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(context.DeadlineExceeded); got != CodeTimeout {
		t.Fatalf("expected %s, got %s", CodeTimeout, got)
	}
	if got := CodeOf(New("cleanup", CodeTaskTimeout, nil)); got != CodeTaskTimeout {
		t.Fatalf("expected %s, got %s", CodeTaskTimeout, got)
	}
	if got := CodeOf(statusErr{code: 400}); got != CodeInvalidInput {
		t.Fatalf("expected %s, got %s", CodeInvalidInput, got)
	}
}

func TestErrorUnwrapAndMeta(t *testing.T) {
	base := errors.New("gateway refused")
	err := Transient("payout", base).WithMeta("order_id", "o-1")
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to unwrap to base")
	}
	if !err.Retryable() {
		t.Fatal("expected transient error to be retryable")
	}
	if err.Meta["order_id"] != "o-1" {
		t.Fatalf("unexpected meta: %+v", err.Meta)
	}
	if IsRetryable(New("lock", CodeLockHeld, nil)) {
		t.Fatal("contention must not be retryable through the retry budget")
	}
}
