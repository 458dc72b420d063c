package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
)

func TestPolicyDo(t *testing.T) {
	transient := errors.New("store unavailable")
	tests := []struct {
		name      string
		policy    Policy
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"first attempt succeeds", Policy{Attempts: 3, BaseDelay: time.Millisecond}, 0, 1, false},
		{"succeeds on retry", Policy{Attempts: 3, BaseDelay: time.Millisecond}, 2, 3, false},
		{"exhausted", Policy{Attempts: 3, BaseDelay: time.Millisecond}, 10, 3, true},
		{"zero attempts runs once", Policy{Attempts: 0, BaseDelay: time.Millisecond}, 10, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return transient
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, transient) {
				t.Errorf("expected transient error, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	calls := 0
	sentinel := errors.New("duplicate audit id")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, time.Second, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestAuditPolicyIsBounded(t *testing.T) {
	if AuditPolicy.Attempts < 1 || AuditPolicy.Attempts > 5 {
		t.Errorf("unexpected audit attempts %d", AuditPolicy.Attempts)
	}
}

func TestDo_DomainErrorsAreFinal(t *testing.T) {
	calls := 0
	err := AuditPolicy.Do(context.Background(), func() error {
		calls++
		return apperr.Validation("invalid_persona", "persona_id", "persona_id is required")
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("connection reset"), true},
		{"internal", apperr.Internal("store failed", errors.New("boom")), true},
		{"not found", apperr.NotFound("model_not_found", "no model"), false},
		{"permanent", Permanent(errors.New("x")), false},
		{"cancelled", context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{Attempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for n := 0; n < 8; n++ {
		if d := p.backoff(n); d > 50*time.Millisecond {
			t.Errorf("backoff(%d) = %v, exceeds cap plus jitter", n, d)
		}
	}
}
