package provider

import (
	"testing"
	"time"
)

func TestRetryPolicyBackoffGrowsWithCap(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
	}
	for _, c := range cases {
		if got := p.Backoff(c.attempt); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRetryPolicyBackoffRespectsCap(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.Backoff(10); got != p.Cap {
		t.Errorf("Backoff(10) = %v, want cap %v", got, p.Cap)
	}
}

func TestRetryableErrorKinds(t *testing.T) {
	cases := map[ErrorKind]bool{
		ErrRateLimited:      true,
		ErrNetworkTransient: true,
		ErrUnauthorized:     false,
		ErrBadRequest:       false,
		ErrServerError:      false,
		ErrCancelled:        false,
	}
	for kind, want := range cases {
		e := &Error{Kind: kind}
		if got := e.Retryable(); got != want {
			t.Errorf("Error{Kind: %s}.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	base := time.Second
	lo := p.Jitter(base, 0)
	hi := p.Jitter(base, 1)
	if lo >= base {
		t.Errorf("expected jitter(0) below base, got %v >= %v", lo, base)
	}
	if hi <= base {
		t.Errorf("expected jitter(1) above base, got %v <= %v", hi, base)
	}
}
