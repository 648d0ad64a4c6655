package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	base := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		r       float64
		want    time.Duration
	}{
		{name: "first attempt", policy: base, attempt: 1, r: 0.5, want: 100 * time.Millisecond},
		{name: "second attempt doubles", policy: base, attempt: 2, r: 0.5, want: 200 * time.Millisecond},
		{name: "fifth attempt", policy: base, attempt: 5, r: 0.5, want: 1600 * time.Millisecond},
		{name: "zero attempt treated as first", policy: base, attempt: 0, r: 0, want: 100 * time.Millisecond},
		{
			name:    "jitter adds fraction of base",
			policy:  Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5},
			attempt: 1,
			r:       1,
			want:    150 * time.Millisecond,
		},
		{name: "clamped to max", policy: base, attempt: 20, r: 0, want: 10 * time.Second},
		{
			name:    "factor below one is treated as constant",
			policy:  Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 0},
			attempt: 4,
			want:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.DelayWithRand(tt.attempt, tt.r); got != tt.want {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.r, got, tt.want)
			}
		})
	}
}

func TestDelayStaysWithinBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		if d <= 0 || d > p.Max {
			t.Errorf("Delay(%d) = %v, outside (0, %v]", attempt, d, p.Max)
		}
	}
}

func TestSleep(t *testing.T) {
	t.Run("completes", func(t *testing.T) {
		if err := Sleep(context.Background(), time.Millisecond); err != nil {
			t.Errorf("Sleep() error = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		err := Sleep(ctx, time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Sleep() error = %v, want context.Canceled", err)
		}
		if time.Since(start) > time.Second {
			t.Error("Sleep() did not return promptly on cancellation")
		}
	})

	t.Run("zero duration", func(t *testing.T) {
		if err := Sleep(context.Background(), 0); err != nil {
			t.Errorf("Sleep(0) error = %v", err)
		}
	})
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "default", policy: DefaultPolicy()},
		{name: "zero", policy: Policy{}},
		{name: "negative initial", policy: Policy{Initial: -time.Second}, wantErr: true},
		{name: "initial above max", policy: Policy{Initial: time.Minute, Max: time.Second}, wantErr: true},
		{name: "jitter too large", policy: Policy{Jitter: 1.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
