package credentials

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		tokens    []string
		wantCount int
		wantErr   bool
	}{
		{name: "nil list", tokens: nil, wantErr: true},
		{name: "empty list", tokens: []string{}, wantErr: true},
		{name: "all blank", tokens: []string{"", "   ", "\t"}, wantErr: true},
		{name: "single token", tokens: []string{"ghp_a"}, wantCount: 1},
		{name: "trims and drops blanks", tokens: []string{" ghp_a ", "", "ghp_b", "  "}, wantCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.tokens)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("New() error = %v, want ErrNoCredentials", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if r.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", r.Count(), tt.wantCount)
			}
			if r.Index() != 0 {
				t.Errorf("Index() = %d, want 0", r.Index())
			}
		})
	}
}

func TestNew_TrimsToken(t *testing.T) {
	r, err := New([]string{"  ghp_padded  "})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if r.Current() != "ghp_padded" {
		t.Errorf("Current() = %q, want %q", r.Current(), "ghp_padded")
	}
}

func TestAdvance_Circular(t *testing.T) {
	for count := 1; count <= 5; count++ {
		tokens := make([]string, count)
		for i := range tokens {
			tokens[i] = string(rune('a' + i))
		}
		r, err := New(tokens)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		// Start mid-cycle to cover more than the trivial start position.
		if count > 1 {
			r.Advance()
		}
		start := r.Index()

		for i := 0; i < count; i++ {
			r.Advance()
		}
		if r.Index() != start {
			t.Errorf("count=%d: Index() after full cycle = %d, want %d", count, r.Index(), start)
		}
	}
}

func TestAdvance_ChangesCurrent(t *testing.T) {
	r, _ := New([]string{"first", "second", "third"})

	want := []string{"first", "second", "third", "first"}
	for i, w := range want {
		if r.Current() != w {
			t.Errorf("step %d: Current() = %q, want %q", i, r.Current(), w)
		}
		r.Advance()
	}
}

func TestRotate_ReportsWrap(t *testing.T) {
	r, _ := New([]string{"a", "b"})

	if wrapped := r.Rotate(ReasonRateLimited); wrapped {
		t.Error("Rotate() from index 0 to 1 should not report wrap")
	}
	if wrapped := r.Rotate(ReasonRateLimited); !wrapped {
		t.Error("Rotate() from last index should report wrap")
	}
}

func TestRotate_SingleCredentialAlwaysWraps(t *testing.T) {
	r, _ := New([]string{"only"})
	if !r.Rotate(ReasonLowQuota) {
		t.Error("Rotate() with one credential should always wrap")
	}
	if r.Current() != "only" {
		t.Errorf("Current() = %q, want %q", r.Current(), "only")
	}
}

func TestAuthHeaders(t *testing.T) {
	r, _ := New([]string{"ghp_one", "ghp_two"})

	h := r.AuthHeaders()
	if got := h.Get("Authorization"); got != "Bearer ghp_one" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer ghp_one")
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}

	r.Advance()
	if got := r.AuthHeaders().Get("Authorization"); got != "Bearer ghp_two" {
		t.Errorf("Authorization after Advance = %q, want %q", got, "Bearer ghp_two")
	}
}

func TestApply(t *testing.T) {
	r, _ := New([]string{"ghp_apply"})
	req := httptest.NewRequest("POST", "/graphql", nil)

	r.Apply(req)

	if got := req.Header.Get("Authorization"); got != "Bearer ghp_apply" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer ghp_apply")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("ghp_secret")
	b := Fingerprint("ghp_secret")
	c := Fingerprint("ghp_other")

	if a != b {
		t.Errorf("Fingerprint not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Error("Different tokens should have different fingerprints")
	}
	if len(a) != 8 {
		t.Errorf("len(Fingerprint) = %d, want 8", len(a))
	}
}

func TestResetWait(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name  string
		reset int64
		want  time.Duration
	}{
		{name: "future reset adds skew", reset: now.Unix() + 60, want: 62 * time.Second},
		{name: "reset now", reset: now.Unix(), want: 2 * time.Second},
		{name: "reset one second ago", reset: now.Unix() - 1, want: 1 * time.Second},
		{name: "long past reset clamps to one second", reset: now.Unix() - 3600, want: 1 * time.Second},
		{name: "zero epoch clamps", reset: 0, want: 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResetWait(tt.reset, now); got != tt.want {
				t.Errorf("ResetWait() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitForReset_UsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var slept time.Duration

	r, _ := New([]string{"a"}, WithClock(
		func() time.Time { return now },
		func(ctx context.Context, d time.Duration) error {
			slept = d
			return nil
		},
	))

	if err := r.WaitForReset(context.Background(), now.Unix()+30); err != nil {
		t.Fatalf("WaitForReset() error = %v", err)
	}
	if slept != 32*time.Second {
		t.Errorf("slept %v, want 32s", slept)
	}
}

func TestWaitForReset_Cancelled(t *testing.T) {
	r, _ := New([]string{"a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := r.WaitForReset(ctx, time.Now().Unix()+3600)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForReset() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("WaitForReset() should return immediately on a cancelled context")
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Errorf("Sleep() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sleep() error = %v, want DeadlineExceeded", err)
	}
}
