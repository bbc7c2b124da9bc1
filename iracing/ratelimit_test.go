package iracing

import (
	"testing"
	"time"
)

func fixedNow() (time.Time, func() time.Time) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return now, func() time.Time { return now }
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name        string
		description string
		retryAfter  time.Duration
		resetsIn    time.Duration
	}{
		{
			name:        "both windows present",
			description: "Rate limit exceeded, please retry after 120 seconds. Limit resets in 1800 seconds.",
			retryAfter:  120 * time.Second,
			resetsIn:    1800 * time.Second,
		},
		{
			name:        "only retry after",
			description: "retry after 45 seconds",
			retryAfter:  45 * time.Second,
			resetsIn:    defaultResetsIn,
		},
		{
			name:        "only resets in",
			description: "limit resets in 600 seconds",
			retryAfter:  defaultRetryAfter,
			resetsIn:    600 * time.Second,
		},
		{
			name:        "malformed falls back to defaults",
			description: "you have been throttled",
			retryAfter:  defaultRetryAfter,
			resetsIn:    defaultResetsIn,
		},
		{
			name:        "empty description",
			description: "",
			retryAfter:  defaultRetryAfter,
			resetsIn:    defaultResetsIn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryAfter, resetsIn := parseWindow(tt.description)
			if retryAfter != tt.retryAfter {
				t.Errorf("retryAfter = %v, want %v", retryAfter, tt.retryAfter)
			}
			if resetsIn != tt.resetsIn {
				t.Errorf("resetsIn = %v, want %v", resetsIn, tt.resetsIn)
			}
		})
	}
}

func TestTrackerRecord(t *testing.T) {
	now, nowFn := fixedNow()
	tr := NewTracker()
	tr.now = nowFn

	if tr.Limited() {
		t.Fatal("fresh tracker reports limited")
	}
	if tr.Remaining() != 0 {
		t.Fatalf("fresh tracker Remaining() = %v, want 0", tr.Remaining())
	}

	var gotBlocked, gotReset time.Time
	tr.OnLimit = func(blockedUntil, resetAt time.Time) {
		gotBlocked, gotReset = blockedUntil, resetAt
	}

	tr.Record("retry after 120 seconds. resets in 3600 seconds")
	if !tr.Limited() {
		t.Fatal("tracker not limited after Record")
	}

	// The block uses the full reset window plus the buffer, not the shorter
	// retry-after hint.
	want := 3600*time.Second + blockBuffer
	if got := tr.Remaining(); got != want {
		t.Errorf("Remaining() = %v, want %v", got, want)
	}
	if !gotBlocked.Equal(now.Add(want)) {
		t.Errorf("OnLimit blockedUntil = %v, want %v", gotBlocked, now.Add(want))
	}
	if !gotReset.Equal(now.Add(3600 * time.Second)) {
		t.Errorf("OnLimit resetAt = %v, want %v", gotReset, now.Add(3600*time.Second))
	}
}

func TestTrackerRestore(t *testing.T) {
	now, nowFn := fixedNow()
	tr := NewTracker()
	tr.now = nowFn

	tr.Restore(now.Add(90*time.Second), now.Add(80*time.Second))
	if !tr.Limited() {
		t.Fatal("tracker not limited after Restore")
	}
	if got := tr.Remaining(); got != 90*time.Second {
		t.Errorf("Remaining() = %v, want 90s", got)
	}

	// A window entirely in the past restores to not-limited.
	tr.Restore(now.Add(-time.Minute), now.Add(-2*time.Minute))
	if tr.Limited() {
		t.Error("expired window still reports limited")
	}
}
