package iracing

import (
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	retryAfterRe = regexp.MustCompile(`retry after (\d+) seconds`)
	resetsInRe   = regexp.MustCompile(`resets in (\d+) seconds`)
)

// Default windows applied when the provider's message cannot be parsed.
const (
	defaultRetryAfter = 60 * time.Second
	defaultResetsIn   = 3600 * time.Second
)

// blockBuffer pads blockedUntil past the provider's stated reset.
const blockBuffer = 10 * time.Second

// Tracker records the provider-imposed OAuth rate limit window. It is shared
// process-wide; a new Record call overwrites the previous episode entirely.
type Tracker struct {
	mu           sync.Mutex
	blockedUntil time.Time
	resetAt      time.Time

	// OnLimit, when set, is invoked after each Record with the new window
	// (used to mirror the state into the kv table).
	OnLimit func(blockedUntil, resetAt time.Time)

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker returns a Tracker with both timestamps in the past (not limited).
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// parseWindow extracts the retry/reset windows from the provider's
// human-readable error_description, falling back to defaults.
func parseWindow(description string) (retryAfter, resetsIn time.Duration) {
	retryAfter, resetsIn = defaultRetryAfter, defaultResetsIn
	if m := retryAfterRe.FindStringSubmatch(description); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			retryAfter = time.Duration(n) * time.Second
		}
	}
	if m := resetsInRe.FindStringSubmatch(description); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			resetsIn = time.Duration(n) * time.Second
		}
	}
	return retryAfter, resetsIn
}

// Record sets the limit window from a provider error payload. The full reset
// window is used rather than the shorter retry-after hint, plus a small buffer,
// so we never probe the endpoint while the limit is still in force.
func (t *Tracker) Record(description string) {
	_, resetsIn := parseWindow(description)
	now := t.now()

	t.mu.Lock()
	t.resetAt = now.Add(resetsIn)
	t.blockedUntil = now.Add(resetsIn + blockBuffer)
	blockedUntil, resetAt := t.blockedUntil, t.resetAt
	t.mu.Unlock()

	slog.Warn("provider rate limit recorded",
		slog.Duration("resets_in", resetsIn),
		slog.Time("blocked_until", blockedUntil))
	if t.OnLimit != nil {
		t.OnLimit(blockedUntil, resetAt)
	}
}

// Restore seeds the tracker from persisted state (used at boot so a restart
// inside a limit window does not immediately probe the provider again).
func (t *Tracker) Restore(blockedUntil, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockedUntil = blockedUntil
	t.resetAt = resetAt
}

// Limited reports whether we are inside the blocked window.
func (t *Tracker) Limited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.blockedUntil)
}

// Remaining returns the time left on the block, zero when not limited.
func (t *Tracker) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.blockedUntil.Sub(t.now())
	if d < 0 {
		return 0
	}
	return d
}
