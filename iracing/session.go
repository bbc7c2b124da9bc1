package iracing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pitwall/raceday/telemetry"
)

// TokenStore persists the access token between runs so restarts avoid a
// needless OAuth exchange. Implementations must treat a corrupt or missing
// store as a cache miss.
type TokenStore interface {
	LoadToken(ctx context.Context, provider string) (token string, ok bool)
	StoreToken(ctx context.Context, provider, token string, ttlSeconds int) error
	InvalidateToken(ctx context.Context, provider string) error
}

// tokenProvider is the oauth_tokens row key for this provider.
const tokenProvider = "iracing"

// API is the fixed set of provider operations the rest of the service uses.
// Session implements it with transparent re-authentication: a token-invalid or
// malformed-response failure clears the cached handle, re-authenticates once,
// and retries; a second failure propagates.
type API interface {
	RecentRaces(ctx context.Context, custID int64) (*MemberRecentRaces, error)
	Result(ctx context.Context, subsessionID int64) (*SubsessionResult, error)
	LapChartData(ctx context.Context, subsessionID int64, simsessionNumber int) ([]LapRow, error)
	MemberProfile(ctx context.Context, custID int64) (*MemberProfile, error)
	Cars(ctx context.Context) ([]Car, error)
	SearchSeries(ctx context.Context, seasonYear, seasonQuarter int) ([]SeriesResult, error)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	TokenURL   string
	APIBaseURL string
	Creds      Credentials
	Store      TokenStore
	Tracker    *Tracker
	HTTPClient *http.Client

	// RetryBase is the initial backoff for transient provider faults; it
	// doubles each attempt. Zero means the 60s default.
	RetryBase time.Duration
	// MaxAttempts bounds transient retries per call. Zero means 3.
	MaxAttempts int
}

// Session owns the single live data client for the process. All state
// transitions (create, clear, recreate) go through its methods; there is no
// package-level singleton.
type Session struct {
	opts SessionOptions

	mu     sync.Mutex
	client *DataClient
}

// NewSession builds a Session. The tracker and store are required; the HTTP
// client defaults to one with a 20s timeout when nil.
func NewSession(opts SessionOptions) *Session {
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Session{opts: opts}
}

// Tracker exposes the session's rate-limit tracker.
func (s *Session) Tracker() *Tracker { return s.opts.Tracker }

// AcquireToken returns a usable access token: cache hit first, then a fresh
// OAuth exchange. Rate-limited and missing-credential outcomes surface as
// ErrUnavailable, not as alarms.
func (s *Session) AcquireToken(ctx context.Context) (string, error) {
	if s.opts.Store != nil {
		if tok, ok := s.opts.Store.LoadToken(ctx, tokenProvider); ok {
			slog.Debug("using cached access token")
			return tok, nil
		}
	}
	if s.opts.Tracker.Limited() {
		slog.Info("skipping oauth request, rate limited",
			slog.Duration("remaining", s.opts.Tracker.Remaining()))
		return "", ErrUnavailable
	}
	if !s.opts.Creds.Complete() {
		slog.Error("missing oauth credentials in environment")
		return "", ErrUnavailable
	}
	res, err := Authenticate(ctx, s.opts.HTTPClient, s.opts.TokenURL, s.opts.Creds)
	if err != nil {
		var rle *RateLimitError
		if errors.As(err, &rle) {
			s.opts.Tracker.Record(rle.Description)
			return "", ErrUnavailable
		}
		slog.Error("oauth token request failed", slog.Any("err", err))
		return "", ErrUnavailable
	}
	telemetry.TokenExchanges.Inc()
	slog.Info("fresh oauth token obtained")
	if s.opts.Store != nil {
		if err := s.opts.Store.StoreToken(ctx, tokenProvider, res.AccessToken, res.ExpiresIn); err != nil {
			slog.Warn("token cache write failed", slog.Any("err", err))
		}
	}
	return res.AccessToken, nil
}

// getClient returns the live data client, creating it when needed. At most
// one handle exists at a time.
func (s *Session) getClient(ctx context.Context) (*DataClient, error) {
	if s.opts.Tracker.Limited() {
		slog.Info("skipping client creation, rate limited",
			slog.Duration("remaining", s.opts.Tracker.Remaining()))
		return nil, ErrUnavailable
	}

	s.mu.Lock()
	if s.client != nil {
		c := s.client
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	tok, err := s.AcquireToken(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.client = &DataClient{
			BaseURL:    s.opts.APIBaseURL,
			Token:      tok,
			HTTPClient: s.opts.HTTPClient,
		}
		slog.Info("data client created")
	}
	return s.client, nil
}

// Clear drops the cached handle and invalidates the persisted token. It is
// idempotent and safe to call after any detected auth failure.
func (s *Session) Clear(ctx context.Context) {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	if s.opts.Store != nil {
		if err := s.opts.Store.InvalidateToken(ctx, tokenProvider); err != nil {
			slog.Warn("token invalidation failed", slog.Any("err", err))
		}
	}
	slog.Info("cleared cached data client")
}

// call runs one provider operation with the shared failure policy: transient
// faults retry with doubling backoff, an auth/decoding fault triggers exactly
// one clear-and-reauthenticate retry, and a repeat failure propagates.
func call[T any](s *Session, ctx context.Context, fn func(context.Context, *DataClient) (T, error)) (T, error) {
	var zero T
	reauthed := false
	backoff := s.opts.RetryBase
	for attempt := 1; ; attempt++ {
		client, err := s.getClient(ctx)
		if err != nil {
			return zero, err
		}
		v, err := fn(ctx, client)
		if err == nil {
			return v, nil
		}
		if (errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrBadResponse)) && !reauthed {
			slog.Info("token or session fault mid-call, re-authenticating", slog.Any("err", err))
			reauthed = true
			s.Clear(ctx)
			continue
		}
		if errors.Is(err, ErrTransient) && attempt < s.opts.MaxAttempts {
			slog.Warn("transient provider fault, backing off",
				slog.Any("err", err), slog.Duration("backoff", backoff), slog.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return zero, err
	}
}

func (s *Session) RecentRaces(ctx context.Context, custID int64) (*MemberRecentRaces, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) (*MemberRecentRaces, error) {
		return c.MemberRecentRaces(ctx, custID)
	})
}

func (s *Session) Result(ctx context.Context, subsessionID int64) (*SubsessionResult, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) (*SubsessionResult, error) {
		return c.Result(ctx, subsessionID)
	})
}

func (s *Session) LapChartData(ctx context.Context, subsessionID int64, simsessionNumber int) ([]LapRow, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) ([]LapRow, error) {
		return c.LapChartData(ctx, subsessionID, simsessionNumber)
	})
}

func (s *Session) MemberProfile(ctx context.Context, custID int64) (*MemberProfile, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) (*MemberProfile, error) {
		return c.MemberProfile(ctx, custID)
	})
}

func (s *Session) Cars(ctx context.Context) ([]Car, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) ([]Car, error) {
		return c.Cars(ctx)
	})
}

func (s *Session) SearchSeries(ctx context.Context, seasonYear, seasonQuarter int) ([]SeriesResult, error) {
	return call(s, ctx, func(ctx context.Context, c *DataClient) ([]SeriesResult, error) {
		return c.SearchSeries(ctx, seasonYear, seasonQuarter)
	})
}
