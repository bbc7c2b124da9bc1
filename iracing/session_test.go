package iracing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitwall/raceday/telemetry"
)

func init() {
	telemetry.Init()
}

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]string)}
}

func (s *memTokenStore) LoadToken(ctx context.Context, provider string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[provider]
	return tok, ok && tok != ""
}

func (s *memTokenStore) StoreToken(ctx context.Context, provider, token string, ttlSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider] = token
	return nil
}

func (s *memTokenStore) InvalidateToken(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}

var testCreds = Credentials{
	ClientID:     "cid",
	ClientSecret: "csecret",
	Username:     "driver@example.com",
	Password:     "pw",
}

// providerServer serves both the token endpoint and the car catalog with
// per-endpoint call counting.
type providerServer struct {
	*httptest.Server
	mu         sync.Mutex
	tokenCalls int
	carCalls   int

	// carStatus overrides the first N car responses with this HTTP status.
	carStatus      int
	carStatusCount int
}

func newProviderServer(t *testing.T) *providerServer {
	t.Helper()
	p := &providerServer{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			p.mu.Lock()
			p.tokenCalls++
			n := p.tokenCalls
			p.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-" + string(rune('0'+n)),
				"expires_in":   3600,
			})
		case "/data/car/get":
			p.mu.Lock()
			p.carCalls++
			override := p.carStatusCount > 0
			if override {
				p.carStatusCount--
			}
			status := p.carStatus
			p.mu.Unlock()
			if override {
				w.WriteHeader(status)
				return
			}
			_ = json.NewEncoder(w).Encode([]Car{{CarID: 1, CarName: "MX-5"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(p.Close)
	return p
}

func (p *providerServer) counts() (token, car int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls, p.carCalls
}

func newTestSession(p *providerServer, store TokenStore, tracker *Tracker) *Session {
	return NewSession(SessionOptions{
		TokenURL:   p.URL + "/oauth2/token",
		APIBaseURL: p.URL,
		Creds:      testCreds,
		Store:      store,
		Tracker:    tracker,
		HTTPClient: p.Client(),
		RetryBase:  time.Millisecond,
	})
}

func TestSessionUsesCachedToken(t *testing.T) {
	p := newProviderServer(t)
	store := newMemTokenStore()
	_ = store.StoreToken(context.Background(), tokenProvider, "cached-tok", 3600)

	s := newTestSession(p, store, NewTracker())
	if _, err := s.Cars(context.Background()); err != nil {
		t.Fatalf("Cars() error = %v", err)
	}
	tokenCalls, carCalls := p.counts()
	if tokenCalls != 0 {
		t.Errorf("token endpoint called %d times with valid cache, want 0", tokenCalls)
	}
	if carCalls != 1 {
		t.Errorf("car endpoint called %d times, want 1", carCalls)
	}
}

func TestSessionReauthenticatesOnceOnTokenInvalid(t *testing.T) {
	p := newProviderServer(t)
	p.carStatus = http.StatusUnauthorized
	p.carStatusCount = 1

	store := newMemTokenStore()
	_ = store.StoreToken(context.Background(), tokenProvider, "stale-tok", 3600)

	s := newTestSession(p, store, NewTracker())
	cars, err := s.Cars(context.Background())
	if err != nil {
		t.Fatalf("Cars() error = %v", err)
	}
	if len(cars) != 1 {
		t.Fatalf("unexpected cars: %+v", cars)
	}
	tokenCalls, carCalls := p.counts()
	if tokenCalls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (single reauth)", tokenCalls)
	}
	if carCalls != 2 {
		t.Errorf("car endpoint called %d times, want 2 (retry after reauth)", carCalls)
	}
	// The stale cached token was invalidated before the fresh exchange.
	if tok, ok := store.LoadToken(context.Background(), tokenProvider); !ok || tok == "stale-tok" {
		t.Errorf("stale token still cached: %q ok=%v", tok, ok)
	}
}

func TestSessionSecondAuthFailurePropagates(t *testing.T) {
	p := newProviderServer(t)
	p.carStatus = http.StatusUnauthorized
	p.carStatusCount = 10 // every call fails

	s := newTestSession(p, newMemTokenStore(), NewTracker())
	_, err := s.Cars(context.Background())
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("error = %v, want ErrTokenInvalid", err)
	}
	tokenCalls, carCalls := p.counts()
	if tokenCalls != 2 {
		t.Errorf("token endpoint called %d times, want 2 (initial + single reauth)", tokenCalls)
	}
	if carCalls != 2 {
		t.Errorf("car endpoint called %d times, want 2", carCalls)
	}
}

func TestSessionTransientRetry(t *testing.T) {
	p := newProviderServer(t)
	p.carStatus = http.StatusServiceUnavailable
	p.carStatusCount = 2

	s := newTestSession(p, newMemTokenStore(), NewTracker())
	if _, err := s.Cars(context.Background()); err != nil {
		t.Fatalf("Cars() error = %v", err)
	}
	if _, carCalls := p.counts(); carCalls != 3 {
		t.Errorf("car endpoint called %d times, want 3", carCalls)
	}
}

func TestSessionTransientRetriesExhausted(t *testing.T) {
	p := newProviderServer(t)
	p.carStatus = http.StatusServiceUnavailable
	p.carStatusCount = 100

	s := newTestSession(p, newMemTokenStore(), NewTracker())
	_, err := s.Cars(context.Background())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
	if _, carCalls := p.counts(); carCalls != 3 {
		t.Errorf("car endpoint called %d times, want 3 (MaxAttempts)", carCalls)
	}
}

func TestSessionRateLimitedSkipsOutboundCalls(t *testing.T) {
	p := newProviderServer(t)
	tracker := NewTracker()
	now := time.Now()
	tracker.Restore(now.Add(time.Hour), now.Add(time.Hour))

	s := newTestSession(p, newMemTokenStore(), tracker)
	_, err := s.Cars(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	tokenCalls, carCalls := p.counts()
	if tokenCalls != 0 || carCalls != 0 {
		t.Errorf("outbound calls while limited: token=%d car=%d", tokenCalls, carCalls)
	}
}

func TestSessionRecordsRateLimitFromTokenEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error_description": "Rate limit exceeded. retry after 60 seconds. resets in 600 seconds",
		})
	}))
	defer server.Close()

	tracker := NewTracker()
	s := NewSession(SessionOptions{
		TokenURL:   server.URL,
		APIBaseURL: server.URL,
		Creds:      testCreds,
		Store:      newMemTokenStore(),
		Tracker:    tracker,
		HTTPClient: server.Client(),
	})
	_, err := s.AcquireToken(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if !tracker.Limited() {
		t.Error("tracker not limited after rate-limited token exchange")
	}
	want := 600*time.Second + blockBuffer
	if got := tracker.Remaining(); got > want || got < want-time.Second {
		t.Errorf("Remaining() = %v, want about %v", got, want)
	}
}

func TestSessionCountsTokenExchanges(t *testing.T) {
	p := newProviderServer(t)
	store := newMemTokenStore()
	s := newTestSession(p, store, NewTracker())

	before := testutil.ToFloat64(telemetry.TokenExchanges)
	if _, err := s.AcquireToken(context.Background()); err != nil {
		t.Fatalf("AcquireToken() error = %v", err)
	}
	if got := testutil.ToFloat64(telemetry.TokenExchanges) - before; got != 1 {
		t.Errorf("token exchange counter delta = %v, want 1", got)
	}

	// A cache hit is not an exchange.
	if _, err := s.AcquireToken(context.Background()); err != nil {
		t.Fatalf("AcquireToken() cached error = %v", err)
	}
	if got := testutil.ToFloat64(telemetry.TokenExchanges) - before; got != 1 {
		t.Errorf("token exchange counter delta after cache hit = %v, want 1", got)
	}
}

func TestSessionClearIsIdempotent(t *testing.T) {
	p := newProviderServer(t)
	store := newMemTokenStore()
	s := newTestSession(p, store, NewTracker())

	if _, err := s.Cars(context.Background()); err != nil {
		t.Fatalf("Cars() error = %v", err)
	}
	s.Clear(context.Background())
	s.Clear(context.Background())
	if _, ok := store.LoadToken(context.Background(), tokenProvider); ok {
		t.Error("token survived Clear")
	}

	// A fresh call recreates the client with a new exchange.
	if _, err := s.Cars(context.Background()); err != nil {
		t.Fatalf("Cars() after Clear error = %v", err)
	}
	tokenCalls, _ := p.counts()
	if tokenCalls != 2 {
		t.Errorf("token endpoint called %d times, want 2", tokenCalls)
	}
}
