// Package testutil holds shared test doubles: a mock provider HTTP server and
// in-memory fakes for the store and API interfaces.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pitwall/raceday/iracing"
)

// MockProviderServer mocks the iRacing OAuth and data endpoints.
type MockProviderServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	tokenRequests int
}

// NewMockProviderServer creates a new mock provider server. Unregistered paths
// answer 404.
func NewMockProviderServer(t *testing.T) *MockProviderServer {
	t.Helper()
	m := &MockProviderServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// TokenRequests reports how many times the token endpoint was hit.
func (m *MockProviderServer) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenRequests
}

// MockTokenResponse adds a handler for the OAuth token endpoint.
func (m *MockProviderServer) MockTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.tokenRequests++
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		})
	}
}

// MockTokenRateLimited makes the token endpoint answer 401 with the provider's
// rate-limit error payload.
func (m *MockProviderServer) MockTokenRateLimited(description string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.tokenRequests++
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "access_denied",
			"error_description": description,
		})
	}
}

// MockDataResponse serves a JSON payload directly on a data endpoint path.
func (m *MockProviderServer) MockDataResponse(path string, payload any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// MockLinkedDataResponse serves the provider's {"link": ...} indirection: the
// data endpoint answers with a signed link to a second path holding the payload.
func (m *MockProviderServer) MockLinkedDataResponse(path string, payload any) {
	linkPath := path + "/_signed"
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"link": m.URL + linkPath})
	}
	m.Handlers[linkPath] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// MockDataStatus makes a data endpoint answer a bare status code.
func (m *MockProviderServer) MockDataStatus(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// FakeAPI implements iracing.API with per-method function fields. Unset
// methods fail the call.
type FakeAPI struct {
	RecentRacesFn   func(ctx context.Context, custID int64) (*iracing.MemberRecentRaces, error)
	ResultFn        func(ctx context.Context, subsessionID int64) (*iracing.SubsessionResult, error)
	LapChartDataFn  func(ctx context.Context, subsessionID int64, simsessionNumber int) ([]iracing.LapRow, error)
	MemberProfileFn func(ctx context.Context, custID int64) (*iracing.MemberProfile, error)
	CarsFn          func(ctx context.Context) ([]iracing.Car, error)
	SearchSeriesFn  func(ctx context.Context, seasonYear, seasonQuarter int) ([]iracing.SeriesResult, error)
}

func (f *FakeAPI) RecentRaces(ctx context.Context, custID int64) (*iracing.MemberRecentRaces, error) {
	if f.RecentRacesFn == nil {
		return nil, fmt.Errorf("RecentRaces not stubbed")
	}
	return f.RecentRacesFn(ctx, custID)
}

func (f *FakeAPI) Result(ctx context.Context, subsessionID int64) (*iracing.SubsessionResult, error) {
	if f.ResultFn == nil {
		return nil, fmt.Errorf("Result not stubbed")
	}
	return f.ResultFn(ctx, subsessionID)
}

func (f *FakeAPI) LapChartData(ctx context.Context, subsessionID int64, simsessionNumber int) ([]iracing.LapRow, error) {
	if f.LapChartDataFn == nil {
		return nil, fmt.Errorf("LapChartData not stubbed")
	}
	return f.LapChartDataFn(ctx, subsessionID, simsessionNumber)
}

func (f *FakeAPI) MemberProfile(ctx context.Context, custID int64) (*iracing.MemberProfile, error) {
	if f.MemberProfileFn == nil {
		return nil, fmt.Errorf("MemberProfile not stubbed")
	}
	return f.MemberProfileFn(ctx, custID)
}

func (f *FakeAPI) Cars(ctx context.Context) ([]iracing.Car, error) {
	if f.CarsFn == nil {
		return nil, fmt.Errorf("Cars not stubbed")
	}
	return f.CarsFn(ctx)
}

func (f *FakeAPI) SearchSeries(ctx context.Context, seasonYear, seasonQuarter int) ([]iracing.SeriesResult, error) {
	if f.SearchSeriesFn == nil {
		return nil, fmt.Errorf("SearchSeries not stubbed")
	}
	return f.SearchSeriesFn(ctx, seasonYear, seasonQuarter)
}

// MemStore is an in-memory stand-in for db.Store covering the subscription,
// token cache, and kv interfaces.
type MemStore struct {
	mu           sync.Mutex
	lastRace     map[string]string // "custID/channelID" -> timestamp
	displayNames map[int64]string
	channels     map[string][]int64
	tokens       map[string]string
	kv           map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		lastRace:     make(map[string]string),
		displayNames: make(map[int64]string),
		channels:     make(map[string][]int64),
		tokens:       make(map[string]string),
		kv:           make(map[string]string),
	}
}

func subKey(userID int64, channelID string) string {
	return fmt.Sprintf("%d/%s", userID, channelID)
}

func (s *MemStore) SaveSubscription(ctx context.Context, userID int64, channelID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayNames[userID] = displayName
	for _, u := range s.channels[channelID] {
		if u == userID {
			return nil
		}
	}
	s.channels[channelID] = append(s.channels[channelID], userID)
	return nil
}

func (s *MemStore) RemoveSubscription(ctx context.Context, userID int64, channelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.channels[channelID]
	for i, u := range users {
		if u == userID {
			s.channels[channelID] = append(users[:i], users[i+1:]...)
			delete(s.lastRace, subKey(userID, channelID))
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) LastRaceTime(ctx context.Context, userID int64, channelID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastRace[subKey(userID, channelID)]
	return v, ok, nil
}

func (s *MemStore) SetLastRaceTime(ctx context.Context, userID int64, channelID, raceTime string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRace[subKey(userID, channelID)] = raceTime
	return nil
}

func (s *MemStore) DisplayName(ctx context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayNames[userID], nil
}

func (s *MemStore) Channels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (s *MemStore) UsersByChannel(ctx context.Context, channelID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.channels[channelID]...), nil
}

func (s *MemStore) LoadToken(ctx context.Context, provider string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[provider]
	return tok, ok && tok != ""
}

func (s *MemStore) StoreToken(ctx context.Context, provider, token string, ttlSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[provider] = token
	return nil
}

func (s *MemStore) InvalidateToken(ctx context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, provider)
	return nil
}

func (s *MemStore) SetKV(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *MemStore) GetKV(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}
