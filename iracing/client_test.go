package iracing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDataClientFollowsLink(t *testing.T) {
	var mux *http.ServeMux
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
	}))
	defer server.Close()

	mux = http.NewServeMux()
	mux.HandleFunc("/data/car/get", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"link": server.URL + "/signed/cars"})
	})
	mux.HandleFunc("/signed/cars", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Car{{CarID: 43, CarName: "Dallara P217"}})
	})

	c := &DataClient{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	cars, err := c.Cars(context.Background())
	if err != nil {
		t.Fatalf("Cars() error = %v", err)
	}
	if len(cars) != 1 || cars[0].CarName != "Dallara P217" {
		t.Errorf("unexpected cars: %+v", cars)
	}
}

func TestDataClientDirectPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cust_id") != "911" {
			t.Errorf("cust_id = %s, want 911", r.URL.Query().Get("cust_id"))
		}
		_ = json.NewEncoder(w).Encode(MemberRecentRaces{
			CustID: 911,
			Races:  []Race{{SubsessionID: 77, SeriesName: "GT3 Sprint"}},
		})
	}))
	defer server.Close()

	c := &DataClient{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	recent, err := c.MemberRecentRaces(context.Background(), 911)
	if err != nil {
		t.Fatalf("MemberRecentRaces() error = %v", err)
	}
	if len(recent.Races) != 1 || recent.Races[0].SubsessionID != 77 {
		t.Errorf("unexpected result: %+v", recent)
	}
}

func TestDataClientSearchSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("season_year") != "2026" || q.Get("season_quarter") != "1" {
			t.Errorf("season query = %v", q)
		}
		_ = json.NewEncoder(w).Encode([]SeriesResult{{SeriesID: 12, SeriesName: "GT Sprint"}})
	}))
	defer server.Close()

	c := &DataClient{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	series, err := c.SearchSeries(context.Background(), 2026, 1)
	if err != nil {
		t.Fatalf("SearchSeries() error = %v", err)
	}
	if len(series) != 1 || series[0].SeriesName != "GT Sprint" {
		t.Errorf("unexpected series: %+v", series)
	}
}

func TestDataClientErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized maps to token invalid", http.StatusUnauthorized, ErrTokenInvalid},
		{"too many requests is transient", http.StatusTooManyRequests, ErrTransient},
		{"bad gateway is transient", http.StatusBadGateway, ErrTransient},
		{"service unavailable is transient", http.StatusServiceUnavailable, ErrTransient},
		{"gateway timeout is transient", http.StatusGatewayTimeout, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := &DataClient{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
			_, err := c.Cars(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDataClientBadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer server.Close()

	c := &DataClient{BaseURL: server.URL, Token: "tok", HTTPClient: server.Client()}
	_, err := c.Cars(context.Background())
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("error = %v, want ErrBadResponse", err)
	}
}
