package iracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// DataClient is the low-level client for the iRacing data endpoints. Most
// endpoints respond with a short-lived S3 link rather than the payload itself;
// get follows that indirection transparently.
type DataClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func (c *DataClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Race is one entry from the recent-races endpoint.
type Race struct {
	SeriesName       string `json:"series_name"`
	SeriesID         int    `json:"series_id"`
	CarID            int    `json:"car_id"`
	SessionStartTime string `json:"session_start_time"`
	StartPosition    int    `json:"start_position"`
	FinishPosition   int    `json:"finish_position"`
	Laps             int    `json:"laps"`
	Incidents        int    `json:"incidents"`
	Points           int    `json:"points"`
	SubsessionID     int64  `json:"subsession_id"`
	OldSubLevel      int    `json:"old_sub_level"`
	NewSubLevel      int    `json:"new_sub_level"`
	OldiRating       int    `json:"oldi_rating"`
	NewiRating       int    `json:"newi_rating"`
	Track            struct {
		TrackName string `json:"track_name"`
	} `json:"track"`
}

// MemberRecentRaces wraps the recent-races payload; Races[0] is most recent.
type MemberRecentRaces struct {
	CustID int64  `json:"cust_id"`
	Races  []Race `json:"races"`
}

// LicenseBand maps a license level range to its display group.
type LicenseBand struct {
	MinLicenseLevel int    `json:"min_license_level"`
	MaxLicenseLevel int    `json:"max_license_level"`
	GroupName       string `json:"group_name"`
}

// TeamDriver is one roster member inside a team result.
type TeamDriver struct {
	CustID      int64  `json:"cust_id"`
	DisplayName string `json:"display_name"`
}

// SessionResult is a single classified entity (driver or team) in one
// simsession. FinishPosition is 0-based on the wire.
type SessionResult struct {
	CustID          int64        `json:"cust_id"`
	TeamID          int64        `json:"team_id"`
	DisplayName     string       `json:"display_name"`
	FinishPosition  int          `json:"finish_position"`
	CarClassID      int          `json:"car_class_id"`
	BestLapTime     int64        `json:"best_lap_time"`
	AverageLap      int64        `json:"average_lap"`
	OldLicenseLevel int          `json:"old_license_level"`
	DriverResults   []TeamDriver `json:"driver_results"`
}

// SimSession is one session (practice, qualify, race) inside a subsession.
type SimSession struct {
	SimsessionName   string          `json:"simsession_name"`
	SimsessionNumber int             `json:"simsession_number"`
	Results          []SessionResult `json:"results"`
}

// SubsessionResult is the full classified result for one subsession.
type SubsessionResult struct {
	SubsessionID             int64         `json:"subsession_id"`
	SeriesLogo               string        `json:"series_logo"`
	EventStrengthOfField     int           `json:"event_strength_of_field"`
	AllowedLicenses          []LicenseBand `json:"allowed_licenses"`
	AssociatedSubsessionIDs  []int64       `json:"associated_subsession_ids"`
	SessionResults           []SimSession  `json:"session_results"`
}

// LapRow is one raw per-lap position sample. GroupID is the competitive
// entity: the driver's cust id in individual events, the team id in team events.
type LapRow struct {
	GroupID     int64 `json:"group_id"`
	CustID      int64 `json:"cust_id"`
	LapNumber   int   `json:"lap_number"`
	LapPosition int   `json:"lap_position"`
}

// MemberProfile is the subset of the member-profile payload we use.
type MemberProfile struct {
	MemberInfo struct {
		CustID      int64  `json:"cust_id"`
		DisplayName string `json:"display_name"`
	} `json:"member_info"`
}

// Car is one entry from the car catalog.
type Car struct {
	CarID   int    `json:"car_id"`
	CarName string `json:"car_name"`
}

// SeriesResult is one entry from the series search endpoint.
type SeriesResult struct {
	SeriesID   int    `json:"series_id"`
	SeriesName string `json:"series_name"`
	Category   string `json:"category"`
}

// get performs an authenticated GET, following the provider's {"link": ...}
// indirection when present, and decodes the final payload into out.
func (c *DataClient) get(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.fetch(ctx, c.BaseURL+path, query)
	if err != nil {
		return err
	}
	var link struct {
		Link string `json:"link"`
	}
	// Endpoints answer either with the payload directly or with a signed link.
	if err := json.Unmarshal(body, &link); err == nil && link.Link != "" {
		body, err = c.fetch(ctx, link.Link, nil)
		if err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBadResponse, path, err)
	}
	return nil
}

func (c *DataClient) fetch(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.http().Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrTokenInvalid
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	default:
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request %s failed: %s: %s", rawURL, resp.Status, string(b))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return body, nil
}

// MemberRecentRaces lists the member's most recent races, newest first.
func (c *DataClient) MemberRecentRaces(ctx context.Context, custID int64) (*MemberRecentRaces, error) {
	q := url.Values{"cust_id": {strconv.FormatInt(custID, 10)}}
	var out MemberRecentRaces
	if err := c.get(ctx, "/data/stats/member_recent_races", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result fetches the full classified result for a subsession.
func (c *DataClient) Result(ctx context.Context, subsessionID int64) (*SubsessionResult, error) {
	q := url.Values{"subsession_id": {strconv.FormatInt(subsessionID, 10)}}
	var out SubsessionResult
	if err := c.get(ctx, "/data/results/get", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LapChartData fetches per-lap position samples for one simsession of a subsession.
func (c *DataClient) LapChartData(ctx context.Context, subsessionID int64, simsessionNumber int) ([]LapRow, error) {
	q := url.Values{
		"subsession_id":     {strconv.FormatInt(subsessionID, 10)},
		"simsession_number": {strconv.Itoa(simsessionNumber)},
	}
	var out []LapRow
	if err := c.get(ctx, "/data/results/lap_chart_data", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MemberProfile fetches a member's public profile.
func (c *DataClient) MemberProfile(ctx context.Context, custID int64) (*MemberProfile, error) {
	q := url.Values{"cust_id": {strconv.FormatInt(custID, 10)}}
	var out MemberProfile
	if err := c.get(ctx, "/data/member/profile", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cars fetches the car catalog.
func (c *DataClient) Cars(ctx context.Context) ([]Car, error) {
	var out []Car
	if err := c.get(ctx, "/data/car/get", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchSeries lists the series for a season.
func (c *DataClient) SearchSeries(ctx context.Context, seasonYear, seasonQuarter int) ([]SeriesResult, error) {
	q := url.Values{
		"season_year":    {strconv.Itoa(seasonYear)},
		"season_quarter": {strconv.Itoa(seasonQuarter)},
	}
	var out []SeriesResult
	if err := c.get(ctx, "/data/series/get", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}
