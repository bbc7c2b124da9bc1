package race

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitwall/raceday/iracing"
)

// Summary is everything the formatted race message needs.
type Summary struct {
	DisplayName      string
	SeriesName       string
	CarName          string
	TrackName        string
	SessionStartTime string // Discord dynamic timestamp markup
	StartPosition    int
	FinishPosition   int
	Laps             int
	Incidents        int
	Points           int
	SOF              int
	SRChange         string
	IRChange         string
	License          string
	SplitNumber      string
	SeriesLogo       string
	FastestLap       string
	AverageLap       string
}

// subsessionDetail is the per-driver slice of the full result used by the summary.
type subsessionDetail struct {
	splitNumber string
	seriesLogo  string
	fastestLap  string
	averageLap  string
	license     string
	sof         int
}

// BuildSummary assembles the posted race summary for one driver. Any missing
// expected field (car not in catalog, driver absent from the race session)
// is a data fault: it is reported as an error and the caller skips the
// notification instead of posting a partial one.
func BuildSummary(ctx context.Context, api iracing.API, cars *iracing.CarCache, store Store, r *iracing.Race, custID int64) (*Summary, error) {
	detail, err := subsessionDetailFor(ctx, api, r.SubsessionID, custID)
	if err != nil {
		return nil, err
	}

	carName, ok := cars.Name(ctx, r.CarID)
	if !ok {
		return nil, fmt.Errorf("car %d not found in catalog", r.CarID)
	}

	displayName, err := store.DisplayName(ctx, custID)
	if err != nil || displayName == "" {
		displayName = fmt.Sprintf("%d", custID)
	}

	startTime, err := time.Parse(time.RFC3339, r.SessionStartTime)
	if err != nil {
		return nil, fmt.Errorf("malformed session start time %q: %w", r.SessionStartTime, err)
	}

	oldSR := float64(r.OldSubLevel) / 100
	newSR := float64(r.NewSubLevel) / 100
	srChange := newSR - oldSR
	licenseLetter := "?"
	if detail.license != "" {
		parts := strings.Fields(detail.license)
		licenseLetter = parts[len(parts)-1]
	}
	srChangeStr := fmt.Sprintf("%s%.2f (%s%.2f)", signPrefix(srChange), srChange, licenseLetter, newSR)

	irChange := r.NewiRating - r.OldiRating
	irChangeStr := fmt.Sprintf("%s%d (%d)", signPrefix(float64(irChange)), irChange, r.NewiRating)

	return &Summary{
		DisplayName:      displayName,
		SeriesName:       r.SeriesName,
		CarName:          carName,
		TrackName:        r.Track.TrackName,
		SessionStartTime: fmt.Sprintf("<t:%d:f>", startTime.Unix()),
		StartPosition:    r.StartPosition,
		FinishPosition:   r.FinishPosition,
		Laps:             r.Laps,
		Incidents:        r.Incidents,
		Points:           r.Points,
		SOF:              detail.sof,
		SRChange:         srChangeStr,
		IRChange:         irChangeStr,
		License:          detail.license,
		SplitNumber:      detail.splitNumber,
		SeriesLogo:       detail.seriesLogo,
		FastestLap:       detail.fastestLap,
		AverageLap:       detail.averageLap,
	}, nil
}

func signPrefix(v float64) string {
	if v > 0 {
		return "+"
	}
	return ""
}

func subsessionDetailFor(ctx context.Context, api iracing.API, subsessionID, custID int64) (*subsessionDetail, error) {
	result, err := api.Result(ctx, subsessionID)
	if err != nil {
		return nil, err
	}

	splitNumber := "N/A"
	if n := splitIndex(result.AssociatedSubsessionIDs, subsessionID); n > 0 {
		splitNumber = fmt.Sprintf("%d of %d", n, len(result.AssociatedSubsessionIDs))
	}

	raceSession := findRaceSession(result)
	if raceSession == nil {
		return nil, fmt.Errorf("subsession %d has no RACE session", subsessionID)
	}
	var driver *iracing.SessionResult
	for i := range raceSession.Results {
		if raceSession.Results[i].CustID == custID {
			driver = &raceSession.Results[i]
			break
		}
	}
	if driver == nil {
		return nil, fmt.Errorf("driver %d not found in subsession %d results", custID, subsessionID)
	}

	return &subsessionDetail{
		splitNumber: splitNumber,
		seriesLogo:  result.SeriesLogo,
		fastestLap:  FormatLapTime(driver.BestLapTime),
		averageLap:  FormatLapTime(driver.AverageLap),
		license:     licenseGroup(driver.OldLicenseLevel, result.AllowedLicenses),
		sof:         result.EventStrengthOfField,
	}, nil
}

// splitIndex returns the 1-based position of subsessionID among its splits,
// zero when absent.
func splitIndex(splits []int64, subsessionID int64) int {
	for i, id := range splits {
		if id == subsessionID {
			return i + 1
		}
	}
	return 0
}

func findRaceSession(result *iracing.SubsessionResult) *iracing.SimSession {
	for i := range result.SessionResults {
		if result.SessionResults[i].SimsessionName == "RACE" {
			return &result.SessionResults[i]
		}
	}
	return nil
}

// licenseGroup maps a license level onto its display band, empty when no band matches.
func licenseGroup(level int, bands []iracing.LicenseBand) string {
	for _, b := range bands {
		if b.MinLicenseLevel <= level && level <= b.MaxLicenseLevel {
			return b.GroupName
		}
	}
	return ""
}

// FormatLapTime renders a lap time given in ten-thousandths of a second as
// m:ss.mmm (or ss.mmm under a minute). Zero and negative values mean no lap
// was set and render as N/A.
func FormatLapTime(v int64) string {
	if v <= 0 {
		return "N/A"
	}
	totalSeconds := v / 10000
	millis := (v % 10000) / 10
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60
	if minutes == 0 {
		return fmt.Sprintf("%02d.%03d", seconds, millis)
	}
	return fmt.Sprintf("%d:%02d.%03d", minutes, seconds, millis)
}

// Message renders the summary in the posted text layout.
func (s *Summary) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", s.DisplayName)
	fmt.Fprintf(&b, "Series Name: %s\n", s.SeriesName)
	fmt.Fprintf(&b, "Car: %s\n", s.CarName)
	fmt.Fprintf(&b, "Track Name: %s\n", s.TrackName)
	fmt.Fprintf(&b, "Session Start Time: %s\n", s.SessionStartTime)
	fmt.Fprintf(&b, "Start Position: %d\n", s.StartPosition)
	fmt.Fprintf(&b, "Finish Position: %d\n", s.FinishPosition)
	fmt.Fprintf(&b, "Laps complete: %d\n", s.Laps)
	fmt.Fprintf(&b, "Points: %d\n", s.Points)
	fmt.Fprintf(&b, "Strength of Field (SOF): %d\n", s.SOF)
	fmt.Fprintf(&b, "Incidents: %d\n", s.Incidents)
	fmt.Fprintf(&b, "SR Change: %s\n", s.SRChange)
	fmt.Fprintf(&b, "iRating Change: %s\n", s.IRChange)
	fmt.Fprintf(&b, "User License: %s\n", s.License)
	fmt.Fprintf(&b, "Split Number: %s\n", s.SplitNumber)
	fmt.Fprintf(&b, "Fastest Lap: %s\n", s.FastestLap)
	fmt.Fprintf(&b, "Average Lap: %s\n", s.AverageLap)
	return b.String()
}
