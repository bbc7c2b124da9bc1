// Package race holds the domain logic: new-race detection with per-channel
// deduplication, race summary formatting, and lap-by-lap standings
// reconstruction for charting.
package race

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pitwall/raceday/iracing"
)

// Store is the persistence the detector and summary builder need. db.Store
// implements it; tests use in-memory fakes.
type Store interface {
	LastRaceTime(ctx context.Context, userID int64, channelID string) (value string, ok bool, err error)
	SetLastRaceTime(ctx context.Context, userID int64, channelID, raceTime string) error
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// Detector decides whether a member's most recent race has already been
// posted to a given channel.
type Detector struct {
	API   iracing.API
	Store Store

	// AnnounceFirst controls what happens when a (user, channel) pair has no
	// recorded race yet: announce the first race we see, or record it as the
	// baseline and stay quiet.
	AnnounceFirst bool
}

// LastRaceIfNew fetches the member's most recent race and returns it only if
// its session start time differs from the persisted last-seen value for
// (custID, channelID). The new timestamp is persisted before the race is
// returned, so a crash between detection and posting drops the notification
// rather than duplicating it. Provider unavailability and data faults come
// back as (nil, nil): the caller just skips this cycle.
func (d *Detector) LastRaceIfNew(ctx context.Context, custID int64, channelID string) (*iracing.Race, error) {
	recent, err := d.API.RecentRaces(ctx, custID)
	if err != nil {
		if errors.Is(err, iracing.ErrUnavailable) {
			slog.Debug("skipping race check, provider unavailable", slog.Int64("cust_id", custID))
			return nil, nil
		}
		slog.Warn("recent races fetch failed", slog.Int64("cust_id", custID), slog.Any("err", err))
		return nil, nil
	}
	if len(recent.Races) == 0 {
		slog.Debug("no races on record", slog.Int64("cust_id", custID))
		return nil, nil
	}
	latest := recent.Races[0]
	if latest.SessionStartTime == "" {
		slog.Warn("race missing session start time", slog.Int64("cust_id", custID), slog.Int64("subsession_id", latest.SubsessionID))
		return nil, nil
	}

	seen, ok, err := d.Store.LastRaceTime(ctx, custID, channelID)
	if err != nil {
		return nil, err
	}
	if ok && seen == latest.SessionStartTime {
		slog.Debug("race already posted", slog.Int64("cust_id", custID), slog.String("channel_id", channelID))
		return nil, nil
	}

	// Persist before returning so downstream processing never runs twice for
	// the same race.
	if err := d.Store.SetLastRaceTime(ctx, custID, channelID, latest.SessionStartTime); err != nil {
		return nil, err
	}
	if !ok && !d.AnnounceFirst {
		slog.Info("recorded baseline race without announcing",
			slog.Int64("cust_id", custID), slog.String("channel_id", channelID))
		return nil, nil
	}
	slog.Info("new race detected",
		slog.Int64("cust_id", custID),
		slog.String("channel_id", channelID),
		slog.String("session_start", latest.SessionStartTime))
	return &latest, nil
}
