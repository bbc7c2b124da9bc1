// Package scheduler drives the periodic subscription scan: one cooperative
// timer loop that defers to the provider's rate-limit window instead of
// hammering it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pitwall/raceday/iracing"
	"github.com/pitwall/raceday/race"
	"github.com/pitwall/raceday/telemetry"
)

// State is the scheduler's lifecycle phase, exposed for the status endpoint.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateThrottled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// heartbeatKey is the kv row updated after every completed cycle.
const heartbeatKey = "scheduler_heartbeat"

// SubscriptionStore lists the subscriptions to scan and records the cycle
// heartbeat. db.Store implements it.
type SubscriptionStore interface {
	Channels(ctx context.Context) ([]string, error)
	UsersByChannel(ctx context.Context, channelID string) ([]int64, error)
	SetKV(ctx context.Context, key, value string) error
}

// Poster delivers a race message with an optional chart image to a channel.
type Poster interface {
	PostRace(ctx context.Context, channelID, message string, chartPNG []byte) error
}

// Scheduler wakes on a base interval, scans all (channel, user) subscriptions
// sequentially, and posts any newly detected races. When the provider is
// rate limited it reschedules itself past the window instead of scanning.
type Scheduler struct {
	Interval time.Duration
	Workers  int

	Tracker  *iracing.Tracker
	Subs     SubscriptionStore
	Detector *race.Detector
	Pipeline *race.Pipeline
	Poster   Poster

	state atomic.Int32
}

// State reports the current lifecycle phase.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Run blocks until ctx is cancelled, firing cycles on the base interval. A
// throttled cycle pushes the next wake past the rate-limit window.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Workers <= 0 {
		s.Workers = 3
	}
	pool := newWorkerPool(s.Workers)
	defer pool.Close()

	slog.Info("scheduler started",
		slog.Duration("interval", s.Interval), slog.Int("workers", s.Workers))
	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-timer.C:
		}
		timer.Reset(s.cycle(ctx, pool))
	}
}

// PollOnce runs a single cycle immediately. Used by the interactive command
// layer and by tests; Run uses the same path.
func (s *Scheduler) PollOnce(ctx context.Context) time.Duration {
	pool := newWorkerPool(1)
	defer pool.Close()
	return s.cycle(ctx, pool)
}

// cycle performs one wake and returns the delay until the next one.
func (s *Scheduler) cycle(ctx context.Context, pool *workerPool) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("polling cycle panicked", slog.Any("panic", r))
			next = s.Interval
			s.setState(StateIdle)
		}
	}()

	if s.Tracker.Limited() {
		s.setState(StateThrottled)
		telemetry.UpdateRateLimitGauge(true)
		wait := s.Tracker.Remaining() + 5*time.Second
		slog.Info("provider rate limited, rescheduling cycle",
			slog.Duration("wait", wait))
		return wait
	}
	telemetry.UpdateRateLimitGauge(false)

	s.setState(StateScanning)
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "poll_cycle")
	defer span.End()
	telemetry.PollCycles.Inc()
	telemetry.TimeFunc(telemetry.CycleDuration, func() {
		s.scan(ctx, pool)
	})
	if err := s.Subs.SetKV(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("heartbeat write failed", slog.Any("err", err))
	}

	s.setState(StateIdle)
	return s.Interval
}

// scan iterates all channels and users strictly sequentially. The rate-limit
// tracker is re-checked before every user so a limit raised mid-cycle stops
// the scan immediately.
func (s *Scheduler) scan(ctx context.Context, pool *workerPool) {
	log := telemetry.LoggerWithCorr(ctx)
	channels, err := s.Subs.Channels(ctx)
	if err != nil {
		log.Error("channel listing failed", slog.Any("err", err))
		return
	}
	subs := 0
	for _, channelID := range channels {
		users, err := s.Subs.UsersByChannel(ctx, channelID)
		if err != nil {
			log.Error("user listing failed",
				slog.String("channel_id", channelID), slog.Any("err", err))
			continue
		}
		subs += len(users)
		for _, custID := range users {
			if ctx.Err() != nil {
				return
			}
			if s.Tracker.Limited() {
				log.Info("rate limit raised mid-cycle, truncating scan",
					slog.String("channel_id", channelID))
				telemetry.UpdateRateLimitGauge(true)
				return
			}
			custID := custID
			if err := pool.do(ctx, func() {
				s.processUser(ctx, channelID, custID)
			}); err != nil {
				log.Debug("scan interrupted", slog.Any("err", err))
				return
			}
		}
	}
	telemetry.SetSubscriptions(subs)
}

func (s *Scheduler) processUser(ctx context.Context, channelID string, custID int64) {
	log := telemetry.LoggerWithCorr(ctx)
	var r *iracing.Race
	var err error
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		r, err = s.Detector.LastRaceIfNew(ctx, custID, channelID)
	})
	if err != nil {
		telemetry.FetchFailures.Inc()
		log.Warn("race detection failed",
			slog.Int64("cust_id", custID), slog.String("channel_id", channelID), slog.Any("err", err))
		return
	}
	if r == nil {
		return
	}
	telemetry.RacesDetected.Inc()

	msg, png, err := s.Pipeline.Compose(ctx, r, custID)
	if err != nil {
		telemetry.FetchFailures.Inc()
		log.Warn("race summary build failed",
			slog.Int64("cust_id", custID),
			slog.Int64("subsession_id", r.SubsessionID), slog.Any("err", err))
		return
	}
	if err := s.Poster.PostRace(ctx, channelID, msg, png); err != nil {
		telemetry.PostFailures.Inc()
		log.Error("race post failed",
			slog.String("channel_id", channelID), slog.Any("err", err))
		return
	}
	telemetry.RacesPosted.Inc()
	log.Info("race posted",
		slog.Int64("cust_id", custID),
		slog.String("channel_id", channelID),
		slog.Int64("subsession_id", r.SubsessionID),
		slog.Bool("chart", png != nil))
}

// workerPool is a fixed set of workers for blocking provider calls. Jobs are
// submitted one at a time and awaited, keeping cross-user fetch ordering
// strictly sequential.
type workerPool struct {
	jobs chan poolJob
	done chan struct{}
}

type poolJob struct {
	fn       func()
	finished chan struct{}
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{jobs: make(chan poolJob), done: make(chan struct{})}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	for {
		select {
		case j := <-p.jobs:
			runJob(j)
			close(j.finished)
		case <-p.done:
			return
		}
	}
}

// runJob isolates a panicking job so one bad subscription cannot take the
// scheduler down.
func runJob(j poolJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", slog.Any("panic", r))
		}
	}()
	j.fn()
}

// do submits fn and waits for it to finish. Returns an error only when ctx is
// cancelled before the job completes.
func (p *workerPool) do(ctx context.Context, fn func()) error {
	j := poolJob{fn: fn, finished: make(chan struct{})}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return fmt.Errorf("worker submit: %w", ctx.Err())
	}
	select {
	case <-j.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker await: %w", ctx.Err())
	}
}

func (p *workerPool) Close() { close(p.done) }
