// Package coordinator drives the fetch/normalize/compute/publish cycle
// for one configured tariff entry and owns its last-good snapshot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tariffwatch/internal/auth"
	"tariffwatch/internal/ekzapi"
	"tariffwatch/internal/tariff"
)

// SnapshotSink receives freshly published snapshots. Implemented by the
// MQTT publisher; nil sinks are skipped.
type SnapshotSink interface {
	PublishSnapshot(ctx context.Context, snap *Snapshot) error
}

// SlotArchiver persists the raw slots behind a successful refresh so the
// last-good schedule survives restarts. Implemented by the pgx store.
type SlotArchiver interface {
	SaveSlots(ctx context.Context, entryID string, slots []tariff.Slot) error
}

// Options configure one coordinator instance.
type Options struct {
	EntryID       string
	TariffName    string
	MeteringPoint string
	IncludeVAT    bool
	WindowMinutes []int
	Quantiles     []float64
	Location      *time.Location

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Coordinator runs Idle -> Fetching -> Normalizing -> Computing ->
// Publishing -> Idle per trigger. Failures absorb into the last-good
// snapshot, never crash the process, and are retried at the next trigger.
type Coordinator struct {
	opts    Options
	fetcher ekzapi.SlotFetcher
	sink    SnapshotSink
	archive SlotArchiver
	logger  zerolog.Logger

	snapshot atomic.Pointer[Snapshot]
	inflight atomic.Bool

	lastErr atomic.Pointer[string]
}

// New constructs a coordinator for one configured entry.
func New(opts Options, fetcher ekzapi.SlotFetcher, sink SnapshotSink, archive SlotArchiver, logger zerolog.Logger) *Coordinator {
	if len(opts.WindowMinutes) == 0 {
		opts.WindowMinutes = []int{120, 240}
	}
	if len(opts.Quantiles) == 0 {
		opts.Quantiles = []float64{0.25}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Coordinator{
		opts:    opts,
		fetcher: fetcher,
		sink:    sink,
		archive: archive,
		logger:  logger.With().Str("component", "coordinator").Str("entry_id", opts.EntryID).Logger(),
	}
}

// Snapshot returns the last-good snapshot, or nil before the first
// successful refresh.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// LastError returns the most recent refresh failure, empty after success.
func (c *Coordinator) LastError() string {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Refresh runs one full cycle. A trigger arriving while a refresh is in
// flight is coalesced into a no-op rather than queued; the in-flight
// cycle re-reads "now" at completion anyway. The previous snapshot stays
// untouched on failure.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.inflight.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("refresh already in flight, trigger coalesced")
		return nil
	}
	defer c.inflight.Store(false)

	cycle := uuid.NewString()
	logger := c.logger.With().Str("cycle", cycle).Logger()

	now := c.opts.Now().In(c.opts.Location)
	today := startOfDay(now)
	fetchEnd := today.AddDate(0, 0, 2)

	logger.Info().Time("from", today).Time("to", fetchEnd).Msg("fetching tariff slots")
	records, err := c.fetchWithRetry(ctx, today, fetchEnd, logger)
	if err != nil {
		c.recordFailure(logger, err)
		return err
	}

	snap, err := c.buildSnapshot(records, now, logger)
	if err != nil {
		c.recordFailure(logger, err)
		return err
	}

	c.publish(ctx, snap, logger)
	return nil
}

// Bootstrap rebuilds a snapshot from previously persisted records without
// touching the network, so entities are not blank after a restart.
func (c *Coordinator) Bootstrap(ctx context.Context, records []tariff.RawRecord, fetchedAt time.Time) error {
	now := c.opts.Now().In(c.opts.Location)
	snap, err := c.buildSnapshot(records, now, c.logger)
	if err != nil {
		return err
	}
	snap.FetchedAt = fetchedAt
	c.snapshot.Store(snap)
	if c.sink != nil {
		if err := c.sink.PublishSnapshot(ctx, snap); err != nil {
			c.logger.Warn().Err(err).Msg("failed to publish bootstrapped snapshot")
		}
	}
	return nil
}

func (c *Coordinator) fetchWithRetry(ctx context.Context, from, to time.Time, logger zerolog.Logger) ([]tariff.RawRecord, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.MaxInterval = c.opts.MaxBackoff
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxAttempts-1)), ctx)

	var records []tariff.RawRecord
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		recs, err := c.fetcher.FetchSlots(ctx, from, to)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			logger.Warn().Err(err).Int("attempt", attempt).Msg("fetch failed, backing off")
			return err
		}
		records = recs
		return nil
	}, retries)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// retryable reports whether an error is worth another upstream attempt.
// Transport failures are transient; terminal auth failures and malformed
// payloads will not get better by asking again.
func retryable(err error) bool {
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return !authErr.Terminal
	}
	var malformedErr *tariff.MalformedScheduleError
	if errors.As(err, &malformedErr) {
		return false
	}
	return ekzapi.IsTransport(err)
}

func (c *Coordinator) buildSnapshot(records []tariff.RawRecord, now time.Time, logger zerolog.Logger) (*Snapshot, error) {
	today := startOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)
	prev := c.snapshot.Load()

	todayView, todayErr := c.buildDayView(records, today, prev, logger)
	tomorrowView, tomorrowErr := c.buildDayView(records, tomorrow, prev, logger)

	// Tomorrow is legitimately absent before the vendor's publication
	// time; today missing with nothing to fall back on is a failure.
	if todayErr != nil && todayView.empty() {
		return nil, fmt.Errorf("no usable data for today: %w", todayErr)
	}
	if tomorrowErr != nil {
		logger.Debug().Err(tomorrowErr).Msg("tomorrow's schedule not usable yet")
	}

	return &Snapshot{
		EntryID:   c.opts.EntryID,
		FetchedAt: now,
		Today:     todayView,
		Tomorrow:  tomorrowView,
	}, nil
}

// buildDayView normalizes and derives one day. Derivations that fail for
// that day fall back to the previous snapshot's values individually; the
// remaining derivations still publish fresh.
func (c *Coordinator) buildDayView(records []tariff.RawRecord, day time.Time, prev *Snapshot, logger zerolog.Logger) (DayView, error) {
	fallback := previousView(prev, day)

	sched, err := tariff.Normalize(records, day, tariff.NormalizeOptions{
		TariffName:    c.opts.TariffName,
		MeteringPoint: c.opts.MeteringPoint,
		IncludeVAT:    c.opts.IncludeVAT,
	})
	if err != nil {
		logger.Warn().Err(err).Time("day", day).Msg("normalization failed, keeping previous day view")
		return fallback, err
	}
	if sched.Empty() {
		return fallback, fmt.Errorf("no slots for %s", day.Format("2006-01-02"))
	}

	view := DayView{Schedule: sched, Stats: tariff.ComputeStatistics(sched)}

	for _, minutes := range c.opts.WindowMinutes {
		minWin, maxWin, err := tariff.FindWindows(sched, minutes)
		if err != nil {
			logger.Warn().Err(err).Int("window_minutes", minutes).Time("day", day).Msg("window derivation failed")
			view.Windows = append(view.Windows, previousWindows(fallback, minutes)...)
			continue
		}
		view.Windows = append(view.Windows, minWin, maxWin)
	}

	for _, fraction := range c.opts.Quantiles {
		for _, mode := range []tariff.QuantileMode{tariff.QuantileCheapest, tariff.QuantileMostExpensive} {
			membership, err := tariff.ClassifyQuantile(sched, fraction, mode)
			if err != nil {
				logger.Warn().Err(err).Float64("quantile", fraction).Time("day", day).Msg("quantile derivation failed")
				if prevQ, ok := previousQuantile(fallback, fraction, mode); ok {
					view.Quantiles = append(view.Quantiles, prevQ)
				}
				continue
			}
			view.Quantiles = append(view.Quantiles, membership)
		}
	}

	return view, nil
}

func (c *Coordinator) publish(ctx context.Context, snap *Snapshot, logger zerolog.Logger) {
	c.snapshot.Store(snap)
	c.lastErr.Store(new(string))

	if c.archive != nil {
		slots := append(append([]tariff.Slot{}, snap.Today.Schedule.Slots...), snap.Tomorrow.Schedule.Slots...)
		if err := c.archive.SaveSlots(ctx, c.opts.EntryID, slots); err != nil {
			logger.Error().Err(err).Msg("failed to persist slots")
		}
	}
	if c.sink != nil {
		if err := c.sink.PublishSnapshot(ctx, snap); err != nil {
			logger.Error().Err(err).Msg("failed to publish snapshot")
		}
	}

	logger.Info().
		Int("today_slots", len(snap.Today.Schedule.Slots)).
		Int("tomorrow_slots", len(snap.Tomorrow.Schedule.Slots)).
		Msg("snapshot published")
}

func (c *Coordinator) recordFailure(logger zerolog.Logger, err error) {
	msg := err.Error()
	c.lastErr.Store(&msg)
	logger.Error().Err(err).Msg("refresh failed, last-good snapshot left in place")
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func previousView(prev *Snapshot, day time.Time) DayView {
	if prev == nil {
		return DayView{}
	}
	if prev.Today.Schedule.Day.Equal(day) {
		return prev.Today
	}
	if prev.Tomorrow.Schedule.Day.Equal(day) {
		return prev.Tomorrow
	}
	return DayView{}
}

func previousWindows(view DayView, minutes int) []tariff.Window {
	windows := make([]tariff.Window, 0, 2)
	for _, w := range view.Windows {
		if w.WindowMinutes == minutes {
			windows = append(windows, w)
		}
	}
	return windows
}

func previousQuantile(view DayView, fraction float64, mode tariff.QuantileMode) (tariff.QuantileMembership, bool) {
	for _, q := range view.Quantiles {
		if q.Quantile == fraction && q.Mode == mode {
			return q, true
		}
	}
	return tariff.QuantileMembership{}, false
}
