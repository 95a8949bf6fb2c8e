// Package service orchestrates the daily refresh across all configured
// tariff entries.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tariffwatch/internal/alerting"
	"tariffwatch/internal/auth"
	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/scheduler"
	"tariffwatch/internal/storage"
	"tariffwatch/internal/tariff"
)

// retainDays is how long persisted slots are kept before pruning.
const retainDays = 7

// linkCheckInterval paces the EMS connectivity poll, which runs
// independently of the daily refresh trigger.
const linkCheckInterval = time.Hour

// Entry bundles the per-entry machinery assembled by the app layer.
type Entry struct {
	ID          string
	Coordinator *coordinator.Coordinator
	// LinkChecker is set for oauth entries only.
	LinkChecker *coordinator.LinkChecker
}

// Service drives all entries through the shared daily trigger.
type Service struct {
	scheduler  *scheduler.Scheduler
	entries    []*Entry
	slots      storage.SlotStore
	refreshLog storage.RefreshLogStore
	locker     storage.AdvisoryLocker
	lockKey    int64
	notifier   alerting.Notifier
	location   *time.Location
	logger     zerolog.Logger
}

// New constructs the refresh service.
func New(sched *scheduler.Scheduler, entries []*Entry, slots storage.SlotStore, refreshLog storage.RefreshLogStore, locker storage.AdvisoryLocker, lockKey int64, notifier alerting.Notifier, location *time.Location, logger zerolog.Logger) *Service {
	if location == nil {
		location = time.Local
	}
	return &Service{
		scheduler:  sched,
		entries:    entries,
		slots:      slots,
		refreshLog: refreshLog,
		locker:     locker,
		lockKey:    lockKey,
		notifier:   notifier,
		location:   location,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Entries lists the configured entries.
func (s *Service) Entries() []*Entry {
	return s.entries
}

// Entry looks up one entry by id.
func (s *Service) Entry(id string) (*Entry, error) {
	for _, entry := range s.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("unknown entry %q", id)
}

// Bootstrap rebuilds snapshots from persisted slots so a restart does
// not blank out published state until the next trigger.
func (s *Service) Bootstrap(ctx context.Context) {
	if s.slots == nil {
		return
	}

	now := time.Now().In(s.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)

	for _, entry := range s.entries {
		stored, err := s.slots.ListSlotsBetween(ctx, entry.ID, today, today.AddDate(0, 0, 2))
		if err != nil {
			s.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("could not load persisted slots")
			continue
		}
		if len(stored) == 0 {
			continue
		}

		records := make([]tariff.RawRecord, 0, len(stored))
		var fetchedAt time.Time
		for _, slot := range stored {
			records = append(records, tariff.RawRecord{Start: slot.Start, End: slot.End, Price: slot.Price})
			if slot.StoredAt.After(fetchedAt) {
				fetchedAt = slot.StoredAt
			}
		}

		if err := entry.Coordinator.Bootstrap(ctx, records, fetchedAt); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("bootstrap from persisted slots failed")
			continue
		}
		s.logger.Info().Str("entry_id", entry.ID).Int("slots", len(stored)).Msg("snapshot restored from storage")
	}
}

// Run begins the daily refresh loop and, when oauth entries exist, the
// independent EMS link poll.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.hasLinkCheckers() {
		go s.linkCheckLoop(ctx)
	}
	return s.scheduler.Run(ctx, s.RefreshAll)
}

func (s *Service) hasLinkCheckers() bool {
	for _, entry := range s.entries {
		if entry.LinkChecker != nil {
			return true
		}
	}
	return false
}

// linkCheckLoop polls EMS connectivity outside the refresh cycle. The
// link_required -> linked transition triggers a tariff refresh through
// the checker's callback, so a completed linking flow does not wait for
// the next daily trigger.
func (s *Service) linkCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(linkCheckInterval)
	defer ticker.Stop()

	s.checkLinks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLinks(ctx)
		}
	}
}

func (s *Service) checkLinks(ctx context.Context) {
	for _, entry := range s.entries {
		if entry.LinkChecker == nil {
			continue
		}
		s.checkLink(ctx, entry)
	}
}

func (s *Service) checkLink(ctx context.Context, entry *Entry) {
	state := entry.LinkChecker.Check(ctx)
	if state.Status == coordinator.LinkRequired {
		s.notify(ctx, alerting.Notification{
			Kind:       alerting.KindLinkRequired,
			EntryID:    entry.ID,
			Occurred:   state.CheckedAt,
			LinkingURL: state.LinkingURL,
		})
	}
}

// RefreshAll runs one refresh cycle for every entry. Per-entry failures
// are recorded and logged but never abort the other entries.
func (s *Service) RefreshAll(ctx context.Context, firedAt time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("fired_at", firedAt).Msg("skip trigger because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	for _, entry := range s.entries {
		s.refreshEntry(ctx, entry)
	}
	s.prune(ctx, firedAt)
	return nil
}

// RefreshEntry runs one refresh cycle for a single entry, used by the
// CLI trigger.
func (s *Service) RefreshEntry(ctx context.Context, id string) error {
	entry, err := s.Entry(id)
	if err != nil {
		return err
	}
	return s.refreshEntry(ctx, entry)
}

func (s *Service) refreshEntry(ctx context.Context, entry *Entry) error {
	// The link poll owns EMS connectivity; a refresh only probes it when
	// the state is still unknown, so the very first oauth cycle does not
	// fetch against an unlinked account.
	if entry.LinkChecker != nil && entry.LinkChecker.State().CheckedAt.IsZero() {
		s.checkLink(ctx, entry)
	}

	started := time.Now().UTC()
	err := entry.Coordinator.Refresh(ctx)
	finished := time.Now().UTC()

	record := storage.RefreshRecord{
		ID:         uuid.NewString(),
		EntryID:    entry.ID,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     "complete",
	}
	if err != nil {
		record.Status = "failed"
		msg := err.Error()
		record.Error = &msg
		s.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("refresh failed")

		kind := alerting.KindRefreshFailed
		var authErr *auth.AuthError
		if errors.As(err, &authErr) && authErr.Terminal {
			kind = alerting.KindTokenExhausted
		}
		s.notify(ctx, alerting.Notification{
			Kind:     kind,
			EntryID:  entry.ID,
			Occurred: finished,
			Message:  msg,
		})
	} else if snap := entry.Coordinator.Snapshot(); snap != nil {
		record.SlotsStored = len(snap.Today.Schedule.Slots) + len(snap.Tomorrow.Schedule.Slots)
	}

	if s.refreshLog != nil {
		if logErr := s.refreshLog.InsertRefresh(ctx, record); logErr != nil {
			s.logger.Error().Err(logErr).Str("entry_id", entry.ID).Msg("failed to persist refresh record")
		}
	}
	return err
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	if s.slots == nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retainDays)
	for _, entry := range s.entries {
		if err := s.slots.DeleteSlotsBefore(ctx, entry.ID, cutoff); err != nil {
			s.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("slot pruning failed")
		}
	}
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Warn().Err(err).Str("kind", note.Kind).Str("entry_id", note.EntryID).Msg("failed to dispatch notification")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
