package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tariffwatch/internal/alerting"
	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/ekzapi"
	"tariffwatch/internal/storage"
	"tariffwatch/internal/tariff"
)

type fetchFunc func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error)

func (f fetchFunc) FetchSlots(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
	return f(ctx, from, to)
}

type memoryStore struct {
	mu        sync.Mutex
	slots     map[string][]storage.StoredSlot
	refreshes []storage.RefreshRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{slots: make(map[string][]storage.StoredSlot)}
}

func (m *memoryStore) SaveSlots(ctx context.Context, entryID string, slots []tariff.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]storage.StoredSlot, 0, len(slots))
	for _, slot := range slots {
		stored = append(stored, storage.StoredSlot{
			EntryID:  entryID,
			Start:    slot.Start,
			End:      slot.End,
			Price:    slot.Price,
			StoredAt: time.Now().UTC(),
		})
	}
	m.slots[entryID] = stored
	return nil
}

func (m *memoryStore) ListSlotsBetween(ctx context.Context, entryID string, from, to time.Time) ([]storage.StoredSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]storage.StoredSlot, 0)
	for _, slot := range m.slots[entryID] {
		if !slot.Start.Before(from) && slot.Start.Before(to) {
			result = append(result, slot)
		}
	}
	return result, nil
}

func (m *memoryStore) DeleteSlotsBefore(ctx context.Context, entryID string, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := make([]storage.StoredSlot, 0)
	for _, slot := range m.slots[entryID] {
		if !slot.End.Before(olderThan) {
			kept = append(kept, slot)
		}
	}
	m.slots[entryID] = kept
	return nil
}

func (m *memoryStore) CountSlots(ctx context.Context, entryID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.slots[entryID])), nil
}

func (m *memoryStore) InsertRefresh(ctx context.Context, rec storage.RefreshRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes = append(m.refreshes, rec)
	return nil
}

func (m *memoryStore) ListRecentRefreshes(ctx context.Context, entryID string, limit int) ([]storage.RefreshRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]storage.RefreshRecord, 0)
	for i := len(m.refreshes) - 1; i >= 0 && len(result) < limit; i-- {
		if m.refreshes[i].EntryID == entryID {
			result = append(result, m.refreshes[i])
		}
	}
	return result, nil
}

func dayRecords(day time.Time) []tariff.RawRecord {
	records := make([]tariff.RawRecord, 0, 24)
	for i := 0; i < 24; i++ {
		start := day.Add(time.Duration(i) * time.Hour)
		records = append(records, tariff.RawRecord{
			Start: start,
			End:   start.Add(time.Hour),
			Price: decimal.NewFromFloat(0.15),
		})
	}
	return records
}

func testEntry(id string, store *memoryStore, fetcher ekzapi.SlotFetcher, now time.Time) *Entry {
	coord := coordinator.New(coordinator.Options{
		EntryID:        id,
		TariffName:     "400D",
		Location:       time.UTC,
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		Now:            func() time.Time { return now },
	}, fetcher, nil, store, zerolog.Nop())
	return &Entry{ID: id, Coordinator: coord}
}

func TestRefreshAllRecordsOutcomes(t *testing.T) {
	now := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore()

	good := testEntry("good", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		return dayRecords(day), nil
	}), now)
	bad := testEntry("bad", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		return nil, &ekzapi.TransportError{Op: "fetch tariffs", Status: 503}
	}), now)

	svc := New(nil, []*Entry{good, bad}, store, store, nil, 0, nil, time.UTC, zerolog.Nop())

	if err := svc.RefreshAll(context.Background(), now); err != nil {
		t.Fatalf("refresh all should not abort on per-entry failures: %v", err)
	}

	goodRecs, _ := store.ListRecentRefreshes(context.Background(), "good", 10)
	if len(goodRecs) != 1 || goodRecs[0].Status != "complete" {
		t.Fatalf("expected one complete record for good entry, got %+v", goodRecs)
	}
	if goodRecs[0].SlotsStored != 24 {
		t.Fatalf("expected 24 stored slots recorded, got %d", goodRecs[0].SlotsStored)
	}

	badRecs, _ := store.ListRecentRefreshes(context.Background(), "bad", 10)
	if len(badRecs) != 1 || badRecs[0].Status != "failed" || badRecs[0].Error == nil {
		t.Fatalf("expected one failed record for bad entry, got %+v", badRecs)
	}

	if count, _ := store.CountSlots(context.Background(), "good"); count != 24 {
		t.Fatalf("good entry slots should be archived, got %d", count)
	}
	if count, _ := store.CountSlots(context.Background(), "bad"); count != 0 {
		t.Fatalf("bad entry must not archive anything, got %d", count)
	}
}

func TestBootstrapRestoresFromStorage(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore()

	seeder := testEntry("entry-1", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		return dayRecords(day), nil
	}), now)
	if err := seeder.Coordinator.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh failed: %v", err)
	}

	// Fresh entry simulating a restarted process: fetching must not happen.
	restarted := testEntry("entry-1", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		t.Fatal("bootstrap must not fetch")
		return nil, nil
	}), now)

	svc := New(nil, []*Entry{restarted}, store, store, nil, 0, nil, time.UTC, zerolog.Nop())
	svc.Bootstrap(context.Background())

	snap := restarted.Coordinator.Snapshot()
	if snap == nil {
		t.Fatal("bootstrap should restore the snapshot from storage")
	}
	if len(snap.Today.Schedule.Slots) != 24 {
		t.Fatalf("expected 24 restored slots, got %d", len(snap.Today.Schedule.Slots))
	}
}

func TestRefreshEntryUnknownID(t *testing.T) {
	svc := New(nil, nil, nil, nil, nil, 0, nil, time.UTC, zerolog.Nop())
	if err := svc.RefreshEntry(context.Background(), "missing"); err == nil {
		t.Fatal("unknown entry must be rejected")
	}
}

type linkFetchFunc func(ctx context.Context) (ekzapi.LinkStatus, error)

func (f linkFetchFunc) FetchLinkStatus(ctx context.Context) (ekzapi.LinkStatus, error) {
	return f(ctx)
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return nil
}

func TestRefreshEntryProbesLinkOnlyWhenUnknown(t *testing.T) {
	now := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newMemoryStore()

	linkCalls := 0
	entry := testEntry("customer", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		return dayRecords(day), nil
	}), now)
	entry.LinkChecker = coordinator.NewLinkChecker("customer", linkFetchFunc(func(ctx context.Context) (ekzapi.LinkStatus, error) {
		linkCalls++
		return ekzapi.LinkStatus{Linked: true}, nil
	}), nil, nil, zerolog.Nop())

	svc := New(nil, []*Entry{entry}, store, store, nil, 0, nil, time.UTC, zerolog.Nop())

	if err := svc.RefreshEntry(context.Background(), "customer"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if linkCalls != 1 {
		t.Fatalf("first refresh must probe the unknown link state once, got %d", linkCalls)
	}

	// Later refreshes leave EMS connectivity to the independent poll.
	if err := svc.RefreshEntry(context.Background(), "customer"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if linkCalls != 1 {
		t.Fatalf("known link state must not be re-probed by the refresh cycle, got %d calls", linkCalls)
	}
}

func TestCheckLinksNotifiesWhenLinkingPending(t *testing.T) {
	now := time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC)
	store := newMemoryStore()
	notifier := &captureNotifier{}

	entry := testEntry("customer", store, fetchFunc(func(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
		t.Fatal("link check must not fetch tariffs")
		return nil, nil
	}), now)
	entry.LinkChecker = coordinator.NewLinkChecker("customer", linkFetchFunc(func(ctx context.Context) (ekzapi.LinkStatus, error) {
		return ekzapi.LinkStatus{Linked: false, LinkingURL: "https://login.example/link"}, nil
	}), nil, nil, zerolog.Nop())

	svc := New(nil, []*Entry{entry}, store, store, nil, 0, notifier, time.UTC, zerolog.Nop())
	svc.checkLinks(context.Background())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one pending-linking notification, got %d", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Kind != alerting.KindLinkRequired || note.EntryID != "customer" {
		t.Fatalf("unexpected notification %+v", note)
	}
	if note.LinkingURL != "https://login.example/link" {
		t.Fatalf("notification must carry the linking url, got %+v", note)
	}
}
