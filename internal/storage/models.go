package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// StoredSlot is one persisted tariff slot. Slots are keyed on
// (entry_id, slot_start) so a re-fetch of the same day overwrites in
// place.
type StoredSlot struct {
	EntryID  string
	Start    time.Time
	End      time.Time
	Price    decimal.Decimal
	StoredAt time.Time
}

// RefreshRecord captures one refresh cycle outcome for auditing.
type RefreshRecord struct {
	ID          string
	EntryID     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Error       *string
	SlotsStored int
}
