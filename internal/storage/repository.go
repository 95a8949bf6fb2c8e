package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tariffwatch/internal/tariff"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSlotSQL = `INSERT INTO tariff_slots (
        entry_id,
        slot_start,
        slot_end,
        price,
        stored_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (entry_id, slot_start) DO UPDATE
    SET
        slot_end  = EXCLUDED.slot_end,
        price     = EXCLUDED.price,
        stored_at = EXCLUDED.stored_at;`

	listSlotsBetweenSQL = `SELECT
        entry_id,
        slot_start,
        slot_end,
        price,
        stored_at
    FROM tariff_slots
    WHERE entry_id = $1
      AND slot_start >= $2
      AND slot_start < $3
    ORDER BY slot_start;`

	deleteSlotsBeforeSQL = `DELETE FROM tariff_slots
    WHERE entry_id = $1 AND slot_end < $2;`

	countSlotsSQL = `SELECT COUNT(*) FROM tariff_slots WHERE entry_id = $1;`

	insertRefreshSQL = `INSERT INTO refresh_log (
        id,
        entry_id,
        started_at,
        finished_at,
        status,
        error,
        slots_stored
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listRecentRefreshesSQL = `SELECT
        id,
        entry_id,
        started_at,
        finished_at,
        status,
        error,
        slots_stored
    FROM refresh_log
    WHERE entry_id = $1
    ORDER BY started_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SlotStore defines operations for tariff slot persistence.
type SlotStore interface {
	SaveSlots(ctx context.Context, entryID string, slots []tariff.Slot) error
	ListSlotsBetween(ctx context.Context, entryID string, from, to time.Time) ([]StoredSlot, error)
	DeleteSlotsBefore(ctx context.Context, entryID string, olderThan time.Time) error
	CountSlots(ctx context.Context, entryID string) (int64, error)
}

// RefreshLogStore defines operations for refresh cycle auditing.
type RefreshLogStore interface {
	InsertRefresh(ctx context.Context, rec RefreshRecord) error
	ListRecentRefreshes(ctx context.Context, entryID string, limit int) ([]RefreshRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to tariff slots and the refresh log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSlots upserts all slots of a refresh in one batch.
func (s *Store) SaveSlots(ctx context.Context, entryID string, slots []tariff.Slot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return nil
	}

	storedAt := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, slot := range slots {
		batch.Queue(upsertSlotSQL, entryID, slot.Start, slot.End, slot.Price.String(), storedAt)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range slots {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert slot: %w", execErr)
		}
	}
	return nil
}

// ListSlotsBetween lists persisted slots starting within [from, to).
func (s *Store) ListSlotsBetween(ctx context.Context, entryID string, from, to time.Time) ([]StoredSlot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSlotsBetweenSQL, entryID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list slots between: %w", queryErr)
	}
	defer rows.Close()

	slots := make([]StoredSlot, 0)
	for rows.Next() {
		slot, scanErr := scanStoredSlot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		slots = append(slots, slot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slots, nil
}

// DeleteSlotsBefore removes slots that ended before the cutoff.
func (s *Store) DeleteSlotsBefore(ctx context.Context, entryID string, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSlotsBeforeSQL, entryID, olderThan); execErr != nil {
		return fmt.Errorf("delete slots before: %w", execErr)
	}
	return nil
}

// CountSlots counts persisted slots for one entry.
func (s *Store) CountSlots(ctx context.Context, entryID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSlotsSQL, entryID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count slots: %w", scanErr)
	}
	return count, nil
}

// InsertRefresh records one refresh cycle outcome.
func (s *Store) InsertRefresh(ctx context.Context, rec RefreshRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	if _, execErr := pool.Exec(ctx, insertRefreshSQL,
		rec.ID,
		rec.EntryID,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Status,
		errMsg,
		rec.SlotsStored,
	); execErr != nil {
		return fmt.Errorf("insert refresh record: %w", execErr)
	}
	return nil
}

// ListRecentRefreshes lists the most recent refresh cycles for one entry.
func (s *Store) ListRecentRefreshes(ctx context.Context, entryID string, limit int) ([]RefreshRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRefreshesSQL, entryID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent refreshes: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RefreshRecord, 0, limit)
	for rows.Next() {
		var rec RefreshRecord
		var errMsg sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.EntryID,
			&rec.StartedAt,
			&rec.FinishedAt,
			&rec.Status,
			&errMsg,
			&rec.SlotsStored,
		); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanStoredSlot(rows pgx.Rows) (StoredSlot, error) {
	var (
		slot     StoredSlot
		priceStr string
	)

	if err := rows.Scan(
		&slot.EntryID,
		&slot.Start,
		&slot.End,
		&priceStr,
		&slot.StoredAt,
	); err != nil {
		return StoredSlot{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return StoredSlot{}, fmt.Errorf("parse slot price: %w", err)
	}
	slot.Price = price

	return slot, nil
}
