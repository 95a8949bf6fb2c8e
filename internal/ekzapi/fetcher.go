package ekzapi

import (
	"context"
	"time"

	"tariffwatch/internal/tariff"
)

// SlotFetcher retrieves raw price records for a time range. Implemented by
// the public tariff client and the OAuth customer client; everything
// downstream of this interface is auth-agnostic.
type SlotFetcher interface {
	FetchSlots(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error)
}

// LinkStatusFetcher queries the EMS link state for an OAuth account.
type LinkStatusFetcher interface {
	FetchLinkStatus(ctx context.Context) (LinkStatus, error)
}

// TokenSource hands out a currently valid bearer token. Implemented by
// auth.Manager; callers never see token internals.
type TokenSource interface {
	CurrentToken(ctx context.Context) (string, error)
}

// LinkStatus is the decoded EMS link-status response.
type LinkStatus struct {
	Linked     bool
	InstanceID string
	LinkingURL string
}
