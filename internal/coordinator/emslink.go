package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tariffwatch/internal/ekzapi"
)

// LinkStatusValue names the published EMS connectivity state.
type LinkStatusValue string

const (
	LinkLinked   LinkStatusValue = "linked"
	LinkRequired LinkStatusValue = "link_required"
	LinkError    LinkStatusValue = "error"
)

// LinkState is the published EMS link view. Query failures are retained
// here as an error state, never escalated.
type LinkState struct {
	Status     LinkStatusValue
	LinkingURL string
	LastError  string
	CheckedAt  time.Time
}

// LinkSink receives EMS link state updates.
type LinkSink interface {
	PublishLinkState(ctx context.Context, entryID string, state LinkState) error
}

// LinkChecker polls the EMS link-status endpoint independently of the
// main refresh cycle.
type LinkChecker struct {
	entryID string
	fetcher ekzapi.LinkStatusFetcher
	sink    LinkSink
	logger  zerolog.Logger
	now     func() time.Time

	state atomic.Pointer[LinkState]

	// onLinked fires when the state leaves link_required, which is the
	// moment customer tariffs become fetchable.
	onLinked func()
}

// NewLinkChecker constructs a checker for one OAuth entry.
func NewLinkChecker(entryID string, fetcher ekzapi.LinkStatusFetcher, sink LinkSink, onLinked func(), logger zerolog.Logger) *LinkChecker {
	return &LinkChecker{
		entryID:  entryID,
		fetcher:  fetcher,
		sink:     sink,
		logger:   logger.With().Str("component", "ems_link_checker").Str("entry_id", entryID).Logger(),
		now:      time.Now,
		onLinked: onLinked,
	}
}

// State returns the last published link state.
func (l *LinkChecker) State() LinkState {
	if s := l.state.Load(); s != nil {
		return *s
	}
	return LinkState{}
}

// Check queries the link-status endpoint once and publishes the result.
func (l *LinkChecker) Check(ctx context.Context) LinkState {
	prev := l.State()

	var next LinkState
	status, err := l.fetcher.FetchLinkStatus(ctx)
	switch {
	case err != nil:
		next = LinkState{Status: LinkError, LastError: err.Error(), CheckedAt: l.now()}
		l.logger.Warn().Err(err).Msg("ems link status query failed")
	case status.Linked:
		next = LinkState{Status: LinkLinked, CheckedAt: l.now()}
	default:
		next = LinkState{Status: LinkRequired, LinkingURL: status.LinkingURL, CheckedAt: l.now()}
	}

	l.state.Store(&next)

	if l.sink != nil {
		if err := l.sink.PublishLinkState(ctx, l.entryID, next); err != nil {
			l.logger.Warn().Err(err).Msg("failed to publish link state")
		}
	}

	if prev.Status == LinkRequired && next.Status == LinkLinked && l.onLinked != nil {
		l.logger.Info().Msg("ems linking completed, triggering tariff refresh")
		l.onLinked()
	}

	return next
}
