// Package auth tracks OAuth access/refresh token validity for the EKZ
// customer API. The manager is the only owner of token material; callers
// just ask for "a currently valid token".
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State names the token lifecycle phase.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateValid           State = "valid"
	StateExpiring        State = "expiring"
	StateRefreshing      State = "refreshing"
	StateFailed          State = "failed"
)

const (
	// DefaultSafetyMargin is how long before access-token expiry a
	// refresh is started.
	DefaultSafetyMargin = 2 * time.Minute
	// DefaultMaxRefreshUses caps how often one refresh token may be used.
	DefaultMaxRefreshUses = 10
	// DefaultRefreshTTL is the refresh token's hard validity ceiling.
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// AuthError indicates an invalid, expired, or exhausted credential.
// Terminal errors require the user to re-authenticate out-of-band;
// retrying inside the process cannot fix them.
type AuthError struct {
	Reason   string
	Terminal bool
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// Options configure a token manager.
type Options struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// RefreshToken is the credential obtained out-of-band through the
	// authorization-code flow.
	RefreshToken string
	Timeout      time.Duration
	SafetyMargin time.Duration
	MaxUses      int
	RefreshTTL   time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Manager is the token state machine:
// Unauthenticated -> Valid -> Expiring -> Refreshing -> Valid | Failed.
// Failed is terminal until the user re-authenticates out-of-band.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client

	mu              sync.Mutex
	state           State
	accessToken     string
	expiresAt       time.Time
	refreshToken    string
	refreshObtained time.Time
	refreshUsesLeft int
	lastFailure     string
}

// NewManager builds a manager seeded with an out-of-band refresh token.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = DefaultSafetyMargin
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = DefaultMaxRefreshUses
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:            opts,
		logger:          logger.With().Str("component", "token_manager").Logger(),
		client:          &http.Client{Timeout: opts.Timeout},
		state:           StateUnauthenticated,
		refreshToken:    opts.RefreshToken,
		refreshObtained: opts.Now(),
		refreshUsesLeft: opts.MaxUses,
	}
	return m
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.state == StateValid && m.opts.Now().After(m.expiresAt.Add(-m.opts.SafetyMargin)) {
		return StateExpiring
	}
	return m.state
}

// CurrentToken returns a valid access token, refreshing first when the
// remaining lifetime is inside the safety margin. Concurrent callers
// serialize on one in-flight refresh. Once Failed, every call returns a
// terminal AuthError.
func (m *Manager) CurrentToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.stateLocked() {
	case StateFailed:
		return "", &AuthError{Reason: m.lastFailure, Terminal: true}
	case StateValid:
		return m.accessToken, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the cached access token and fetches a new one.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stateLocked() == StateFailed {
		return "", &AuthError{Reason: m.lastFailure, Terminal: true}
	}
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	now := m.opts.Now()

	if m.refreshToken == "" {
		return "", m.failLocked("no refresh token configured")
	}
	if m.refreshUsesLeft <= 0 {
		return "", m.failLocked("refresh token use count exhausted")
	}
	if now.Sub(m.refreshObtained) > m.opts.RefreshTTL {
		return "", m.failLocked("refresh token past its validity ceiling")
	}

	m.state = StateRefreshing

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", m.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		m.state = StateUnauthenticated
		return "", &AuthError{Reason: "build token request: " + err.Error()}
	}
	// EKZ wants client credentials via HTTP Basic, not in the form body.
	req.Header.Set("Authorization", "Basic "+m.basicCredentials())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		// Network trouble is not a credential problem; stay retryable.
		m.state = StateUnauthenticated
		return "", &AuthError{Reason: "token endpoint unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		m.state = StateUnauthenticated
		return "", &AuthError{Reason: "read token response: " + err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return "", m.failLocked(fmt.Sprintf("token endpoint rejected refresh (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))))
		}
		m.state = StateUnauthenticated
		return "", &AuthError{Reason: fmt.Sprintf("token endpoint status %d", resp.StatusCode)}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.AccessToken == "" {
		return "", m.failLocked("unparsable token response")
	}

	m.refreshUsesLeft--
	if body.RefreshToken != "" && body.RefreshToken != m.refreshToken {
		// Rotated refresh token: the counters start over.
		m.refreshToken = body.RefreshToken
		m.refreshObtained = now
		m.refreshUsesLeft = m.opts.MaxUses
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 30 * time.Minute
	}

	m.accessToken = body.AccessToken
	m.expiresAt = now.Add(expiresIn)
	m.state = StateValid

	m.logger.Debug().Time("expires_at", m.expiresAt).Int("refresh_uses_left", m.refreshUsesLeft).Msg("access token refreshed")
	return m.accessToken, nil
}

func (m *Manager) failLocked(reason string) error {
	m.state = StateFailed
	m.lastFailure = reason
	m.logger.Error().Str("reason", reason).Msg("token manager entered failed state")
	return &AuthError{Reason: reason, Terminal: true}
}

func (m *Manager) basicCredentials() string {
	creds := m.opts.ClientID + ":" + m.opts.ClientSecret
	return base64.StdEncoding.EncodeToString([]byte(creds))
}
