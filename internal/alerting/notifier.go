// Package alerting pushes operational notifications when refresh cycles
// fail or an account needs to complete the EMS linking flow.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification kinds.
const (
	KindRefreshFailed  = "refresh_failed"
	KindLinkRequired   = "ems_link_required"
	KindTokenExhausted = "token_exhausted"
)

// Notification carries the context of one operational event.
type Notification struct {
	Kind       string
	EntryID    string
	Occurred   time.Time
	Message    string
	LinkingURL string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the notification text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("kind", note.Kind).
		Str("entry_id", note.EntryID).
		Msg("notification sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindLinkRequired:
		builder.WriteString("[tariffwatch] EMS linking required\n")
	case KindTokenExhausted:
		builder.WriteString("[tariffwatch] Refresh token expired\n")
	default:
		builder.WriteString("[tariffwatch] Refresh failed\n")
	}
	builder.WriteString(fmt.Sprintf("Entry: %s\n", note.EntryID))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Occurred.UTC().Format(time.RFC3339)))
	if note.Message != "" {
		builder.WriteString(fmt.Sprintf("Detail: %s\n", note.Message))
	}
	if note.LinkingURL != "" {
		builder.WriteString(fmt.Sprintf("Linking URL: %s\n", note.LinkingURL))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
