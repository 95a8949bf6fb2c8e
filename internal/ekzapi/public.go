package ekzapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tariffwatch/internal/tariff"
)

const (
	defaultBaseURL    = "https://api.tariffs.ekz.ch/v1"
	tariffsPath       = "/tariffs"
	customerPath      = "/customerTariffs"
	emsLinkStatusPath = "/emsLinkStatus"
)

// PublicOptions parameterise the unauthenticated tariff client.
type PublicOptions struct {
	BaseURL    string
	TariffName string
	Timeout    time.Duration
	UserAgent  string
}

// Public fetches slots for a manually chosen tariff from the public API.
type Public struct {
	opts    PublicOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPublic constructs a public tariff client.
func NewPublic(opts PublicOptions, logger zerolog.Logger) *Public {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Public{
		opts:    opts,
		logger:  logger.With().Str("component", "public_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchSlots retrieves raw price records for [from, to).
func (p *Public) FetchSlots(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
	params := url.Values{}
	params.Set("tariff_name", integratedPrefix+p.opts.TariffName)
	params.Set("start_timestamp", from.Format(time.RFC3339))
	params.Set("end_timestamp", to.Format(time.RFC3339))

	endpoint := p.baseURL + tariffsPath + "?" + params.Encode()
	payload, err := doGet(ctx, p.client, endpoint, p.opts.UserAgent, "", "fetch tariffs")
	if err != nil {
		return nil, err
	}

	records, err := parseRawRecords(payload)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Int("records", len(records)).Str("tariff", p.opts.TariffName).Msg("fetched public tariff slots")
	return records, nil
}

// doGet performs a GET with the shared header conventions and returns the
// body of a 200 response, or a TransportError.
func doGet(ctx context.Context, client *http.Client, endpoint, userAgent, bearer, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tariffwatch/1.0")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Body: string(payload)}
	}
	return payload, nil
}

var _ SlotFetcher = (*Public)(nil)
