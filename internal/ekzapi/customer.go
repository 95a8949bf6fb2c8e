package ekzapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tariffwatch/internal/tariff"
)

// CustomerOptions parameterise the OAuth-protected customer client.
type CustomerOptions struct {
	BaseURL       string
	EMSInstanceID string
	RedirectURI   string
	Timeout       time.Duration
	UserAgent     string
}

// Customer fetches personalized tariffs and the EMS link state for an
// authenticated account. All calls go through the TokenSource; the client
// never stores token material itself.
type Customer struct {
	opts    CustomerOptions
	tokens  TokenSource
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCustomer constructs a customer tariff client.
func NewCustomer(opts CustomerOptions, tokens TokenSource, logger zerolog.Logger) *Customer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Customer{
		opts:    opts,
		tokens:  tokens,
		logger:  logger.With().Str("component", "customer_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchSlots retrieves the customer's raw price records for [from, to).
func (c *Customer) FetchSlots(ctx context.Context, from, to time.Time) ([]tariff.RawRecord, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("ems_instance_id", c.opts.EMSInstanceID)
	params.Set("start_timestamp", from.Format(time.RFC3339))
	params.Set("end_timestamp", to.Format(time.RFC3339))

	endpoint := c.baseURL + customerPath + "?" + params.Encode()
	payload, err := doGet(ctx, c.client, endpoint, c.opts.UserAgent, token, "fetch customer tariffs")
	if err != nil {
		return nil, err
	}

	records, err := parseRawRecords(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("records", len(records)).Str("ems_instance_id", c.opts.EMSInstanceID).Msg("fetched customer tariff slots")
	return records, nil
}

type linkStatusResponse struct {
	LinkStatus                string `json:"link_status"`
	IsLinked                  bool   `json:"is_linked"`
	EMSInstanceID             string `json:"ems_instance_id"`
	LinkingProcessRedirectURI string `json:"linking_process_redirect_uri"`
}

// FetchLinkStatus queries the EMS link state, including the linking URL
// the user must visit when the account is not linked yet.
func (c *Customer) FetchLinkStatus(ctx context.Context) (LinkStatus, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return LinkStatus{}, err
	}

	params := url.Values{}
	params.Set("ems_instance_id", c.opts.EMSInstanceID)
	if c.opts.RedirectURI != "" {
		params.Set("redirect_uri", c.opts.RedirectURI)
	}

	endpoint := c.baseURL + emsLinkStatusPath + "?" + params.Encode()
	payload, err := doGet(ctx, c.client, endpoint, c.opts.UserAgent, token, "fetch ems link status")
	if err != nil {
		return LinkStatus{}, err
	}

	var resp linkStatusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return LinkStatus{}, &TransportError{Op: "fetch ems link status", Err: err}
	}

	linked := resp.IsLinked || (resp.LinkStatus != "" && resp.LinkStatus != "link_required")
	return LinkStatus{
		Linked:     linked,
		InstanceID: resp.EMSInstanceID,
		LinkingURL: resp.LinkingProcessRedirectURI,
	}, nil
}

var (
	_ SlotFetcher       = (*Customer)(nil)
	_ LinkStatusFetcher = (*Customer)(nil)
)
