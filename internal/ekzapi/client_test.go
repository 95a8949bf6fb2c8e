package ekzapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tariffwatch/internal/tariff"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

const samplePayload = `{
	"prices": [
		{
			"start_timestamp": "2025-03-10T00:00:00+01:00",
			"end_timestamp": "2025-03-10T01:00:00+01:00",
			"integrated": [
				{"unit": "Rp_kWh", "value": 12.5},
				{"unit": "CHF_kWh", "value": 0.125}
			]
		},
		{
			"start_timestamp": "2025-03-10T01:00:00+01:00",
			"end_timestamp": "2025-03-10T02:00:00+01:00",
			"integrated": [{"unit": "CHF_kWh", "value": 0.118}]
		}
	]
}`

func TestPublicFetchSlots(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tariffsPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotQuery = map[string]string{
			"tariff_name":     r.URL.Query().Get("tariff_name"),
			"start_timestamp": r.URL.Query().Get("start_timestamp"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer srv.Close()

	p := NewPublic(PublicOptions{BaseURL: srv.URL, TariffName: "400D", Timeout: time.Second}, noopLogger())

	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	records, err := p.FetchSlots(context.Background(), from, from.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if !records[0].Price.Equal(decimal.NewFromFloat(0.125)) {
		t.Fatalf("expected CHF_kWh component 0.125, got %s", records[0].Price)
	}
	if gotQuery["tariff_name"] != "integrated_400D" {
		t.Fatalf("tariff_name should carry the integrated_ prefix, got %q", gotQuery["tariff_name"])
	}
	if gotQuery["start_timestamp"] == "" {
		t.Fatal("start_timestamp missing from query")
	}
}

func TestPublicFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPublic(PublicOptions{BaseURL: srv.URL, TariffName: "400D", Timeout: time.Second}, noopLogger())
	_, err := p.FetchSlots(context.Background(), time.Now(), time.Now().Add(time.Hour))

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.Status != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", te.Status)
	}
}

func TestPublicFetchMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prices": [{"start_timestamp": "not-a-time"}]}`))
	}))
	defer srv.Close()

	p := NewPublic(PublicOptions{BaseURL: srv.URL, TariffName: "400D", Timeout: time.Second}, noopLogger())
	_, err := p.FetchSlots(context.Background(), time.Now(), time.Now().Add(time.Hour))

	var malformedErr *tariff.MalformedScheduleError
	if !errors.As(err, &malformedErr) {
		t.Fatalf("expected MalformedScheduleError, got %v", err)
	}
	if IsTransport(err) {
		t.Fatal("malformed data must not look like a transport failure")
	}
}

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) CurrentToken(ctx context.Context) (string, error) {
	return s.token, s.err
}

func TestCustomerFetchSendsBearer(t *testing.T) {
	var gotAuth, gotInstance string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotInstance = r.URL.Query().Get("ems_instance_id")
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer srv.Close()

	c := NewCustomer(CustomerOptions{BaseURL: srv.URL, EMSInstanceID: "ems-42", Timeout: time.Second},
		&staticTokens{token: "tok-abc"}, noopLogger())

	records, err := c.FetchSlots(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if gotInstance != "ems-42" {
		t.Fatalf("expected ems_instance_id, got %q", gotInstance)
	}
}

func TestCustomerFetchTokenFailure(t *testing.T) {
	wantErr := errors.New("auth broken")
	c := NewCustomer(CustomerOptions{BaseURL: "http://localhost", EMSInstanceID: "ems-42"},
		&staticTokens{err: wantErr}, noopLogger())

	if _, err := c.FetchSlots(context.Background(), time.Now(), time.Now().Add(time.Hour)); !errors.Is(err, wantErr) {
		t.Fatalf("token errors must pass through, got %v", err)
	}
}

func TestCustomerFetchLinkStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != emsLinkStatusPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"link_status": "link_required",
			"ems_instance_id": "ems-42",
			"linking_process_redirect_uri": "https://login.example/link"
		}`))
	}))
	defer srv.Close()

	c := NewCustomer(CustomerOptions{BaseURL: srv.URL, EMSInstanceID: "ems-42", RedirectURI: "https://cb.example", Timeout: time.Second},
		&staticTokens{token: "tok"}, noopLogger())

	status, err := c.FetchLinkStatus(context.Background())
	if err != nil {
		t.Fatalf("link status failed: %v", err)
	}
	if status.Linked {
		t.Fatal("link_required must map to not linked")
	}
	if status.LinkingURL != "https://login.example/link" {
		t.Fatalf("linking url missing, got %q", status.LinkingURL)
	}
}
