package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/storage"
)

// Client is the backend delivery channel.
type Client interface {
	PostHistory(ctx context.Context, payload Payload) error
	ListHistory(ctx context.Context, query ListQuery) ([]Entry, error)
	CheckRegistration(ctx context.Context, serial string) (*Registration, error)
}

// ListQuery filters GET tv-history.
type ListQuery struct {
	OrganizationID string
	Serial         string
	DateFrom       string
	DateTo         string
}

// Entry is one row returned by GET tv-history.
type Entry struct {
	Serial      string `json:"sn_tv"`
	Date        string `json:"date"`
	Thumbnail   string `json:"thumbnail"`
	AppName     string `json:"app_name"`
	AppURL      string `json:"app_url"`
	AppDuration int64  `json:"app_duration"`
	TVDuration  int64  `json:"tv_duration"`
}

// Registration is the check-registration answer.
type Registration struct {
	Registered bool
	Device     storage.Device
}

// HTTPClient talks to the history backend over HTTP.
type HTTPClient struct {
	baseURL          *url.URL
	historyPath      string
	registrationPath string
	client           *http.Client
}

// NewHTTPClient creates a backend client from configuration.
func NewHTTPClient(cfg config.BackendConfig) (*HTTPClient, error) {
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid backend base_url: %w", err)
	}

	return &HTTPClient{
		baseURL:          u,
		historyPath:      strings.TrimPrefix(cfg.HistoryPath, "/"),
		registrationPath: strings.TrimPrefix(cfg.RegistrationPath, "/"),
		client: &http.Client{
			Timeout: config.ParseDuration(cfg.Timeout, 30*time.Second),
		},
	}, nil
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := c.baseURL.ResolveReference(&url.URL{Path: path})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// PostHistory submits one record. Any 2xx status is success; the body is
// not inspected because the backend sometimes returns nothing.
func (c *HTTPClient) PostHistory(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode history payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.historyPath, nil), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("history request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

type historyResponse struct {
	Status string     `json:"status"`
	Data   []rawEntry `json:"data"`
}

type rawEntry struct {
	Serial      string          `json:"sn_tv"`
	Date        json.RawMessage `json:"date"`
	Thumbnail   *string         `json:"thumbnail"`
	AppName     string          `json:"app_name"`
	AppURL      string          `json:"app_url"`
	AppDuration *int64          `json:"app_duration"`
	TVDuration  *int64          `json:"tv_duration"`
}

// ListHistory fetches the device's history. Rows for other serials are
// dropped.
func (c *HTTPClient) ListHistory(ctx context.Context, query ListQuery) ([]Entry, error) {
	params := url.Values{}
	params.Set("npsn", query.OrganizationID)
	params.Set("sn_tv", query.Serial)
	if query.DateFrom != "" {
		params.Set("date_from", query.DateFrom)
	}
	if query.DateTo != "" {
		params.Set("date_to", query.DateTo)
	}

	var resp historyResponse
	if err := c.getJSON(ctx, c.endpoint(c.historyPath, params), &resp); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(resp.Data))
	for _, raw := range resp.Data {
		if query.Serial != "" && raw.Serial != query.Serial {
			continue
		}
		entry := Entry{
			Serial:  raw.Serial,
			Date:    NormalizeDate(raw.Date),
			AppName: raw.AppName,
			AppURL:  raw.AppURL,
		}
		if raw.Thumbnail != nil {
			entry.Thumbnail = *raw.Thumbnail
		}
		if raw.AppDuration != nil {
			entry.AppDuration = *raw.AppDuration
		}
		if raw.TVDuration != nil {
			entry.TVDuration = *raw.TVDuration
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type registrationResponse struct {
	Registered bool `json:"registered"`
	Data       *struct {
		NPSN       string `json:"NPSN"`
		SchoolName string `json:"school_name"`
		Serial     string `json:"sn_tv"`
	} `json:"data"`
}

// CheckRegistration asks the backend whether serial is registered.
func (c *HTTPClient) CheckRegistration(ctx context.Context, serial string) (*Registration, error) {
	params := url.Values{}
	params.Set("sn_tv", serial)

	var resp registrationResponse
	if err := c.getJSON(ctx, c.endpoint(c.registrationPath, params), &resp); err != nil {
		return nil, err
	}

	reg := &Registration{Registered: resp.Registered}
	if resp.Data != nil {
		reg.Device = storage.Device{
			Serial:         resp.Data.Serial,
			OrganizationID: resp.Data.NPSN,
			SchoolName:     resp.Data.SchoolName,
		}
	}
	if reg.Device.Serial == "" {
		reg.Device.Serial = serial
	}
	return reg, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NormalizeDate accepts a date as a JSON string or as an object carrying a
// "date" field. Anything else becomes an empty string.
func NormalizeDate(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Date json.RawMessage `json:"date"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Date) > 0 {
		if err := json.Unmarshal(obj.Date, &s); err == nil {
			return s
		}
		return strings.Trim(string(obj.Date), `"`)
	}
	return ""
}

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %s", e.Status)
}
