package opsledgersdk

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
)

// Client is a minimal Opsledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event represents a stream entry.
type Event struct {
	ID        int64          `json:"id"`
	UID       string         `json:"uid"`
	CreatedAt string         `json:"created_at"`
	Topic     string         `json:"topic"`
	Service   string         `json:"service,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	VTID      *string        `json:"vtid,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LedgerEntry represents one task in the ledger.
type LedgerEntry struct {
	VTID        string  `json:"vtid"`
	Status      string  `json:"status"`
	Layer       *string `json:"layer,omitempty"`
	Module      *string `json:"module,omitempty"`
	Title       *string `json:"title,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	LastEventID int64   `json:"last_event_id"`
	LastEventAt string  `json:"last_event_at"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// Offset represents the projector bookmark.
type Offset struct {
	ProjectorName   string `json:"projector_name"`
	LastEventID     int64  `json:"last_event_id"`
	LastEventAt     string `json:"last_event_at,omitempty"`
	LastProcessedAt string `json:"last_processed_at,omitempty"`
	EventsProcessed int64  `json:"events_processed"`
}

// SyncResult summarizes a projector batch run.
type SyncResult struct {
	NextCursor  int64  `json:"next_cursor"`
	LastEventAt string `json:"last_event_at,omitempty"`
	Processed   int    `json:"processed"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
	SyncEventID int64  `json:"sync_event_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedLedger wraps ledger listings with cursors.
type PaginatedLedger struct {
	Items      []LedgerEntry `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// AppendEventRequest is the ingest payload. Topic is required; everything
// else is optional and omitted when zero. VTID sets the task identifier
// directly instead of relying on metadata or message extraction.
type AppendEventRequest struct {
	Topic    string         `json:"topic"`
	Service  string         `json:"service,omitempty"`
	Status   string         `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	VTID     string         `json:"vtid,omitempty"`
	TS       string         `json:"ts,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AppendEvent appends an event to the stream.
func (c *Client) AppendEvent(ctx context.Context, req AppendEventRequest) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", req, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ledger returns ledger entries, optionally filtered by status.
func (c *Client) Ledger(ctx context.Context, status string, limit int) ([]LedgerEntry, error) {
	endpoint := "v0/ledger"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedLedger
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// LedgerEntry fetches one ledger entry by task ID.
func (c *Client) LedgerEntry(ctx context.Context, vtid string) (LedgerEntry, error) {
	var resp LedgerEntry
	endpoint := fmt.Sprintf("v0/ledger/%s", url.PathEscape(vtid))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunSync triggers one projector batch.
func (c *Client) RunSync(ctx context.Context, batchSize int) (SyncResult, error) {
	body := map[string]any{}
	if batchSize > 0 {
		body["batch_size"] = batchSize
	}
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, "v0/projector/run", body, &resp)
	return resp, err
}

// Offset returns the projector bookmark.
func (c *Client) Offset(ctx context.Context) (Offset, error) {
	var resp Offset
	err := c.do(ctx, http.MethodGet, "v0/projector/offset", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
