// Package medtracksdk is a small Go client for the MedTrack HTTP API.
package medtracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a MedTrack server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a client with a sane default timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("medtrack api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("medtrack api: status %d", e.StatusCode)
}

// IsDuplicate reports whether err (or a response) indicates the dose was
// already logged. The API treats duplicates as success, so this only shows
// up in response bodies, but keep the helper for symmetry.
func IsDuplicate(err error) bool {
	ae, ok := err.(*APIError)
	return ok && ae.Code == "duplicate"
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// TrackOptions parameterize a dose log.
type TrackOptions struct {
	MedicationID  string `json:"medication_id,omitempty"`
	Source        string `json:"source,omitempty"`
	Note          string `json:"note,omitempty"`
	TS            string `json:"ts,omitempty"`
	ClientEventID string `json:"client_event_id,omitempty"`
}

// TrackResult mirrors the server's track response.
type TrackResult struct {
	Event struct {
		ID             int64  `json:"id"`
		MedicationID   string `json:"medication_id"`
		TS             string `json:"ts"`
		Source         string `json:"source"`
		IdempotencyKey string `json:"idempotency_key"`
	} `json:"event"`
	Duplicate bool            `json:"duplicate"`
	Status    json.RawMessage `json:"status"`
}

// Track logs a dose.
func (c *Client) Track(ctx context.Context, opts TrackOptions) (TrackResult, error) {
	var res TrackResult
	err := c.do(ctx, http.MethodPost, "/track", nil, opts, &res)
	return res, err
}

// Action submits a notification action (taken, snooze, dismiss).
func (c *Client) Action(ctx context.Context, medicationID, action, clientEventID, ts string) (json.RawMessage, error) {
	var res json.RawMessage
	err := c.do(ctx, http.MethodPost, "/actions", nil, map[string]string{
		"medication_id":   medicationID,
		"action":          action,
		"client_event_id": clientEventID,
		"ts":              ts,
	}, &res)
	return res, err
}

// Status fetches the medication status snapshot.
func (c *Client) Status(ctx context.Context, medicationID string) (json.RawMessage, error) {
	var res json.RawMessage
	q := url.Values{"medication_id": {medicationID}}
	err := c.do(ctx, http.MethodGet, "/status", q, nil, &res)
	return res, err
}

// History fetches the adherence window.
func (c *Client) History(ctx context.Context, medicationID string, days int) (json.RawMessage, error) {
	var res json.RawMessage
	q := url.Values{"medication_id": {medicationID}, "days": {strconv.Itoa(days)}}
	err := c.do(ctx, http.MethodGet, "/history", q, nil, &res)
	return res, err
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
