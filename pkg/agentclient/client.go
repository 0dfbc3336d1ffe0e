// Package agentclient is the HTTP client agents use against the ingestion
// API. It owns the wire envelopes, gzip negotiation and error taxonomy;
// retry policy belongs to the caller.
package agentclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Compressing tiny batches costs more than it saves.
const gzipThreshold = 10 * 1024

// Per-call deadlines. Registration and ingest move real payloads, the
// heartbeat is a single small POST.
const (
	registerTimeout  = 30 * time.Second
	heartbeatTimeout = 10 * time.Second
	ingestTimeout    = 30 * time.Second
)

// ErrUnauthorized means the device token was rejected. Retrying will not
// help; the agent needs operator attention.
var ErrUnauthorized = errors.New("agentclient: token rejected")

// InvalidBatchError is a permanent 4xx rejection of a batch. BadIndex points
// at the first offending record when the server identified one, else -1.
type InvalidBatchError struct {
	Status   int
	Message  string
	BadIndex int
}

func (e *InvalidBatchError) Error() string {
	if e.BadIndex >= 0 {
		return fmt.Sprintf("agentclient: batch rejected (%d) at record %d: %s", e.Status, e.BadIndex, e.Message)
	}
	return fmt.Sprintf("agentclient: batch rejected (%d): %s", e.Status, e.Message)
}

// Credentials is what registration yields and what the agent persists.
type Credentials struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"agent_token"`
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{},
	}
}

// SetToken installs the device bearer token for subsequent calls.
func (c *Client) SetToken(token string) { c.token = token }

type registerRequest struct {
	Invitation string `json:"invitation"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
}

// Register redeems an invitation token for device credentials.
func (c *Client) Register(ctx context.Context, invitationToken, hostname, osName string) (*Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	body, err := json.Marshal(registerRequest{
		Invitation: invitationToken,
		Hostname:   hostname,
		OS:         osName,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyError(resp)
	}
	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, fmt.Errorf("agentclient: decode registration response: %w", err)
	}
	return &creds, nil
}

// Heartbeat refreshes the device's last-seen timestamp.
func (c *Client) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/heartbeat", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return classifyError(resp)
	}
	return nil
}

type ingestRequest struct {
	DeviceID string            `json:"device_id"`
	DataType string            `json:"data_type"`
	Records  []json.RawMessage `json:"records"`
}

type ingestResponse struct {
	Ingested int `json:"ingested"`
}

// IngestBatch submits one telemetry batch of the given kind. Bodies over the
// gzip threshold are compressed.
func (c *Client) IngestBatch(ctx context.Context, kind, deviceID string, records []json.RawMessage) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ingestTimeout)
	defer cancel()

	body, err := json.Marshal(ingestRequest{DeviceID: deviceID, DataType: kind, Records: records})
	if err != nil {
		return 0, err
	}

	var reader io.Reader = bytes.NewReader(body)
	compressed := len(body) > gzipThreshold
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return 0, err
		}
		if err := zw.Close(); err != nil {
			return 0, err
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ingest/batch", reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, classifyError(resp)
	}
	var out ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("agentclient: decode ingest response: %w", err)
	}
	return out.Ingested, nil
}

type errorResponse struct {
	Error    string `json:"error"`
	BadIndex *int   `json:"bad_index,omitempty"`
}

// TransientError wraps server-side and throttling failures that a backoff
// retry may resolve.
type TransientError struct {
	Status int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("agentclient: transient server error (%d)", e.Status)
}

func classifyError(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Error)
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &TransientError{Status: resp.StatusCode}
	default:
		idx := -1
		if body.BadIndex != nil {
			idx = *body.BadIndex
		}
		return &InvalidBatchError{Status: resp.StatusCode, Message: body.Error, BadIndex: idx}
	}
}
