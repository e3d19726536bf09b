package syncagent

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

	"github.com/redwing-381/projectx/internal/capture"
)

const maxErrorBody = 512

// HTTPDoer describes the HTTP client used to reach the server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned for a non-2xx server response.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Operation, e.StatusCode, e.Body)
}

// UploadResult mirrors the server's batch response.
type UploadResult struct {
	Success           bool   `json:"success"`
	Processed         int    `json:"processed"`
	UrgentCount       int    `json:"urgent_count"`
	MonitoringEnabled bool   `json:"monitoring_enabled"`
	Message           string `json:"message"`
}

// RemoteCommand is one pending control command.
type RemoteCommand struct {
	ID        uint   `json:"id"`
	Command   string `json:"command"`
	CreatedAt string `json:"created_at"`
}

// CommandList is the poll response.
type CommandList struct {
	Commands          []RemoteCommand `json:"commands"`
	MonitoringEnabled bool            `json:"monitoring_enabled"`
}

type uploadNotification struct {
	ID        string `json:"id"`
	App       string `json:"app"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type uploadRequest struct {
	DeviceID      string               `json:"device_id"`
	Notifications []uploadNotification `json:"notifications"`
}

// Client talks to the ProjectX API on behalf of one device.
type Client struct {
	baseURL    string
	credential string
	deviceID   string
	http       HTTPDoer
}

// NewClient builds a client. A nil doer uses an http.Client with the given timeout.
func NewClient(baseURL, credential, deviceID string, doer HTTPDoer, timeout time.Duration) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		credential: strings.TrimSpace(credential),
		deviceID:   strings.TrimSpace(deviceID),
		http:       doer,
	}
}

// Configured reports whether both a server URL and a credential are present.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.credential != ""
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// Upload posts a batch of queued messages.
func (c *Client) Upload(ctx context.Context, messages []capture.Message) (UploadResult, error) {
	request := uploadRequest{DeviceID: c.deviceID, Notifications: make([]uploadNotification, 0, len(messages))}
	for _, message := range messages {
		request.Notifications = append(request.Notifications, uploadNotification{
			ID:        message.ID,
			App:       message.SourceApp,
			Sender:    message.Sender,
			Text:      message.Text,
			Timestamp: message.CapturedAt.UnixMilli(),
		})
	}
	var result UploadResult
	err := c.do(ctx, "upload", http.MethodPost, "/api/notifications", request, &result)
	return result, err
}

// PollCommands fetches the device's pending commands.
func (c *Client) PollCommands(ctx context.Context) (CommandList, error) {
	var list CommandList
	err := c.do(ctx, "poll commands", http.MethodGet, "/api/mobile/commands/"+url.PathEscape(c.deviceID), nil, &list)
	return list, err
}

// Acknowledge marks a command executed on the server.
func (c *Client) Acknowledge(ctx context.Context, commandID uint) error {
	body := map[string]uint{"command_id": commandID}
	return c.do(ctx, "ack command", http.MethodPost, "/api/mobile/commands/"+url.PathEscape(c.deviceID)+"/ack", body, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}
