// Package avatar talks to the avatar streaming vendor's HTTP API. It creates
// and closes per-speaker streaming sessions and forwards speaking events so
// the vendor can animate the avatar while audio plays.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a single vendor API call.
const DefaultTimeout = 10 * time.Second

// Speaking event types sent to an active avatar session.
const (
	EventStartedSpeaking = "started_speaking"
	EventStoppedSpeaking = "stopped_speaking"
)

// ErrMissingBaseURL indicates the vendor endpoint is not configured.
var ErrMissingBaseURL = errors.New("avatar base URL not configured")

// Config holds avatar vendor settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ConfigFromEnv reads avatar vendor settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		BaseURL: os.Getenv("CARECIRCLE_AVATAR_BASE_URL"),
		APIKey:  os.Getenv("CARECIRCLE_AVATAR_API_KEY"),
		Timeout: DefaultTimeout,
	}
}

// Client is an HTTP client for the avatar vendor API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates an avatar vendor client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type createSessionRequest struct {
	AvatarAssetID string `json:"avatar_asset_id"`
}

type createSessionResponse struct {
	SessionToken string `json:"session_token"`
}

type speakingEventRequest struct {
	Event string `json:"event"`
}

// CreateSession opens a streaming session for an avatar asset and returns
// the vendor session token.
func (c *Client) CreateSession(ctx context.Context, avatarAssetID string) (string, error) {
	if strings.TrimSpace(avatarAssetID) == "" {
		return "", fmt.Errorf("avatar asset ID is empty")
	}
	slog.Debug("avatar.CreateSession: opening stream session", "avatar_asset_id", avatarAssetID)

	var resp createSessionResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", createSessionRequest{AvatarAssetID: avatarAssetID}, &resp)
	if err != nil {
		slog.Error("avatar.CreateSession: vendor call failed", "error", err, "avatar_asset_id", avatarAssetID)
		return "", err
	}
	if resp.SessionToken == "" {
		return "", fmt.Errorf("vendor returned empty session token")
	}
	slog.Debug("avatar.CreateSession: stream session opened", "avatar_asset_id", avatarAssetID)
	return resp.SessionToken, nil
}

// CloseSession tears down a streaming session.
func (c *Client) CloseSession(ctx context.Context, sessionToken string) error {
	if strings.TrimSpace(sessionToken) == "" {
		return fmt.Errorf("session token is empty")
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+sessionToken, nil, nil)
}

// NotifySpeaking sends a speaking lifecycle event to an active session.
func (c *Client) NotifySpeaking(ctx context.Context, sessionToken, event string) error {
	if event != EventStartedSpeaking && event != EventStoppedSpeaking {
		return fmt.Errorf("unknown speaking event %q", event)
	}
	if strings.TrimSpace(sessionToken) == "" {
		return fmt.Errorf("session token is empty")
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionToken+"/events", speakingEventRequest{Event: event}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call avatar vendor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("avatar vendor returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(sample)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
