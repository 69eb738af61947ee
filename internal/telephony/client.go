package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Baseline client settings.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultRequestsPerSecond = 20.0
	DefaultBurst             = 10
)

// ClientConfig configures the provider REST client.
type ClientConfig struct {
	// BaseURL is the provider API root, e.g. https://api.provider.example/v2.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates requests.
	APIKey string `koanf:"api_key"`

	// Timeout bounds each RPC.
	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond paces outbound calls across all call loops so a
	// burst of concurrent dispatchers cannot flood the provider.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Burst is the rate limiter burst size.
	Burst int `koanf:"burst"`
}

// Validate checks required client settings.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("telephony base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid telephony base_url: %w", err)
	}
	if c.APIKey == "" {
		return errors.New("telephony api_key is required")
	}
	return nil
}

// Client implements Ops against the provider REST API.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a rate-limited provider client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
	}, nil
}

// Answer picks up an inbound leg.
func (c *Client) Answer(ctx context.Context, controlHandle string) error {
	return c.post(ctx, path("calls", controlHandle, "answer"), nil, nil)
}

// StartStream attaches the media stream to the transcription target.
func (c *Client) StartStream(ctx context.Context, controlHandle, target string) error {
	body := map[string]string{"target": target}
	return c.post(ctx, path("calls", controlHandle, "stream", "start"), body, nil)
}

// StopStream detaches the media stream.
func (c *Client) StopStream(ctx context.Context, controlHandle string) error {
	return c.post(ctx, path("calls", controlHandle, "stream", "stop"), nil, nil)
}

// SendDTMF plays keypad digits into the call.
func (c *Client) SendDTMF(ctx context.Context, controlHandle, digits string) error {
	body := map[string]string{"digits": digits}
	return c.post(ctx, path("calls", controlHandle, "dtmf"), body, nil)
}

// Speak reads text into the call.
func (c *Client) Speak(ctx context.Context, controlHandle, text string) error {
	body := map[string]string{"text": text}
	return c.post(ctx, path("calls", controlHandle, "speak"), body, nil)
}

// Mute sets the mute state of a conference participant.
func (c *Client) Mute(ctx context.Context, controlHandle string, muted bool) error {
	body := map[string]bool{"muted": muted}
	return c.post(ctx, path("calls", controlHandle, "mute"), body, nil)
}

// Transfer moves the live leg to a destination, carrying call metadata.
func (c *Client) Transfer(ctx context.Context, controlHandle, destination string, metadata map[string]string) error {
	body := map[string]any{"destination": destination}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	return c.post(ctx, path("calls", controlHandle, "transfer"), body, nil)
}

// Bridge joins two live legs.
func (c *Client) Bridge(ctx context.Context, handleA, handleB string) error {
	body := map[string]string{"other": handleB}
	return c.post(ctx, path("calls", handleA, "bridge"), body, nil)
}

// GetCallState queries whether the leg is still live.
func (c *Client) GetCallState(ctx context.Context, controlHandle string) (CallState, error) {
	var state CallState
	if err := c.get(ctx, path("calls", controlHandle), &state); err != nil {
		return CallState{}, err
	}
	return state, nil
}

// GetParticipant queries a conference participant's state.
func (c *Client) GetParticipant(ctx context.Context, conference, controlHandle string) (Participant, error) {
	var participant Participant
	if err := c.get(ctx, path("conferences", conference, "participants", controlHandle), &participant); err != nil {
		return Participant{}, err
	}
	return participant, nil
}

func (c *Client) post(ctx context.Context, p string, body, out any) error {
	return c.do(ctx, http.MethodPost, p, body, out)
}

func (c *Client) get(ctx context.Context, p string, out any) error {
	return c.do(ctx, http.MethodGet, p, nil, out)
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+p, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failure: status 0 marks it transient.
		return &ProviderError{Status: 0, Code: "network", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeProviderError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func decodeProviderError(resp *http.Response) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Message == "" {
		payload.Message = string(raw)
	}
	if payload.Code == "" {
		payload.Code = http.StatusText(resp.StatusCode)
	}
	return &ProviderError{
		Status:  resp.StatusCode,
		Code:    payload.Code,
		Message: payload.Message,
	}
}

func path(parts ...string) string {
	p := ""
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
