// Package tts provides the remote speech synthesis client.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultEndpoint is the FPT.AI text-to-speech endpoint
const DefaultEndpoint = "https://api.fpt.ai/hmi/tts/v5"

// Common errors
var (
	ErrEmptyText     = errors.New("synthesis text is empty")
	ErrNoAPIKey      = errors.New("synthesis API key not configured")
	ErrNoAudioURL    = errors.New("no audio URL in synthesis response")
	ErrAudioNotReady = errors.New("audio asset not ready after retries")
)

// Config configures the remote synthesis client
type Config struct {
	APIKey        string        // falls back to FPT_TTS_API_KEY env var
	Endpoint      string        // synthesis URL
	DefaultVoice  string        // e.g. banmai, thuminh, leminh, giahuy
	Speed         float64       // -3 to 3, 0 is normal
	URLCheckTries int           // HEAD checks before giving up (default 3)
	URLCheckDelay time.Duration // fixed delay between checks (default 2s)
	Timeout       time.Duration // per-request timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Endpoint:      DefaultEndpoint,
		DefaultVoice:  "banmai",
		URLCheckTries: 3,
		URLCheckDelay: 2 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// Client synthesizes speech through a remote service. The service replies
// with a URL to an audio asset that is produced asynchronously; the client
// polls the URL until the asset resolves.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a remote synthesis client
func NewClient(config *Config, logger zerolog.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.DefaultVoice == "" {
		config.DefaultVoice = "banmai"
	}
	if config.URLCheckTries <= 0 {
		config.URLCheckTries = 3
	}
	if config.URLCheckDelay <= 0 {
		config.URLCheckDelay = 2 * time.Second
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("FPT_TTS_API_KEY")
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With().Str("component", "tts-remote").Logger(),
	}
}

// IsAvailable reports whether the client has an API key configured
func (c *Client) IsAvailable() bool {
	return c.config.APIKey != ""
}

// synthesisResponse carries the async audio asset URL
type synthesisResponse struct {
	Async   string `json:"async"`
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// Synthesize requests audio for text and returns the resolved asset URL.
// voice may be empty to use the configured default.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if c.config.APIKey == "" {
		return "", ErrNoAPIKey
	}
	if voice == "" {
		voice = c.config.DefaultVoice
	}

	body, err := json.Marshal(text)
	if err != nil {
		return "", fmt.Errorf("failed to marshal text: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.config.APIKey)
	req.Header.Set("voice", voice)
	if c.config.Speed != 0 {
		req.Header.Set("speed", strconv.FormatFloat(c.config.Speed, 'f', -1, 64))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("synthesis API error: %d", resp.StatusCode)
	}

	var sr synthesisResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode synthesis response: %w", err)
	}
	if sr.Async == "" {
		return "", ErrNoAudioURL
	}

	c.logger.Debug().Str("voice", voice).Int("textLen", len(text)).Msg("Synthesis accepted, waiting for audio asset")

	return c.waitForAudio(ctx, sr.Async)
}

// waitForAudio HEAD-checks the asset URL with bounded retries and a fixed
// delay. A 404 that persists through all tries is terminal.
func (c *Client) waitForAudio(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.URLCheckTries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.config.URLCheckDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return "", fmt.Errorf("failed to create check request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return url, nil
		case resp.StatusCode == http.StatusNotFound:
			lastErr = ErrAudioNotReady
		default:
			lastErr = fmt.Errorf("audio URL check failed: %d", resp.StatusCode)
		}
	}

	if errors.Is(lastErr, ErrAudioNotReady) {
		return "", ErrAudioNotReady
	}
	return "", fmt.Errorf("audio URL never resolved: %w", lastErr)
}
