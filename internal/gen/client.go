// Package gen provides the counseling response generation client.
package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haiyenle/mindmate/internal/language"
)

// DefaultEndpoint is the Gemini generateContent endpoint
const DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent"

// Common errors
var (
	ErrNoAPIKey      = errors.New("generation API key not configured")
	ErrEmptyResponse = errors.New("no valid response from generation API")
)

// ClientConfig configures the generation client
type ClientConfig struct {
	APIKey     string        // Gemini API key; falls back to GEMINI_API_KEY env var
	Endpoint   string        // generateContent URL
	MaxRetries int           // total attempts for retryable failures (default 3)
	BaseDelay  time.Duration // first backoff delay, doubles per attempt (default 1s)
	Timeout    time.Duration // per-request timeout
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint:   DefaultEndpoint,
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Timeout:    30 * time.Second,
	}
}

// Client calls the remote generation service with a counseling persona
// prompt. Failures are absorbed: the caller always receives reply text,
// falling back to a canned localized reply when the service is unreachable.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu   sync.Mutex
	rand func(n int) int // fallback selection, pluggable for tests
}

// NewClient creates a new generation client. A missing API key is reported
// once here; subsequent calls short-circuit to the fallback pool.
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "gen-client").Logger(),
		rand:       rand.Intn,
	}

	if cfg.APIKey == "" {
		c.logger.Warn().Msg("GEMINI_API_KEY not configured, all responses will use the fallback pool")
	}

	return c
}

// SetRandFunc overrides the fallback selection randomness (for tests)
func (c *Client) SetRandFunc(fn func(n int) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rand = fn
}

// geminiRequest is the generateContent request envelope
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiResponse is the generateContent response envelope
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GetResponse returns a counseling reply for the user's message. It never
// fails: on any error after retries it returns a fallback reply matching the
// detected language of the input.
func (c *Client) GetResponse(ctx context.Context, message string) string {
	lang := language.Detect(message)

	text, err := c.generate(ctx, message, lang)
	if err != nil {
		c.logger.Error().Err(err).Str("lang", string(lang)).Msg("Generation failed, using fallback reply")
		return c.fallback(lang)
	}
	return text
}

// generate performs the request/retry cycle and returns the cleaned reply
func (c *Client) generate(ctx context.Context, message string, lang language.Lang) (string, error) {
	if c.config.APIKey == "" {
		return "", ErrNoAPIKey
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: buildPrompt(message, lang)}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp geminiResponse
	if err := c.doWithRetry(ctx, body, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	text := cleanResponse(resp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// doWithRetry sends the request, retrying rate-limit, server, and network
// errors with doubling backoff up to MaxRetries attempts
func (c *Client) doWithRetry(ctx context.Context, body []byte, out *geminiResponse) error {
	url := c.config.Endpoint + "?key=" + c.config.APIKey

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := c.config.BaseDelay << uint(attempt-2)
			c.logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying generation request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var re *requestError
		if errors.As(err, &re) && !re.retryable {
			return err
		}
		// Network-level and retryable HTTP errors fall through to retry
	}
	return fmt.Errorf("generation request failed after %d attempts: %w", c.config.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, body []byte, out *geminiResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &requestError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &requestError{
			status:    resp.StatusCode,
			retryable: isRetryableStatus(resp.StatusCode),
			err:       fmt.Errorf("generation API error: %d - %s", resp.StatusCode, string(respBody)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &requestError{err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// requestError carries HTTP status and retryability for the retry loop
type requestError struct {
	status    int
	retryable bool
	err       error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		(status >= 500 && status < 600)
}

// fallback picks a random reply from the language's pool
func (c *Client) fallback(lang language.Lang) string {
	pool := FallbackPool(lang)
	c.mu.Lock()
	idx := c.rand(len(pool))
	c.mu.Unlock()
	return cleanResponse(pool[idx])
}

// cleanResponse strips markdown emphasis markers and trims whitespace
func cleanResponse(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "**", ""))
}

// buildPrompt wraps the user's message in the counseling persona prompt for
// the detected language
func buildPrompt(message string, lang language.Lang) string {
	if lang == language.Vietnamese {
		return `Bạn là một chuyên gia tư vấn tâm lý chuyên nghiệp và thân thiện. Hãy trả lời tin nhắn sau của người dùng BẰNG MỘT CÂU NGẮN GỌN TRONG VÒNG 300 KÝ TỰ. Câu trả lời nên:
- Thể hiện sự đồng cảm
- Ngắn gọn, súc tích
- Động viên người dùng
- Sử dụng ngôn ngữ đơn giản
- Trả lời bằng tiếng Việt

Tin nhắn của học sinh: "` + message + `"`
	}

	return `You are a professional and friendly mental health counselor. Respond to the following user message with A SINGLE, CONCISE SENTENCE UNDER 300 CHARACTERS. Your response should:
- Show empathy
- Be brief and to the point
- Encourage the user
- Use simple language
- Respond in English

Student's message: "` + message + `"`
}
