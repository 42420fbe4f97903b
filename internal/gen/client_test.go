package gen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(endpoint string) *ClientConfig {
	return &ClientConfig{
		APIKey:     "test-key",
		Endpoint:   endpoint,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

func candidateBody(text string) string {
	out, _ := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{map[string]any{"text": text}},
				},
			},
		},
	})
	return string(out)
}

func TestGetResponseSuccess(t *testing.T) {
	var gotKey, gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Contents[0].Parts[0].Text

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(candidateBody("**You are** doing great, keep going.")))
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	reply := c.GetResponse(context.Background(), "I feel overwhelmed")

	assert.Equal(t, "You are doing great, keep going.", reply, "markdown emphasis should be stripped")
	assert.Equal(t, "test-key", gotKey, "API key travels as query parameter")
	assert.Contains(t, gotPrompt, "I feel overwhelmed")
	assert.Contains(t, gotPrompt, "counselor", "english input gets the english persona prompt")
}

func TestVietnamesePromptSelection(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotPrompt = req.Contents[0].Parts[0].Text
		w.Write([]byte(candidateBody("Bạn sẽ ổn thôi.")))
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	reply := c.GetResponse(context.Background(), "Tôi lo lắng về kỳ thi")

	assert.Equal(t, "Bạn sẽ ổn thôi.", reply)
	assert.Contains(t, gotPrompt, "tư vấn tâm lý", "vietnamese input gets the vietnamese persona prompt")
}

func TestRetriesThenFallback(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	c.SetRandFunc(func(n int) int { return 2 })

	reply := c.GetResponse(context.Background(), "I feel sad today")

	assert.Equal(t, int32(3), atomic.LoadInt32(&requests), "503 should be retried up to 3 attempts")
	pool := FallbackPool("en")
	assert.Equal(t, strings.TrimSpace(pool[2]), reply, "reply comes from the english fallback pool")
}

func TestFallbackMatchesInputLanguage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	c.SetRandFunc(func(n int) int { return 0 })

	reply := c.GetResponse(context.Background(), "Tôi buồn quá")
	assert.Contains(t, FallbackPool("vi"), reply)
}

func TestNonRetryableFailsFast(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	c.SetRandFunc(func(n int) int { return 0 })

	reply := c.GetResponse(context.Background(), "hello")

	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "400 must not be retried")
	assert.Contains(t, FallbackPool("en"), reply)
}

func TestMissingKeyShortCircuits(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.APIKey = ""
	c := NewClient(cfg, zerolog.Nop())
	c.SetRandFunc(func(n int) int { return 1 })

	reply := c.GetResponse(context.Background(), "hello")

	assert.Equal(t, int32(0), atomic.LoadInt32(&requests), "no network call without an API key")
	assert.Contains(t, FallbackPool("en"), reply)
}

func TestEmptyCandidatesFallsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), zerolog.Nop())
	c.SetRandFunc(func(n int) int { return 0 })

	reply := c.GetResponse(context.Background(), "hello")
	assert.Contains(t, FallbackPool("en"), reply)
}

func TestCleanResponse(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  plain  ", "plain"},
		{"**bold** text", "bold text"},
		{"a **b** c **d**", "a b c d"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := cleanResponse(tt.in); got != tt.want {
			t.Errorf("cleanResponse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackPoolCopies(t *testing.T) {
	pool := FallbackPool("vi")
	require.Len(t, pool, 5)
	pool[0] = "mutated"
	assert.NotEqual(t, "mutated", FallbackPool("vi")[0], "callers must not mutate the pool")
}
