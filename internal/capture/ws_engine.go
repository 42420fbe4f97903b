package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSEngineConfig configures the streaming recognition engine
type WSEngineConfig struct {
	// Endpoint is the recognition service WebSocket URL
	Endpoint string
	// APIKey authenticates the connection; falls back to STT_API_KEY env var
	APIKey string
	// HandshakeTimeout bounds the WebSocket dial
	HandshakeTimeout time.Duration
	// InterimResults requests partial transcripts before the final one
	InterimResults bool
}

// DefaultWSEngineConfig returns sensible defaults
func DefaultWSEngineConfig() *WSEngineConfig {
	return &WSEngineConfig{
		HandshakeTimeout: 10 * time.Second,
		InterimResults:   true,
	}
}

// WSEngine implements Engine over a streaming speech recognition service.
// One recognition session maps to one WebSocket connection; the service
// pushes interim and final transcripts as JSON frames.
type WSEngine struct {
	config *WSEngineConfig
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	aborted bool
}

// NewWSEngine creates a streaming recognition engine
func NewWSEngine(config *WSEngineConfig, logger zerolog.Logger) *WSEngine {
	if config == nil {
		config = DefaultWSEngineConfig()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.APIKey == "" {
		config.APIKey = os.Getenv("STT_API_KEY")
	}
	return &WSEngine{
		config: config,
		logger: logger.With().Str("component", "capture-ws").Logger(),
	}
}

// recognitionFrame is one JSON message from the recognition service
type recognitionFrame struct {
	Type       string `json:"type"` // started, transcript, error
	Transcript string `json:"transcript,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Start implements Engine
func (e *WSEngine) Start(ctx context.Context, languageTag string, events EngineEvents) error {
	url := fmt.Sprintf("%s?language=%s&interim_results=%t", e.config.Endpoint, languageTag, e.config.InterimResults)

	header := http.Header{}
	if e.config.APIKey != "" {
		header.Set("Authorization", "Token "+e.config.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: e.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			e.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("Recognition WebSocket dial failed")
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return &Error{Code: ErrorMicDenied, Err: err}
			}
		}
		return &Error{Code: ErrorNetwork, Err: fmt.Errorf("websocket dial: %w", err)}
	}

	e.mu.Lock()
	e.conn = conn
	e.aborted = false
	e.mu.Unlock()

	go e.readLoop(conn, events)
	return nil
}

func (e *WSEngine) readLoop(conn *websocket.Conn, events EngineEvents) {
	defer func() {
		conn.Close()
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			e.mu.Lock()
			aborted := e.aborted
			e.mu.Unlock()

			if aborted || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if events.OnEnd != nil {
					events.OnEnd()
				}
				return
			}
			e.logger.Warn().Err(err).Msg("Recognition connection lost")
			if events.OnError != nil {
				events.OnError(ErrorNetwork, err)
			}
			return
		}

		var frame recognitionFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			e.logger.Warn().Err(err).Str("message", string(message)).Msg("Failed to parse recognition frame")
			continue
		}

		switch frame.Type {
		case "started":
			if events.OnStart != nil {
				events.OnStart()
			}
		case "transcript":
			if frame.IsFinal {
				if events.OnResult != nil {
					events.OnResult(frame.Transcript)
				}
				return
			}
			if events.OnInterim != nil {
				events.OnInterim(frame.Transcript)
			}
		case "error":
			if events.OnError != nil {
				events.OnError(classifyServiceError(frame.Error), errors.New(frame.Error))
			}
			return
		}
	}
}

// Stop implements Engine. The service is asked to finalize; any pending
// final transcript still arrives through the read loop.
func (e *WSEngine) Stop() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}

	deadline := time.Now().Add(time.Second)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		conn.Close()
	}
}

// Abort implements Engine, tearing the connection down immediately
func (e *WSEngine) Abort() {
	e.mu.Lock()
	conn := e.conn
	e.aborted = true
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// classifyServiceError maps service error strings to the capture taxonomy
func classifyServiceError(msg string) ErrorCode {
	switch msg {
	case "no-speech", "no_speech":
		return ErrorNoSpeech
	case "not-allowed", "permission-denied":
		return ErrorMicDenied
	case "network":
		return ErrorNetwork
	case "aborted":
		return ErrorAborted
	default:
		return ErrorUnknown
	}
}
