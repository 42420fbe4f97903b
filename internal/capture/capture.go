// Package capture provides the speech capture adapter. It wraps a
// platform speech recognition capability into start/stop sessions that
// produce exactly one terminal event each.
package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyListening is returned when Start is called during an active session
var ErrAlreadyListening = errors.New("capture session already active")

// ErrorCode classifies capture failures
type ErrorCode string

const (
	ErrorNotSupported ErrorCode = "not-supported"
	ErrorNoSpeech     ErrorCode = "no-speech"
	ErrorMicDenied    ErrorCode = "microphone-denied"
	ErrorNetwork      ErrorCode = "network"
	ErrorAborted      ErrorCode = "aborted"
	ErrorUnknown      ErrorCode = "unknown"
)

// Error is a normalized capture failure. Aborted is a normal cancellation
// and must not be shown to the user.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// UserVisible reports whether the error should be surfaced as a notice
func (e *Error) UserVisible() bool { return e.Code != ErrorAborted }

// Result is the single terminal event of a listening session. Either a
// non-empty trimmed transcript, an error, or neither (normal end without
// speech: timeout or caller stop).
type Result struct {
	Transcript string
	Err        *Error
}

// EngineEvents are the callback slots an engine reports through. Each slot
// may be nil.
type EngineEvents struct {
	OnStart   func()
	OnInterim func(text string)
	OnResult  func(text string) // final transcript for the session
	OnError   func(code ErrorCode, err error)
	OnEnd     func()
}

// Engine is the injected recognition capability. Implementations wrap a real
// engine (streaming service, OS recognizer); the recognizer and its tests
// never touch the platform directly.
type Engine interface {
	// Start begins recognizing. Events fire until OnEnd or OnError.
	Start(ctx context.Context, languageTag string, events EngineEvents) error
	// Stop ends recognition gracefully, delivering a pending final result
	Stop()
	// Abort cancels immediately, discarding any pending result
	Abort()
}

// Provider reports whether a capture capability exists on this platform
type Provider interface {
	// Engine returns the capability, or false when unsupported
	Engine() (Engine, bool)
}

// StaticProvider wraps a fixed engine (or none) as a Provider
type StaticProvider struct {
	E Engine
}

// Engine implements Provider
func (p StaticProvider) Engine() (Engine, bool) {
	if p.E == nil {
		return nil, false
	}
	return p.E, true
}

// Config configures the recognizer
type Config struct {
	// LanguageTag passed to the engine (default "en-US")
	LanguageTag string
	// MaxListenDuration force-stops a session that heard nothing (default 10s)
	MaxListenDuration time.Duration
	// StopGrace bounds how long a graceful Stop waits for the engine to
	// deliver a pending final transcript before ending empty (default 1s)
	StopGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		LanguageTag:       "en-US",
		MaxListenDuration: 10 * time.Second,
		StopGrace:         time.Second,
	}
}

// Recognizer runs one listening session at a time. Every session ends with
// exactly one Result on the channel returned by Start, after which
// IsListening is false; there is no stuck-listening state.
type Recognizer struct {
	provider Provider
	config   Config
	logger   zerolog.Logger

	mu        sync.Mutex
	listening bool
	current   *session

	onInterim func(text string)
	onState   func(listening bool)
}

// NewRecognizer creates a recognizer over the given capability provider
func NewRecognizer(provider Provider, config Config, logger zerolog.Logger) *Recognizer {
	if config.LanguageTag == "" {
		config.LanguageTag = "en-US"
	}
	if config.MaxListenDuration <= 0 {
		config.MaxListenDuration = 10 * time.Second
	}
	if config.StopGrace <= 0 {
		config.StopGrace = time.Second
	}
	return &Recognizer{
		provider: provider,
		config:   config,
		logger:   logger.With().Str("component", "capture").Logger(),
	}
}

// SetOnInterim sets a callback for interim transcripts (display only)
func (r *Recognizer) SetOnInterim(fn func(text string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInterim = fn
}

// SetOnStateChange sets a callback for listening state transitions
func (r *Recognizer) SetOnStateChange(fn func(listening bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

// IsListening reports whether a session is active
func (r *Recognizer) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listening
}

// session holds per-start state; finish runs at most once
type session struct {
	recognizer *Recognizer
	engine     Engine
	result     chan Result
	timer      *time.Timer
	once       sync.Once
}

// Start begins a listening session. The returned channel delivers the
// session's single terminal event. Fails fast with ErrorNotSupported when
// the platform offers no capture capability.
func (r *Recognizer) Start(ctx context.Context) (<-chan Result, error) {
	engine, ok := r.provider.Engine()
	if !ok {
		return nil, &Error{Code: ErrorNotSupported, Err: errors.New("no speech recognition capability")}
	}

	r.mu.Lock()
	if r.listening {
		r.mu.Unlock()
		return nil, ErrAlreadyListening
	}
	s := &session{
		recognizer: r,
		engine:     engine,
		result:     make(chan Result, 1),
	}
	r.listening = true
	r.current = s
	onState := r.onState
	r.mu.Unlock()

	if onState != nil {
		onState(true)
	}
	r.logger.Debug().Str("lang", r.config.LanguageTag).Msg("Capture session starting")

	events := EngineEvents{
		OnStart: func() {
			r.logger.Debug().Msg("Engine reported start")
		},
		OnInterim: func(text string) {
			r.mu.Lock()
			onInterim := r.onInterim
			r.mu.Unlock()
			if onInterim != nil {
				onInterim(text)
			}
		},
		OnResult: func(text string) {
			text = strings.TrimSpace(text)
			if text == "" {
				// Engine produced nothing usable; treat as a normal end
				s.finish(Result{})
				return
			}
			s.finish(Result{Transcript: text})
		},
		OnError: func(code ErrorCode, err error) {
			if code == ErrorAborted {
				// Our own cancellation, not a failure
				s.finish(Result{})
				return
			}
			s.finish(Result{Err: &Error{Code: code, Err: err}})
		},
		OnEnd: func() {
			// End without a result or error: normal termination
			s.finish(Result{})
		},
	}

	// Force-stop after the max listen window; a session that heard nothing
	// ends normally rather than erroring. Armed before engine start so the
	// session can never dangle.
	s.timer = time.AfterFunc(r.config.MaxListenDuration, func() {
		r.logger.Debug().Dur("max", r.config.MaxListenDuration).Msg("Capture session timed out")
		engine.Stop()
		s.finish(Result{})
	})

	if err := engine.Start(ctx, r.config.LanguageTag, events); err != nil {
		s.finish(Result{Err: normalizeStartError(err)})
	}

	return s.result, nil
}

// Stop ends the active session gracefully. The engine may still deliver a
// pending final transcript through its own terminal event; a grace timer
// ends the session empty if it reports nothing. Safe to call when not
// listening.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return
	}

	s.engine.Stop()
	time.AfterFunc(r.config.StopGrace, func() {
		s.finish(Result{})
	})
}

// Abort cancels the active session discarding pending results. Safe to call
// when not listening; used on conversation teardown.
func (r *Recognizer) Abort() {
	r.mu.Lock()
	s := r.current
	r.mu.Unlock()
	if s == nil {
		return
	}

	s.engine.Abort()
	s.finish(Result{})
}

// finish delivers the terminal event and clears listening state exactly once
func (s *session) finish(res Result) {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}

		r := s.recognizer
		r.mu.Lock()
		r.listening = false
		if r.current == s {
			r.current = nil
		}
		onState := r.onState
		r.mu.Unlock()

		if onState != nil {
			onState(false)
		}
		s.result <- res

		if res.Err != nil {
			r.logger.Warn().Str("code", string(res.Err.Code)).Err(res.Err.Err).Msg("Capture session ended with error")
		} else {
			r.logger.Debug().Bool("hasTranscript", res.Transcript != "").Msg("Capture session ended")
		}
	})
}

// normalizeStartError maps an engine start failure into the taxonomy
func normalizeStartError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: ErrorUnknown, Err: err}
}
