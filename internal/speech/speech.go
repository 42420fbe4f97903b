// Package speech provides the speech output adapter. It selects a synthesis
// backend and voice by detected language and guarantees at most one audible
// utterance at a time.
package speech

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/haiyenle/mindmate/internal/language"
	"github.com/haiyenle/mindmate/internal/tts"
)

// ErrNotSupported is returned when no synthesis capability exists at all
var ErrNotSupported = errors.New("speech synthesis not supported")

// UtteranceRequest describes one unit of synthesized speech
type UtteranceRequest struct {
	Text        string
	VoiceID     string
	LanguageTag string
	Rate        float64 // 1.0 is normal
	Pitch       float64 // 1.0 is normal
	Volume      float64 // 0..1
}

// UtteranceEvents are playback callback slots. Each slot may be nil.
type UtteranceEvents struct {
	OnStart func()
	OnEnd   func()
	// OnError reports playback failure. interrupted marks our own
	// cancellation, which is logged but never surfaced as a failure.
	OnError func(err error, interrupted bool)
}

// Engine is the injected native synthesis capability
type Engine interface {
	// Voices enumerates available voices; may be empty until the engine
	// finishes loading
	Voices() []Voice
	// OnVoicesChanged registers a callback for voice list updates
	OnVoicesChanged(fn func())
	// Speak plays one utterance, reporting progress through events
	Speak(ctx context.Context, req UtteranceRequest, events UtteranceEvents) error
	// Cancel silences the current utterance, if any
	Cancel()
}

// Player plays a remote audio asset by URL
type Player interface {
	Play(ctx context.Context, url string, events UtteranceEvents) error
	Stop()
}

// Provider reports whether a native synthesis capability exists
type Provider interface {
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

// Speaker is the speech output adapter. Backend and voice are chosen per
// utterance: a native voice matching the detected language when one exists,
// else the remote synthesis service when configured, else a default voice
// with adjusted rate and pitch.
type Speaker struct {
	provider Provider
	remote   *tts.Client // optional secondary backend, may be nil
	player   Player      // plays remote audio assets, may be nil
	logger   zerolog.Logger

	mu       sync.Mutex
	registry *Registry
	speaking bool
	seq      uint64 // current utterance generation; stale events are ignored

	onState  func(speaking bool)
	onVoices func()
	onError  func(err error)
}

// NewSpeaker creates the output adapter. remote and player may be nil when
// no remote backend is configured.
func NewSpeaker(provider Provider, remote *tts.Client, player Player, logger zerolog.Logger) *Speaker {
	return &Speaker{
		provider: provider,
		remote:   remote,
		player:   player,
		logger:   logger.With().Str("component", "speech").Logger(),
	}
}

// SetOnStateChange sets a callback for speaking state transitions
func (s *Speaker) SetOnStateChange(fn func(speaking bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// SetOnError sets a callback for playback failures. Interruptions caused by
// our own cancellation never reach it.
func (s *Speaker) SetOnError(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// SetOnVoicesChanged sets a callback for native voice list updates
func (s *Speaker) SetOnVoicesChanged(fn func()) {
	s.mu.Lock()
	s.onVoices = fn
	reg := s.registry
	s.mu.Unlock()
	if reg != nil {
		reg.SetOnChange(fn)
	}
}

// IsSpeaking reports whether an utterance is audible
func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Voices returns the native voices currently known, if any
func (s *Speaker) Voices() []Voice {
	reg := s.ensureRegistry()
	if reg == nil {
		return nil
	}
	return reg.Voices()
}

// ensureRegistry lazily builds the voice registry; engines may not have
// finished enumerating at construction time
func (s *Speaker) ensureRegistry() *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry != nil {
		return s.registry
	}
	engine, ok := s.provider.Engine()
	if !ok {
		return nil
	}
	s.registry = NewRegistry(engine)
	if s.onVoices != nil {
		s.registry.SetOnChange(s.onVoices)
	}
	return s.registry
}

// Speak voices text, cancelling any current utterance first. preferredVoice
// names a remote-backend voice and may be empty.
func (s *Speaker) Speak(ctx context.Context, text, preferredVoice string) error {
	lang := language.Detect(text)

	engine, hasEngine := s.provider.Engine()
	if !hasEngine && (s.remote == nil || !s.remote.IsAvailable() || s.player == nil) {
		s.logger.Warn().Msg("No synthesis backend available")
		return ErrNotSupported
	}

	// Revoke the previous utterance handle before starting a new one
	gen := s.begin(engine)

	events := s.eventsFor(gen)

	if hasEngine {
		reg := s.ensureRegistry()
		if voice, ok := reg.VoiceFor(lang); ok {
			req := nativeRequest(text, voice, lang, false)
			s.logger.Debug().Str("voice", voice.Name).Str("lang", string(lang)).Msg("Speaking with native voice")
			return engine.Speak(ctx, req, events)
		}
	}

	// No native voice for the language: remote service when configured
	if s.remote != nil && s.remote.IsAvailable() && s.player != nil {
		s.logger.Debug().Str("lang", string(lang)).Msg("Speaking through remote synthesis")
		go s.speakRemote(ctx, text, preferredVoice, events)
		return nil
	}

	if !hasEngine {
		return ErrNotSupported
	}

	// Last resort: default voice with adjusted rate and pitch
	var fallbackVoice Voice
	if voices := s.ensureRegistry().Voices(); len(voices) > 0 {
		fallbackVoice = voices[0]
	}
	s.logger.Warn().Str("lang", string(lang)).Msg("No matching voice, using default with adjusted rate")
	return engine.Speak(ctx, nativeRequest(text, fallbackVoice, lang, true), events)
}

// speakRemote synthesizes through the remote backend and plays the asset
func (s *Speaker) speakRemote(ctx context.Context, text, voice string, events UtteranceEvents) {
	url, err := s.remote.Synthesize(ctx, text, voice)
	if err != nil {
		s.logger.Error().Err(err).Msg("Remote synthesis failed")
		if events.OnError != nil {
			events.OnError(err, false)
		}
		return
	}
	if err := s.player.Play(ctx, url, events); err != nil {
		s.logger.Error().Err(err).Msg("Audio playback failed")
		if events.OnError != nil {
			events.OnError(err, false)
		}
	}
}

// begin cancels any current utterance and advances the generation counter
func (s *Speaker) begin(engine Engine) uint64 {
	s.mu.Lock()
	s.seq++
	gen := s.seq
	wasSpeaking := s.speaking
	s.mu.Unlock()

	if wasSpeaking {
		if engine != nil {
			engine.Cancel()
		}
		if s.player != nil {
			s.player.Stop()
		}
	}
	return gen
}

// eventsFor wraps state transitions so a superseded utterance's events
// cannot flip the speaking flag for the one that replaced it
func (s *Speaker) eventsFor(gen uint64) UtteranceEvents {
	return UtteranceEvents{
		OnStart: func() {
			s.setSpeaking(gen, true)
		},
		OnEnd: func() {
			s.setSpeaking(gen, false)
		},
		OnError: func(err error, interrupted bool) {
			if interrupted {
				s.logger.Debug().Msg("Utterance interrupted by our own cancellation")
				s.setSpeaking(gen, false)
				return
			}
			s.logger.Error().Err(err).Msg("Utterance playback failed")
			s.mu.Lock()
			current := gen == s.seq
			onError := s.onError
			s.mu.Unlock()
			if current && onError != nil {
				onError(err)
			}
			s.setSpeaking(gen, false)
		},
	}
}

func (s *Speaker) setSpeaking(gen uint64, speaking bool) {
	s.mu.Lock()
	if gen != s.seq {
		// Stale event from a cancelled utterance
		s.mu.Unlock()
		return
	}
	changed := s.speaking != speaking
	s.speaking = speaking
	onState := s.onState
	s.mu.Unlock()

	if changed && onState != nil {
		onState(speaking)
	}
}

// Stop immediately silences any output. Idempotent.
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.seq++ // invalidate in-flight utterance events
	wasSpeaking := s.speaking
	s.speaking = false
	onState := s.onState
	s.mu.Unlock()

	if engine, ok := s.provider.Engine(); ok {
		engine.Cancel()
	}
	if s.player != nil {
		s.player.Stop()
	}

	if wasSpeaking && onState != nil {
		onState(false)
	}
}

// nativeRequest builds the engine request with per-language rate and pitch.
// adjusted marks the default-voice fallback, which slows Vietnamese text so
// an English voice stays intelligible.
func nativeRequest(text string, voice Voice, lang language.Lang, adjusted bool) UtteranceRequest {
	req := UtteranceRequest{
		Text:        text,
		VoiceID:     voice.ID,
		LanguageTag: lang.Tag(),
		Rate:        0.9,
		Pitch:       1.0,
		Volume:      0.8,
	}
	if lang == language.Vietnamese {
		req.Rate = 0.85
		req.Pitch = 1.1
		if adjusted {
			req.Rate = 0.7
			req.Pitch = 1.0
		}
	}
	return req
}
