// Package conversation implements the state machine coordinating speech
// capture, response generation, and speech output around a single message
// log.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haiyenle/mindmate/internal/bus"
	"github.com/haiyenle/mindmate/internal/capture"
	"github.com/haiyenle/mindmate/internal/character"
	"github.com/haiyenle/mindmate/internal/speech"
)

// Common errors
var (
	ErrBusy         = errors.New("a response is already pending")
	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoCharacter  = errors.New("no character selected")
)

// State is the orchestrator's observable conversation state
type State string

const (
	StateIdle             State = "idle"
	StateListening        State = "listening"
	StateAwaitingResponse State = "awaiting_response"
	StateSpeaking         State = "speaking"
)

// Snapshot is the full conversation state consumed by presentation clients
type Snapshot struct {
	Character     *character.Character `json:"character,omitempty"`
	Messages      []Message            `json:"messages"`
	State         State                `json:"state"`
	IsProcessing  bool                 `json:"isProcessing"`
	IsListening   bool                 `json:"isListening"`
	IsSpeaking    bool                 `json:"isSpeaking"`
	SpeechEnabled bool                 `json:"speechEnabled"`
}

// Generator produces a counseling reply for a user message. The generation
// client absorbs its own failures, so this never errors.
type Generator interface {
	GetResponse(ctx context.Context, message string) string
}

// Config configures conversational pacing
type Config struct {
	// SpeakDelay lets the UI render a reply before audio starts (default 500ms)
	SpeakDelay time.Duration
	// GreetDelay before the greeting is auto-spoken (default 1s)
	GreetDelay time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SpeakDelay: 500 * time.Millisecond,
		GreetDelay: time.Second,
	}
}

// Orchestrator owns the message log, the processing flag, and the speech
// toggle. It sequences one pending generation round-trip at a time and
// decides when speech output runs. All adapter events funnel through it; the
// presentation layer only reads snapshots and bus events.
type Orchestrator struct {
	generator  Generator
	recognizer *capture.Recognizer
	speaker    *speech.Speaker
	eventBus   *bus.EventBus
	config     Config
	logger     zerolog.Logger

	mu            sync.Mutex
	char          *character.Character
	messages      []Message
	processing    bool
	speechEnabled bool
	hasGreeted    bool
	epoch         uint64 // bumped on every reset; stale async work is dropped
}

// NewOrchestrator wires the three adapters together. eventBus may be nil.
func NewOrchestrator(generator Generator, recognizer *capture.Recognizer, speaker *speech.Speaker, eventBus *bus.EventBus, config Config, logger zerolog.Logger) *Orchestrator {
	if config.SpeakDelay <= 0 {
		config.SpeakDelay = 500 * time.Millisecond
	}
	if config.GreetDelay <= 0 {
		config.GreetDelay = time.Second
	}

	o := &Orchestrator{
		generator:     generator,
		recognizer:    recognizer,
		speaker:       speaker,
		eventBus:      eventBus,
		config:        config,
		speechEnabled: true,
		logger:        logger.With().Str("component", "orchestrator").Logger(),
	}

	if recognizer != nil {
		recognizer.SetOnInterim(func(text string) {
			o.publish(bus.EventTypeInterimTranscript, map[string]any{"transcript": text})
		})
		recognizer.SetOnStateChange(func(listening bool) {
			if listening {
				o.publish(bus.EventTypeListeningStarted, nil)
			} else {
				o.publish(bus.EventTypeListeningStopped, nil)
			}
		})
	}
	if speaker != nil {
		speaker.SetOnVoicesChanged(func() {
			o.publish(bus.EventTypeVoicesChanged, nil)
		})
		speaker.SetOnError(func(err error) {
			o.publish(bus.EventTypeSpeechError, map[string]any{"error": err.Error()})
		})
		speaker.SetOnStateChange(func(speaking bool) {
			if speaking {
				o.publish(bus.EventTypeSpeakingStarted, nil)
			} else {
				o.publish(bus.EventTypeSpeakingStopped, nil)
			}
		})
	}

	return o
}

func (o *Orchestrator) publish(t bus.EventType, data map[string]any) {
	if o.eventBus != nil {
		o.eventBus.Publish(bus.Event{Type: t, Data: data})
	}
}

// SelectCharacter resets the conversation for a new persona and seeds its
// greeting, which is auto-spoken once per selection
func (o *Orchestrator) SelectCharacter(ctx context.Context, ch character.Character) {
	o.Reset()

	o.mu.Lock()
	o.char = &ch
	greeting := newMessage(ch.Greeting, false)
	o.messages = append(o.messages, greeting)
	o.hasGreeted = true
	epoch := o.epoch
	voice := ch.VoiceID
	o.mu.Unlock()

	o.logger.Info().Str("character", ch.ID).Msg("Character selected")
	o.publish(bus.EventTypeCharacterSelected, map[string]any{"characterId": ch.ID})
	o.publish(bus.EventTypeMessageAdded, map[string]any{"message": greeting})

	o.speakLater(ctx, epoch, ch.Greeting, voice, o.config.GreetDelay)
}

// Submit appends the user's message and requests a reply. A second submit
// while a reply is pending is rejected, not queued.
func (o *Orchestrator) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	if o.char == nil {
		o.mu.Unlock()
		return ErrNoCharacter
	}
	if o.processing {
		o.mu.Unlock()
		return ErrBusy
	}
	o.processing = true
	userMsg := newMessage(text, true)
	o.messages = append(o.messages, userMsg)
	epoch := o.epoch
	voice := o.char.VoiceID
	o.mu.Unlock()

	// Typing while a capture session runs cancels it outright; a pending
	// mic transcript would otherwise race this submission
	if o.recognizer != nil && o.recognizer.IsListening() {
		o.recognizer.Abort()
	}

	o.publish(bus.EventTypeMessageAdded, map[string]any{"message": userMsg})
	o.publish(bus.EventTypeProcessingState, map[string]any{"processing": true})

	go o.awaitResponse(ctx, epoch, text, voice)
	return nil
}

// awaitResponse runs the single pending generation round-trip
func (o *Orchestrator) awaitResponse(ctx context.Context, epoch uint64, text, voice string) {
	// By contract the generator resolves to content or fallback text; there
	// is no error path here
	reply := o.generator.GetResponse(ctx, text)

	o.mu.Lock()
	if o.epoch != epoch {
		// Conversation was reset while the request was in flight
		o.mu.Unlock()
		return
	}
	aiMsg := newMessage(reply, false)
	o.messages = append(o.messages, aiMsg)
	o.processing = false
	o.mu.Unlock()

	o.publish(bus.EventTypeMessageAdded, map[string]any{"message": aiMsg})
	o.publish(bus.EventTypeProcessingState, map[string]any{"processing": false})

	o.speakLater(ctx, epoch, reply, voice, o.config.SpeakDelay)
}

// speakLater voices text after a pacing delay, unless speech was disabled
// or the conversation reset in the meantime
func (o *Orchestrator) speakLater(ctx context.Context, epoch uint64, text, voice string, delay time.Duration) {
	if o.speaker == nil {
		return
	}
	time.AfterFunc(delay, func() {
		o.mu.Lock()
		stale := o.epoch != epoch
		enabled := o.speechEnabled
		o.mu.Unlock()
		if stale || !enabled {
			return
		}
		// Speech output never overlaps an active mic session
		if o.recognizer != nil && o.recognizer.IsListening() {
			return
		}
		if err := o.speaker.Speak(ctx, text, voice); err != nil {
			o.logger.Warn().Err(err).Msg("Speech output unavailable")
			o.publish(bus.EventTypeSpeechError, map[string]any{"error": err.Error()})
		}
	})
}

// StartCapture begins a listening session whose transcript is submitted as
// a user message. Disallowed while a reply is pending. Any current utterance
// is silenced first; the mic never listens over the avatar's own voice.
func (o *Orchestrator) StartCapture(ctx context.Context) error {
	if o.recognizer == nil {
		return &capture.Error{Code: capture.ErrorNotSupported, Err: errors.New("no speech recognition capability")}
	}

	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return ErrBusy
	}
	if o.char == nil {
		o.mu.Unlock()
		return ErrNoCharacter
	}
	o.mu.Unlock()

	if o.speaker != nil {
		o.speaker.Stop()
	}

	results, err := o.recognizer.Start(ctx)
	if err != nil {
		var ce *capture.Error
		if errors.As(err, &ce) && ce.UserVisible() {
			o.publish(bus.EventTypeCaptureError, map[string]any{"code": string(ce.Code)})
		}
		return err
	}

	// A submit may have landed between the admission check and the session
	// start; the pending reply takes precedence over the mic
	o.mu.Lock()
	busy := o.processing
	o.mu.Unlock()
	if busy {
		o.recognizer.Abort()
		return ErrBusy
	}

	go func() {
		res := <-results
		if res.Err != nil {
			// Error terminates the listening state; aborts were already
			// filtered out by the adapter
			o.logger.Warn().Str("code", string(res.Err.Code)).Msg("Capture failed")
			o.publish(bus.EventTypeCaptureError, map[string]any{"code": string(res.Err.Code)})
			return
		}
		if res.Transcript == "" {
			// Normal end without speech: timeout or caller stop
			return
		}
		o.publish(bus.EventTypeTranscript, map[string]any{"transcript": res.Transcript})
		if err := o.Submit(ctx, res.Transcript); err != nil {
			o.logger.Warn().Err(err).Msg("Transcript submission rejected")
		}
	}()

	return nil
}

// StopCapture ends the active listening session early. Safe when idle.
func (o *Orchestrator) StopCapture() {
	if o.recognizer != nil {
		o.recognizer.Stop()
	}
}

// SetSpeechEnabled toggles speech output. Disabling silences any current
// utterance immediately.
func (o *Orchestrator) SetSpeechEnabled(enabled bool) {
	o.mu.Lock()
	o.speechEnabled = enabled
	o.mu.Unlock()

	if !enabled && o.speaker != nil {
		o.speaker.Stop()
	}
	o.logger.Debug().Bool("enabled", enabled).Msg("Speech toggled")
}

// ToggleSpeech flips the speech toggle and returns the new value
func (o *Orchestrator) ToggleSpeech() bool {
	o.mu.Lock()
	o.speechEnabled = !o.speechEnabled
	enabled := o.speechEnabled
	o.mu.Unlock()

	if !enabled && o.speaker != nil {
		o.speaker.Stop()
	}
	o.logger.Debug().Bool("enabled", enabled).Msg("Speech toggled")
	return enabled
}

// Reset tears the conversation down: active capture and speech stop, the
// message log clears, and the greeting guard re-arms for the next selection
func (o *Orchestrator) Reset() {
	if o.recognizer != nil {
		o.recognizer.Abort()
	}
	if o.speaker != nil {
		o.speaker.Stop()
	}

	o.mu.Lock()
	o.epoch++
	o.char = nil
	o.messages = nil
	o.processing = false
	o.hasGreeted = false
	o.mu.Unlock()

	o.publish(bus.EventTypeConversationReset, nil)
	o.logger.Info().Msg("Conversation reset")
}

// Close cancels in-flight capture and speech on teardown
func (o *Orchestrator) Close() {
	o.Reset()
}

// Messages returns a copy of the transcript
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := make([]Message, len(o.messages))
	copy(result, o.messages)
	return result
}

// IsProcessing reports whether a reply is pending
func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// SpeechEnabled reports the speech toggle
func (o *Orchestrator) SpeechEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speechEnabled
}

// HasGreeted reports whether the current character's greeting was seeded
func (o *Orchestrator) HasGreeted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasGreeted
}

// State derives the observable conversation state. Listening and awaiting
// are mutually exclusive; speaking may only surface from otherwise-idle.
func (o *Orchestrator) State() State {
	if o.recognizer != nil && o.recognizer.IsListening() {
		return StateListening
	}
	if o.IsProcessing() {
		return StateAwaitingResponse
	}
	if o.speaker != nil && o.speaker.IsSpeaking() {
		return StateSpeaking
	}
	return StateIdle
}

// Snapshot returns the full state for presentation clients
func (o *Orchestrator) Snapshot() Snapshot {
	state := o.State()

	o.mu.Lock()
	defer o.mu.Unlock()

	messages := make([]Message, len(o.messages))
	copy(messages, o.messages)

	snap := Snapshot{
		Character:     o.char,
		Messages:      messages,
		State:         state,
		IsProcessing:  o.processing,
		SpeechEnabled: o.speechEnabled,
	}
	if o.recognizer != nil {
		snap.IsListening = o.recognizer.IsListening()
	}
	if o.speaker != nil {
		snap.IsSpeaking = o.speaker.IsSpeaking()
	}
	return snap
}
