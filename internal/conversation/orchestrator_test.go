package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiyenle/mindmate/internal/bus"
	"github.com/haiyenle/mindmate/internal/capture"
	"github.com/haiyenle/mindmate/internal/character"
	"github.com/haiyenle/mindmate/internal/speech"
)

// fakeGenerator returns a canned reply, optionally blocking until released
type fakeGenerator struct {
	reply   string
	calls   int32
	release chan struct{} // nil means respond immediately
}

func (g *fakeGenerator) GetResponse(ctx context.Context, message string) string {
	atomic.AddInt32(&g.calls, 1)
	if g.release != nil {
		<-g.release
	}
	return g.reply
}

func (g *fakeGenerator) callCount() int32 {
	return atomic.LoadInt32(&g.calls)
}

// fakeCaptureEngine lets tests drive a listening session
type fakeCaptureEngine struct {
	mu      sync.Mutex
	events  capture.EngineEvents
	onStart func() // runs during Start, outside the engine lock
}

func (f *fakeCaptureEngine) Start(ctx context.Context, languageTag string, events capture.EngineEvents) error {
	f.mu.Lock()
	f.events = events
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeCaptureEngine) Stop()  {}
func (f *fakeCaptureEngine) Abort() {}

func (f *fakeCaptureEngine) fire() capture.EngineEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

// fakeSpeechEngine records spoken texts
type fakeSpeechEngine struct {
	mu      sync.Mutex
	spoken  []string
	events  []speech.UtteranceEvents
	cancels int
}

func (f *fakeSpeechEngine) Voices() []speech.Voice {
	return []speech.Voice{
		{ID: "en-1", Name: "Samantha", LanguageTag: "en-US"},
		{ID: "vi-1", Name: "Linh", LanguageTag: "vi-VN"},
	}
}

func (f *fakeSpeechEngine) OnVoicesChanged(fn func()) {}

func (f *fakeSpeechEngine) Speak(ctx context.Context, req speech.UtteranceRequest, events speech.UtteranceEvents) error {
	f.mu.Lock()
	f.spoken = append(f.spoken, req.Text)
	f.events = append(f.events, events)
	f.mu.Unlock()
	events.OnStart()
	return nil
}

func (f *fakeSpeechEngine) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
}

func (f *fakeSpeechEngine) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]string, len(f.spoken))
	copy(result, f.spoken)
	return result
}

func (f *fakeSpeechEngine) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fixture struct {
	orch      *Orchestrator
	generator *fakeGenerator
	capEngine *fakeCaptureEngine
	spkEngine *fakeSpeechEngine
	speaker   *speech.Speaker
	bus       *bus.EventBus
}

func newFixture(t *testing.T, gen *fakeGenerator) *fixture {
	return newFixtureWithDelays(t, gen, 5*time.Millisecond, 5*time.Millisecond)
}

func newFixtureWithDelays(t *testing.T, gen *fakeGenerator, speakDelay, greetDelay time.Duration) *fixture {
	t.Helper()
	capEngine := &fakeCaptureEngine{}
	recognizer := capture.NewRecognizer(capture.StaticProvider{E: capEngine}, capture.Config{
		LanguageTag:       "en-US",
		MaxListenDuration: time.Minute,
		StopGrace:         20 * time.Millisecond,
	}, zerolog.Nop())

	spkEngine := &fakeSpeechEngine{}
	speaker := speech.NewSpeaker(speech.StaticProvider{E: spkEngine}, nil, nil, zerolog.Nop())

	eventBus := bus.NewEventBus()
	orch := NewOrchestrator(gen, recognizer, speaker, eventBus, Config{
		SpeakDelay: speakDelay,
		GreetDelay: greetDelay,
	}, zerolog.Nop())
	t.Cleanup(orch.Close)

	return &fixture{
		orch:      orch,
		generator: gen,
		capEngine: capEngine,
		spkEngine: spkEngine,
		speaker:   speaker,
		bus:       eventBus,
	}
}

func selectMike(t *testing.T, f *fixture) character.Character {
	t.Helper()
	ch, err := character.NewCatalog(zerolog.Nop()).Get("counselor-mike")
	require.NoError(t, err)
	f.orch.SelectCharacter(context.Background(), ch)
	return ch
}

func waitForMessages(t *testing.T, f *fixture, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.orch.Messages()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return f.orch.Messages()
}

func TestTextRoundTrip(t *testing.T) {
	gen := &fakeGenerator{reply: "That sounds hard; be kind to yourself.", release: make(chan struct{})}
	f := newFixture(t, gen)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "I feel anxious"))
	assert.Equal(t, StateAwaitingResponse, f.orch.State())
	close(gen.release)

	msgs := waitForMessages(t, f, 3)
	require.Len(t, msgs, 3)
	assert.False(t, msgs[0].IsUser, "greeting first")
	assert.True(t, msgs[1].IsUser)
	assert.Equal(t, "I feel anxious", msgs[1].Text)
	assert.False(t, msgs[2].IsUser)
	assert.Equal(t, "That sounds hard; be kind to yourself.", msgs[2].Text)

	require.Eventually(t, func() bool {
		return !f.orch.IsProcessing()
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})

	assert.ErrorIs(t, f.orch.Submit(context.Background(), "   "), ErrEmptyMessage)
	assert.ErrorIs(t, f.orch.Submit(context.Background(), "hello"), ErrNoCharacter)
}

func TestSecondSubmitRejected(t *testing.T) {
	gen := &fakeGenerator{reply: "reply one", release: make(chan struct{})}
	f := newFixture(t, gen)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "first"))
	err := f.orch.Submit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy, "a pending reply rejects further submits")

	// The rejected submit must not touch the log or trigger generation
	assert.Len(t, f.orch.Messages(), 2, "greeting + first user message only")

	close(gen.release)
	waitForMessages(t, f, 3)
	assert.Equal(t, int32(1), gen.callCount(), "exactly one generation round-trip")

	// Once the reply landed, submitting works again
	require.NoError(t, f.orch.Submit(context.Background(), "second try"))
}

func TestGreetingSpokenOnce(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	ch := selectMike(t, f)

	assert.True(t, f.orch.HasGreeted())

	require.Eventually(t, func() bool {
		spoken := f.spkEngine.spokenTexts()
		return len(spoken) == 1 && spoken[0] == ch.Greeting
	}, time.Second, 5*time.Millisecond, "greeting auto-spoken")

	// Give the delayed speak a chance to misfire a second time
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.spkEngine.spokenTexts(), 1, "greeting spoken exactly once")
}

func TestReplySpokenAfterDelay(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "Take a deep breath."})
	selectMike(t, f)
	require.Eventually(t, func() bool {
		return len(f.spkEngine.spokenTexts()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Submit(context.Background(), "I feel stressed"))

	require.Eventually(t, func() bool {
		spoken := f.spkEngine.spokenTexts()
		return len(spoken) == 2 && spoken[1] == "Take a deep breath."
	}, time.Second, 5*time.Millisecond, "reply voiced after the pacing delay")
}

func TestSpeechDisabledSkipsSpeaking(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "quiet reply"})
	f.orch.SetSpeechEnabled(false)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "hello"))
	waitForMessages(t, f, 3)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.spkEngine.spokenTexts(), "nothing spoken while disabled")
}

func TestToggleSilencesMidPlayback(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)

	require.Eventually(t, func() bool {
		return f.speaker.IsSpeaking()
	}, time.Second, 5*time.Millisecond)

	enabled := f.orch.ToggleSpeech()
	assert.False(t, enabled)
	assert.False(t, f.speaker.IsSpeaking(), "audio silenced immediately")
	assert.GreaterOrEqual(t, f.spkEngine.cancelCount(), 1)
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestCaptureStopBeforeResult(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)

	captureErrors := make(chan bus.Event, 4)
	f.bus.Subscribe(bus.EventTypeCaptureError, func(ev bus.Event) {
		captureErrors <- ev
	})

	require.NoError(t, f.orch.StartCapture(context.Background()))
	assert.Equal(t, StateListening, f.orch.State())

	f.orch.StopCapture()

	require.Eventually(t, func() bool {
		return f.orch.State() != StateListening
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.orch.Messages(), 1, "no message appended beyond the greeting")
	select {
	case ev := <-captureErrors:
		t.Fatalf("no error notice expected, got %v", ev)
	default:
	}
	assert.Equal(t, int32(0), f.generator.callCount())
}

func TestCaptureTranscriptSubmitted(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "I hear you."})
	selectMike(t, f)

	require.NoError(t, f.orch.StartCapture(context.Background()))
	f.capEngine.fire().OnResult("I am stressed about school")

	msgs := waitForMessages(t, f, 3)
	assert.True(t, msgs[1].IsUser)
	assert.Equal(t, "I am stressed about school", msgs[1].Text)
	assert.Equal(t, "I hear you.", msgs[2].Text)
}

func TestCaptureWhileProcessingRejected(t *testing.T) {
	gen := &fakeGenerator{reply: "ok", release: make(chan struct{})}
	f := newFixture(t, gen)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "hello"))
	assert.ErrorIs(t, f.orch.StartCapture(context.Background()), ErrBusy)
	close(gen.release)
}

func TestCaptureErrorPublished(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)

	captureErrors := make(chan bus.Event, 4)
	f.bus.Subscribe(bus.EventTypeCaptureError, func(ev bus.Event) {
		captureErrors <- ev
	})

	require.NoError(t, f.orch.StartCapture(context.Background()))
	f.capEngine.fire().OnError(capture.ErrorNoSpeech, nil)

	select {
	case ev := <-captureErrors:
		assert.Equal(t, "no-speech", ev.Data["code"])
	case <-time.After(time.Second):
		t.Fatal("capture error never published")
	}
	assert.Len(t, f.orch.Messages(), 1, "errors never append messages")
}

func TestResetClearsEverything(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	ch := selectMike(t, f)

	require.Eventually(t, func() bool {
		return f.speaker.IsSpeaking()
	}, time.Second, 5*time.Millisecond, "greeting playing")

	f.orch.Reset()

	assert.Empty(t, f.orch.Messages())
	assert.False(t, f.orch.HasGreeted())
	assert.False(t, f.speaker.IsSpeaking(), "audio stops on reset")
	assert.Equal(t, StateIdle, f.orch.State())

	// Next selection greets exactly once again
	before := len(f.spkEngine.spokenTexts())
	f.orch.SelectCharacter(context.Background(), ch)
	require.Eventually(t, func() bool {
		return len(f.spkEngine.spokenTexts()) == before+1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.spkEngine.spokenTexts(), before+1)
}

func TestStaleGenerationDroppedAfterReset(t *testing.T) {
	gen := &fakeGenerator{reply: "late reply", release: make(chan struct{})}
	f := newFixture(t, gen)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "hello"))
	f.orch.Reset()
	close(gen.release)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.orch.Messages(), "reply from before the reset is dropped")
	assert.False(t, f.orch.IsProcessing())

	spoken := f.spkEngine.spokenTexts()
	for _, text := range spoken {
		assert.NotEqual(t, "late reply", text, "stale reply must not be voiced")
	}
}

func TestSelectCharacterResetsPrevious(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)
	require.NoError(t, f.orch.Submit(context.Background(), "first conversation"))
	waitForMessages(t, f, 3)

	catalog := character.NewCatalog(zerolog.Nop())
	anna, err := catalog.Get("teacher-anna")
	require.NoError(t, err)
	f.orch.SelectCharacter(context.Background(), anna)

	msgs := f.orch.Messages()
	require.Len(t, msgs, 1, "switching characters clears the log")
	assert.Equal(t, anna.Greeting, msgs[0].Text)
	snap := f.orch.Snapshot()
	require.NotNil(t, snap.Character)
	assert.Equal(t, "teacher-anna", snap.Character.ID)
}

func TestSubmitStopsActiveCapture(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)

	require.NoError(t, f.orch.StartCapture(context.Background()))
	require.NoError(t, f.orch.Submit(context.Background(), "typed instead"))

	require.Eventually(t, func() bool {
		return f.orch.State() != StateListening
	}, time.Second, 5*time.Millisecond, "typing cancels the mic session")

	msgs := waitForMessages(t, f, 3)
	assert.Equal(t, "typed instead", msgs[1].Text)
}

func TestCaptureSilencesPlayback(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "ok"})
	selectMike(t, f)

	require.Eventually(t, func() bool {
		return f.speaker.IsSpeaking()
	}, time.Second, 5*time.Millisecond, "greeting playing")

	require.NoError(t, f.orch.StartCapture(context.Background()))

	snap := f.orch.Snapshot()
	assert.True(t, snap.IsListening)
	assert.False(t, snap.IsSpeaking, "the mic never listens over the avatar's own voice")
	assert.GreaterOrEqual(t, f.spkEngine.cancelCount(), 1)
}

func TestDelayedSpeakSkippedWhileListening(t *testing.T) {
	f := newFixtureWithDelays(t, &fakeGenerator{reply: "a reply"}, 100*time.Millisecond, 5*time.Millisecond)
	selectMike(t, f)

	require.NoError(t, f.orch.Submit(context.Background(), "hello"))
	waitForMessages(t, f, 3)

	// Start listening inside the reply's pacing delay window
	require.NoError(t, f.orch.StartCapture(context.Background()))

	time.Sleep(150 * time.Millisecond)
	snap := f.orch.Snapshot()
	assert.True(t, snap.IsListening)
	assert.False(t, snap.IsSpeaking, "a delayed utterance must not start over an active mic session")
	for _, text := range f.spkEngine.spokenTexts() {
		assert.NotEqual(t, "a reply", text)
	}
}

func TestStartCaptureWithoutRecognizer(t *testing.T) {
	spkEngine := &fakeSpeechEngine{}
	speaker := speech.NewSpeaker(speech.StaticProvider{E: spkEngine}, nil, nil, zerolog.Nop())
	orch := NewOrchestrator(&fakeGenerator{reply: "ok"}, nil, speaker, bus.NewEventBus(), Config{
		SpeakDelay: 5 * time.Millisecond,
		GreetDelay: 5 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(orch.Close)

	ch, err := character.NewCatalog(zerolog.Nop()).Get("counselor-mike")
	require.NoError(t, err)
	orch.SelectCharacter(context.Background(), ch)

	err = orch.StartCapture(context.Background())
	var ce *capture.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, capture.ErrorNotSupported, ce.Code)
}

func TestSubmitDuringCaptureAdmission(t *testing.T) {
	gen := &fakeGenerator{reply: "raced reply", release: make(chan struct{})}
	f := newFixture(t, gen)
	selectMike(t, f)

	// A submit lands while the capture session is being admitted
	f.capEngine.mu.Lock()
	f.capEngine.onStart = func() {
		require.NoError(t, f.orch.Submit(context.Background(), "raced message"))
	}
	f.capEngine.mu.Unlock()

	err := f.orch.StartCapture(context.Background())
	assert.ErrorIs(t, err, ErrBusy, "the pending reply takes precedence over the mic")
	assert.Equal(t, StateAwaitingResponse, f.orch.State())
	assert.False(t, f.orch.Snapshot().IsListening)

	close(gen.release)
	msgs := waitForMessages(t, f, 3)
	assert.Equal(t, "raced message", msgs[1].Text)
	assert.Equal(t, "raced reply", msgs[2].Text)
}

func TestTranscriptAfterGracefulStop(t *testing.T) {
	f := newFixture(t, &fakeGenerator{reply: "I hear you."})
	selectMike(t, f)

	require.NoError(t, f.orch.StartCapture(context.Background()))
	f.orch.StopCapture()

	// The engine flushes its final transcript just after the stop; the
	// user's utterance must not be lost
	f.capEngine.fire().OnResult("please do not lose this")

	msgs := waitForMessages(t, f, 3)
	assert.Equal(t, "please do not lose this", msgs[1].Text)
	assert.Equal(t, "I hear you.", msgs[2].Text)
}
