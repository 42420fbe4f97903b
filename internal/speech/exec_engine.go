package speech

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ExecEngine implements Engine with the macOS 'say' command. It is the
// native synthesis backend on a Mac; other platforms report no capability
// through the provider.
type ExecEngine struct {
	logger zerolog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled bool

	voicesOnce sync.Once
	voices     []Voice
	onChange   []func()
}

// NewExecEngine creates the say-command engine, or nil when unavailable
func NewExecEngine(logger zerolog.Logger) *ExecEngine {
	if runtime.GOOS != "darwin" {
		return nil
	}
	if _, err := exec.LookPath("say"); err != nil {
		return nil
	}
	return &ExecEngine{
		logger: logger.With().Str("component", "speech-exec").Logger(),
	}
}

// Voices implements Engine, enumerating system voices once via 'say -v ?'
func (e *ExecEngine) Voices() []Voice {
	e.voicesOnce.Do(func() {
		out, err := exec.Command("say", "-v", "?").Output()
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to enumerate system voices")
			return
		}
		e.voices = parseVoiceList(string(out))
		e.logger.Debug().Int("count", len(e.voices)).Msg("System voices enumerated")

		e.mu.Lock()
		handlers := make([]func(), len(e.onChange))
		copy(handlers, e.onChange)
		e.mu.Unlock()
		for _, fn := range handlers {
			fn()
		}
	})
	return e.voices
}

// OnVoicesChanged implements Engine
func (e *ExecEngine) OnVoicesChanged(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// parseVoiceList parses 'say -v ?' output: "Name  lang_TAG  # comment"
func parseVoiceList(out string) []Voice {
	var voices []Voice
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		tag := strings.ReplaceAll(fields[len(fields)-1], "_", "-")
		name := strings.Join(fields[:len(fields)-1], " ")
		voices = append(voices, Voice{ID: name, Name: name, LanguageTag: tag})
	}
	return voices
}

// Speak implements Engine, running one say process per utterance
func (e *ExecEngine) Speak(ctx context.Context, req UtteranceRequest, events UtteranceEvents) error {
	// say rates are words per minute; 175 is the natural default
	rate := int(175 * req.Rate)
	if rate <= 0 {
		rate = 175
	}

	args := []string{"-r", fmt.Sprintf("%d", rate)}
	if req.VoiceID != "" {
		args = append(args, "-v", req.VoiceID)
	}
	args = append(args, req.Text)

	cmd := exec.CommandContext(ctx, "say", args...)

	e.mu.Lock()
	e.cmd = cmd
	e.cancelled = false
	e.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("say command failed to start: %w", err)
	}
	if events.OnStart != nil {
		events.OnStart()
	}

	go func() {
		err := cmd.Wait()

		e.mu.Lock()
		cancelled := e.cancelled
		if e.cmd == cmd {
			e.cmd = nil
		}
		e.mu.Unlock()

		if err != nil {
			if events.OnError != nil {
				events.OnError(err, cancelled)
			}
			return
		}
		if events.OnEnd != nil {
			events.OnEnd()
		}
	}()

	return nil
}

// Cancel implements Engine, killing the active say process
func (e *ExecEngine) Cancel() {
	e.mu.Lock()
	cmd := e.cmd
	e.cancelled = true
	e.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// ExecPlayer implements Player with a command-line audio player that accepts
// URLs (default: ffplay).
type ExecPlayer struct {
	command string
	args    []string
	logger  zerolog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled bool
}

// NewExecPlayer creates a player, or nil when the command is missing
func NewExecPlayer(command string, args []string, logger zerolog.Logger) *ExecPlayer {
	if command == "" {
		command = "ffplay"
		args = []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil
	}
	return &ExecPlayer{
		command: command,
		args:    args,
		logger:  logger.With().Str("component", "speech-player").Logger(),
	}
}

// Play implements Player
func (p *ExecPlayer) Play(ctx context.Context, url string, events UtteranceEvents) error {
	cmd := exec.CommandContext(ctx, p.command, append(append([]string{}, p.args...), url)...)

	p.mu.Lock()
	p.cmd = cmd
	p.cancelled = false
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("player failed to start: %w", err)
	}
	if events.OnStart != nil {
		events.OnStart()
	}

	go func() {
		err := cmd.Wait()

		p.mu.Lock()
		cancelled := p.cancelled
		if p.cmd == cmd {
			p.cmd = nil
		}
		p.mu.Unlock()

		if err != nil {
			if events.OnError != nil {
				events.OnError(err, cancelled)
			}
			return
		}
		if events.OnEnd != nil {
			events.OnEnd()
		}
	}()

	return nil
}

// Stop implements Player, killing the active player process. Idempotent.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	p.cancelled = true
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
