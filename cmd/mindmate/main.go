// MindMate - virtual counselor conversation engine
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/haiyenle/mindmate/internal/bus"
	"github.com/haiyenle/mindmate/internal/capture"
	"github.com/haiyenle/mindmate/internal/character"
	"github.com/haiyenle/mindmate/internal/config"
	"github.com/haiyenle/mindmate/internal/conversation"
	"github.com/haiyenle/mindmate/internal/gateway"
	"github.com/haiyenle/mindmate/internal/gen"
	"github.com/haiyenle/mindmate/internal/language"
	"github.com/haiyenle/mindmate/internal/logging"
	"github.com/haiyenle/mindmate/internal/speech"
	"github.com/haiyenle/mindmate/internal/tts"
)

func main() {
	// API keys live in .env next to the binary or under ~/.mindmate
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".mindmate", ".env"))
	}

	applog, err := logging.New(nil)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer applog.Close()
	logger := applog.Zerolog()

	cfg, err := config.Load()
	if err != nil {
		applog.Error("main", "Failed to load configuration", err, nil)
		os.Exit(1)
	}
	prefLang := language.ParseLang(cfg.Language)
	applog.Info("main", "Configuration loaded", map[string]interface{}{
		"language": string(prefLang),
		"port":     cfg.Server.Port,
	})

	eventBus := bus.NewEventBus()

	catalog := character.NewCatalog(logger)
	if cfg.Catalog.Path != "" {
		if err := catalog.LoadFile(cfg.Catalog.Path); err != nil {
			applog.Warn("main", "Catalog file load failed, using builtin characters", map[string]interface{}{
				"error": err.Error(),
			})
		} else if cfg.Catalog.Watch {
			if err := catalog.Watch(); err != nil {
				applog.Warn("main", "Catalog watch failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
	defer catalog.Close()

	generator := gen.NewClient(&gen.ClientConfig{
		APIKey:     cfg.Generation.APIKey,
		Endpoint:   cfg.Generation.Endpoint,
		MaxRetries: cfg.Generation.MaxRetries,
		BaseDelay:  cfg.Generation.BaseDelay,
		Timeout:    cfg.Generation.Timeout,
	}, logger)

	// Capture capability exists only when a recognition service is configured
	captureProvider := capture.StaticProvider{}
	if cfg.Capture.Endpoint != "" {
		captureProvider.E = capture.NewWSEngine(&capture.WSEngineConfig{
			Endpoint:       cfg.Capture.Endpoint,
			APIKey:         cfg.Capture.APIKey,
			InterimResults: cfg.Capture.InterimResults,
		}, logger)
	}
	recognizer := capture.NewRecognizer(captureProvider, capture.Config{
		LanguageTag:       prefLang.Tag(),
		MaxListenDuration: cfg.Capture.MaxListenDuration,
	}, logger)

	// Native synthesis when the platform offers it
	speechProvider := speech.StaticProvider{}
	if engine := speech.NewExecEngine(logger); engine != nil {
		speechProvider.E = engine
	}
	remote := tts.NewClient(&tts.Config{
		APIKey:       cfg.RemoteTTS.APIKey,
		Endpoint:     cfg.RemoteTTS.Endpoint,
		DefaultVoice: cfg.RemoteTTS.DefaultVoice,
		Speed:        cfg.RemoteTTS.Speed,
	}, logger)
	var player speech.Player
	if p := speech.NewExecPlayer(cfg.Speech.PlayerCommand, cfg.Speech.PlayerArgs, logger); p != nil {
		player = p
	}
	speaker := speech.NewSpeaker(speechProvider, remote, player, logger)

	orch := conversation.NewOrchestrator(generator, recognizer, speaker, eventBus, conversation.Config{
		SpeakDelay: time.Duration(cfg.Speech.SpeakDelayMs) * time.Millisecond,
		GreetDelay: time.Duration(cfg.Speech.GreetDelayMs) * time.Millisecond,
	}, logger)
	orch.SetSpeechEnabled(cfg.Speech.Enabled)
	defer orch.Close()

	server := gateway.NewServer(orch, catalog, cfg, eventBus, applog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		applog.Error("main", "Gateway server failed", err, nil)
		os.Exit(1)
	}
	applog.Info("main", "Shutdown complete", nil)
}
