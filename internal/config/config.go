// Package config provides configuration management for MindMate
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Generation GenerationConfig `mapstructure:"generation"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	RemoteTTS  RemoteTTSConfig  `mapstructure:"remote_tts"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	// Language is the persisted UI language preference: "vi" or "en"
	Language string `mapstructure:"language"`
}

// ServerConfig configures the presentation gateway
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GenerationConfig configures the response generation client
type GenerationConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// CaptureConfig configures speech capture
type CaptureConfig struct {
	Endpoint          string        `mapstructure:"endpoint"` // streaming recognition WebSocket URL
	APIKey            string        `mapstructure:"api_key"`
	InterimResults    bool          `mapstructure:"interim_results"`
	MaxListenDuration time.Duration `mapstructure:"max_listen_duration"`
}

// SpeechConfig configures speech output
type SpeechConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	PlayerCommand string   `mapstructure:"player_command"` // audio player for remote assets
	PlayerArgs    []string `mapstructure:"player_args"`
	SpeakDelayMs  int      `mapstructure:"speak_delay_ms"`
	GreetDelayMs  int      `mapstructure:"greet_delay_ms"`
}

// RemoteTTSConfig configures the remote synthesis backend
type RemoteTTSConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	Endpoint     string  `mapstructure:"endpoint"`
	DefaultVoice string  `mapstructure:"default_voice"`
	Speed        float64 `mapstructure:"speed"`
}

// CatalogConfig configures the character catalog
type CatalogConfig struct {
	// Path to a JSON catalog file; empty means builtin characters only
	Path string `mapstructure:"path"`
	// Watch reloads the catalog when the file changes
	Watch bool `mapstructure:"watch"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8930,
		},
		Generation: GenerationConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Timeout:    30 * time.Second,
		},
		Capture: CaptureConfig{
			InterimResults:    true,
			MaxListenDuration: 10 * time.Second,
		},
		Speech: SpeechConfig{
			Enabled:      true,
			SpeakDelayMs: 500,
			GreetDelayMs: 1000,
		},
		RemoteTTS: RemoteTTSConfig{
			DefaultVoice: "banmai",
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Language: "en",
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return cfg, err
	}

	configDir := filepath.Join(homeDir, ".mindmate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("MINDMATE")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file. The language preference is the
// only field mutated at runtime, so Save doubles as preference persistence.
func Save(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(homeDir, ".mindmate")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("server", cfg.Server)
	viper.Set("generation", cfg.Generation)
	viper.Set("capture", cfg.Capture)
	viper.Set("speech", cfg.Speech)
	viper.Set("remote_tts", cfg.RemoteTTS)
	viper.Set("catalog", cfg.Catalog)
	viper.Set("language", cfg.Language)

	configPath := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configPath)
}
