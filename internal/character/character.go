// Package character provides the counselor persona catalog.
package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a character id is not in the catalog
var ErrNotFound = errors.New("character not found")

// Character is a selectable counselor persona. Immutable once loaded;
// it seeds the initial greeting message of a conversation.
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Gender      string `json:"gender"` // male or female
	Greeting    string `json:"greeting"`
	Description string `json:"description"`
	Color       string `json:"color"`
	VoiceID     string `json:"voice_id,omitempty"` // preferred remote synthesis voice
}

// BuiltinCharacters returns the default persona set
func BuiltinCharacters() []Character {
	return []Character{
		{
			ID:          "teacher-anna",
			Name:        "Teacher Anna",
			Role:        "English Teacher",
			Gender:      "female",
			Greeting:    "Hello! I'm Teacher Anna. I'm here to help you with your English learning journey. What would you like to study today?",
			Description: "Friendly and patient English teacher with 10+ years experience",
			Color:       "#4F46E5",
			VoiceID:     "banmai",
		},
		{
			ID:          "teacher-ben",
			Name:        "Teacher Ben",
			Role:        "Math Teacher",
			Gender:      "male",
			Greeting:    "Hi there! I'm Teacher Ben. Mathematics can be fun and exciting. What math topic can I help you with?",
			Description: "Enthusiastic math teacher who makes complex concepts simple",
			Color:       "#059669",
			VoiceID:     "leminh",
		},
		{
			ID:          "doctor-sarah",
			Name:        "Dr. Sarah",
			Role:        "Health Counselor",
			Gender:      "female",
			Greeting:    "Hello! I'm Dr. Sarah. I'm here to provide health guidance and support. How can I help you today?",
			Description: "Caring health professional focused on wellness and prevention",
			Color:       "#DC2626",
			VoiceID:     "thuminh",
		},
		{
			ID:          "counselor-mike",
			Name:        "Counselor Mike",
			Role:        "Mental Health Counselor",
			Gender:      "male",
			Greeting:    "Welcome! I'm Counselor Mike. This is a safe space where you can share your thoughts and feelings. How are you doing today?",
			Description: "Professional counselor specializing in emotional support",
			Color:       "#7C3AED",
			VoiceID:     "giahuy",
		},
	}
}

// Catalog holds the available characters. It can optionally load from a JSON
// file and hot-reload when that file changes.
type Catalog struct {
	mu         sync.RWMutex
	characters map[string]Character
	path       string
	logger     zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}

	onChange func()
}

// NewCatalog creates a catalog seeded with the builtin characters
func NewCatalog(logger zerolog.Logger) *Catalog {
	c := &Catalog{
		characters: make(map[string]Character),
		logger:     logger.With().Str("component", "catalog").Logger(),
		done:       make(chan struct{}),
	}
	for _, ch := range BuiltinCharacters() {
		c.characters[ch.ID] = ch
	}
	return c
}

// SetOnChange sets a callback invoked after a catalog reload
func (c *Catalog) SetOnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// LoadFile replaces the catalog contents with characters from a JSON file
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var chars []Character
	if err := json.Unmarshal(data, &chars); err != nil {
		return fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(chars) == 0 {
		return errors.New("catalog file contains no characters")
	}

	c.mu.Lock()
	c.characters = make(map[string]Character, len(chars))
	for _, ch := range chars {
		c.characters[ch.ID] = ch
	}
	c.path = path
	onChange := c.onChange
	c.mu.Unlock()

	c.logger.Info().Str("path", path).Int("count", len(chars)).Msg("Character catalog loaded")

	if onChange != nil {
		onChange()
	}
	return nil
}

// Watch starts watching the loaded catalog file for changes.
// LoadFile must have been called first.
func (c *Catalog) Watch() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return errors.New("no catalog file loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file are still seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	c.watcher = watcher
	go c.watchLoop(path)
	return nil
}

func (c *Catalog) watchLoop(path string) {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := c.LoadFile(path); err != nil {
					c.logger.Warn().Err(err).Msg("Catalog reload failed, keeping previous catalog")
				}
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

// Close stops the catalog watcher
func (c *Catalog) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// Get returns the character with the given id
func (c *Catalog) Get(id string) (Character, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.characters[id]
	if !ok {
		return Character{}, ErrNotFound
	}
	return ch, nil
}

// List returns all characters sorted by id
func (c *Catalog) List() []Character {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Character, 0, len(c.characters))
	for _, ch := range c.characters {
		result = append(result, ch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
