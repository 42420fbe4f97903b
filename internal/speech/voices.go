package speech

import (
	"strings"
	"sync"
	"time"

	"github.com/haiyenle/mindmate/internal/language"
)

// Voice is one synthesis voice offered by an engine
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LanguageTag string `json:"language_tag"` // e.g. "vi-VN", "en-US"
}

// Registry is a read-through cache over an engine's voice list. Engines may
// enumerate voices asynchronously after startup, so the registry re-resolves
// lazily and refreshes when the engine reports a change.
type Registry struct {
	engine Engine

	mu         sync.RWMutex
	voices     []Voice
	byLanguage map[language.Lang][]Voice
	loadedAt   time.Time

	onChange func()
}

// NewRegistry creates a registry over the engine's voices and subscribes to
// change notifications
func NewRegistry(engine Engine) *Registry {
	r := &Registry{
		engine:     engine,
		byLanguage: make(map[language.Lang][]Voice),
	}
	engine.OnVoicesChanged(r.Refresh)
	r.Refresh()
	return r
}

// SetOnChange sets a callback invoked after the voice list is rebuilt
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Refresh re-reads the engine's voice list and rebuilds the language index
func (r *Registry) Refresh() {
	voices := r.engine.Voices()

	byLang := make(map[language.Lang][]Voice)
	for _, v := range voices {
		byLang[classifyVoice(v)] = append(byLang[classifyVoice(v)], v)
	}

	r.mu.Lock()
	r.voices = voices
	r.byLanguage = byLang
	r.loadedAt = time.Now()
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// Voices returns all known voices, re-reading the engine if the cache is
// still empty (enumeration may not have completed at construction)
func (r *Registry) Voices() []Voice {
	r.mu.RLock()
	empty := len(r.voices) == 0
	r.mu.RUnlock()
	if empty {
		r.Refresh()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Voice, len(r.voices))
	copy(result, r.voices)
	return result
}

// VoiceFor picks the best voice for a language, preferring female voices by
// common name. Returns false when the engine offers no voice for it.
func (r *Registry) VoiceFor(lang language.Lang) (Voice, bool) {
	r.mu.RLock()
	empty := len(r.voices) == 0
	r.mu.RUnlock()
	if empty {
		r.Refresh()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := r.byLanguage[lang]
	if len(candidates) == 0 {
		return Voice{}, false
	}

	preferred := femaleNameHints[lang]
	for _, v := range candidates {
		lower := strings.ToLower(v.Name)
		for _, hint := range preferred {
			if strings.Contains(lower, hint) {
				return v, true
			}
		}
	}
	return candidates[0], true
}

// femaleNameHints lists name fragments used to prefer a female voice
var femaleNameHints = map[language.Lang][]string{
	language.Vietnamese: {"female", "woman", "linh", "mai"},
	language.English:    {"female", "woman", "samantha", "susan", "karen"},
}

// classifyVoice assigns a voice to a supported language by tag or name
func classifyVoice(v Voice) language.Lang {
	tag := strings.ToLower(v.LanguageTag)
	name := strings.ToLower(v.Name)
	if strings.HasPrefix(tag, "vi") || strings.Contains(name, "vietnam") {
		return language.Vietnamese
	}
	return language.English
}
