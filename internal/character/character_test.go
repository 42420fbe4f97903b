package character

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	c := NewCatalog(zerolog.Nop())

	list := c.List()
	require.Len(t, list, 4)

	// Sorted by id
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}

	mike, err := c.Get("counselor-mike")
	require.NoError(t, err)
	assert.Equal(t, "Counselor Mike", mike.Name)
	assert.NotEmpty(t, mike.Greeting)
	assert.NotEmpty(t, mike.VoiceID)

	_, err = c.Get("nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "coach-lan", "name": "Coach Lan", "role": "Life Coach",
		 "gender": "female", "greeting": "Chào bạn!", "color": "#123456",
		 "voice_id": "banmai"}
	]`), 0644))

	c := NewCatalog(zerolog.Nop())
	require.NoError(t, c.LoadFile(path))

	list := c.List()
	require.Len(t, list, 1, "file contents replace the builtin set")
	assert.Equal(t, "coach-lan", list[0].ID)
	assert.Equal(t, "Chào bạn!", list[0].Greeting)
}

func TestLoadFileErrors(t *testing.T) {
	c := NewCatalog(zerolog.Nop())

	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.json")))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	assert.Error(t, c.LoadFile(bad))

	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("[]"), 0644))
	assert.Error(t, c.LoadFile(empty))

	// Failed loads keep the previous catalog
	assert.Len(t, c.List(), 4)
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "characters.json")
	write := func(id string) {
		data := `[{"id": "` + id + `", "name": "X", "role": "R", "gender": "female", "greeting": "hi", "color": "#fff"}]`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	}

	write("before")

	c := NewCatalog(zerolog.Nop())
	require.NoError(t, c.LoadFile(path))
	require.NoError(t, c.Watch())
	defer c.Close()

	write("after")

	require.Eventually(t, func() bool {
		_, err := c.Get("after")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "catalog should reload on file change")
}

func TestWatchRequiresLoadedFile(t *testing.T) {
	c := NewCatalog(zerolog.Nop())
	assert.Error(t, c.Watch())
}
