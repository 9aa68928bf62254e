package nativelog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_RollsOverAndPrunes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 2)
	require.NoError(t, err)
	defer w.Close()

	day := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		current := day.AddDate(0, 0, i)
		w.now = func() time.Time { return current }
		_, err := w.Write([]byte("line\n"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "newsletter_*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	data, err := os.ReadFile(filepath.Join(dir, TodayFilename(day.AddDate(0, 0, 3))))
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestWriter_DefaultsKeep(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeep, w.keep)
	assert.NoError(t, w.Sync())
}
