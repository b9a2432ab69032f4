package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dyastin-0/lanshare/types"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openStore(t, ":memory:")
	base := time.UnixMilli(1_700_000_000_000)

	for i, name := range []string{"a.iso", "b.iso", "c.iso"} {
		_, err := s.Record(t.Context(), Entry{
			Filename:   name,
			Peer:       "192.168.1.20",
			Direction:  Download,
			Size:       int64(i * 100),
			Status:     types.StatusComplete,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		})
		require.NoError(t, err)
	}

	entries, err := s.Recent(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "c.iso", entries[0].Filename)
	assert.Equal(t, "b.iso", entries[1].Filename)
	assert.Equal(t, int64(200), entries[0].Size)
	assert.Equal(t, types.StatusComplete, entries[0].Status)
	assert.True(t, entries[0].FinishedAt.Equal(base.Add(2*time.Minute+time.Second)))
	assert.Len(t, entries[0].ID, 36)
}

func TestRecordKeepsError(t *testing.T) {
	s := openStore(t, ":memory:")

	id, err := s.Record(t.Context(), Entry{
		ID:        "fixed",
		Filename:  "movie.mkv",
		Peer:      "10.0.0.2",
		Direction: Upload,
		Status:    types.StatusError,
		Error:     "cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	entries, err := s.Recent(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cancelled", entries[0].Error)
	assert.Equal(t, Upload, entries[0].Direction)
	assert.Equal(t, entries[0].StartedAt, entries[0].FinishedAt)
}

func TestRecordRejectsInvalid(t *testing.T) {
	s := openStore(t, ":memory:")

	_, err := s.Record(t.Context(), Entry{Filename: "a", Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = s.Record(t.Context(), Entry{Direction: Download})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(t.Context(), Entry{Filename: "a.iso", Direction: Download, Status: types.StatusComplete})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, path)
	entries, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.iso", entries[0].Filename)
}
