package progress

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dyastin-0/lanshare/types"
)

func TestProgressTrack(t *testing.T) {
	p := NewWithOutput(io.Discard)

	p.Track(types.TransferState{Filename: "a.iso", Size: 1024, Progress: 0, Status: types.StatusPending})
	p.Track(types.TransferState{Filename: "a.iso", Size: 1024, Progress: 512, Status: types.StatusActive})
	p.Track(types.TransferState{Filename: "b.iso", Size: 2048, Progress: 100, Status: types.StatusActive})

	p.mu.Lock()
	require.Len(t, p.bars, 2)
	bar := p.bars["a.iso"]
	p.mu.Unlock()
	assert.Equal(t, int64(512), bar.Current())

	p.Track(types.TransferState{Filename: "a.iso", Size: 1024, Progress: 1024, Status: types.StatusComplete})
	p.Track(types.TransferState{Filename: "b.iso", Size: 2048, Progress: 100, Status: types.StatusError, Error: "cancelled"})

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("bars did not finish")
	}

	assert.True(t, bar.Completed())
	assert.Empty(t, p.bars)
}

func TestProgressTrackIgnoresUnknownTerminal(t *testing.T) {
	p := NewWithOutput(io.Discard)

	p.Track(types.TransferState{Filename: "gone", Size: 10, Status: types.StatusComplete})
	assert.Empty(t, p.bars)

	p.Wait()
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "a.iso", Label(types.TransferState{Filename: "a.iso"}))
	assert.Equal(t, "[2/5] photos", Label(types.TransferState{
		Filename:         "photos",
		IsBatch:          true,
		CurrentFileIndex: 2,
		TotalFiles:       5,
	}))
}

func TestUploads(t *testing.T) {
	var out bytes.Buffer
	u := NewUploadsWithOutput(&out)

	u.Update("192.168.1.20", "/srv/a.iso", 0, 100, false)
	u.Update("192.168.1.21", "/srv/a.iso", 10, 100, false)
	assert.Equal(t, 2, u.Len())

	u.Update("192.168.1.20", "/srv/a.iso", 100, 100, true)
	assert.Equal(t, 1, u.Len())

	u.Update("192.168.1.21", "/srv/a.iso", 40, 100, true)
	assert.Zero(t, u.Len())

	assert.Contains(t, out.String(), "Sending to 192.168.1.20")
}
