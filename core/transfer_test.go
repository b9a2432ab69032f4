package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dyastin-0/lanshare/types"
)

const testChunk = 8

// progress snapshots are throttled away so feeds only carry state changes
func testConfig() Config {
	return Config{ChunkSize: testChunk, ProgressInterval: time.Hour}
}

func startHost(t *testing.T, tokens TokenVerifier) *TransferEngine {
	t.Helper()

	e := NewTransferEngine(testConfig(), tokens, nil)
	require.NoError(t, e.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		e.Close()
	})

	return e
}

// fakeHost accepts one receiver, reads its handshake and hands the
// connection to serve.
func fakeHost(t *testing.T, serve func(conn net.Conn, hs types.Handshake)) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var hs types.Handshake
		if err := json.NewDecoder(conn).Decode(&hs); err != nil {
			return
		}
		serve(conn, hs)
	}()

	return addrPort(ln.Addr())
}

func descriptor(token string, port int, name string, size int64) *types.TransferDescriptor {
	return &types.TransferDescriptor{
		Token:    token,
		Host:     "127.0.0.1",
		Port:     port,
		Filename: name,
		Size:     size,
	}
}

func TestTransferSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.bin")
	content := bytes.Repeat([]byte("lanshare!"), 100)
	require.NoError(t, os.WriteFile(src, content, 0644))

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)

	uploads, cancelUploads := host.SubscribeUploads()
	defer cancelUploads()

	rx := NewTransferEngine(testConfig(), nil, nil)
	events, cancelEvents := rx.SubscribeTransfers()
	defer cancelEvents()

	desc := descriptor(tokens.Issue(src, "127.0.0.1"), host.Port(), "data.bin", int64(len(content)))
	dir := t.TempDir()

	saved, err := rx.Receive(t.Context(), desc, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data.bin"), saved)

	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, saved+partSuffix)
	assert.Empty(t, rx.Active())

	var last types.TransferState
	for len(events) > 0 {
		last = <-events
	}
	assert.Equal(t, types.StatusComplete, last.Status)
	assert.Equal(t, int64(len(content)), last.Progress)

	assert.Eventually(t, func() bool {
		for {
			select {
			case ev := <-uploads:
				if ev.Done {
					return ev.Err == nil && ev.Sent == int64(len(content))
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestTransferEmptyFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(src, nil, 0644))

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	desc := descriptor(tokens.Issue(src, "127.0.0.1"), host.Port(), "empty.txt", 0)
	saved, err := rx.Receive(t.Context(), desc, t.TempDir())
	require.NoError(t, err)

	info, err := os.Stat(saved)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestTransferResume(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("0123456789abcdefghijklmnopqrstuv")
	require.NoError(t, os.WriteFile(src, content, 0644))

	dir := t.TempDir()
	// two whole chunks that differ from the source prove they were kept,
	// the trailing partial chunk must be discarded
	part := append(bytes.Repeat([]byte("X"), 2*testChunk), []byte("junk")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"+partSuffix), part, 0644))

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	desc := descriptor(tokens.Issue(src, "127.0.0.1"), host.Port(), "data.bin", int64(len(content)))
	saved, err := rx.Receive(t.Context(), desc, dir)
	require.NoError(t, err)

	got, err := os.ReadFile(saved)
	require.NoError(t, err)

	want := append(bytes.Repeat([]byte("X"), 2*testChunk), content[2*testChunk:]...)
	assert.Equal(t, want, got)
}

func TestTransferResumeDiscardsOversizedPart(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("0123456789ab")
	require.NoError(t, os.WriteFile(src, content, 0644))

	dir := t.TempDir()
	stale := bytes.Repeat([]byte("X"), 3*testChunk)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"+partSuffix), stale, 0644))

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	desc := descriptor(tokens.Issue(src, "127.0.0.1"), host.Port(), "data.bin", int64(len(content)))
	saved, err := rx.Receive(t.Context(), desc, dir)
	require.NoError(t, err)

	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestTransferDialFailureLeavesNoPart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := addrPort(ln.Addr())
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	rx := NewTransferEngine(testConfig(), nil, nil)

	_, err = rx.Receive(t.Context(), descriptor("token", port, "data.bin", 6), dir)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "data.bin"+partSuffix))
}

func TestTransferRejectionKeepsExistingPart(t *testing.T) {
	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	dir := t.TempDir()
	part := filepath.Join(dir, "data.bin"+partSuffix)
	require.NoError(t, os.WriteFile(part, []byte("01234567"), 0644))

	_, err := rx.Receive(t.Context(), descriptor("bogus", host.Port(), "data.bin", 16), dir)
	assert.ErrorIs(t, err, ErrTransferRejected)

	got, err := os.ReadFile(part)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(got))
}

func TestTransferBatch(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	writeFile(t, filepath.Join(root, "a.txt"), "first file, longer than a chunk")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "second")
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.txt"), "")
	writeFile(t, filepath.Join(root, ".hidden"), "skip me")

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	desc := descriptor(tokens.Issue(root, "127.0.0.1"), host.Port(), "shared", 37)
	desc.IsBatch = true
	desc.FileCount = 3

	dir := t.TempDir()
	saved, err := rx.Receive(t.Context(), desc, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shared"), saved)

	for rel, want := range map[string]string{
		"a.txt":            "first file, longer than a chunk",
		"sub/b.txt":        "second",
		"sub/deeper/c.txt": "",
	} {
		got, err := os.ReadFile(filepath.Join(saved, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, want, string(got), rel)
	}
	assert.NoFileExists(t, filepath.Join(saved, ".hidden"))
}

func TestTransferInvalidToken(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, []byte("secret"), 0644))

	tokens := NewTokenStore(0)
	tokens.Issue(src, "127.0.0.1")
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	dir := t.TempDir()
	desc := descriptor("00000000000000000000000000000000", host.Port(), "data.bin", 6)
	_, err := rx.Receive(t.Context(), desc, dir)
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Contains(t, err.Error(), "Invalid token")
	assert.NoFileExists(t, filepath.Join(dir, "data.bin"+partSuffix))

	active := rx.Active()
	require.Len(t, active, 1)
	assert.Equal(t, types.StatusError, active[0].Status)
}

func TestTransferTokenSingleUse(t *testing.T) {
	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, []byte("once"), 0644))

	tokens := NewTokenStore(0)
	host := startHost(t, tokens)
	rx := NewTransferEngine(testConfig(), nil, nil)

	desc := descriptor(tokens.Issue(src, "127.0.0.1"), host.Port(), "data.bin", 4)
	_, err := rx.Receive(t.Context(), desc, t.TempDir())
	require.NoError(t, err)

	_, err = rx.Receive(t.Context(), desc, t.TempDir())
	assert.ErrorIs(t, err, ErrTransferRejected)
}

func TestTransferCorruption(t *testing.T) {
	port := fakeHost(t, func(conn net.Conn, hs types.Handshake) {
		good := []byte("abcdefgh")
		WriteFrame(conn, NewDataHeader(0, good, hashChunk([]byte("tampered")), false), good)
		WriteFrame(conn, NewDataHeader(1, good, hashChunk(good), true), good)
	})

	rx := NewTransferEngine(testConfig(), nil, nil)
	dir := t.TempDir()

	_, err := rx.Receive(t.Context(), descriptor("tok", port, "bad.bin", 16), dir)
	assert.ErrorIs(t, err, ErrDataCorruption)

	active := rx.Active()
	require.Len(t, active, 1)
	assert.Equal(t, types.StatusError, active[0].Status)
	assert.Equal(t, "Data corruption detected", active[0].Error)

	info, err := os.Stat(filepath.Join(dir, "bad.bin"+partSuffix))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.NoFileExists(t, filepath.Join(dir, "bad.bin"))
}

func TestTransferBatchEscapeRejected(t *testing.T) {
	port := fakeHost(t, func(conn net.Conn, hs types.Handshake) {
		WriteFrame(conn, NewFileStartHeader(0, "../escape.txt", 3), nil)
	})

	rx := NewTransferEngine(testConfig(), nil, nil)
	dir := t.TempDir()

	desc := descriptor("tok", port, "shared", 3)
	desc.IsBatch = true

	_, err := rx.Receive(t.Context(), desc, dir)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"+partSuffix))
}

func TestTransferHostHangsUp(t *testing.T) {
	port := fakeHost(t, func(conn net.Conn, hs types.Handshake) {
		chunk := []byte("abcdefgh")
		WriteFrame(conn, NewDataHeader(0, chunk, hashChunk(chunk), false), chunk)
	})

	rx := NewTransferEngine(testConfig(), nil, nil)
	dir := t.TempDir()

	_, err := rx.Receive(t.Context(), descriptor("tok", port, "cut.bin", 32), dir)
	require.Error(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "cut.bin"+partSuffix))
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(got))
}

func TestTransferCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	port := fakeHost(t, func(conn net.Conn, hs types.Handshake) {
		chunk := []byte("abcdefgh")
		WriteFrame(conn, NewDataHeader(0, chunk, hashChunk(chunk), false), chunk)
		<-release
	})

	rx := NewTransferEngine(testConfig(), nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := rx.Receive(context.Background(), descriptor("tok", port, "slow.bin", 64), t.TempDir())
		errCh <- err
	}()

	assert.Eventually(t, func() bool {
		active := rx.Active()
		return len(active) == 1 && active[0].Status == types.StatusActive
	}, time.Second, 5*time.Millisecond)

	assert.True(t, rx.Cancel("slow.bin"))

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not stop after cancel")
	}

	active := rx.Active()
	require.Len(t, active, 1)
	assert.Equal(t, types.StatusError, active[0].Status)
	assert.Equal(t, "cancelled", active[0].Error)
	assert.False(t, rx.Cancel("slow.bin"))
}

func TestTransferRejectsUnsafeFilename(t *testing.T) {
	rx := NewTransferEngine(testConfig(), nil, nil)

	_, err := rx.Receive(t.Context(), descriptor("tok", 1, "../evil", 1), t.TempDir())
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestProgressMeter(t *testing.T) {
	now := time.Unix(0, 0)
	m := newProgressMeter(500*time.Millisecond, func() time.Time { return now })
	m.start(0)

	now = now.Add(100 * time.Millisecond)
	_, ok := m.tick(1000)
	assert.False(t, ok)

	now = now.Add(400 * time.Millisecond)
	speed, ok := m.tick(1000)
	require.True(t, ok)
	assert.InDelta(t, 2000, speed, 0.001)

	now = now.Add(time.Second)
	speed, ok = m.tick(1500)
	require.True(t, ok)
	assert.InDelta(t, 500, speed, 0.001)
}
