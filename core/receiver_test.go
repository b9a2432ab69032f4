package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataFrame(seq int64, payload string, last bool) (*PacketHeader, []byte) {
	b := []byte(payload)
	return NewDataHeader(seq, b, hashChunk(b), last), b
}

func TestReceiverSingle(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	r := NewReceiver(dest, false, 4)

	seq, err := r.Prepare()
	require.NoError(t, err)
	assert.Zero(t, seq)

	done, err := r.Handle(dataFrame(0, "abcd", false))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateReceivingFile, r.State())
	assert.FileExists(t, dest+partSuffix)

	done, err = r.Handle(dataFrame(1, "ef", true))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateComplete, r.State())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))
	assert.NoFileExists(t, dest+partSuffix)
}

func TestReceiverResumeAlignsPart(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("abcdefghij"), 0644))

	r := NewReceiver(dest, false, 4)
	seq, err := r.Prepare()
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
	assert.Equal(t, int64(8), r.Received())

	info, err := os.Stat(dest + partSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size())
}

func TestReceiverDiscardsPartLargerThanSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("XXXXXXXXXXXX"), 0644))

	r := NewReceiver(dest, false, 4)
	r.ExpectSize(6)
	seq, err := r.Prepare()
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Zero(t, r.Received())

	info, err := os.Stat(dest + partSuffix)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReceiverKeepsPartUpToSource(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(dest+partSuffix, []byte("abcdefgh"), 0644))

	r := NewReceiver(dest, false, 4)
	r.ExpectSize(8)
	seq, err := r.Prepare()
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
}

func TestReceiverDiscardRemovesCreatedPart(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")

	r := NewReceiver(dest, false, 4)
	_, err := r.Prepare()
	require.NoError(t, err)
	require.FileExists(t, dest+partSuffix)

	r.Discard()
	assert.NoFileExists(t, dest+partSuffix)
	assert.Equal(t, StateError, r.State())
}

func TestReceiverCorruption(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	r := NewReceiver(dest, false, 4)
	_, err := r.Prepare()
	require.NoError(t, err)

	hdr, payload := dataFrame(0, "abcd", false)
	hdr.Hash = hashChunk([]byte("zzzz"))

	_, err = r.Handle(hdr, payload)
	assert.ErrorIs(t, err, ErrDataCorruption)
	assert.Equal(t, StateError, r.State())

	_, err = r.Handle(dataFrame(1, "efgh", true))
	assert.ErrorIs(t, err, ErrUnexpectedFrame)

	info, err := os.Stat(dest + partSuffix)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestReceiverBatch(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	r := NewReceiver(root, true, 4)
	_, err := r.Prepare()
	require.NoError(t, err)

	type frame struct {
		hdr     *PacketHeader
		payload []byte
	}
	hi, hiPayload := dataFrame(0, "hi", true)
	empty, emptyPayload := dataFrame(0, "", true)

	frames := []frame{
		{NewFileStartHeader(0, "a.txt", 2), nil},
		{hi, hiPayload},
		{NewFileStartHeader(1, "sub/deeper/b.txt", 0), nil},
		{empty, emptyPayload},
	}

	for _, f := range frames {
		done, err := r.Handle(f.hdr, f.payload)
		require.NoError(t, err)
		require.False(t, done)
	}
	assert.Equal(t, StateFileComplete, r.State())
	assert.Equal(t, 2, r.FileIndex())

	done, err := r.Handle(NewBatchEndHeader(2), nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateComplete, r.State())

	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
	assert.FileExists(t, filepath.Join(root, "sub", "deeper", "b.txt"))
}

func TestReceiverBatchRejectsEscape(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "shared")
	r := NewReceiver(root, true, 4)
	_, err := r.Prepare()
	require.NoError(t, err)

	_, err = r.Handle(&PacketHeader{Type: TypeFileStart, Path: "../escape.txt"}, nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.Equal(t, StateError, r.State())
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"+partSuffix))
}

func TestReceiverRejectsOutOfPlaceFrames(t *testing.T) {
	single := NewReceiver(filepath.Join(t.TempDir(), "x"), false, 4)
	_, err := single.Prepare()
	require.NoError(t, err)

	_, err = single.Handle(NewFileStartHeader(0, "a.txt", 1), nil)
	assert.ErrorIs(t, err, ErrUnexpectedFrame)

	batch := NewReceiver(filepath.Join(t.TempDir(), "root"), true, 4)
	_, err = batch.Prepare()
	require.NoError(t, err)

	_, err = batch.Handle(dataFrame(0, "ab", true))
	assert.ErrorIs(t, err, ErrUnexpectedFrame)
}

func TestReceiverStateString(t *testing.T) {
	assert.Equal(t, "HANDSHAKE_SENT", StateHandshakeSent.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "ReceiverState(42)", ReceiverState(42).String())
}
