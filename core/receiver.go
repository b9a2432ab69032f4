package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const partSuffix = ".part"

type ReceiverState int

const (
	StateConnecting ReceiverState = iota
	StateHandshakeSent
	StateReceivingFile
	StateFileComplete
	StateComplete
	StateError
)

func (s ReceiverState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateReceivingFile:
		return "RECEIVING_FILE"
	case StateFileComplete:
		return "FILE_COMPLETE"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("ReceiverState(%d)", int(s))
	}
}

var ErrUnexpectedFrame = errors.New("unexpected frame")

// Receiver writes incoming frames to disk. In single mode dest is the final
// file path; in batch mode it is the root directory entries are placed under.
type Receiver struct {
	dest      string
	batch     bool
	chunkSize int

	state     ReceiverState
	file      *os.File
	partPath  string
	finalPath string
	offset    int64
	received  int64
	fileIndex int

	// expected is the source size in single mode, -1 when unknown
	expected int64
	// createdPart is set when Prepare made the .part rather than found it
	createdPart bool
}

func NewReceiver(dest string, batch bool, chunkSize int) *Receiver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Receiver{
		dest:      dest,
		batch:     batch,
		chunkSize: chunkSize,
		state:     StateConnecting,
		expected:  -1,
	}
}

// ExpectSize sets the source size. A leftover .part larger than it cannot
// be a prefix of the source and is discarded by Prepare.
func (r *Receiver) ExpectSize(n int64) {
	r.expected = n
}

// Prepare opens the destination and returns the chunk to resume from. A
// leftover .part is cut back to a whole number of chunks, since only
// complete chunks were hash-checked.
func (r *Receiver) Prepare() (int64, error) {
	if r.batch {
		if err := os.MkdirAll(r.dest, 0755); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(r.dest), 0755); err != nil {
		return 0, err
	}

	r.finalPath = r.dest
	r.partPath = r.dest + partSuffix

	if _, err := os.Stat(r.partPath); errors.Is(err, os.ErrNotExist) {
		r.createdPart = true
	}

	file, err := os.OpenFile(r.partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return 0, err
	}

	size := info.Size()
	if r.expected >= 0 && size > r.expected {
		size = 0
	}

	aligned := size - size%int64(r.chunkSize)
	if aligned != info.Size() {
		if err := file.Truncate(aligned); err != nil {
			file.Close()
			return 0, err
		}
	}

	r.file = file
	r.offset = aligned
	r.received = aligned

	return aligned / int64(r.chunkSize), nil
}

func (r *Receiver) State() ReceiverState {
	return r.state
}

func (r *Receiver) setState(s ReceiverState) {
	r.state = s
}

// Received counts bytes on disk for this transfer, resumed bytes included.
func (r *Receiver) Received() int64 {
	return r.received
}

func (r *Receiver) FileIndex() int {
	return r.fileIndex
}

// Handle applies one frame. It reports true once the transfer is complete.
func (r *Receiver) Handle(hdr *PacketHeader, payload []byte) (bool, error) {
	if r.state == StateError || r.state == StateComplete {
		return false, ErrUnexpectedFrame
	}

	var (
		done bool
		err  error
	)

	switch hdr.Type {
	case TypeData:
		done, err = r.handleData(hdr, payload)
	case TypeFileStart:
		err = r.handleFileStart(hdr)
	case TypeBatchEnd:
		done, err = r.handleBatchEnd()
	default:
		err = ErrInvalidHeaderType
	}

	if err != nil {
		r.fail()
		return false, err
	}

	return done, nil
}

func (r *Receiver) handleData(hdr *PacketHeader, payload []byte) (bool, error) {
	if r.file == nil {
		return false, fmt.Errorf("%w: DATA with no open file", ErrUnexpectedFrame)
	}

	if hashChunk(payload) != hdr.Hash {
		return false, fmt.Errorf("%w: chunk %d", ErrDataCorruption, hdr.Seq)
	}

	if len(payload) > 0 {
		if _, err := r.file.WriteAt(payload, r.offset); err != nil {
			return false, err
		}
		r.offset += int64(len(payload))
		r.received += int64(len(payload))
	}

	r.setState(StateReceivingFile)

	if !hdr.IsLast {
		return false, nil
	}

	if err := r.finalize(); err != nil {
		return false, err
	}

	if r.batch {
		r.setState(StateFileComplete)
		return false, nil
	}

	r.setState(StateComplete)
	return true, nil
}

func (r *Receiver) handleFileStart(hdr *PacketHeader) error {
	if !r.batch {
		return fmt.Errorf("%w: FILE_START outside batch", ErrUnexpectedFrame)
	}

	target, err := r.resolve(hdr.Path)
	if err != nil {
		return err
	}

	r.closeFile()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(target+partSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	r.file = file
	r.finalPath = target
	r.partPath = target + partSuffix
	r.offset = 0
	r.fileIndex++
	r.setState(StateReceivingFile)

	return nil
}

func (r *Receiver) handleBatchEnd() (bool, error) {
	if !r.batch {
		return false, fmt.Errorf("%w: BATCH_END outside batch", ErrUnexpectedFrame)
	}

	r.closeFile()
	r.setState(StateComplete)

	return true, nil
}

// resolve maps a wire path onto the batch root and refuses anything that
// lands outside it.
func (r *Receiver) resolve(rel string) (string, error) {
	if err := validateRelPath(rel); err != nil {
		return "", err
	}

	target := filepath.Join(r.dest, filepath.FromSlash(rel))

	within, err := filepath.Rel(r.dest, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}

	return target, nil
}

func (r *Receiver) finalize() error {
	if err := r.file.Close(); err != nil {
		r.file = nil
		return err
	}
	r.file = nil

	if err := os.Rename(r.partPath, r.finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", r.partPath, err)
	}

	return nil
}

func (r *Receiver) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// fail leaves partial data in place for a later resume.
func (r *Receiver) fail() {
	r.closeFile()
	r.setState(StateError)
}

// Discard closes the destination before any data arrived and removes a
// .part that Prepare created, so a refused transfer leaves nothing behind.
func (r *Receiver) Discard() {
	r.closeFile()
	if r.createdPart && r.received == 0 && r.partPath != "" {
		os.Remove(r.partPath)
	}
	r.setState(StateError)
}

// Abort is used when the connection breaks mid-transfer.
func (r *Receiver) Abort() {
	if r.state != StateComplete {
		r.fail()
	}
}
