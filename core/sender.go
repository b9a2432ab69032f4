package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrSourceChanged = errors.New("source file changed during send")
	ErrResumePastEnd = errors.New("resume offset past end of file")
)

// Sender writes DATA frames for a file, or a FILE_START/DATA/BATCH_END
// sequence for a directory. Writes block on the socket, so a slow receiver
// slows the reads.
type Sender struct {
	chunkSize int
	scan      ScanFunc
}

func NewSender(chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Sender{
		chunkSize: chunkSize,
		scan:      ScanDirectory,
	}
}

// SendFile streams path from chunk startSeq. onSent receives the running
// number of bytes written during this call.
func (s *Sender) SendFile(ctx context.Context, w io.Writer, path string, startSeq int64, onSent func(int64)) (int64, error) {
	return s.sendData(ctx, w, path, startSeq, 0, onSent)
}

// SendBatch streams every file under root. Batches always start from zero.
func (s *Sender) SendBatch(ctx context.Context, w io.Writer, root string, onSent func(int64)) (int64, error) {
	entries, err := s.scan(root)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", root, err)
	}

	var sent int64
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		hdr := NewFileStartHeader(int64(i), entry.RelativePath, entry.Size)
		if err := WriteFrame(w, hdr, nil); err != nil {
			return sent, err
		}

		n, err := s.sendData(ctx, w, entry.AbsolutePath, 0, sent, onSent)
		sent += n
		if err != nil {
			return sent, fmt.Errorf("send %s: %w", entry.RelativePath, err)
		}
	}

	if err := WriteFrame(w, NewBatchEndHeader(int64(len(entries))), nil); err != nil {
		return sent, err
	}

	return sent, nil
}

func (s *Sender) sendData(ctx context.Context, w io.Writer, path string, startSeq, base int64, onSent func(int64)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	size := info.Size()
	offset := startSeq * int64(s.chunkSize)

	if offset > size {
		return 0, fmt.Errorf("%w: offset %d, size %d", ErrResumePastEnd, offset, size)
	}

	// nothing left to send, a bare last frame lets the receiver finalize
	if offset == size {
		return 0, WriteFrame(w, NewDataHeader(startSeq, nil, hashChunk(nil), true), nil)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	rd := io.LimitReader(file, size-offset)
	buf := make([]byte, s.chunkSize)
	seq := startSeq

	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := io.ReadFull(rd, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, io.EOF) {
				return sent, ErrSourceChanged
			}
			return sent, err
		}

		chunk := buf[:n]
		offset += int64(n)
		isLast := offset >= size

		if err := WriteFrame(w, NewDataHeader(seq, chunk, hashChunk(chunk), isLast), chunk); err != nil {
			return sent, err
		}

		sent += int64(n)
		seq++

		if onSent != nil {
			onSent(base + sent)
		}

		if isLast {
			return sent, nil
		}
	}
}

func hashChunk(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
