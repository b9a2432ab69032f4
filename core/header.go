package core

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Dyastin-0/lanshare/types"
)

const (
	TypeData      = "DATA"
	TypeFileStart = "FILE_START"
	TypeBatchEnd  = "BATCH_END"

	DefaultChunkSize = 64 * 1024
	MaxHeaderLength  = 64 * 1024
	lengthPrefixSize = 4
)

var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrHeaderTooLarge    = errors.New("header exceeds maximum length")
	ErrPayloadTooLarge   = errors.New("payload exceeds chunk size")
	ErrInvalidHeaderType = errors.New("invalid header type")
	ErrUnsafePath        = errors.New("path escapes batch root")
	ErrDataCorruption    = errors.New("data corruption detected")
	ErrTransferRejected  = errors.New("transfer rejected by host")
)

// PacketHeader precedes every frame payload on the transfer socket.
type PacketHeader struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq"`
	Size     int    `json:"size"`
	Hash     string `json:"hash,omitempty"`
	IsLast   bool   `json:"isLast,omitempty"`
	Path     string `json:"path,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
}

func NewDataHeader(seq int64, payload []byte, hash string, isLast bool) *PacketHeader {
	return &PacketHeader{
		Type:   TypeData,
		Seq:    seq,
		Size:   len(payload),
		Hash:   hash,
		IsLast: isLast,
	}
}

func NewFileStartHeader(seq int64, relPath string, fileSize int64) *PacketHeader {
	return &PacketHeader{
		Type:     TypeFileStart,
		Seq:      seq,
		Path:     relPath,
		FileSize: fileSize,
	}
}

func NewBatchEndHeader(seq int64) *PacketHeader {
	return &PacketHeader{Type: TypeBatchEnd, Seq: seq}
}

// WriteFrame writes [uint32 BE header length][header JSON][payload].
func WriteFrame(w io.Writer, hdr *PacketHeader, payload []byte) error {
	if hdr.Size != len(payload) {
		return fmt.Errorf("%w: header size %d, payload %d", ErrMalformedFrame, hdr.Size, len(payload))
	}

	encoded, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	if len(encoded) > MaxHeaderLength {
		return ErrHeaderTooLarge
	}

	buf := make([]byte, lengthPrefixSize+len(encoded)+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(encoded)))
	copy(buf[lengthPrefixSize:], encoded)
	copy(buf[lengthPrefixSize+len(encoded):], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	return nil
}

// ReadFrame reads one complete frame, blocking until all of its bytes have
// arrived. maxPayload bounds DATA payloads.
func ReadFrame(r io.Reader, maxPayload int) (*PacketHeader, []byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, nil, ErrMalformedFrame
	}
	if n > MaxHeaderLength {
		return nil, nil, ErrHeaderTooLarge
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", unexpected(err))
	}

	var hdr PacketHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if err := validateHeader(&hdr, maxPayload); err != nil {
		return nil, nil, fmt.Errorf("header validation failed: %w", err)
	}

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("failed to read payload: %w", unexpected(err))
	}

	return &hdr, payload, nil
}

func validateHeader(hdr *PacketHeader, maxPayload int) error {
	if hdr.Seq < 0 || hdr.Size < 0 {
		return ErrMalformedFrame
	}

	switch hdr.Type {
	case TypeData:
		if maxPayload > 0 && hdr.Size > maxPayload {
			return ErrPayloadTooLarge
		}
	case TypeFileStart:
		if hdr.Size != 0 || hdr.FileSize < 0 {
			return ErrMalformedFrame
		}
		if err := validateRelPath(hdr.Path); err != nil {
			return err
		}
	case TypeBatchEnd:
		if hdr.Size != 0 {
			return ErrMalformedFrame
		}
	default:
		return ErrInvalidHeaderType
	}

	return nil
}

// validateRelPath accepts slash-separated relative paths that stay below
// the batch root once cleaned.
func validateRelPath(p string) error {
	if p == "" || strings.ContainsRune(p, 0) || strings.Contains(p, `\`) {
		return ErrUnsafePath
	}

	if path.IsAbs(p) {
		return ErrUnsafePath
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return ErrUnsafePath
	}

	// windows volume names
	if len(cleaned) >= 2 && cleaned[1] == ':' {
		return ErrUnsafePath
	}

	return nil
}

// peekRejection reports whether the host answered the handshake with an
// error object instead of a frame. A frame starts with a length prefix
// whose first byte is zero for any header under 16 MiB.
func peekRejection(br *bufio.Reader) (string, bool) {
	b, err := br.Peek(1)
	if err != nil || b[0] != '{' {
		return "", false
	}

	var he types.HandshakeError
	if err := json.NewDecoder(br).Decode(&he); err != nil {
		return "malformed rejection", true
	}

	return he.Error, true
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
