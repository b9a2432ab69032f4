package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Dyastin-0/lanshare/logger"
	"github.com/Dyastin-0/lanshare/types"
)

const (
	handshakeTimeout   = 10 * time.Second
	invalidTokenReason = "Invalid token"
	corruptionReason   = "Data corruption detected"
)

var ErrTransferActive = errors.New("transfer already in progress")

// TokenVerifier consumes a transfer token presented by ip.
type TokenVerifier interface {
	Verify(token, ip string) (string, bool)
}

// UploadEvent reports host-side progress of one served transfer.
type UploadEvent struct {
	Peer  string
	Path  string
	Sent  int64
	Total int64
	Done  bool
	Err   error
}

type activeTransfer struct {
	state  types.TransferState
	cancel context.CancelFunc
}

// TransferEngine serves tokens on the transfer port and pulls descriptors
// handed out by a peer's control server.
type TransferEngine struct {
	chunkSize        int
	progressInterval time.Duration
	tokens           TokenVerifier
	sender           *Sender
	log              logger.Logger
	now              func() time.Time
	dialer           net.Dialer

	ln net.Listener
	wg sync.WaitGroup

	transfers *Feed[types.TransferState]
	uploads   *Feed[UploadEvent]

	mu     sync.Mutex
	active map[string]*activeTransfer
}

func NewTransferEngine(cfg Config, tokens TokenVerifier, log logger.Logger) *TransferEngine {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}

	return &TransferEngine{
		chunkSize:        cfg.ChunkSize,
		progressInterval: cfg.ProgressInterval,
		tokens:           tokens,
		sender:           NewSender(cfg.ChunkSize),
		log:              log.WithStr("component", "transfer"),
		now:              time.Now,
		transfers:        NewFeed[types.TransferState](),
		uploads:          NewFeed[UploadEvent](),
		active:           make(map[string]*activeTransfer),
	}
}

func (e *TransferEngine) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen transfer %s: %w", addr, err)
	}

	e.ln = ln
	return nil
}

func (e *TransferEngine) Addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *TransferEngine) Port() int {
	return addrPort(e.Addr())
}

// Serve accepts receivers until ctx ends, then waits for in-flight uploads.
func (e *TransferEngine) Serve(ctx context.Context) error {
	if e.ln == nil {
		return errors.New("transfer engine is not listening")
	}

	stop := context.AfterFunc(ctx, func() { e.ln.Close() })
	defer stop()
	defer e.wg.Wait()

	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			e.log.WithErr(err).Warn("accept error")
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleUpload(ctx, conn)
		}()
	}
}

func (e *TransferEngine) handleUpload(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := remoteIP(conn.RemoteAddr())
	log := e.log.WithStr("peer", peer)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var hs types.Handshake
	if err := json.NewDecoder(conn).Decode(&hs); err != nil {
		log.WithErr(err).Debug("bad handshake")
		e.reject(conn)
		return
	}

	conn.SetReadDeadline(time.Time{})

	path, ok := e.tokens.Verify(hs.Token, peer)
	if !ok || hs.StartSeq < 0 {
		log.Warn("rejected transfer token")
		e.reject(conn)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		log.WithErr(err).Error("shared path disappeared")
		return
	}

	total := info.Size()
	if info.IsDir() {
		if entries, err := ScanDirectory(path); err == nil {
			total = totalSize(entries)
		}
	}

	// resumed bytes count as already sent
	var base int64
	if !info.IsDir() && hs.StartSeq > 0 {
		base = min(hs.StartSeq*int64(e.chunkSize), total)
	}

	meter := newProgressMeter(e.progressInterval, e.now)
	meter.start(base)

	onSent := func(n int64) {
		if _, ok := meter.tick(base + n); ok {
			e.uploads.Publish(UploadEvent{Peer: peer, Path: path, Sent: base + n, Total: total})
		}
	}

	var n int64
	if info.IsDir() {
		n, err = e.sender.SendBatch(ctx, conn, path, onSent)
	} else {
		n, err = e.sender.SendFile(ctx, conn, path, hs.StartSeq, onSent)
	}
	sent := base + n

	e.uploads.Publish(UploadEvent{Peer: peer, Path: path, Sent: sent, Total: total, Done: true, Err: err})

	if err != nil {
		log.WithErr(err).Warn("upload failed")
		return
	}

	log.WithStr("path", path).WithAny("bytes", sent).Info("upload complete")
}

func (e *TransferEngine) reject(w io.Writer) {
	json.NewEncoder(w).Encode(types.HandshakeError{Error: invalidTokenReason})
}

// Receive pulls desc into dir and returns the saved path. The transfer is
// tracked under desc.Filename until it completes; on failure it stays in the
// table with status error and the .part file is kept.
func (e *TransferEngine) Receive(ctx context.Context, desc *types.TransferDescriptor, dir string) (string, error) {
	if err := validateFilename(desc.Filename); err != nil {
		return "", err
	}

	dest := filepath.Join(dir, desc.Filename)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := types.TransferState{
		Filename:   desc.Filename,
		Size:       desc.Size,
		Status:     types.StatusPending,
		IsBatch:    desc.IsBatch,
		TotalFiles: desc.FileCount,
		SavePath:   dest,
	}

	if err := e.track(state, cancel); err != nil {
		return "", err
	}

	rcv := NewReceiver(dest, desc.IsBatch, e.chunkSize)
	if !desc.IsBatch {
		rcv.ExpectSize(desc.Size)
	}
	err := e.receive(ctx, desc, rcv, &state)
	if err != nil {
		rcv.Abort()

		state.Status = types.StatusError
		state.Error = err.Error()
		if errors.Is(err, ErrDataCorruption) {
			state.Error = corruptionReason
		} else if ctx.Err() != nil && !errors.Is(err, ErrTransferRejected) {
			state.Error = "cancelled"
		}
		state.Speed = 0

		e.update(state, false)
		e.log.WithStr("file", desc.Filename).WithErr(err).Warn("receive failed")

		return "", err
	}

	state.Status = types.StatusComplete
	state.Progress = max(state.Size, rcv.Received())
	state.Speed = 0
	e.update(state, true)

	e.log.WithStr("file", desc.Filename).WithStr("path", dest).Info("receive complete")

	return dest, nil
}

func (e *TransferEngine) receive(ctx context.Context, desc *types.TransferDescriptor, rcv *Receiver, state *types.TransferState) error {
	startSeq, err := rcv.Prepare()
	if err != nil {
		return fmt.Errorf("prepare destination: %w", err)
	}

	addr := net.JoinHostPort(desc.Host, strconv.Itoa(desc.Port))
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		rcv.Discard()
		return fmt.Errorf("dial transfer %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := json.NewEncoder(conn).Encode(types.Handshake{Token: desc.Token, StartSeq: startSeq}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	rcv.setState(StateHandshakeSent)

	br := bufio.NewReaderSize(conn, e.chunkSize+MaxHeaderLength/4)

	if reason, rejected := peekRejection(br); rejected {
		rcv.Discard()
		return fmt.Errorf("%w: %s", ErrTransferRejected, reason)
	}

	state.Status = types.StatusActive
	state.Progress = rcv.Received()
	e.update(*state, false)

	meter := newProgressMeter(e.progressInterval, e.now)
	meter.start(rcv.Received())

	for {
		hdr, payload, err := ReadFrame(br, e.chunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed before transfer completed: %w", io.ErrUnexpectedEOF)
			}
			return err
		}

		done, err := rcv.Handle(hdr, payload)
		if err != nil {
			return err
		}

		state.Progress = rcv.Received()
		state.CurrentFileIndex = rcv.FileIndex()

		if done {
			return nil
		}

		if speed, ok := meter.tick(rcv.Received()); ok {
			state.Speed = speed
			e.update(*state, false)
		}
	}
}

func (e *TransferEngine) track(state types.TransferState, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.active[state.Filename]; ok && t.state.Status != types.StatusError {
		return fmt.Errorf("%w: %s", ErrTransferActive, state.Filename)
	}

	e.active[state.Filename] = &activeTransfer{state: state, cancel: cancel}
	e.transfers.Publish(state)

	return nil
}

func (e *TransferEngine) update(state types.TransferState, remove bool) {
	e.mu.Lock()
	if remove {
		delete(e.active, state.Filename)
	} else if t, ok := e.active[state.Filename]; ok {
		t.state = state
	}
	e.mu.Unlock()

	e.transfers.Publish(state)
}

// Active returns the tracked transfers ordered by filename.
func (e *TransferEngine) Active() []types.TransferState {
	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]types.TransferState, 0, len(e.active))
	for _, t := range e.active {
		states = append(states, t.state)
	}

	slices.SortFunc(states, func(a, b types.TransferState) int {
		return strings.Compare(a.Filename, b.Filename)
	})

	return states
}

// Cancel stops a live transfer. It reports false when none is running.
func (e *TransferEngine) Cancel(filename string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.active[filename]
	if !ok || t.state.Status == types.StatusError {
		return false
	}

	t.cancel()
	return true
}

func (e *TransferEngine) SubscribeTransfers() (<-chan types.TransferState, func()) {
	return e.transfers.Subscribe()
}

func (e *TransferEngine) SubscribeUploads() (<-chan UploadEvent, func()) {
	return e.uploads.Subscribe()
}

// Close stops accepting and ends the feeds. Call after Serve has returned.
func (e *TransferEngine) Close() error {
	var err error
	if e.ln != nil {
		if cerr := e.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	e.transfers.Close()
	e.uploads.Close()

	return err
}

// validateFilename keeps a descriptor's name from pointing outside the
// download directory.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}

type progressMeter struct {
	interval  time.Duration
	now       func() time.Time
	lastAt    time.Time
	lastBytes int64
}

func newProgressMeter(interval time.Duration, now func() time.Time) *progressMeter {
	return &progressMeter{interval: interval, now: now}
}

func (m *progressMeter) start(bytes int64) {
	m.lastAt = m.now()
	m.lastBytes = bytes
}

// tick returns the speed in bytes/s since the previous report, and false
// when less than one interval has passed.
func (m *progressMeter) tick(bytes int64) (float64, bool) {
	now := m.now()
	elapsed := now.Sub(m.lastAt)
	if elapsed < m.interval {
		return 0, false
	}

	speed := float64(bytes-m.lastBytes) / elapsed.Seconds()
	m.lastAt = now
	m.lastBytes = bytes

	return speed, true
}
