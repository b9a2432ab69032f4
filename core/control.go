package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Dyastin-0/lanshare/logger"
	"github.com/Dyastin-0/lanshare/types"
)

const (
	ReasonNotAvailable = "File not available"
	ReasonRateLimited  = "Rate limit exceeded. Please wait before retrying."
	ReasonPending      = "Request for this file is already pending approval."
	ReasonDenied       = "Denied by host"
	ReasonNotFound     = "File not found"
	ReasonMalformed    = "Malformed request"

	limiterPruneThreshold = 64
)

var ErrMalformedControl = errors.New("malformed control message")

// DeclineError carries the reason a host gave for refusing a request.
type DeclineError struct {
	Reason string
}

func (e *DeclineError) Error() string {
	return "request declined: " + e.Reason
}

// TokenIssuer mints a transfer token for a path and requester IP.
type TokenIssuer interface {
	Issue(filePath, ip string) string
}

// ApprovalRequest is a manual-mode request waiting on the host. It resolves
// once; later calls are ignored.
type ApprovalRequest struct {
	Peer       string
	FileName   string
	Size       int64
	ReceivedAt time.Time

	once     sync.Once
	done     chan struct{}
	approved bool
}

func newApprovalRequest(peer string, o *types.Offering, at time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		Peer:       peer,
		FileName:   o.Filename,
		Size:       o.Size,
		ReceivedAt: at,
		done:       make(chan struct{}),
	}
}

func (r *ApprovalRequest) Approve() { r.resolve(true) }

func (r *ApprovalRequest) Deny() { r.resolve(false) }

// Done is closed once the request is resolved, by the host or by timeout.
func (r *ApprovalRequest) Done() <-chan struct{} { return r.done }

// Approved is meaningful after Done is closed.
func (r *ApprovalRequest) Approved() bool {
	select {
	case <-r.done:
		return r.approved
	default:
		return false
	}
}

func (r *ApprovalRequest) resolve(ok bool) {
	r.once.Do(func() {
		r.approved = ok
		close(r.done)
	})
}

type pendingKey struct {
	ip       string
	fileName string
}

type pendingMarker struct {
	expiresAt time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ControlServer answers request_file messages on the control port.
type ControlServer struct {
	share           *Share
	tokens          TokenIssuer
	transferPort    func() int
	window          time.Duration
	approvalTTL     time.Duration
	decisionTimeout time.Duration
	scan            ScanFunc
	now             func() time.Time
	log             logger.Logger

	requests *Feed[*ApprovalRequest]

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	pending  map[pendingKey]*pendingMarker
}

func NewControlServer(cfg Config, share *Share, tokens TokenIssuer, transferPort func() int, log logger.Logger) *ControlServer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}

	return &ControlServer{
		share:           share,
		tokens:          tokens,
		transferPort:    transferPort,
		window:          cfg.RateLimitWindow,
		approvalTTL:     cfg.ApprovalTTL,
		decisionTimeout: cfg.DecisionTimeout,
		scan:            ScanDirectory,
		now:             time.Now,
		log:             log.WithStr("component", "control"),
		requests:        NewFeed[*ApprovalRequest](),
		limiters:        make(map[string]*limiterEntry),
		pending:         make(map[pendingKey]*pendingMarker),
	}
}

func (s *ControlServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", addr, err)
	}

	s.ln = ln
	return nil
}

func (s *ControlServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *ControlServer) SubscribeRequests() (<-chan *ApprovalRequest, func()) {
	return s.requests.Subscribe()
}

func (s *ControlServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("control server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			s.log.WithErr(err).Warn("accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *ControlServer) Close() error {
	var err error
	if s.ln != nil {
		if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	s.requests.Close()
	return err
}

func (s *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := remoteIP(conn.RemoteAddr())
	log := s.log.WithStr("peer", ip)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var req types.ControlRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil || validateControlRequest(&req) != nil {
		log.Debug("malformed control request")
		s.reply(conn, decline(ReasonMalformed))
		return
	}

	conn.SetReadDeadline(time.Time{})

	resp := s.handleRequest(ctx, conn, ip, req.FileName)
	if resp.Approved {
		log.WithStr("file", req.FileName).Info("request approved")
	} else {
		log.WithStr("file", req.FileName).WithStr("reason", resp.Reason).Info("request declined")
	}

	s.reply(conn, resp)
}

func (s *ControlServer) handleRequest(ctx context.Context, conn net.Conn, ip, fileName string) *types.ControlResponse {
	offering, ok := s.share.Match(fileName)
	if !ok {
		return decline(ReasonNotAvailable)
	}

	if !s.allow(ip) {
		return decline(ReasonRateLimited)
	}

	key := pendingKey{ip: ip, fileName: fileName}
	manual := s.share.Mode() == ModeManual

	marker, ok := s.claimPending(key, manual)
	if !ok {
		return decline(ReasonPending)
	}

	if manual {
		defer s.releasePending(key, marker)

		if !s.awaitDecision(ctx, conn, ip, offering) {
			return decline(ReasonDenied)
		}
	}

	return s.approve(ip, fileName, addrIP(conn.LocalAddr()))
}

// allow applies the per-IP window. Limiters idle for a full window are
// back at full burst and can be dropped.
func (s *ControlServer) allow(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if len(s.limiters) > limiterPruneThreshold {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) >= s.window {
				delete(s.limiters, k)
			}
		}
	}

	e, ok := s.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(s.window), 1)}
		s.limiters[ip] = e
	}
	e.lastSeen = now

	return e.limiter.AllowN(now, 1)
}

// claimPending fails when an unexpired marker exists for key. With mark set
// it also installs a marker that lapses after the approval TTL.
func (s *ControlServer) claimPending(key pendingKey, mark bool) (*pendingMarker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if m, ok := s.pending[key]; ok {
		if now.Before(m.expiresAt) {
			return nil, false
		}
		delete(s.pending, key)
	}

	if !mark {
		return nil, true
	}

	m := &pendingMarker{expiresAt: now.Add(s.approvalTTL)}
	s.pending[key] = m

	return m, true
}

func (s *ControlServer) releasePending(key pendingKey, m *pendingMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending[key] == m {
		delete(s.pending, key)
	}
}

func (s *ControlServer) awaitDecision(ctx context.Context, conn net.Conn, ip string, o *types.Offering) bool {
	req := newApprovalRequest(ip, o, s.now())

	if s.requests.Publish(req) == 0 {
		req.Deny()
		return false
	}

	// stray bytes after the request are drained; only a read error means
	// the requester hung up or we closed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var b [64]byte
		for {
			if _, err := conn.Read(b[:]); err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(s.decisionTimeout)
	defer timer.Stop()

	select {
	case <-req.Done():
		return req.Approved()
	case <-gone:
		s.log.WithStr("peer", ip).Debug("requester hung up before decision")
	case <-ctx.Done():
	case <-timer.C:
		s.log.WithStr("peer", ip).Info("approval timed out")
	}

	req.Deny()
	return req.Approved()
}

func (s *ControlServer) approve(ip, fileName, host string) *types.ControlResponse {
	offering, ok := s.share.Match(fileName)
	if !ok {
		return decline(ReasonNotAvailable)
	}

	info, err := os.Stat(offering.FilePath)
	if err != nil {
		return decline(ReasonNotFound)
	}

	desc := &types.TransferDescriptor{
		Host:     host,
		Port:     s.transferPort(),
		Filename: offering.Filename,
		Size:     info.Size(),
		FilePath: offering.FilePath,
	}

	if info.IsDir() {
		entries, err := s.scan(offering.FilePath)
		if err != nil {
			return decline(ReasonNotFound)
		}

		desc.Size = totalSize(entries)
		desc.IsBatch = true
		desc.FileCount = len(entries)
	}

	desc.Token = s.tokens.Issue(offering.FilePath, ip)

	return &types.ControlResponse{Approved: true, TransferDescriptor: desc}
}

func (s *ControlServer) reply(conn net.Conn, resp *types.ControlResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.WithErr(err).Debug("failed to write control response")
	}
}

func decline(reason string) *types.ControlResponse {
	return &types.ControlResponse{Approved: false, Reason: reason}
}

func validateControlRequest(req *types.ControlRequest) error {
	if req.Type != types.TypeRequestFile {
		return fmt.Errorf("%w: type %q", ErrMalformedControl, req.Type)
	}
	if req.FileName == "" {
		return fmt.Errorf("%w: missing fileName", ErrMalformedControl)
	}
	return nil
}

// RequestFile asks the host at addr (host:port) for fileName and returns the
// descriptor it approved. A refusal is a *DeclineError.
func RequestFile(ctx context.Context, addr, fileName string) (*types.TransferDescriptor, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := types.ControlRequest{Type: types.TypeRequestFile, FileName: fileName}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp types.ControlResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read response: %w", err)
	}

	if !resp.Approved {
		return nil, &DeclineError{Reason: resp.Reason}
	}

	desc := resp.TransferDescriptor
	if desc == nil || desc.Token == "" || desc.Port <= 0 {
		return nil, fmt.Errorf("%w: approval without descriptor", ErrMalformedControl)
	}

	if desc.Host == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			desc.Host = host
		}
	}

	return desc, nil
}
