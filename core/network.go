package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Dyastin-0/lanshare/logger"
	"github.com/Dyastin-0/lanshare/types"
)

// NetworkManager wires discovery, the control channel and the transfer
// engine into one node.
type NetworkManager struct {
	cfg Config
	log logger.Logger

	share     *Share
	tokens    *TokenStore
	discovery *Discovery
	control   *ControlServer
	transfer  *TransferEngine

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

func NewNetworkManager(cfg Config, log logger.Logger) *NetworkManager {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}

	m := &NetworkManager{
		cfg:    cfg,
		log:    log,
		share:  NewShare(cfg.SharingMode),
		tokens: NewTokenStore(cfg.TokenTTL),
	}

	m.transfer = NewTransferEngine(cfg, m.tokens, log)
	m.control = NewControlServer(cfg, m.share, m.tokens, m.transfer.Port, log)
	m.discovery = NewDiscovery(cfg, m.share.Public, log)

	return m
}

// Start binds all three sockets, then runs their loops in the background.
// A bind failure closes whatever was already bound.
func (m *NetworkManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("network manager already started")
	}

	host := m.cfg.BindHost

	if err := m.discovery.Listen(listenAddr("", m.cfg.DiscoveryPort)); err != nil {
		return err
	}

	if err := m.control.Listen(listenAddr(host, m.cfg.ControlPort)); err != nil {
		m.discovery.Close()
		return err
	}

	if err := m.transfer.Listen(listenAddr(host, m.cfg.TransferPort)); err != nil {
		m.discovery.Close()
		m.control.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.discovery.Serve(ctx) })
	g.Go(func() error { return m.control.Serve(ctx) })
	g.Go(func() error { return m.transfer.Serve(ctx) })

	m.cancel = cancel
	m.group = g
	m.started = true

	m.log.WithStr("name", m.cfg.DisplayName).
		WithStr("discovery", m.DiscoveryAddr().String()).
		WithStr("control", m.ControlAddr().String()).
		WithStr("transfer", m.TransferAddr().String()).
		Info("network manager started")

	return nil
}

// Close stops every loop, waits for them, and ends all feeds.
func (m *NetworkManager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel, g := m.cancel, m.group
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			m.closeErr = g.Wait()
		}

		m.closeErr = errors.Join(
			m.closeErr,
			m.discovery.Close(),
			m.control.Close(),
			m.transfer.Close(),
		)
	})

	return m.closeErr
}

func (m *NetworkManager) Config() Config {
	return m.cfg
}

func (m *NetworkManager) DiscoveryAddr() net.Addr { return m.discovery.Addr() }

func (m *NetworkManager) ControlAddr() net.Addr { return m.control.Addr() }

func (m *NetworkManager) TransferAddr() net.Addr { return m.transfer.Addr() }

func (m *NetworkManager) Peers() []types.Peer {
	return m.discovery.Peers()
}

func (m *NetworkManager) SubscribePeers() (<-chan []types.Peer, func()) {
	return m.discovery.Subscribe()
}

func (m *NetworkManager) SubscribeRequests() (<-chan *ApprovalRequest, func()) {
	return m.control.SubscribeRequests()
}

func (m *NetworkManager) SubscribeTransfers() (<-chan types.TransferState, func()) {
	return m.transfer.SubscribeTransfers()
}

func (m *NetworkManager) SubscribeUploads() (<-chan UploadEvent, func()) {
	return m.transfer.SubscribeUploads()
}

// SetOffering shares path and announces it right away.
func (m *NetworkManager) SetOffering(path string) (*types.Offering, error) {
	o, err := m.share.Offer(path)
	if err != nil {
		return nil, err
	}

	m.log.WithStr("file", o.Filename).WithAny("size", o.Size).Info("offering set")
	m.discovery.Announce()

	return o, nil
}

func (m *NetworkManager) ClearOffering() {
	m.share.Clear()
	m.discovery.Announce()
}

func (m *NetworkManager) Offering() *types.Offering {
	return m.share.Offering()
}

func (m *NetworkManager) SharingMode() string {
	return m.share.Mode()
}

func (m *NetworkManager) SetSharingMode(mode string) error {
	return m.share.SetMode(mode)
}

// RequestFile asks peer for fileName. peer is an IP, or IP:port when the
// host listens on a non-default control port.
func (m *NetworkManager) RequestFile(ctx context.Context, peer, fileName string) (*types.TransferDescriptor, error) {
	addr := peer
	if _, _, err := net.SplitHostPort(peer); err != nil {
		port := m.cfg.ControlPort
		if port <= 0 {
			port = DefaultControlPort
		}
		addr = net.JoinHostPort(peer, strconv.Itoa(port))
	}

	desc, err := RequestFile(ctx, addr, fileName)
	if err != nil {
		var de *DeclineError
		if errors.As(err, &de) {
			m.log.WithStr("peer", peer).WithStr("reason", de.Reason).Info("request declined")
		}
		return nil, err
	}

	return desc, nil
}

// Download receives desc into dir and returns where it was saved.
func (m *NetworkManager) Download(ctx context.Context, desc *types.TransferDescriptor, dir string) (string, error) {
	if desc == nil {
		return "", fmt.Errorf("%w: nil descriptor", ErrMalformedControl)
	}
	return m.transfer.Receive(ctx, desc, dir)
}

func (m *NetworkManager) ActiveTransfers() []types.TransferState {
	return m.transfer.Active()
}

func (m *NetworkManager) CancelTransfer(filename string) bool {
	return m.transfer.Cancel(filename)
}

// remoteIP strips the port and any IPv4-in-IPv6 mapping.
func remoteIP(addr net.Addr) string {
	return addrIP(addr)
}

func addrIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		host, _, serr := net.SplitHostPort(addr.String())
		if serr != nil {
			return addr.String()
		}
		return host
	}

	return ap.Addr().Unmap().String()
}

func addrPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return 0
	}
	return int(ap.Port())
}
