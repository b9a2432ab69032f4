package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/Dyastin-0/lanshare/logger"
	"github.com/Dyastin-0/lanshare/types"
)

const maxDatagramSize = 64 * 1024

var (
	ErrMalformedDiscovery = errors.New("malformed discovery message")
	limitedBroadcast      = net.IPv4bcast
)

type localAddr struct {
	ip        net.IP
	broadcast net.IP
	ifIndex   int
}

// Discovery announces this node over UDP broadcast and keeps the table of
// peers heard from recently.
type Discovery struct {
	name          string
	port          int
	broadcastAddr net.IP
	heartbeat     time.Duration
	purgeEvery    time.Duration
	ttl           time.Duration
	offering      func() *types.Offering
	interfaces    func() ([]localAddr, error)
	now           func() time.Time
	log           logger.Logger

	conn *net.UDPConn
	pc   *ipv4.PacketConn
	kick chan struct{}

	feed *Feed[[]types.Peer]

	mu     sync.Mutex
	peers  map[string]*types.Peer
	locals []localAddr
}

func NewDiscovery(cfg Config, offering func() *types.Offering, log logger.Logger) *Discovery {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	if offering == nil {
		offering = func() *types.Offering { return nil }
	}

	return &Discovery{
		name:          cfg.DisplayName,
		port:          cfg.DiscoveryPort,
		broadcastAddr: net.ParseIP(cfg.BroadcastAddr).To4(),
		heartbeat:     cfg.HeartbeatInterval,
		purgeEvery:    cfg.PurgeInterval,
		ttl:           cfg.PeerTTL,
		offering:      offering,
		interfaces:    localIPv4s,
		now:           time.Now,
		log:           log.WithStr("component", "discovery"),
		kick:          make(chan struct{}, 1),
		feed:          NewFeed[[]types.Peer](),
		peers:         make(map[string]*types.Peer),
	}
}

// Listen binds the UDP socket with broadcast and address reuse enabled.
func (d *Discovery) Listen(addr string) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = discoverySockopts(fd)
			}); err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return fmt.Errorf("listen discovery %s: %w", addr, err)
	}

	d.conn = pc.(*net.UDPConn)
	d.pc = ipv4.NewPacketConn(d.conn)

	if err := d.pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		d.log.WithErr(err).Debug("control messages unavailable")
	}

	if d.port < 0 {
		d.port = addrPort(d.conn.LocalAddr())
	}

	d.refreshLocals()

	return nil
}

func (d *Discovery) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Serve runs the read, heartbeat and purge loops until ctx ends.
func (d *Discovery) Serve(ctx context.Context) error {
	if d.conn == nil {
		return errors.New("discovery is not listening")
	}

	stop := context.AfterFunc(ctx, func() { d.conn.Close() })
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(ctx) })
	g.Go(func() error { return d.heartbeatLoop(ctx) })
	g.Go(func() error { return d.purgeLoop(ctx) })

	return g.Wait()
}

func (d *Discovery) Close() error {
	var err error
	if d.conn != nil {
		if cerr := d.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}

	d.feed.Close()
	return err
}

func (d *Discovery) Subscribe() (<-chan []types.Peer, func()) {
	return d.feed.Subscribe()
}

// Announce sends a heartbeat now instead of waiting for the next tick.
func (d *Discovery) Announce() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Discovery) readLoop(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, cm, _, err := d.pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			d.log.WithErr(err).Debug("read error")
			continue
		}

		d.handlePacket(buf[:n], d.arrivalIP(cm))
	}
}

func (d *Discovery) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()

	d.sendHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sendHeartbeat()
		case <-d.kick:
			d.sendHeartbeat()
		}
	}
}

func (d *Discovery) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.purge()
		}
	}
}

// sendHeartbeat writes one announcement per local address, each sourced
// from that address and aimed at its subnet broadcast.
func (d *Discovery) sendHeartbeat() {
	locals := d.refreshLocals()
	offering := d.offering()
	if offering != nil {
		offering.FilePath = ""
	}

	for _, la := range locals {
		data, err := json.Marshal(types.Announcement{
			DisplayName: d.name,
			IP:          la.ip.String(),
			Offering:    offering,
		})
		if err != nil {
			d.log.WithErr(err).Error("failed to encode announcement")
			return
		}

		target := la.broadcast
		if d.broadcastAddr != nil {
			target = d.broadcastAddr
		}
		dst := &net.UDPAddr{IP: target, Port: d.port}

		cm := &ipv4.ControlMessage{Src: la.ip, IfIndex: la.ifIndex}
		if _, err := d.pc.WriteTo(data, cm, dst); err != nil {
			// some platforms refuse a pinned source; let routing choose
			if _, err := d.pc.WriteTo(data, nil, dst); err != nil {
				d.log.WithStr("ip", la.ip.String()).WithErr(err).Debug("heartbeat send failed")
			}
		}
	}
}

func (d *Discovery) handlePacket(data []byte, localIP string) {
	a, err := parseAnnouncement(data)
	if err != nil {
		d.log.WithErr(err).Debug("dropped datagram")
		return
	}

	if d.isLocal(a.IP) {
		return
	}

	d.mu.Lock()
	p, ok := d.peers[a.IP]
	if !ok {
		p = &types.Peer{IP: a.IP}
		d.peers[a.IP] = p
		d.log.WithStr("peer", a.IP).WithStr("name", a.DisplayName).Debug("peer discovered")
	}
	p.DisplayName = a.DisplayName
	p.Offering = a.Offering
	p.LastSeen = d.now()
	if localIP != "" {
		p.LocalIP = localIP
	}
	list := d.snapshotLocked()
	d.mu.Unlock()

	d.feed.Publish(list)
}

func (d *Discovery) purge() {
	d.mu.Lock()
	now := d.now()
	changed := false
	for ip, p := range d.peers {
		if now.Sub(p.LastSeen) > d.ttl {
			delete(d.peers, ip)
			changed = true
		}
	}
	list := d.snapshotLocked()
	d.mu.Unlock()

	if changed {
		d.feed.Publish(list)
	}
}

// Peers returns a copy of the table ordered by IP.
func (d *Discovery) Peers() []types.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.snapshotLocked()
}

func (d *Discovery) snapshotLocked() []types.Peer {
	list := make([]types.Peer, 0, len(d.peers))
	for _, p := range d.peers {
		c := *p
		if p.Offering != nil {
			o := *p.Offering
			c.Offering = &o
		}
		list = append(list, c)
	}

	slices.SortFunc(list, func(a, b types.Peer) int {
		return compareIP(a.IP, b.IP)
	})

	return list
}

func (d *Discovery) refreshLocals() []localAddr {
	locals, err := d.interfaces()
	if err != nil {
		d.log.WithErr(err).Debug("failed to list interfaces")
	}

	d.mu.Lock()
	if err == nil {
		d.locals = locals
	}
	current := slices.Clone(d.locals)
	d.mu.Unlock()

	return current
}

func (d *Discovery) isLocal(ip string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, la := range d.locals {
		if la.ip.String() == ip {
			return true
		}
	}
	return false
}

func (d *Discovery) arrivalIP(cm *ipv4.ControlMessage) string {
	if cm == nil {
		return ""
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, la := range d.locals {
		if la.ifIndex == cm.IfIndex {
			return la.ip.String()
		}
	}

	if cm.Dst != nil && !cm.Dst.Equal(limitedBroadcast) {
		return cm.Dst.String()
	}
	return ""
}

func parseAnnouncement(data []byte) (*types.Announcement, error) {
	var a types.Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDiscovery, err)
	}

	if strings.TrimSpace(a.DisplayName) == "" {
		return nil, fmt.Errorf("%w: missing displayName", ErrMalformedDiscovery)
	}

	addr, err := netip.ParseAddr(a.IP)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ip %q", ErrMalformedDiscovery, a.IP)
	}
	a.IP = addr.Unmap().String()

	if a.Offering != nil {
		if a.Offering.Filename == "" || a.Offering.Size < 0 {
			return nil, fmt.Errorf("%w: bad offering", ErrMalformedDiscovery)
		}
		a.Offering.FilePath = ""
	}

	return &a, nil
}

// localIPv4s lists up, non-loopback IPv4 addresses with their broadcast
// address.
func localIPv4s() ([]localAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var locals []localAddr
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipn.IP.To4()
			if ip == nil {
				continue
			}

			bcast := limitedBroadcast
			if ifi.Flags&net.FlagBroadcast != 0 {
				bcast = subnetBroadcast(ip, ipn.Mask)
			}

			locals = append(locals, localAddr{ip: ip, broadcast: bcast, ifIndex: ifi.Index})
		}
	}

	return locals, nil
}

func subnetBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}

	if ones, bits := mask.Size(); bits != 32 || ones >= 31 {
		return limitedBroadcast
	}

	b := make(net.IP, net.IPv4len)
	for i := range b {
		b[i] = ip[i] | ^mask[i]
	}
	return b
}

func compareIP(a, b string) int {
	x, errA := netip.ParseAddr(a)
	y, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return x.Compare(y)
}
