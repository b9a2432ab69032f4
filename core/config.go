package core

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	ModeAuto   = "auto"
	ModeManual = "manual"

	DefaultDiscoveryPort     = 8888
	DefaultControlPort       = 8889
	DefaultTransferPort      = 5556
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultPurgeInterval     = 5 * time.Second
	DefaultPeerTTL           = 10 * time.Second
	DefaultRateLimitWindow   = 2 * time.Second
	DefaultApprovalTTL       = 60 * time.Second
	DefaultDecisionTimeout   = 5 * time.Minute
	DefaultProgressInterval  = 500 * time.Millisecond
)

// Config holds the node's ports and timings. Zero values take defaults.
// A negative port binds an ephemeral port, which tests use.
type Config struct {
	DisplayName   string
	DiscoveryPort int
	ControlPort   int
	TransferPort  int
	// BroadcastAddr overrides the per-interface subnet broadcast address.
	BroadcastAddr string
	// BindHost restricts listeners to one local address. Empty binds all.
	BindHost string

	HeartbeatInterval time.Duration
	PurgeInterval     time.Duration
	PeerTTL           time.Duration
	TokenTTL          time.Duration
	RateLimitWindow   time.Duration
	ApprovalTTL       time.Duration
	DecisionTimeout   time.Duration
	ProgressInterval  time.Duration
	ChunkSize         int

	SharingMode string
}

func (c Config) withDefaults() Config {
	if c.DisplayName == "" {
		c.DisplayName = hostname()
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.TransferPort == 0 {
		c.TransferPort = DefaultTransferPort
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = DefaultPeerTTL
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = DefaultApprovalTTL
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SharingMode != ModeAuto {
		c.SharingMode = ModeManual
	}
	return c
}

func listenAddr(host string, port int) string {
	if port < 0 {
		port = 0
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func hostname() string {
	hn, err := os.Hostname()
	if err != nil || hn == "" {
		hn = fmt.Sprintf("%s-%s", "unknown", uuid.NewString()[:8])
	}
	return hn
}
