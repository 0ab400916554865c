package node

import "time"

// Config holds the knobs spec.md §6's configuration keys map onto,
// populated by cmd/quicrq-node's cobra/pflag flags (see
// cmd/quicrq-node/flags.go), mirroring how an RTMP server.Config is
// populated by its own command's flags.
type Config struct {
	ListenAddr string

	// CertFile/KeyFile/RootStoreFile name the TLS material a node presents
	// and trusts (spec §6). TicketEncryptionKey is stored here, but neither
	// the node nor the transport reads it: no session-ticket or 0-RTT
	// resumption is set up from it.
	CertFile            string
	KeyFile             string
	RootStoreFile       string
	TicketEncryptionKey [32]byte

	// ExtraRepeat enables the proactive datagram retransmission in
	// internal/quicrq/datagram (spec §4.5); ExtraRepeatDelay is the delay.
	ExtraRepeat      bool
	ExtraRepeatDelay time.Duration

	// RepairDelay is filled from the --repair-delay flag, but the node does
	// not read it: the node schedules no REQUEST_REPAIR timers of its own.
	RepairDelay time.Duration

	// DefaultCachePolicy is applied to every URL not named in
	// CachePolicyByURL.
	DefaultCachePolicy CachePolicyName
	CachePolicyByURL   map[string]CachePolicyName

	// Upstream maps a URL prefix to the next-hop node address a relay
	// should dial when it has no local source or cache entry for a URL
	// (spec §4.6). The longest matching prefix wins; no match means this
	// node behaves as a pure origin for that URL.
	Upstream map[string]string

	// RelayEnabled distinguishes a full relay node from a client-only one
	// (original_source's basic-client vs relay variants): when false, the
	// node never dials Upstream on a cache miss and serves only what it
	// has itself published.
	RelayEnabled bool

	// IdleTimeout is filled from the --idle-timeout flag and defaulted to
	// 30s, but the node does not read it and does not close idle
	// connections itself.
	IdleTimeout time.Duration
}

// CachePolicyName is the string form of cache.Policy used at the
// configuration boundary, kept separate from cache.Policy itself so this
// package's flags don't need to import cache just to parse a string.
type CachePolicyName string

const (
	CachePolicyRetain CachePolicyName = "retain"
	CachePolicyDrop   CachePolicyName = "drop"
)

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":4433"
	}
	if c.ExtraRepeatDelay == 0 {
		c.ExtraRepeatDelay = 20 * time.Millisecond
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.DefaultCachePolicy == "" {
		c.DefaultCachePolicy = CachePolicyRetain
	}
}
