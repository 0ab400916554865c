package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/alxayo/quicrq/internal/quicrq/node"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// serveFlags holds plain fields filled directly by pflag, validated and
// translated into node.Config by toNodeConfig rather than letting cobra or
// pflag leak into the rest of the program.
type serveFlags struct {
	listenAddr    string
	certFile      string
	keyFile       string
	rootStoreFile string
	logLevel      string

	extraRepeat      bool
	extraRepeatDelay time.Duration
	repairDelay      time.Duration

	defaultCachePolicy string
	cachePolicyByURL   []string // NAME=policy
	upstream           []string // PREFIX=ADDR
	relayEnabled       bool
	idleTimeout        time.Duration
}

func registerServeFlags(fs *pflag.FlagSet, f *serveFlags) {
	fs.StringVar(&f.listenAddr, "listen", ":4433", "QUIC listen address")
	fs.StringVar(&f.certFile, "cert", "", "TLS certificate file (PEM)")
	fs.StringVar(&f.keyFile, "key", "", "TLS private key file (PEM)")
	fs.StringVar(&f.rootStoreFile, "root-store", "", "PEM file of trusted root certificates for upstream dials")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	fs.BoolVar(&f.extraRepeat, "extra-repeat", false, "Proactively resend each datagram fragment once after a short delay")
	fs.DurationVar(&f.extraRepeatDelay, "extra-repeat-delay", 20*time.Millisecond, "Delay before the extra-repeat resend")
	fs.DurationVar(&f.repairDelay, "repair-delay", 0, "Override the default RTT-scaled repair request delay (0 = auto)")

	fs.StringVar(&f.defaultCachePolicy, "cache-policy", "retain", "Default cache policy for URLs not named by --cache-policy-url: retain|drop")
	fs.StringArrayVar(&f.cachePolicyByURL, "cache-policy-url", nil, "Per-URL cache policy override, format url=retain|drop (repeatable)")
	fs.StringArrayVar(&f.upstream, "upstream", nil, "Next-hop relay route, format url-prefix=host:port (repeatable)")
	fs.BoolVar(&f.relayEnabled, "relay", true, "Allow dialing --upstream on a cache miss; false makes this a client-only node")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", 30*time.Second, "Connection idle timeout")
}

// toNodeConfig validates the flag values and maps them onto node.Config,
// keeping "what the CLI accepts" separate from "what the node actually
// runs with".
func (f *serveFlags) toNodeConfig() (node.Config, error) {
	cfg := node.Config{
		ListenAddr:          f.listenAddr,
		CertFile:            f.certFile,
		KeyFile:             f.keyFile,
		RootStoreFile:       f.rootStoreFile,
		ExtraRepeat:         f.extraRepeat,
		ExtraRepeatDelay:    f.extraRepeatDelay,
		RepairDelay:         f.repairDelay,
		DefaultCachePolicy:  node.CachePolicyName(f.defaultCachePolicy),
		CachePolicyByURL:    make(map[string]node.CachePolicyName),
		Upstream:            make(map[string]string),
		RelayEnabled:        f.relayEnabled,
		IdleTimeout:         f.idleTimeout,
	}

	switch cfg.DefaultCachePolicy {
	case node.CachePolicyRetain, node.CachePolicyDrop:
	default:
		return node.Config{}, fmt.Errorf("invalid --cache-policy %q: must be retain or drop", f.defaultCachePolicy)
	}

	for _, kv := range f.cachePolicyByURL {
		url, policy, err := splitAssignment("cache-policy-url", kv)
		if err != nil {
			return node.Config{}, err
		}
		switch node.CachePolicyName(policy) {
		case node.CachePolicyRetain, node.CachePolicyDrop:
		default:
			return node.Config{}, fmt.Errorf("invalid --cache-policy-url %q: policy must be retain or drop", kv)
		}
		cfg.CachePolicyByURL[url] = node.CachePolicyName(policy)
	}

	for _, kv := range f.upstream {
		prefix, addr, err := splitAssignment("upstream", kv)
		if err != nil {
			return node.Config{}, err
		}
		cfg.Upstream[prefix] = addr
	}

	switch f.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return node.Config{}, fmt.Errorf("invalid --log-level %q", f.logLevel)
	}

	return cfg, nil
}

func splitAssignment(flagName, kv string) (key, value string, err error) {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid --%s %q: expected key=value", flagName, kv)
	}
	return parts[0], parts[1], nil
}
