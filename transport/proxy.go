// Package transport implements the connections to the message server used by
// the fetch strategies.
package transport

import (
	"context"
	"net"

	"github.com/decred/go-socks/socks"
)

// DialFunc dials a network connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProxyConfig configures an optional SOCKS5 proxy.
type ProxyConfig struct {
	Addr     string
	Username string
	Password string

	// TorIsolation uses a different circuit for every connection, up to
	// CircuitLimit concurrent circuits.
	TorIsolation bool
	CircuitLimit uint32
}

// CensorshipReporter is notified whether connections go through a proxy.
// Proxied connections are treated as censored network mode, where the
// foreground app socket cannot be relied upon.
type CensorshipReporter interface {
	SetNetworkCensored(v bool)
}

// NewDialer returns the dial func for cfg. Without a proxy address this is a
// direct dialer.
func NewDialer(cfg ProxyConfig, reporter CensorshipReporter) DialFunc {
	proxied := cfg.Addr != ""
	if reporter != nil {
		reporter.SetNetworkCensored(proxied)
	}
	if !proxied {
		var d net.Dialer
		return d.DialContext
	}

	proxy := socks.Proxy{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		TorIsolation: cfg.TorIsolation,
	}
	if cfg.TorIsolation {
		limit := cfg.CircuitLimit
		if limit == 0 {
			limit = 32
		}
		return socks.NewPool(proxy, limit).DialContext
	}
	return proxy.DialContext
}
