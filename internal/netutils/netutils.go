// Package netutils has helpers for the daemon listeners.
package netutils

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// listenNetworks returns the tcp networks addr should be bound on. An empty
// host binds both tcp4 and tcp6.
func listenNetworks(addr string) ([]string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("`%s` is not a normalized listener address", addr)
	}
	if host == "" {
		return []string{"tcp4", "tcp6"}, nil
	}
	if host == "localhost" {
		return []string{"tcp"}, nil
	}

	// Drop the IPv6 zone, which ParseIP does not understand. Hostnames are
	// not resolved so that no DNS query leaks when running over a proxy.
	if i := strings.IndexByte(host, '%'); i != -1 {
		host = host[:i]
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return nil, fmt.Errorf("`%s` is not a valid IP address", host)
	case ip.To4() == nil:
		return []string{"tcp6"}, nil
	default:
		return []string{"tcp4"}, nil
	}
}

// Listen binds addr on every network it refers to. Either all listeners are
// returned or none are left open.
func Listen(ctx context.Context, addr string) ([]net.Listener, error) {
	networks, err := listenNetworks(addr)
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, len(networks))
	for _, network := range networks {
		l, err := lc.Listen(ctx, network, addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("unable to listen on %s:%s: %v", network, addr, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
