// Package hostcheck pins a stream URL to a reachable address when the host
// name resolves to several replicas of which some may be down.
package hostcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPort    = 80
	DefaultTimeout = 5 * time.Second
)

var ErrUnreachable = errors.New("no address accepted a connection")

type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Checker struct {
	resolver Resolver
	dialer   Dialer
}

func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: timeout},
	}
}

// NewWith builds a Checker around a custom resolver and dialer.
func NewWith(resolver Resolver, dialer Dialer) *Checker {
	return &Checker{resolver: resolver, dialer: dialer}
}

// CheckPort resolves the host of rawURL, connects to each candidate address
// (IPv6 first, then IPv4) and returns rawURL rewritten to the first address
// that accepts. The port is omitted from the result when it is 80.
func (c *Checker) CheckPort(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("invalid port in %q: %w", rawURL, err)
		}
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("failed to resolve %s: no addresses", host)
	}

	for _, ip := range orderCandidates(addrs) {
		target := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		conn, err := c.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			log.Debug().Err(err).Str("addr", target).Msg("Candidate address refused connection")
			continue
		}
		conn.Close()

		pinned := *u
		if port == DefaultPort {
			pinned.Host = hostLiteral(ip)
		} else {
			pinned.Host = target
		}
		log.Debug().Str("host", host).Str("addr", ip.String()).Msg("Pinned stream host")
		return pinned.String(), nil
	}

	return "", fmt.Errorf("%s: %w", host, ErrUnreachable)
}

func orderCandidates(addrs []net.IPAddr) []net.IP {
	ordered := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if a.IP.To4() == nil {
			ordered = append(ordered, a.IP)
		}
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			ordered = append(ordered, a.IP)
		}
	}
	return ordered
}

func hostLiteral(ip net.IP) string {
	if ip.To4() == nil {
		return "[" + ip.String() + "]"
	}
	return ip.String()
}
