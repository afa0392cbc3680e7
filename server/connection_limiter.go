package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
)

var (
	ErrMaxConnections = errors.New("maximum connections reached")
	ErrMaxPerIP       = errors.New("maximum connections per IP reached")
)

// ConnectionLimiter caps concurrent connections in total and per client IP.
// A limit of 0 disables that check. Addresses in trusted networks skip the
// per-IP limit but still count towards the total.
type ConnectionLimiter struct {
	maxConnections int
	maxPerIP       int
	trustedNets    []*net.IPNet

	mu    sync.Mutex
	total int
	perIP map[string]int
}

func NewConnectionLimiter(maxConnections, maxPerIP int, trustedNetworks []string) (*ConnectionLimiter, error) {
	nets, err := ParseTrustedNetworks(trustedNetworks)
	if err != nil {
		return nil, err
	}
	return &ConnectionLimiter{
		maxConnections: maxConnections,
		maxPerIP:       maxPerIP,
		trustedNets:    nets,
		perIP:          make(map[string]int),
	}, nil
}

// ParseTrustedNetworks parses CIDRs and bare IPs. A bare IP becomes a host route.
func ParseTrustedNetworks(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (cl *ConnectionLimiter) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range cl.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Accept reserves a slot for remoteAddr. The returned release func must be
// called exactly once when the connection ends; calling it again is a no-op.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	host, _ := GetHostPortFromAddr(remoteAddr)
	checkIP := cl.maxPerIP > 0 && !cl.isTrusted(host)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.maxConnections > 0 && cl.total >= cl.maxConnections {
		return nil, fmt.Errorf("%w (%d/%d)", ErrMaxConnections, cl.total, cl.maxConnections)
	}
	if checkIP && cl.perIP[host] >= cl.maxPerIP {
		return nil, fmt.Errorf("%w for %s (%d/%d)", ErrMaxPerIP, host, cl.perIP[host], cl.maxPerIP)
	}

	cl.total++
	cl.perIP[host]++

	var once sync.Once
	return func() {
		once.Do(func() { cl.release(host) })
	}, nil
}

func (cl *ConnectionLimiter) release(host string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.total--
	if cl.perIP[host] <= 1 {
		delete(cl.perIP, host)
	} else {
		cl.perIP[host]--
	}
}

// Stats returns the current total and the number of distinct client IPs.
func (cl *ConnectionLimiter) Stats() (total, uniqueIPs int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total, len(cl.perIP)
}
