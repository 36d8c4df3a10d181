package vm

import (
	"context"
	"log"
	"net"
	"strings"
	"time"

	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/metrics"
)

// ResolveIP polls the in-guest agent for the domain's IPv4 address
// until timeout elapses. Loopback and link-local addresses are
// filtered out. If the domain stops running the poll ends immediately.
//
// With allowFallback set, once roughly half the timeout has passed
// without an agent answer the resolver also consults the virtual
// network's DHCP lease table, matching the domain's MAC address
// against non-expired leases.
//
// A false result means "not reachable yet", not an error: callers
// retry or give up on their own schedule.
func (m *Manager) ResolveIP(ctx context.Context, d hypervisor.Domain, timeout time.Duration, allowFallback bool) (string, bool) {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		state, err := m.hv.State(d)
		if err != nil || state != hypervisor.StateRunning {
			return "", false
		}

		if addrs, err := m.hv.GuestAgentIPs(d); err == nil {
			if ip := firstUsableIPv4(addrs); ip != "" {
				metrics.IPResolveDuration.WithLabelValues("agent").Observe(time.Since(start).Seconds())
				return ip, true
			}
		}

		if allowFallback && time.Since(start) >= timeout/2 {
			if ip := m.leaseLookup(d); ip != "" {
				metrics.IPResolveDuration.WithLabelValues("lease").Observe(time.Since(start).Seconds())
				return ip, true
			}
		}

		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(m.pollInterval):
		}
	}
}

// leaseLookup recovers the domain's IP from the DHCP lease table of
// the configured network, keyed by the MAC in its descriptor.
func (m *Manager) leaseLookup(d hypervisor.Domain) string {
	xmlDesc, err := m.hv.XMLDesc(d)
	if err != nil {
		return ""
	}
	mac, err := hypervisor.MACAddress(xmlDesc)
	if err != nil || mac == "" {
		return ""
	}

	leases, err := m.hv.DHCPLeases(m.cfg.Network)
	if err != nil {
		log.Printf("virtforge: dhcp lease lookup for %s: %v", d.Name, err)
		return ""
	}
	now := time.Now()
	for _, lease := range leases {
		if !strings.EqualFold(lease.MAC, mac) {
			continue
		}
		if !lease.ExpiresAt.IsZero() && lease.ExpiresAt.Before(now) {
			continue
		}
		if ip := firstUsableIPv4([]string{lease.IP}); ip != "" {
			return ip
		}
	}
	return ""
}

func firstUsableIPv4(addrs []string) string {
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip.String()
	}
	return ""
}
