package security

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
)

// IPFilter restricts callers either to an explicit allow-list or to the
// local network. Rejections carry a generic message; nothing about the
// filtering rule is disclosed to the caller.
type IPFilter struct {
	allowAll bool
	lanOnly  bool
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	auditLog *audit.Log
}

// NewIPFilter builds a filter from config. Entries in allowlist mode may be
// single addresses or CIDR prefixes.
func NewIPFilter(cfg config.IPFilterConfig, auditLog *audit.Log) (*IPFilter, error) {
	f := &IPFilter{
		addrs:    make(map[netip.Addr]struct{}),
		auditLog: auditLog,
	}

	switch cfg.Mode {
	case "lan":
		f.lanOnly = true
	case "allowlist":
		for _, entry := range cfg.Allowed {
			if p, err := netip.ParsePrefix(entry); err == nil {
				f.prefixes = append(f.prefixes, p)
				continue
			}
			a, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("ipfilter: bad allowlist entry %q: %w", entry, err)
			}
			f.addrs[a.Unmap()] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("ipfilter: unknown mode %q", cfg.Mode)
	}

	return f, nil
}

// Allowed reports whether addr may reach the gateway.
func (f *IPFilter) Allowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	if f.lanOnly {
		return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
	}
	if _, ok := f.addrs[addr]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (f *IPFilter) Name() string { return "ipfilter" }

// Check implements Stage. Denied callers get a 403 with a generic body.
func (f *IPFilter) Check(req *Request) Outcome {
	if f.Allowed(req.RemoteIP) {
		return Allow()
	}
	f.auditLog.Record(audit.Event{
		Kind:       audit.KindSecurityViolation,
		RemoteAddr: req.RemoteIP.String(),
		Details:    map[string]any{"reason": "ip_denied", "path": req.Path},
	})
	return Deny(http.StatusForbidden, "forbidden", "access denied")
}
