// Package scope authorizes candidate targets against a target's scope
// policy before any scan dispatch. The policy is an allow-list union of
// DNS suffixes, IP CIDRs and URL prefixes; a deny is fatal to the job and
// audited.
package scope

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/normalize"
)

// Candidate kinds accepted by Check.
const (
	KindDomain = "domain"
	KindIP     = "ip"
	KindURL    = "url"
	KindCIDR   = "cidr"
)

// Policy is the parsed scope of one target. Suffix entries are exact tail
// matches on dot-separated labels; wildcards are not supported. CIDR
// entries constrain IP candidates only when at least one is declared; with
// none declared, IPs are reachable solely through in-scope DNS resolution,
// which is how the pipeline selects them.
type Policy struct {
	DNSSuffixes []string `json:"dns_suffixes"`
	IPCIDRs     []string `json:"ip_cidrs"`
	URLPrefixes []string `json:"url_prefixes"`

	// Optional per-target knobs carried in the same document.
	MaxHosts          int `json:"max_hosts,omitempty"`
	MaxHTTPTargets    int `json:"max_http_targets,omitempty"`
	MaxConcurrentJobs int `json:"max_concurrent_jobs,omitempty"`

	prefixes []netip.Prefix
}

// Decision is the outcome of a scope check.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

func allow(rule string) Decision {
	return Decision{Allowed: true, Rule: rule}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Parse builds a Policy from a target's scope document. The root domain is
// always an implicit DNS suffix entry.
func Parse(raw json.RawMessage, rootDomain string) (*Policy, error) {
	p := &Policy{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("parse scope: %w", err)
		}
	}

	root, err := normalize.Domain(rootDomain)
	if err != nil {
		return nil, fmt.Errorf("scope root domain: %w", err)
	}

	suffixes := make([]string, 0, len(p.DNSSuffixes)+1)
	seen := map[string]bool{}
	for _, s := range append(p.DNSSuffixes, root) {
		s = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
		s = strings.TrimPrefix(s, "*.")
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		suffixes = append(suffixes, s)
	}
	p.DNSSuffixes = suffixes

	p.prefixes = p.prefixes[:0]
	for _, c := range p.IPCIDRs {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("scope cidr %q: %w", c, err)
		}
		p.prefixes = append(p.prefixes, pfx.Masked())
	}
	return p, nil
}

// Check authorizes one candidate string of the given kind.
func (p *Policy) Check(kind, candidate string) Decision {
	switch kind {
	case KindDomain, "subdomain", "host":
		return p.checkDomain(candidate)
	case KindIP:
		return p.checkIP(candidate)
	case KindURL:
		return p.checkURL(candidate)
	case KindCIDR:
		return p.checkCIDR(candidate)
	default:
		return deny("unknown candidate kind " + kind)
	}
}

func (p *Policy) checkDomain(candidate string) Decision {
	name, err := normalize.Domain(candidate)
	if err != nil {
		return deny("not a valid dns name")
	}
	for _, suffix := range p.DNSSuffixes {
		if name == suffix || strings.HasSuffix(name, "."+suffix) {
			return allow(suffix)
		}
	}
	return deny(fmt.Sprintf("%s matches no allowed suffix", name))
}

func (p *Policy) checkIP(candidate string) Decision {
	addr, err := netip.ParseAddr(strings.Trim(strings.TrimSpace(candidate), "[]"))
	if err != nil {
		return deny("not a valid ip address")
	}
	addr = addr.Unmap()
	if len(p.prefixes) == 0 {
		return allow("resolved-from-scope")
	}
	for i, pfx := range p.prefixes {
		if pfx.Contains(addr) {
			return allow(p.IPCIDRs[i])
		}
	}
	return deny(fmt.Sprintf("%s matches no allowed cidr", addr))
}

func (p *Policy) checkCIDR(candidate string) Decision {
	pfx, err := netip.ParsePrefix(strings.TrimSpace(candidate))
	if err != nil {
		return deny("not a valid cidr")
	}
	pfx = pfx.Masked()
	for i, allowed := range p.prefixes {
		if allowed.Bits() <= pfx.Bits() && allowed.Contains(pfx.Addr()) {
			return allow(p.IPCIDRs[i])
		}
	}
	return deny(fmt.Sprintf("%s is not contained in any allowed cidr", pfx))
}

func (p *Policy) checkURL(candidate string) Decision {
	norm, err := normalize.URL(candidate)
	if err != nil {
		return deny("not a valid url")
	}
	for _, prefix := range p.URLPrefixes {
		if urlPrefixMatch(norm, strings.TrimSpace(prefix)) {
			return allow(prefix)
		}
	}

	// A URL is also in scope when its host is.
	u, err := url.Parse(norm)
	if err != nil {
		return deny("not a valid url")
	}
	host := u.Hostname()
	if normalize.IsIP(host) {
		if d := p.checkIP(host); d.Allowed {
			return d
		}
		return deny(fmt.Sprintf("url host %s matches no allowed cidr", host))
	}
	if d := p.checkDomain(host); d.Allowed {
		return d
	}
	return deny(fmt.Sprintf("url host %s matches no allowed suffix", host))
}

// AllowsPrivateIPs reports whether any CIDR entry reaches into private or
// loopback space, which relaxes IP normalization for this target.
func (p *Policy) AllowsPrivateIPs() bool {
	for _, pfx := range p.prefixes {
		a := pfx.Addr()
		if a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

// urlPrefixMatch matches a normalized URL against an allow-list prefix with
// a boundary at '/', '?', '#', or end of string, so that
// "http://a.example.com/app" does not leak to "/application".
func urlPrefixMatch(norm, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(norm, prefix) {
		return false
	}
	if len(norm) == len(prefix) {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	switch norm[len(prefix)] {
	case '/', '?', '#':
		return true
	}
	return false
}
