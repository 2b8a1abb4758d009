// Package dnsprobe resolves names against an explicit resolver set, without
// going through the host's stub resolver. The pipeline uses it to turn
// discovered subdomains into ip assets; verification uses the per-resolver
// consensus to decide whether a stale subdomain is truly gone.
package dnsprobe

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// Verdict classifies a resolution across all resolvers.
type Verdict string

const (
	// VerdictResolved: at least one resolver returned an address.
	VerdictResolved Verdict = "resolved"
	// VerdictNXDomain: every queried resolver reports the name gone.
	VerdictNXDomain Verdict = "nxdomain"
	// VerdictInconclusive: timeouts or disagreement; nothing can be claimed.
	VerdictInconclusive Verdict = "inconclusive"
)

// Resolution is the merged outcome of querying one name on all resolvers.
type Resolution struct {
	Name      string   `json:"name"`
	Addrs     []string `json:"addrs,omitempty"`  // deduped A+AAAA union
	CNames    []string `json:"cnames,omitempty"` // intermediate cname targets
	Queried   int      `json:"queried"`
	Answered  int      `json:"answered"`
	NXDomains int      `json:"nxdomains"`
}

// Verdict reduces the per-resolver outcomes to a consensus.
func (r Resolution) Verdict() Verdict {
	switch {
	case len(r.Addrs) > 0:
		return VerdictResolved
	case r.Queried > 0 && r.NXDomains == r.Queried:
		return VerdictNXDomain
	default:
		return VerdictInconclusive
	}
}

// Prober queries a fixed resolver set (host:port each).
type Prober struct {
	resolvers []string
	client    *dns.Client
}

// Option tunes a Prober.
type Option func(*Prober)

// WithTimeout sets the per-exchange timeout (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.client.Timeout = d }
}

// New builds a prober for the given resolvers.
func New(resolvers []string, opts ...Option) *Prober {
	p := &Prober{
		resolvers: resolvers,
		client:    &dns.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolvers returns the configured resolver addresses.
func (p *Prober) Resolvers() []string { return p.resolvers }

// Lookup queries every resolver for A and AAAA records of name and merges
// the answers. Resolver failures are absorbed into the counts; the caller
// reads the consensus off the Resolution.
func (p *Prober) Lookup(ctx context.Context, name string) Resolution {
	res := Resolution{Name: name, Queried: len(p.resolvers)}

	var (
		mu     sync.Mutex
		addrs  = map[string]bool{}
		cnames = map[string]bool{}
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, resolver := range p.resolvers {
		g.Go(func() error {
			out, ok := p.queryOne(ctx, resolver, name)
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				return nil
			}
			res.Answered++
			if out.nxdomain {
				res.NXDomains++
			}
			for _, a := range out.addrs {
				addrs[a] = true
			}
			for _, c := range out.cnames {
				cnames[c] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Addrs = sortedKeys(addrs)
	res.CNames = sortedKeys(cnames)
	return res
}

// LookupAll resolves names concurrently, at most limit in flight.
func (p *Prober) LookupAll(ctx context.Context, names []string, limit int) map[string]Resolution {
	if limit < 1 {
		limit = 50
	}
	out := make(map[string]Resolution, len(names))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, name := range names {
		g.Go(func() error {
			r := p.Lookup(ctx, name)
			mu.Lock()
			out[name] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type resolverAnswer struct {
	addrs    []string
	cnames   []string
	nxdomain bool
}

// queryOne asks a single resolver for A and AAAA. ok is false when neither
// exchange produced a usable response.
func (p *Prober) queryOne(ctx context.Context, resolver, name string) (resolverAnswer, bool) {
	var out resolverAnswer
	answered := false

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		resp, _, err := p.client.ExchangeContext(ctx, m, resolver)
		if err != nil || resp == nil {
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			answered = true
			out.nxdomain = true
			continue
		default:
			continue
		}
		answered = true

		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				out.addrs = append(out.addrs, a.A.String())
			case *dns.AAAA:
				out.addrs = append(out.addrs, a.AAAA.String())
			case *dns.CNAME:
				out.cnames = append(out.cnames, strings.TrimSuffix(a.Target, "."))
			}
		}
	}

	// NXDOMAIN is name-level: any address answer overrides it.
	if len(out.addrs) > 0 {
		out.nxdomain = false
	}
	return out, answered
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
