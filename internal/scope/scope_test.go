package scope_test

import (
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/driftwatch/internal/scope"
)

var _ = Describe("Parse", func() {
	It("always includes the root domain as a suffix", func() {
		p, err := scope.Parse(nil, "Example.COM.")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.DNSSuffixes).To(Equal([]string{"example.com"}))
	})

	It("deduplicates and lowers declared suffixes", func() {
		raw := json.RawMessage(`{"dns_suffixes": ["Example.com", "*.example.com", "corp.example.net"]}`)
		p, err := scope.Parse(raw, "example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.DNSSuffixes).To(Equal([]string{"example.com", "corp.example.net"}))
	})

	It("rejects malformed cidr entries", func() {
		raw := json.RawMessage(`{"ip_cidrs": ["10.0.0.0/axe"]}`)
		_, err := scope.Parse(raw, "example.com")
		Expect(err).To(HaveOccurred())
	})

	It("carries per-target knobs", func() {
		raw := json.RawMessage(`{"max_hosts": 20, "max_http_targets": 50, "max_concurrent_jobs": 1}`)
		p, err := scope.Parse(raw, "example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.MaxHosts).To(Equal(20))
		Expect(p.MaxHTTPTargets).To(Equal(50))
		Expect(p.MaxConcurrentJobs).To(Equal(1))
	})
})

var _ = Describe("Check", func() {
	policy := func(doc string) *scope.Policy {
		p, err := scope.Parse(json.RawMessage(doc), "example.com")
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("domains", func() {
		p := func() *scope.Policy { return policy(`{"dns_suffixes": ["b.c"]}`) }

		DescribeTable("tail label matching",
			func(candidate string, want bool) {
				Expect(p().Check(scope.KindDomain, candidate).Allowed).To(Equal(want))
			},
			Entry("suffix itself", "b.c", true),
			Entry("one label deeper", "a.b.c", true),
			Entry("two labels deeper", "x.a.b.c", true),
			Entry("root domain entry", "api.example.com", true),
			Entry("substring is not a suffix", "ab.c", false),
			Entry("no label boundary", "a.bc", false),
			Entry("sibling domain", "b.c.evil.net", false),
			Entry("unrelated", "example.org", false),
		)

		It("reports the matching rule", func() {
			d := p().Check(scope.KindDomain, "deep.a.b.c")
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Rule).To(Equal("b.c"))
		})

		It("denies names that do not normalize", func() {
			d := p().Check(scope.KindDomain, "not a domain")
			Expect(d.Allowed).To(BeFalse())
			Expect(d.Reason).NotTo(BeEmpty())
		})

		It("normalizes before matching", func() {
			Expect(p().Check(scope.KindDomain, "A.B.C.").Allowed).To(BeTrue())
		})
	})

	Describe("ips", func() {
		It("allows any address when no cidrs are declared", func() {
			d := policy(`{}`).Check(scope.KindIP, "1.2.3.4")
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Rule).To(Equal("resolved-from-scope"))
		})

		It("constrains to declared cidrs", func() {
			p := policy(`{"ip_cidrs": ["203.0.113.0/24", "2001:db8::/32"]}`)
			Expect(p.Check(scope.KindIP, "203.0.113.9").Allowed).To(BeTrue())
			Expect(p.Check(scope.KindIP, "203.0.114.9").Allowed).To(BeFalse())
			Expect(p.Check(scope.KindIP, "2001:db8:1::1").Allowed).To(BeTrue())
			Expect(p.Check(scope.KindIP, "2001:db9::1").Allowed).To(BeFalse())
		})

		It("unmaps v4-in-v6 before matching", func() {
			p := policy(`{"ip_cidrs": ["203.0.113.0/24"]}`)
			Expect(p.Check(scope.KindIP, "::ffff:203.0.113.7").Allowed).To(BeTrue())
		})

		It("denies garbage", func() {
			Expect(policy(`{}`).Check(scope.KindIP, "nope").Allowed).To(BeFalse())
		})
	})

	Describe("cidr candidates", func() {
		p := func() *scope.Policy { return policy(`{"ip_cidrs": ["10.10.0.0/16"]}`) }

		It("allows fully contained networks", func() {
			Expect(p().Check(scope.KindCIDR, "10.10.4.0/24").Allowed).To(BeTrue())
		})

		It("denies wider networks", func() {
			Expect(p().Check(scope.KindCIDR, "10.0.0.0/8").Allowed).To(BeFalse())
		})

		It("denies disjoint networks", func() {
			Expect(p().Check(scope.KindCIDR, "192.168.0.0/24").Allowed).To(BeFalse())
		})
	})

	Describe("urls", func() {
		p := func() *scope.Policy {
			return policy(`{"url_prefixes": ["http://a.example.org/app"], "dns_suffixes": ["b.c"]}`)
		}

		DescribeTable("prefix boundaries",
			func(candidate string, want bool) {
				Expect(p().Check(scope.KindURL, candidate).Allowed).To(Equal(want))
			},
			Entry("exact", "http://a.example.org/app", true),
			Entry("sub path", "http://a.example.org/app/login", true),
			Entry("query boundary", "http://a.example.org/app?x=1", true),
			Entry("fragment boundary", "http://a.example.org/app#top", true),
			Entry("no boundary", "http://a.example.org/application", false),
			Entry("different host", "http://b.example.org/app", false),
		)

		It("falls back to the url host against dns suffixes", func() {
			d := p().Check(scope.KindURL, "https://svc.b.c/anything")
			Expect(d.Allowed).To(BeTrue())
			Expect(d.Rule).To(Equal("b.c"))
		})

		It("falls back to the url host against cidrs", func() {
			p := policy(`{"ip_cidrs": ["203.0.113.0/24"]}`)
			Expect(p.Check(scope.KindURL, "http://203.0.113.5:8080/x").Allowed).To(BeTrue())
			Expect(p.Check(scope.KindURL, "http://198.51.100.5/x").Allowed).To(BeFalse())
		})

		It("denies unparseable candidates", func() {
			Expect(p().Check(scope.KindURL, "ftp://a.b.c/file").Allowed).To(BeFalse())
		})
	})

	It("denies unknown kinds", func() {
		d := policy(`{}`).Check("mac", "de:ad:be:ef:00:01")
		Expect(d.Allowed).To(BeFalse())
		Expect(d.Reason).To(ContainSubstring("unknown candidate kind"))
	})
})

var _ = Describe("AllowsPrivateIPs", func() {
	It("is false without private cidrs", func() {
		p, err := scope.Parse(json.RawMessage(`{"ip_cidrs": ["203.0.113.0/24"]}`), "example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.AllowsPrivateIPs()).To(BeFalse())
	})

	It("is true when a cidr reaches private space", func() {
		p, err := scope.Parse(json.RawMessage(`{"ip_cidrs": ["10.0.0.0/8"]}`), "example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.AllowsPrivateIPs()).To(BeTrue())
	})
})
