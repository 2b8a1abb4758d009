package scanner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/normalize"
)

type dnsxRecord struct {
	Host  string   `json:"host"`
	A     []string `json:"a"`
	AAAA  []string `json:"aaaa"`
	CNAME []string `json:"cname"`
}

// Hosting suffixes where a CNAME to a deprovisioned resource is claimable
// by anyone, i.e. a subdomain takeover candidate.
var takeoverSuffixes = []string{
	"amazonaws.com", "azurewebsites.net", "cloudfront.net", "herokuapp.com",
	"github.io", "pages.dev", "netlify.app", "vercel.app", "elasticbeanstalk.com",
}

// wildcardMinHosts is how many names must share one identical address set
// before the parser flags a likely wildcard record.
const wildcardMinHosts = 10

// parseDNSX reads dnsx -json output: one object per resolved name. Beyond
// assets and edges it audits the records themselves, flagging CNAMEs into
// claimable hosting space and address sets shared widely enough to suggest
// a wildcard.
func parseDNSX(raw, _ string) *model.ScanOutput {
	out := &model.ScanOutput{}
	addrSetHosts := map[string][]string{}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), scanBufferMax)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec dnsxRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Host == "" {
			continue
		}

		hostObs := model.AssetObservation{Type: model.AssetTypeSubdomain, Value: rec.Host}
		out.Assets = append(out.Assets, hostObs)

		addrs := append(append([]string{}, rec.A...), rec.AAAA...)
		for _, addr := range addrs {
			addr = strings.TrimSpace(addr)
			if addr == "" || !normalize.IsIP(addr) {
				continue
			}
			ipObs := model.AssetObservation{Type: model.AssetTypeIP, Value: addr}
			out.Assets = append(out.Assets, ipObs)
			out.Edges = append(out.Edges, model.EdgeObservation{
				From:    hostObs,
				To:      ipObs,
				RelType: model.EdgeResolvesTo,
			})
		}
		if key := addrSetKey(addrs); key != "" {
			addrSetHosts[key] = append(addrSetHosts[key], rec.Host)
		}

		for _, cname := range rec.CNAME {
			cname = strings.TrimSuffix(strings.TrimSpace(cname), ".")
			if cname == "" {
				continue
			}
			cnameObs := model.AssetObservation{Type: model.AssetTypeHost, Value: cname}
			out.Assets = append(out.Assets, cnameObs)
			out.Edges = append(out.Edges, model.EdgeObservation{
				From:    hostObs,
				To:      cnameObs,
				RelType: model.EdgeCNAME,
			})

			if suffix := takeoverSuffix(cname); suffix != "" {
				out.Findings = append(out.Findings, model.Finding{
					Severity: model.SeverityLow,
					Title:    "Cloud service CNAME: " + cname,
					Description: fmt.Sprintf("%s has a CNAME pointing to %s. If the %s resource is unclaimed, the name is vulnerable to subdomain takeover.",
						rec.Host, cname, suffix),
					Impact:      "A CNAME left pointing at a deprovisioned cloud resource lets an attacker claim the resource and serve content on this name.",
					Evidence:    fmt.Sprintf("CNAME: %s -> %s", rec.Host, cname),
					URL:         rec.Host,
					Remediation: "Verify the cloud resource still exists; remove CNAME records that point to deprovisioned services.",
				})
			}
		}
	}

	out.Findings = append(out.Findings, wildcardFindings(addrSetHosts)...)
	return out
}

func addrSetKey(addrs []string) string {
	cleaned := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	if len(cleaned) == 0 {
		return ""
	}
	sort.Strings(cleaned)
	return strings.Join(cleaned, ",")
}

func takeoverSuffix(cname string) string {
	lower := strings.ToLower(cname)
	for _, suffix := range takeoverSuffixes {
		if lower == suffix || strings.HasSuffix(lower, "."+suffix) {
			return suffix
		}
	}
	return ""
}

func wildcardFindings(addrSetHosts map[string][]string) []model.Finding {
	var findings []model.Finding
	keys := make([]string, 0, len(addrSetHosts))
	for k := range addrSetHosts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		hosts := addrSetHosts[key]
		if len(hosts) < wildcardMinHosts {
			continue
		}
		sort.Strings(hosts)
		sample := hosts
		if len(sample) > 5 {
			sample = sample[:5]
		}
		findings = append(findings, model.Finding{
			Severity: model.SeverityLow,
			Title:    "Possible wildcard DNS record",
			Description: fmt.Sprintf("%d names resolve to the identical address set %s, which usually means a wildcard record. Subdomain discovery results for this zone may be inflated.",
				len(hosts), key),
			Evidence: "Sample names: " + strings.Join(sample, ", "),
			URL:      hosts[0],
		})
	}
	return findings
}
