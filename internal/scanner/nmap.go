package scanner

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/normalize"
)

// nmap -oX - output, reduced to what ingestion needs.
type nmapRun struct {
	Hosts []nmapHost `xml:"host"`
}

type nmapHost struct {
	Addresses []nmapAddress `xml:"address"`
	Ports     []nmapPort    `xml:"ports>port"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapPort struct {
	Protocol string       `xml:"protocol,attr"`
	PortID   int          `xml:"portid,attr"`
	State    nmapState    `xml:"state"`
	Service  nmapService  `xml:"service"`
	Scripts  []nmapScript `xml:"script"`
}

type nmapState struct {
	State string `xml:"state,attr"`
}

type nmapService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

type nmapScript struct {
	ID     string `xml:"id,attr"`
	Output string `xml:"output,attr"`
}

// parseNmap reads XML produced by -oX -. Only open ports become services;
// script results whose id suggests a vulnerability check become findings.
func parseNmap(raw, target string) *model.ScanOutput {
	out := &model.ScanOutput{}

	var run nmapRun
	if err := xml.Unmarshal([]byte(raw), &run); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("nmap xml unparseable: %v", err))
		return out
	}

	for _, host := range run.Hosts {
		addr := target
		for _, a := range host.Addresses {
			if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
				addr = a.Addr
				break
			}
		}
		if addr == "" {
			continue
		}
		hostObs := model.AssetObservation{Type: hostAssetType(addr), Value: addr}
		out.Assets = append(out.Assets, hostObs)

		for _, port := range host.Ports {
			if port.State.State != "open" || port.PortID <= 0 {
				continue
			}
			name := port.Service.Name
			if name == "" {
				name = "unknown"
			}
			out.Services = append(out.Services, model.ServiceObservation{
				Host:    hostObs,
				Port:    port.PortID,
				Proto:   protocolOrTCP(port.Protocol),
				Name:    name,
				Product: port.Service.Product,
				Version: port.Service.Version,
			})

			desc := name
			if port.Service.Product != "" {
				desc += " (" + port.Service.Product
				if port.Service.Version != "" {
					desc += " " + port.Service.Version
				}
				desc += ")"
			}
			portRef := fmt.Sprintf("%s:%d", addr, port.PortID)
			out.Findings = append(out.Findings, model.Finding{
				Severity:    model.SeverityInfo,
				Title:       fmt.Sprintf("Open port %d/%s - %s", port.PortID, protocolOrTCP(port.Protocol), desc),
				Description: fmt.Sprintf("Port %d/%s is open on %s running %s", port.PortID, protocolOrTCP(port.Protocol), addr, desc),
				URL:         portRef,
			})

			for _, script := range port.Scripts {
				if !vulnScript(script.ID) {
					continue
				}
				out.Findings = append(out.Findings, model.Finding{
					Severity:    model.SeverityHigh,
					Title:       fmt.Sprintf("Nmap script: %s on port %d", script.ID, port.PortID),
					Description: clip(script.Output, 500),
					Evidence:    script.Output,
					URL:         portRef,
				})
			}
		}
	}
	return out
}

func hostAssetType(addr string) string {
	if normalize.IsIP(addr) {
		return model.AssetTypeIP
	}
	return model.AssetTypeSubdomain
}

func protocolOrTCP(proto string) string {
	if proto == "" {
		return "tcp"
	}
	return proto
}

func vulnScript(id string) bool {
	lower := strings.ToLower(id)
	for _, kw := range []string{"vuln", "exploit", "cve"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
