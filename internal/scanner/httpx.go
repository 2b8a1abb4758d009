package scanner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
)

type httpxRecord struct {
	URL           string   `json:"url"`
	Input         string   `json:"input"`
	FinalURL      string   `json:"final_url"`
	StatusCode    int      `json:"status_code"`
	Title         string   `json:"title"`
	Tech          []string `json:"tech"`
	WebServer     string   `json:"webserver"`
	ContentLength int      `json:"content_length"`
}

// Server banners with well-known end-of-life versions.
var outdatedServers = []string{"apache/2.2", "nginx/1.0", "iis/6", "iis/7"}

// parseHTTPX reads httpx -json output: one JSON object per probed URL.
// Each live URL becomes a url asset served by its host; a followed redirect
// adds the destination and a redirects_to edge.
func parseHTTPX(raw, _ string) *model.ScanOutput {
	out := &model.ScanOutput{}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), scanBufferMax)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec httpxRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		liveURL := rec.URL
		if liveURL == "" {
			liveURL = rec.Input
		}
		if liveURL == "" {
			continue
		}

		urlObs := model.AssetObservation{Type: model.AssetTypeURL, Value: liveURL}
		out.Assets = append(out.Assets, urlObs)

		if host := urlHostname(liveURL); host != "" {
			hostObs := model.AssetObservation{Type: hostAssetType(host), Value: host}
			out.Assets = append(out.Assets, hostObs)
			out.Edges = append(out.Edges, model.EdgeObservation{
				From:    hostObs,
				To:      urlObs,
				RelType: model.EdgeServes,
			})
		}

		if rec.FinalURL != "" && rec.FinalURL != liveURL {
			finalObs := model.AssetObservation{Type: model.AssetTypeURL, Value: rec.FinalURL}
			out.Assets = append(out.Assets, finalObs)
			out.Edges = append(out.Edges, model.EdgeObservation{
				From:    urlObs,
				To:      finalObs,
				RelType: model.EdgeRedirectsTo,
			})
		}

		techStr := "none detected"
		if len(rec.Tech) > 0 {
			techStr = strings.Join(rec.Tech, ", ")
		}
		desc := fmt.Sprintf("Live host: %s [HTTP %d]", liveURL, rec.StatusCode)
		if rec.Title != "" {
			desc += " Title: " + rec.Title
		}
		if rec.WebServer != "" {
			desc += " Server: " + rec.WebServer
		}
		desc += " Technologies: " + techStr

		out.Findings = append(out.Findings, model.Finding{
			Severity:    model.SeverityInfo,
			Title:       fmt.Sprintf("Live host: %s [%d]", liveURL, rec.StatusCode),
			Description: desc,
			Impact:      "This host is live and publicly accessible; every detected technology expands the attack surface.",
			Evidence: fmt.Sprintf("Status: %d, Title: %s, Server: %s, Tech: %s, Content-Length: %d",
				rec.StatusCode, rec.Title, rec.WebServer, techStr, rec.ContentLength),
			URL: liveURL,
		})

		if server := strings.ToLower(rec.WebServer); server != "" {
			for _, v := range outdatedServers {
				if strings.Contains(server, v) {
					out.Findings = append(out.Findings, model.Finding{
						Severity:    model.SeverityMedium,
						Title:       "Outdated web server: " + rec.WebServer,
						Description: fmt.Sprintf("The web server at %s is running %s, which is outdated and likely has known vulnerabilities.", liveURL, rec.WebServer),
						Impact:      "Outdated server software has publicly known CVEs with available exploits.",
						URL:         liveURL,
						Remediation: "Upgrade to the latest stable version of the web server.",
					})
					break
				}
			}
		}
	}
	return out
}

func urlHostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
