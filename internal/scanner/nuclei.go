package scanner

import (
	"bufio"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
)

type nucleiRecord struct {
	TemplateID       string     `json:"template-id"`
	Host             string     `json:"host"`
	MatchedAt        string     `json:"matched-at"`
	MatcherName      string     `json:"matcher-name"`
	CurlCommand      string     `json:"curl-command"`
	ExtractedResults []string   `json:"extracted-results"`
	Info             nucleiInfo `json:"info"`
}

type nucleiInfo struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	Severity       string               `json:"severity"`
	Impact         string               `json:"impact"`
	Remediation    string               `json:"remediation"`
	Reference      json.RawMessage      `json:"reference"`
	Classification nucleiClassification `json:"classification"`
}

type nucleiClassification struct {
	CVEID     json.RawMessage `json:"cve-id"`
	CVSSScore json.RawMessage `json:"cvss-score"`
}

var nucleiSeverities = map[string]string{
	"critical": model.SeverityCritical,
	"high":     model.SeverityHigh,
	"medium":   model.SeverityMedium,
	"low":      model.SeverityLow,
	"info":     model.SeverityInfo,
	"unknown":  model.SeverityInfo,
}

var severityImpacts = map[string]string{
	model.SeverityCritical: "Critical-severity finding that could lead to full system compromise; immediate remediation is strongly recommended.",
	model.SeverityHigh:     "High-severity finding that could be exploited to gain unauthorized access or steal sensitive data.",
	model.SeverityMedium:   "Security weakness that could be exploited in combination with other vulnerabilities.",
	model.SeverityLow:      "Minor security concern that helps attackers map the attack surface.",
	model.SeverityInfo:     "Informational finding documenting a detected technology, configuration, or service.",
}

// parseNuclei reads nuclei -jsonl output. Lines without a template-id
// (stats output, banners) are skipped; every matched location that looks
// like a URL also becomes a url asset so findings attach to inventory.
func parseNuclei(raw, target string) *model.ScanOutput {
	out := &model.ScanOutput{}
	seenURLs := map[string]bool{}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), scanBufferMax)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec nucleiRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.TemplateID == "" {
			continue
		}

		severity, ok := nucleiSeverities[strings.ToLower(rec.Info.Severity)]
		if !ok {
			severity = model.SeverityInfo
		}

		matchedAt := rec.MatchedAt
		if matchedAt == "" {
			matchedAt = rec.Host
		}
		if matchedAt == "" {
			matchedAt = target
		}

		name := rec.Info.Name
		if name == "" {
			name = rec.TemplateID
		}

		var descParts []string
		if rec.Info.Description != "" {
			descParts = append(descParts, rec.Info.Description)
		}
		if rec.MatcherName != "" {
			descParts = append(descParts, "Matcher: "+rec.MatcherName)
		}
		desc := strings.Join(descParts, "\n")
		if desc == "" {
			desc = name
		}

		var evidenceParts []string
		if rec.CurlCommand != "" {
			evidenceParts = append(evidenceParts, "curl: "+rec.CurlCommand)
		}
		if len(rec.ExtractedResults) > 0 {
			evidenceParts = append(evidenceParts, "extracted: "+strings.Join(rec.ExtractedResults, ", "))
		}

		impact := rec.Info.Impact
		if impact == "" {
			impact = severityImpacts[severity]
		}

		remediation := rec.Info.Remediation
		if remediation == "" {
			if refs := stringList(rec.Info.Reference); len(refs) > 0 {
				var b strings.Builder
				b.WriteString("References:")
				for _, r := range refs {
					b.WriteString("\n- ")
					b.WriteString(r)
				}
				remediation = b.String()
			}
		}

		out.Findings = append(out.Findings, model.Finding{
			Severity:    severity,
			Title:       "[" + rec.TemplateID + "] " + name,
			Description: desc,
			Impact:      impact,
			Evidence:    strings.Join(evidenceParts, "\n"),
			Remediation: remediation,
			URL:         matchedAt,
			CVE:         firstString(rec.Info.Classification.CVEID),
			CVSSScore:   floatValue(rec.Info.Classification.CVSSScore),
		})

		if strings.Contains(matchedAt, "://") && !seenURLs[matchedAt] {
			seenURLs[matchedAt] = true
			out.Assets = append(out.Assets, model.AssetObservation{
				Type:  model.AssetTypeURL,
				Value: matchedAt,
			})
		}
	}
	return out
}

// stringList tolerates template fields that are either a string or a list.
func stringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// firstString returns the first entry of a string-or-list field.
func firstString(raw json.RawMessage) string {
	list := stringList(raw)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// floatValue tolerates numeric fields encoded as numbers or strings.
func floatValue(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
