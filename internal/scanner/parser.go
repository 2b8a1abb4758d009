package scanner

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
)

// ParseFunc turns one scanner's raw stdout into typed observations.
// target is the candidate the scan was launched against, used when a record
// omits its own subject. Parsers are lenient: malformed lines are skipped,
// never fatal, so a partially garbled run still yields what it found.
type ParseFunc func(raw, target string) *model.ScanOutput

var parsers = map[string]ParseFunc{
	"subfinder": parseSubfinder,
	"nmap":      parseNmap,
	"httpx":     parseHTTPX,
	"nuclei":    parseNuclei,
	"dnsx":      parseDNSX,
}

// KnownParser reports whether a parser id is registered.
func KnownParser(id string) bool {
	_, ok := parsers[id]
	return ok
}

// Parse runs the parser registered under id over raw output.
func Parse(id, raw, target string) (*model.ScanOutput, error) {
	fn, ok := parsers[id]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q", id)
	}
	return fn(raw, target), nil
}

// parseSubfinder reads one discovered name per line. Lines with embedded
// whitespace are tool chatter, not names.
func parseSubfinder(raw, _ string) *model.ScanOutput {
	out := &model.ScanOutput{}
	seen := map[string]bool{}

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Assets = append(out.Assets, model.AssetObservation{
			Type:  model.AssetTypeSubdomain,
			Value: name,
		})
	}
	return out
}
