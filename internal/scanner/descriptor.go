// Package scanner executes security tooling as subprocesses inside the
// tools container and parses their raw output into typed observations.
// Each tool is declared by a Descriptor: the binary, an argv template, a
// timeout, the parser that understands its output format, and the candidate
// kinds it accepts. Adding a tool means adding a descriptor, and a parser
// only if the output format is new.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/driftwatch/internal/scope"
)

// Descriptor declares how one scanner is invoked and understood.
type Descriptor struct {
	// Name identifies the scanner in job types and scan rows.
	Name string `yaml:"name"`
	// Binary is the executable inside the tools container.
	Binary string `yaml:"binary"`
	// ArgvTemplate is the argument list. "{{target}}" is replaced by the
	// single candidate; "{{targets_file}}" by a file carrying the batch.
	ArgvTemplate []string `yaml:"argv"`
	// TimeoutSeconds bounds one execution.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// ParserID selects the output parser.
	ParserID string `yaml:"parser"`
	// Kinds are the candidate kinds this scanner accepts (domain, ip, url).
	Kinds []string `yaml:"kinds"`
	// BatchInput feeds the whole candidate list on stdin in one execution
	// instead of one execution per candidate.
	BatchInput bool `yaml:"batch_input"`
}

// Timeout returns the execution deadline.
func (d Descriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("scanner descriptor missing name")
	}
	if d.Binary == "" {
		return fmt.Errorf("scanner %s: missing binary", d.Name)
	}
	if d.TimeoutSeconds <= 0 {
		return fmt.Errorf("scanner %s: timeout_seconds must be positive", d.Name)
	}
	if !KnownParser(d.ParserID) {
		return fmt.Errorf("scanner %s: unknown parser %q", d.Name, d.ParserID)
	}
	if len(d.Kinds) == 0 {
		return fmt.Errorf("scanner %s: at least one candidate kind required", d.Name)
	}
	for _, k := range d.Kinds {
		switch k {
		case scope.KindDomain, scope.KindIP, scope.KindURL, scope.KindCIDR:
		default:
			return fmt.Errorf("scanner %s: unknown candidate kind %q", d.Name, k)
		}
	}
	return nil
}

// Defaults returns the built-in descriptor set: the pipeline scanners plus
// the dnsx record auditor available for ad-hoc scans.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Name:           "subfinder",
			Binary:         "subfinder",
			ArgvTemplate:   []string{"-d", "{{target}}", "-silent", "-all"},
			TimeoutSeconds: 300,
			ParserID:       "subfinder",
			Kinds:          []string{scope.KindDomain},
		},
		{
			Name:           "nmap",
			Binary:         "nmap",
			ArgvTemplate:   []string{"-sV", "-sC", "-T4", "-oX", "-", "{{target}}"},
			TimeoutSeconds: 900,
			ParserID:       "nmap",
			Kinds:          []string{scope.KindIP},
		},
		{
			Name:   "httpx",
			Binary: "httpx",
			ArgvTemplate: []string{
				"-json", "-silent", "-status-code", "-title", "-tech-detect",
				"-follow-redirects", "-content-length", "-web-server",
			},
			TimeoutSeconds: 600,
			ParserID:       "httpx",
			Kinds:          []string{scope.KindURL},
			BatchInput:     true,
		},
		{
			Name:           "nuclei",
			Binary:         "nuclei",
			ArgvTemplate:   []string{"-l", "{{targets_file}}", "-jsonl", "-silent"},
			TimeoutSeconds: 1800,
			ParserID:       "nuclei",
			Kinds:          []string{scope.KindURL},
			BatchInput:     true,
		},
		{
			Name:           "dnsx",
			Binary:         "dnsx",
			ArgvTemplate:   []string{"-json", "-silent", "-a", "-aaaa", "-cname", "-resp"},
			TimeoutSeconds: 300,
			ParserID:       "dnsx",
			Kinds:          []string{scope.KindDomain},
			BatchInput:     true,
		},
	}
}

// Registry holds the descriptors known to this engine, keyed by name.
// Descriptors loaded from disk override built-ins of the same name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
}

// NewRegistry returns a registry seeded with the built-in descriptors.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Descriptor)}
	for _, d := range Defaults() {
		r.byName[d.Name] = d
	}
	return r
}

// Get looks up a descriptor by scanner name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns the registered scanner names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add validates and registers a descriptor, replacing any existing one
// with the same name.
func (r *Registry) Add(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[d.Name] = d
	return nil
}

// LoadDir reads every .yaml/.yml file in dir as one descriptor each and
// registers them. A missing directory is not an error: the built-ins stand.
// Returns the number of descriptors loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scanner dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", path, err)
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return loaded, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := r.Add(d); err != nil {
			return loaded, fmt.Errorf("%s: %w", path, err)
		}
		loaded++
	}
	return loaded, nil
}
