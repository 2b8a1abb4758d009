package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry()

	for _, name := range []string{"subfinder", "nmap", "httpx", "nuclei", "dnsx"} {
		d, ok := r.Get(name)
		if !ok {
			t.Fatalf("built-in scanner %s missing", name)
		}
		if !KnownParser(d.ParserID) {
			t.Errorf("%s: parser %q not registered", name, d.ParserID)
		}
		if len(d.Kinds) == 0 {
			t.Errorf("%s: no candidate kinds", name)
		}
		if d.Timeout() <= 0 {
			t.Errorf("%s: no timeout", name)
		}
	}

	if d, _ := r.Get("nuclei"); !d.BatchInput {
		t.Error("nuclei should take batch input")
	}
	if d, _ := r.Get("nmap"); d.BatchInput {
		t.Error("nmap should run one host per execution")
	}
	if d, _ := r.Get("subfinder"); d.Timeout() != 300*time.Second {
		t.Errorf("subfinder timeout = %s", d.Timeout())
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()

	writeDescriptor(t, dir, "testssl.yaml", `
name: testssl
binary: testssl.sh
argv: ["--jsonfile", "/dev/stdout", "{{target}}"]
timeout_seconds: 600
parser: subfinder
kinds: [url]
`)
	// Same name as a built-in: the file wins.
	writeDescriptor(t, dir, "subfinder.yml", `
name: subfinder
binary: subfinder
argv: ["-d", "{{target}}", "-silent"]
timeout_seconds: 120
parser: subfinder
kinds: [domain]
`)
	writeDescriptor(t, dir, "notes.txt", "not a descriptor")

	r := NewRegistry()
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d descriptors, want 2", n)
	}

	if _, ok := r.Get("testssl"); !ok {
		t.Error("testssl descriptor not loaded")
	}
	if d, _ := r.Get("subfinder"); d.Timeout() != 120*time.Second {
		t.Errorf("subfinder override not applied: timeout = %s", d.Timeout())
	}
}

func TestRegistryLoadDirMissingIsFine(t *testing.T) {
	r := NewRegistry()
	n, err := r.LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if n != 0 {
		t.Fatalf("loaded %d from missing dir", n)
	}
}

func TestRegistryRejectsBadDescriptors(t *testing.T) {
	r := NewRegistry()

	cases := map[string]Descriptor{
		"no name":        {Binary: "x", TimeoutSeconds: 1, ParserID: "subfinder", Kinds: []string{"domain"}},
		"no binary":      {Name: "x", TimeoutSeconds: 1, ParserID: "subfinder", Kinds: []string{"domain"}},
		"no timeout":     {Name: "x", Binary: "x", ParserID: "subfinder", Kinds: []string{"domain"}},
		"unknown parser": {Name: "x", Binary: "x", TimeoutSeconds: 1, ParserID: "zmap", Kinds: []string{"domain"}},
		"no kinds":       {Name: "x", Binary: "x", TimeoutSeconds: 1, ParserID: "subfinder"},
		"bad kind":       {Name: "x", Binary: "x", TimeoutSeconds: 1, ParserID: "subfinder", Kinds: []string{"asn"}},
	}
	for name, d := range cases {
		if err := r.Add(d); err == nil {
			t.Errorf("%s: Add accepted invalid descriptor", name)
		}
	}
	if _, ok := r.Get("x"); ok {
		t.Error("invalid descriptor was registered")
	}
}

func writeDescriptor(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}
