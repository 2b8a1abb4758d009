package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/scope"
)

const (
	// maxRawOutput caps stored raw output per scan.
	maxRawOutput = 50_000
	// truncationMarker is appended when raw output hits the cap.
	truncationMarker = "\n... (truncated)"
	// scanBufferMax bounds one output line.
	scanBufferMax = 1 << 20
	// stderrTailMax bounds the retained stderr tail used in error reports.
	stderrTailMax = 2048
	// waitDelay gives pipe readers time to drain after a kill.
	waitDelay = 5 * time.Second
)

// Failure classification for the job layer. Every execution error wraps
// exactly one of these.
var (
	// ErrScopeDenied means a candidate failed the scope gate before spawn.
	// Fatal: retrying cannot put the candidate in scope.
	ErrScopeDenied = errors.New("scope denied")
	// ErrSpawn means the subprocess (or the docker client fronting it)
	// could not start. Retryable: the tools container may be restarting.
	ErrSpawn = errors.New("scanner spawn failed")
	// ErrTimeout means the descriptor deadline elapsed. Retryable.
	ErrTimeout = errors.New("scanner timed out")
	// ErrExit means a non-zero exit with no usable output. Retryable.
	ErrExit = errors.New("scanner failed")
)

// Request describes one scanner execution.
type Request struct {
	ScanID   string
	TargetID string
	RunID    string
	// Target is the candidate for single-target scanners.
	Target string
	// Targets is the candidate list for batch scanners, fed on stdin.
	Targets []string
	// Scope gates every candidate before spawn. Nil skips the gate; the
	// pipeline always sets it.
	Scope *scope.Policy
}

func (r Request) candidates() []string {
	if len(r.Targets) > 0 {
		return r.Targets
	}
	if r.Target != "" {
		return []string{r.Target}
	}
	return nil
}

// Execution captures what happened to one subprocess. RawOutput is the
// redacted stdout, capped at maxRawOutput; Output is the parsed result.
type Execution struct {
	RawOutput  string
	Truncated  bool
	ExitCode   int
	TimedOut   bool
	StderrTail string
	Duration   time.Duration
	Output     *model.ScanOutput
}

// Runner executes scanner subprocesses. With a tools container configured,
// every invocation is wrapped in docker exec -i; with none, binaries run on
// the host, which is how tests drive it.
type Runner struct {
	registry *Registry
	prefix   []string
	bus      *events.Bus
	logger   *zap.Logger
}

// NewRunner creates a runner. container names the docker container holding
// the scanner binaries; empty means host execution.
func NewRunner(registry *Registry, container string, bus *events.Bus, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	var prefix []string
	if container != "" {
		prefix = []string{"docker", "exec", "-i", container}
	}
	return &Runner{registry: registry, prefix: prefix, bus: bus, logger: logger}
}

// Run executes one scanner against the request and parses its output.
// The returned Execution is non-nil whenever the subprocess started, even
// alongside an error, so callers can persist partial evidence.
func (r *Runner) Run(ctx context.Context, name string, req Request) (*Execution, error) {
	desc, ok := r.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown scanner %q", name)
	}

	candidates := req.candidates()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("scanner %s: no candidates", name)
	}

	if req.Scope != nil {
		for _, candidate := range candidates {
			if err := checkScope(req.Scope, desc.Kinds, candidate); err != nil {
				return nil, err
			}
		}
	}

	argv := append([]string{}, r.prefix...)
	argv = append(argv, desc.Binary)
	for _, arg := range desc.ArgvTemplate {
		arg = strings.ReplaceAll(arg, "{{target}}", req.Target)
		// Batch input arrives on stdin; inside the container that is the
		// docker exec pipe, so a file-list flag reads /dev/stdin.
		arg = strings.ReplaceAll(arg, "{{targets_file}}", "/dev/stdin")
		argv = append(argv, arg)
	}

	execCtx, cancel := context.WithTimeout(ctx, desc.Timeout())
	defer cancel()

	c := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = waitDelay
	if desc.BatchInput {
		c.Stdin = strings.NewReader(strings.Join(candidates, "\n") + "\n")
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %v: %w", name, err, ErrSpawn)
	}

	var (
		raw       strings.Builder
		truncated bool
		tail      tailBuffer
		wg        sync.WaitGroup
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.streamLines(stdout, name, "stdout", req, func(line string) {
			if truncated {
				return
			}
			if raw.Len()+len(line)+1 > maxRawOutput {
				truncated = true
				raw.WriteString(truncationMarker)
				return
			}
			if raw.Len() > 0 {
				raw.WriteByte('\n')
			}
			raw.WriteString(line)
		})
	}()
	go func() {
		defer wg.Done()
		r.streamLines(stderr, name, "stderr", req, tail.add)
	}()

	wg.Wait()

	exitCode := 0
	waitErr := c.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	ex := &Execution{
		RawOutput:  raw.String(),
		Truncated:  truncated,
		ExitCode:   exitCode,
		TimedOut:   errors.Is(execCtx.Err(), context.DeadlineExceeded),
		StderrTail: tail.String(),
		Duration:   time.Since(start),
	}

	if err := ctx.Err(); err != nil {
		// Parent cancellation, not the descriptor deadline.
		return ex, err
	}
	if ex.TimedOut {
		return ex, fmt.Errorf("%s exceeded %s: %w", name, desc.Timeout(), ErrTimeout)
	}

	hasOutput := strings.TrimSpace(ex.RawOutput) != ""
	if exitCode != 0 && !hasOutput {
		detail := firstLine(ex.StderrTail)
		if detail == "" {
			detail = "no output"
		}
		return ex, fmt.Errorf("%s exited %d: %s: %w", name, exitCode, detail, ErrExit)
	}

	out, err := Parse(desc.ParserID, ex.RawOutput, req.Target)
	if err != nil {
		return ex, err
	}
	if exitCode != 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s exited %d; output parsed anyway", name, exitCode))
	}
	ex.Output = out

	r.logger.Info("scanner completed",
		zap.String("scanner", name),
		zap.String("scan_id", req.ScanID),
		zap.Int("exit_code", exitCode),
		zap.Int("candidates", len(candidates)),
		zap.Bool("truncated", truncated),
		zap.Duration("duration", ex.Duration),
	)
	return ex, nil
}

// streamLines reads one pipe line by line, redacts each line, publishes it
// on the bus and hands it to capture.
func (r *Runner) streamLines(pipe io.Reader, name, stream string, req Request, capture func(string)) {
	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 64*1024), scanBufferMax)
	for sc.Scan() {
		line := Redact(sc.Text())
		capture(line)
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:     events.ScanLine,
				TargetID: req.TargetID,
				RunID:    req.RunID,
				Summary:  line,
				Detail: map[string]string{
					"scan_id": req.ScanID,
					"scanner": name,
					"stream":  stream,
				},
			})
		}
	}
}

// checkScope authorizes one candidate against any of the descriptor's
// accepted kinds.
func checkScope(policy *scope.Policy, kinds []string, candidate string) error {
	var lastReason string
	for _, kind := range kinds {
		d := policy.Check(kind, candidate)
		if d.Allowed {
			return nil
		}
		lastReason = d.Reason
	}
	return fmt.Errorf("%q: %s: %w", candidate, lastReason, ErrScopeDenied)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// tailBuffer keeps the newest lines up to stderrTailMax bytes.
type tailBuffer struct {
	lines []string
	size  int
}

func (t *tailBuffer) add(line string) {
	t.lines = append(t.lines, line)
	t.size += len(line) + 1
	for t.size > stderrTailMax && len(t.lines) > 1 {
		t.size -= len(t.lines[0]) + 1
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
