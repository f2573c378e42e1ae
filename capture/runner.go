package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Stream identifies which child output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one diagnostic line in arrival order.
type Line struct {
	Stream Stream
	Text   string
}

// Result is the outcome of a finished child process.
type Result struct {
	ExitCode int
	Lines    []Line
	// Dropped counts leading lines discarded once MaxLines was reached.
	Dropped  int
	Duration time.Duration
}

// Stdout returns the captured stdout lines in order.
func (r *Result) Stdout() []string { return r.stream(Stdout) }

// Stderr returns the captured stderr lines in order.
func (r *Result) Stderr() []string { return r.stream(Stderr) }

func (r *Result) stream(s Stream) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		if l.Stream == s {
			out = append(out, l.Text)
		}
	}
	return out
}

// Tail returns up to n of the most recent lines from either stream.
func (r *Result) Tail(n int) []string {
	if r == nil || n <= 0 {
		return nil
	}
	start := len(r.Lines) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(r.Lines)-start)
	for _, l := range r.Lines[start:] {
		out = append(out, l.Text)
	}
	return out
}

// Runner executes an invocation to completion.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// LineFunc observes each line as it is read. It must not block.
type LineFunc func(Line)

const (
	defaultMaxLines   = 20000
	defaultKillGrace  = 10 * time.Second
	defaultDrainGrace = 5 * time.Second
	maxLineBytes      = 16 * 1024
	tailLines         = 20
)

// ExecRunner runs invocations as child processes.
//
// Both output pipes are read by dedicated goroutines while a third waits for the
// process to exit; all three are joined before Run returns. A child that fills one
// pipe while nobody reads it would block forever, so neither stream is ever read
// only after the other, or only after exit.
type ExecRunner struct {
	// Logger receives child output at debug level. Defaults to slog.Default().
	Logger *slog.Logger
	// MaxLines bounds the retained diagnostic lines; the tail is kept.
	MaxLines int
	// KillGrace is how long a canceled child gets after SIGTERM before SIGKILL.
	KillGrace time.Duration
	// DrainGrace bounds reading after exit when a descendant still holds a pipe.
	DrainGrace time.Duration
	// OnLine, if set, is called for every line read.
	OnLine LineFunc
}

// Run starts inv and blocks until the child exits and its output is drained.
// The returned Result is non-nil whenever the process was started.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	logger := r.logger().With(slog.String("binary", inv.Binary))
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Binary: inv.Binary, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, &StartError{Binary: inv.Binary, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	defer func() { _ = outR.Close(); _ = errR.Close() }()

	cmd := exec.Command(inv.Binary, inv.Args...) //nolint:gosec // G204: argv is built by Builder, never through a shell
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = outW.Close()
		_ = errW.Close()
		return nil, &StartError{Binary: inv.Binary, Err: err}
	}
	// The child holds its own copies; ours must go so EOF arrives when it exits.
	_ = outW.Close()
	_ = errW.Close()
	logger.Debug("child started", slog.Int("pid", cmd.Process.Pid), slog.Any("args", inv.Args))

	col := &collector{max: r.maxLines(), onLine: r.OnLine, logger: logger}
	var (
		waitErr  error
		canceled bool
	)
	g := new(errgroup.Group)
	g.Go(func() error { return drain(outR, Stdout, col) })
	g.Go(func() error { return drain(errR, Stderr, col) })
	g.Go(func() error {
		canceled, waitErr = r.wait(ctx, cmd, logger)
		// The child is gone. Anything still holding the pipes open is a stray
		// descendant; give the readers a bounded window to finish.
		deadline := time.Now().Add(r.drainGrace())
		_ = outR.SetReadDeadline(deadline)
		_ = errR.SetReadDeadline(deadline)
		return nil
	})
	drainErr := g.Wait()

	res := &Result{ExitCode: exitCode(cmd, waitErr), Lines: col.lines, Dropped: col.dropped, Duration: time.Since(start)}
	if drainErr != nil {
		logger.Warn("child output drain error", slog.Any("err", drainErr))
	}
	logger.Debug("child exited", slog.Int("exit_code", res.ExitCode), slog.Duration("duration", res.Duration), slog.Int("lines", len(res.Lines)), slog.Int("dropped", res.Dropped))

	if canceled {
		return res, fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ProcessError{ExitCode: res.ExitCode, Tail: res.Tail(tailLines)}
		}
		return res, fmt.Errorf("wait %s: %w", inv.Binary, waitErr)
	}
	return res, nil
}

// wait blocks until the child exits. When ctx ends first the child's group is sent
// SIGTERM, then SIGKILL after KillGrace.
func (r *ExecRunner) wait(ctx context.Context, cmd *exec.Cmd, logger *slog.Logger) (bool, error) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return false, err
	case <-ctx.Done():
	}

	logger.Info("terminating child", slog.Int("pid", cmd.Process.Pid), slog.Any("cause", context.Cause(ctx)))
	if err := terminate(cmd); err != nil {
		logger.Warn("terminate child", slog.Any("err", err))
	}
	select {
	case err := <-exited:
		return true, err
	case <-time.After(r.killGrace()):
	}
	logger.Warn("child ignored SIGTERM, killing", slog.Int("pid", cmd.Process.Pid))
	if err := kill(cmd); err != nil {
		logger.Warn("kill child", slog.Any("err", err))
	}
	return true, <-exited
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ExecRunner) maxLines() int {
	if r.MaxLines > 0 {
		return r.MaxLines
	}
	return defaultMaxLines
}

func (r *ExecRunner) killGrace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return defaultKillGrace
}

func (r *ExecRunner) drainGrace() time.Duration {
	if r.DrainGrace > 0 {
		return r.DrainGrace
	}
	return defaultDrainGrace
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// collector accumulates lines from both readers.
type collector struct {
	mu      sync.Mutex
	lines   []Line
	dropped int
	max     int
	onLine  LineFunc
	logger  *slog.Logger
}

func (c *collector) add(l Line) {
	c.mu.Lock()
	if len(c.lines) >= c.max {
		c.lines = c.lines[1:]
		c.dropped++
	}
	c.lines = append(c.lines, l)
	c.mu.Unlock()
	if c.onLine != nil {
		c.onLine(l)
	}
	c.logger.Debug(l.Text, slog.String("stream", string(l.Stream)))
}

// drain reads r until EOF, splitting on \n or \r. It never stops early on long
// lines: those are cut into maxLineBytes chunks.
func drain(r io.Reader, s Stream, c *collector) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*maxLineBytes)
	sc.Split(scanOutputLines)
	for sc.Scan() {
		text := string(bytes.TrimRight(sc.Bytes(), " \t"))
		if text == "" {
			continue
		}
		c.add(Line{Stream: s, Text: text})
	}
	err := sc.Err()
	if err == nil || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	// Keep the pipe empty even though the text is lost.
	_, _ = io.Copy(io.Discard, r)
	return fmt.Errorf("read %s: %w", s, err)
}

func scanOutputLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxLineBytes {
		return maxLineBytes, data[:maxLineBytes], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
