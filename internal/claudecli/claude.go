// Package claudecli runs improvement cycles through the Claude Code CLI.
// Each submission starts one `claude -p --output-format stream-json`
// process, writes the prompt to its stdin and translates the line
// events it prints into executor stream events.
package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kaizen/internal/executor"
)

// Config configures a [Runner].
type Config struct {
	Bin          string   // executable name or path; default "claude"
	WorkDir      string   // process working directory; empty inherits
	AllowedTools []string // passed as --allowed-tools
	ExtraArgs    []string // appended after the built-in flags
	Logger       *slog.Logger
}

// Runner is an [executor.Backend] backed by the Claude Code CLI.
type Runner struct {
	bin          string
	workDir      string
	allowedTools []string
	extraArgs    []string
	logger       *slog.Logger
}

// New returns a runner.
func New(cfg Config) *Runner {
	if cfg.Bin == "" {
		cfg.Bin = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		bin:          cfg.Bin,
		workDir:      cfg.WorkDir,
		allowedTools: cfg.AllowedTools,
		extraArgs:    cfg.ExtraArgs,
		logger:       cfg.Logger,
	}
}

// Name implements [executor.Backend].
func (r *Runner) Name() string { return "claude" }

// Probe checks that the CLI is installed and answers --version.
func (r *Runner) Probe(ctx context.Context) error {
	path, err := exec.LookPath(r.bin)
	if err != nil {
		return fmt.Errorf("find %s: %w", r.bin, err)
	}
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s --version: %w (output: %s)", r.bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Ready implements [executor.Backend].
func (r *Runner) Ready(ctx context.Context) bool {
	return r.Probe(ctx) == nil
}

// Args returns the command-line arguments for a submission.
func (r *Runner) Args() []string {
	args := []string{"-p", "--verbose", "--output-format", "stream-json"}
	if len(r.allowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(r.allowedTools, ","))
	}
	return append(args, r.extraArgs...)
}

// Submit implements [executor.Backend]. The process is killed when the
// stream is aborted, when ctx ends, or after timeout.
func (r *Runner) Submit(ctx context.Context, prompt string, timeout time.Duration) (executor.Stream, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, r.bin, r.Args()...)
	cmd.Dir = r.workDir
	cmd.Stdin = strings.NewReader(prompt)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", r.bin, err)
	}
	r.logger.Debug("claude process started", "pid", cmd.Process.Pid, "prompt_bytes", len(prompt))

	s := executor.NewChanStream(cancel)
	go func() {
		defer s.Close()
		defer cancel()

		completed, parseErr := ParseStream(stdout, s.Send)
		if runCtx.Err() == nil {
			_, _ = io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()

		if completed {
			return
		}
		msg := "claude exited without a result"
		switch {
		case parseErr != nil:
			msg = "read claude output: " + parseErr.Error()
		case waitErr != nil:
			msg = "claude exited: " + waitErr.Error()
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			msg += " (stderr: " + tail + ")"
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = "timeout"
		}
		s.Send(executor.Event{Kind: executor.EventComplete, Error: msg})
	}()
	return s, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
