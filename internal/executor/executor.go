// Package executor runs one selected action through the external
// execution backend: it builds the cycle prompt, submits it, and
// collects the streamed output under a hard timeout and cooperative
// cancellation.
package executor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/kaizen/internal/clock"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/prompts"
	"github.com/nugget/kaizen/internal/selector"
)

// Error strings recorded with failed cycles.
const (
	ErrTimeout      = "timeout"
	ErrAborted      = "aborted"
	ErrStreamClosed = "stream closed"
	ErrBackendFail  = "backend reported failure"
)

// DefaultTimeout bounds one execution.
const DefaultTimeout = 10 * time.Minute

// ContextSource supplies recent context lines for the prompt, newest
// first.
type ContextSource interface {
	Recent(now time.Time) []string
}

// Request is one execution.
type Request struct {
	Cycle   int
	Action  selector.Action
	State   observe.Snapshot
	Handoff *handoff.Handoff
}

// Result is the outcome of one execution.
type Result struct {
	Success    bool     `json:"success"`
	Output     string   `json:"output"`
	ToolCalls  []string `json:"tool_calls,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// Aborted reports whether the run was cancelled by a control request.
func (r Result) Aborted() bool { return r.Error == ErrAborted }

// Config configures an [Executor].
type Config struct {
	Backend     Backend
	Clock       clock.Clock
	Timeout     time.Duration
	Activity    ContextSource
	DataChanges ContextSource
	Logger      *slog.Logger
}

// Executor submits cycle prompts to a backend.
type Executor struct {
	backend     Backend
	clock       clock.Clock
	timeout     time.Duration
	activity    ContextSource
	dataChanges ContextSource
	logger      *slog.Logger
}

// New returns an executor.
func New(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		backend:     cfg.Backend,
		clock:       cfg.Clock,
		timeout:     cfg.Timeout,
		activity:    cfg.Activity,
		dataChanges: cfg.DataChanges,
		logger:      cfg.Logger,
	}
}

// Backend returns the configured backend.
func (e *Executor) Backend() Backend { return e.backend }

// Prompt builds the prompt for req without submitting it.
func (e *Executor) Prompt(req Request) string {
	now := e.clock.Now()
	in := prompts.CycleInput{
		Cycle:          req.Cycle,
		ActionID:       req.Action.ID,
		ActionLabel:    req.Action.Label,
		Dimension:      req.Action.Dimension,
		Strategy:       req.Action.Strategy,
		Target:         req.Action.Target,
		HandoffContext: req.Action.HandoffContext,
		State:          req.State,
		Handoff:        req.Handoff,
		Now:            now,
	}
	if e.activity != nil {
		in.Activity = e.activity.Recent(now)
	}
	if e.dataChanges != nil {
		in.DataChanges = e.dataChanges.Recent(now)
	}
	return prompts.CyclePrompt(in)
}

// Execute runs req to completion, timeout or cancellation. It never
// returns an error; failures are reported in the Result. Cancelling ctx
// aborts the backend and yields Error "aborted". Partial output is kept
// on timeout and abort.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := e.clock.Now()
	elapsed := func() int64 { return e.clock.Now().Sub(start).Milliseconds() }

	if ctx.Err() != nil {
		return Result{Error: ErrAborted}
	}

	prompt := e.Prompt(req)
	log := e.logger.With("cycle", req.Cycle, "action", req.Action.ID, "backend", e.backend.Name())
	log.Debug("submitting cycle prompt", "prompt_bytes", len(prompt))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := e.backend.Submit(runCtx, prompt, e.timeout)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Error: ErrAborted, DurationMs: elapsed()}
		}
		log.Warn("backend submit failed", "error", err)
		return Result{Error: "submit: " + err.Error(), DurationMs: elapsed()}
	}

	timer := e.clock.NewTimer(e.timeout)
	defer timer.Stop()

	var out strings.Builder
	var tools []string
	result := func(success bool, errText string) Result {
		return Result{
			Success:    success,
			Output:     out.String(),
			ToolCalls:  tools,
			Error:      errText,
			DurationMs: elapsed(),
		}
	}

	events := stream.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Warn("backend stream closed without completion")
				return result(false, ErrStreamClosed)
			}
			switch ev.Kind {
			case EventText:
				out.WriteString(ev.Text)
			case EventToolCall:
				tools = append(tools, ev.Tool)
				log.Log(ctx, slog.Level(-8), "tool call", "tool", ev.Tool) // config.LevelTrace
			case EventComplete:
				if ev.Success {
					return result(true, "")
				}
				errText := ev.Error
				if errText == "" {
					errText = ErrBackendFail
				}
				return result(false, errText)
			}

		case <-timer.C():
			stream.Abort()
			log.Warn("execution timed out", "timeout", e.timeout)
			return result(false, ErrTimeout)

		case <-ctx.Done():
			stream.Abort()
			log.Info("execution aborted")
			return result(false, ErrAborted)
		}
	}
}
