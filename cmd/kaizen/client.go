package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/kaizen/internal/api"
	"github.com/nugget/kaizen/internal/buildinfo"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/httpkit"
	"github.com/nugget/kaizen/internal/outcome"
)

// clientCommands are the subcommands that talk to a running server.
var clientCommands = map[string]struct{}{
	"status":   {},
	"start":    {},
	"stop":     {},
	"pause":    {},
	"resume":   {},
	"wake":     {},
	"nudge":    {},
	"activity": {},
	"cycles":   {},
	"best":     {},
	"handoff":  {},
	"actions":  {},
}

const defaultServer = "http://localhost:8484"

// resolveServer picks the control API base URL: the -server flag, else
// the listen settings of the config file, else the default port on
// localhost. An explicit -config that cannot be loaded is an error.
func resolveServer(opts options) (string, error) {
	if opts.serverURL != "" {
		return strings.TrimRight(opts.serverURL, "/"), nil
	}
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		if opts.configPath != "" {
			return "", err
		}
		return defaultServer, nil
	}
	host := cfg.Listen.Address
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Listen.Port)), nil
}

// client issues control API requests and renders the responses.
type client struct {
	base   string
	format string
	out    io.Writer
	http   *http.Client
}

func newClient(base, format string, out io.Writer) *client {
	return &client{
		base:   base,
		format: format,
		out:    out,
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
	}
}

// Do runs one client command.
func (c *client) Do(ctx context.Context, command string, args []string) error {
	switch command {
	case "status":
		return c.status(ctx)
	case "start", "stop", "pause", "resume":
		return c.control(ctx, command, nil)
	case "wake":
		var resp api.WakeResponse
		if err := c.send(ctx, http.MethodPost, "/v1/engine/wake", nil, &resp); err != nil {
			return err
		}
		if c.format == "json" {
			return c.printJSON(resp)
		}
		if resp.Woken {
			fmt.Fprintln(c.out, "woke the engine from rest")
		} else {
			fmt.Fprintln(c.out, "engine was not resting")
		}
		return nil
	case "nudge":
		if len(args) != 1 {
			return fmt.Errorf("usage: kaizen nudge <action>")
		}
		return c.control(ctx, "nudge", api.NudgeRequest{Action: args[0]})
	case "activity":
		if len(args) == 0 {
			return fmt.Errorf("usage: kaizen activity <text>")
		}
		req := api.ActivityRequest{Text: strings.Join(args, " ")}
		if err := c.send(ctx, http.MethodPost, "/v1/engine/activity", req, nil); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "activity recorded")
		return nil
	case "cycles":
		return c.cycles(ctx, args)
	case "best":
		return c.best(ctx, args)
	case "handoff":
		if len(args) > 0 && args[0] == "clear" {
			if err := c.send(ctx, http.MethodDelete, "/v1/engine/handoff", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "handoff cleared")
			return nil
		}
		return c.handoff(ctx)
	case "actions":
		return c.actions(ctx)
	}
	return fmt.Errorf("unknown command: %s", command)
}

// control posts to an engine control endpoint and prints the resulting
// status.
func (c *client) control(ctx context.Context, name string, body any) error {
	var st engine.Status
	if err := c.send(ctx, http.MethodPost, "/v1/engine/"+name, body, &st); err != nil {
		return err
	}
	return c.printStatus(st)
}

func (c *client) status(ctx context.Context) error {
	var st engine.Status
	if err := httpkit.GetJSON(ctx, c.http, c.base+"/v1/engine/status", nil, &st); err != nil {
		return c.wrap(err)
	}
	return c.printStatus(st)
}

func (c *client) printStatus(st engine.Status) error {
	if c.format == "json" {
		return c.printJSON(st)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "state:\t%s\n", st.State)
	fmt.Fprintf(tw, "backend:\t%s\n", st.Backend)
	fmt.Fprintf(tw, "cycles:\t%d\n", st.CycleCount)
	fmt.Fprintf(tw, "epsilon:\t%.4f\n", st.Epsilon)
	fmt.Fprintf(tw, "last reward:\t%+.3f\n", st.LastReward)
	if st.Resting && !st.RestUntil.IsZero() {
		fmt.Fprintf(tw, "resting until:\t%s\n", st.RestUntil.Local().Format(time.Kitchen))
	}
	if st.CurrentCycle != nil {
		fmt.Fprintf(tw, "current:\t#%d %s (%s, %s)\n", st.CurrentCycle.Number, st.CurrentCycle.Action, st.CurrentCycle.Strategy, st.CurrentCycle.Phase)
	}
	if st.LastCycle != nil {
		result := "ok"
		if !st.LastCycle.Success {
			result = "failed"
		}
		fmt.Fprintf(tw, "last:\t#%d %s %s reward %+.3f\n", st.LastCycle.Number, st.LastCycle.Action, result, st.LastCycle.Reward)
	}
	if st.ForcedAction != "" {
		fmt.Fprintf(tw, "nudged:\t%s\n", st.ForcedAction)
	}
	if st.NextHandoff != nil && st.NextHandoff.NextTask != "" {
		fmt.Fprintf(tw, "next task:\t%s\n", st.NextHandoff.NextTask)
	}
	if ls := st.LearningStats; ls != nil {
		fmt.Fprintf(tw, "success rate:\t%.0f%% of %d\n", ls.SuccessRate*100, ls.CompletedCycles)
		fmt.Fprintf(tw, "avg reward:\t%+.3f\n", ls.AvgReward)
	}
	return tw.Flush()
}

func (c *client) cycles(ctx context.Context, args []string) error {
	path := "/v1/engine/cycles"
	if len(args) > 0 {
		n, err := countArg(args[0])
		if err != nil {
			return err
		}
		path += "?limit=" + strconv.Itoa(n)
	}
	var resp struct {
		Cycles []outcome.Cycle `json:"cycles"`
	}
	if err := httpkit.GetJSON(ctx, c.http, c.base+path, nil, &resp); err != nil {
		return c.wrap(err)
	}
	if c.format == "json" {
		return c.printJSON(resp.Cycles)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tACTION\tSTRATEGY\tRESULT\tREWARD\tDURATION")
	for _, cy := range resp.Cycles {
		result := "ok"
		switch {
		case !cy.Finished():
			result = "running"
		case !cy.Success:
			result = "failed"
		}
		dur := (time.Duration(cy.DurationMs) * time.Millisecond).Round(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%+.3f\t%s\n",
			cy.StartedAt.Local().Format(time.DateTime), cy.ActionType, cy.Strategy, result, cy.Reward, dur)
	}
	return tw.Flush()
}

func (c *client) best(ctx context.Context, args []string) error {
	n := 10
	if len(args) > 0 {
		var err error
		if n, err = countArg(args[0]); err != nil {
			return err
		}
	}
	var resp struct {
		Effectiveness []outcome.Effectiveness `json:"effectiveness"`
	}
	if err := httpkit.GetJSON(ctx, c.http, c.base+"/v1/engine/effectiveness?best="+strconv.Itoa(n), nil, &resp); err != nil {
		return c.wrap(err)
	}
	if c.format == "json" {
		return c.printJSON(resp.Effectiveness)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tTARGET\tRUNS\tAVG\tBEST\tWORST")
	for _, e := range resp.Effectiveness {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%+.3f\t%+.3f\t%+.3f\n",
			e.ActionType, e.Target, e.TotalRuns, e.AvgReward, e.BestReward, e.WorstReward)
	}
	return tw.Flush()
}

func (c *client) handoff(ctx context.Context) error {
	var h handoff.Handoff
	err := httpkit.GetJSON(ctx, c.http, c.base+"/v1/engine/handoff", nil, &h)
	if httpkit.IsNotFound(err) {
		fmt.Fprintln(c.out, "no pending handoff")
		return nil
	}
	if err != nil {
		return c.wrap(err)
	}
	if c.format == "json" {
		return c.printJSON(h)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "from:\t%s (%s)\n", h.FromAction, h.Source)
	fmt.Fprintf(tw, "next task:\t%s\n", h.NextTask)
	if h.SuggestedAction != "" {
		fmt.Fprintf(tw, "suggested:\t%s\n", h.SuggestedAction)
	}
	if h.UnfinishedWork != "" {
		fmt.Fprintf(tw, "unfinished:\t%s\n", h.UnfinishedWork)
	}
	if len(h.FilesChanged) > 0 {
		fmt.Fprintf(tw, "files:\t%s\n", strings.Join(h.FilesChanged, ", "))
	}
	return tw.Flush()
}

func (c *client) actions(ctx context.Context) error {
	var resp api.ActionsResponse
	if err := httpkit.GetJSON(ctx, c.http, c.base+"/v1/engine/actions", nil, &resp); err != nil {
		return c.wrap(err)
	}
	if c.format == "json" {
		return c.printJSON(resp)
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tDIMENSION\tLABEL")
	for _, a := range resp.Actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.ID, a.Dimension, a.Label)
	}
	return tw.Flush()
}

// countArg parses a positive count argument.
func countArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q: must be a positive integer", s)
	}
	return n, nil
}

// send issues a request with an optional JSON body and decodes a JSON
// response into v when v is non-nil.
func (c *client) send(ctx context.Context, method, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap(err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return c.wrap(err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wrap turns API error envelopes into readable messages.
func (c *client) wrap(err error) error {
	var se *httpkit.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", c.base, err)
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(se.Body), &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("server returned %d: %s", se.Code, envelope.Error.Message)
	}
	return err
}

func (c *client) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
