// Kaizen is a continuous improvement engine. It repeatedly observes a
// set of outcome dimensions, picks an improvement action, hands it to an
// execution backend, measures the result and learns which actions pay
// off.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	kaizen serve              Run the engine and its control API
//	kaizen init [dir]         Write an example config and metrics file
//	kaizen status             Show engine status from a running server
//	kaizen start|stop         Start or stop the improvement loop
//	kaizen pause|resume       Pause or resume the loop
//	kaizen wake               Cut the current rest short
//	kaizen nudge <action>     Force the next cycle's action
//	kaizen cycles [n]         List recent cycles
//	kaizen handoff [clear]    Show or clear the pending handoff
//	kaizen actions            List the action catalog
//	kaizen version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/kaizen/internal/buildinfo"
	"github.com/nugget/kaizen/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	serverURL  string // control API base URL for client commands
}

// run is the real entry point. args is os.Args[1:]. Arguments are
// parsed by hand rather than with the flag package so run can be called
// concurrently from tests without shared global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-server" && i+1 < len(args):
			opts.serverURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			opts.serverURL = strings.TrimPrefix(args[i], "-server=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, opts.configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	}

	if _, ok := clientCommands[command]; ok {
		base, err := resolveServer(opts)
		if err != nil {
			return err
		}
		c := newClient(base, opts.outputFmt, stdout)
		return c.Do(ctx, command, cmdArgs)
	}
	return fmt.Errorf("unknown command: %s", command)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Kaizen - Continuous Improvement Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kaizen [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Run the engine and its control API")
	fmt.Fprintln(w, "  init [dir]         Write example config and metrics files (default: .)")
	fmt.Fprintln(w, "  status             Show engine status")
	fmt.Fprintln(w, "  start | stop       Start or stop the improvement loop")
	fmt.Fprintln(w, "  pause | resume     Pause or resume the loop")
	fmt.Fprintln(w, "  wake               Cut the current rest short")
	fmt.Fprintln(w, "  nudge <action>     Force the next cycle's action")
	fmt.Fprintln(w, "  activity <text>    Record a user activity note")
	fmt.Fprintln(w, "  cycles [n]         List recent cycles")
	fmt.Fprintln(w, "  best [n]           List the best actions by average reward")
	fmt.Fprintln(w, "  handoff [clear]    Show or clear the pending handoff")
	fmt.Fprintln(w, "  actions            List the action catalog")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -server <url>     Control API URL (default: from config listen port)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./kaizen.yaml, ~/.config/kaizen/kaizen.yaml, /etc/kaizen/kaizen.yaml")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
