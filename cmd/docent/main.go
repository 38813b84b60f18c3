// Docent is the session-orchestration service of a voice-guided tour
// kiosk. It admits visitor questions and tour commands per kiosk
// client, streams blacklist-filtered answers, drives the robot base
// between stops and keeps tour progress for resume after a disconnect.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	docent serve                  Start the API server
//	docent init [dir]             Write an example config.yaml
//	docent plan [zone] [profile] [seconds]
//	                              Print the tour plan for a zone
//	docent classify <utterance>   Show how an utterance is understood
//	docent version                Print version and build information
//	docent -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nugget/docent/internal/buildinfo"
	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/intent"
	"github.com/nugget/docent/internal/tour"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the docent command. Arguments are
// parsed by hand rather than with the flag package, whose global
// FlagSet gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
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

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "plan":
		return runPlan(stdout, configPath, outputFmt, cmdArgs)
	case "classify":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: docent classify <utterance>")
		}
		return runClassify(stdout, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runPlan prints the plan the planner would build for the given zone,
// profile and duration. A missing config file means defaults.
func runPlan(w io.Writer, configPath, outputFmt string, args []string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	planner := tour.FromConfig(cfg)

	var zone, profile string
	duration := 300
	if len(args) > 0 {
		zone = args[0]
	}
	if len(args) > 1 {
		profile = args[1]
	}
	if len(args) > 2 {
		d, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[2], err)
		}
		duration = d
	}

	plan := planner.MakePlan(zone, profile, duration)
	if outputFmt == "json" {
		return writeJSON(w, plan)
	}
	fmt.Fprintf(w, "%s / %s, %ds (stops from %s, durations from %s)\n",
		plan.Zone, plan.Profile, plan.DurationS, plan.Source, plan.DurationSource)
	for i, stop := range plan.Stops {
		fmt.Fprintf(w, "  %2d. %-12s %4ds  ~%d chars\n", i+1, stop, plan.StopDurationsS[i], plan.StopTargetChars[i])
	}
	return nil
}

// runClassify shows the intent and tour command an utterance maps to,
// resolving jumps against the default zone's stops.
func runClassify(w io.Writer, configPath, outputFmt string, args []string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}
	text := strings.Join(args, " ")
	plan := tour.FromConfig(cfg).MakePlan("", "", 600)

	out := struct {
		Text    string        `json:"text"`
		Intent  intent.Result `json:"intent"`
		Command tour.Command  `json:"command"`
	}{
		Text:    text,
		Intent:  intent.New().Classify(text),
		Command: tour.NewCommandParser().Parse(text, plan.Stops),
	}
	if outputFmt == "json" {
		return writeJSON(w, out)
	}
	fmt.Fprintf(w, "intent:  %s (%.2f) %s\n", out.Intent.Intent, out.Intent.Confidence, out.Intent.Reason)
	if out.Command.IsCommand() {
		fmt.Fprintf(w, "command: %s (%.2f)", out.Command.Action, out.Command.Confidence)
		if out.Command.StopIndex != nil {
			fmt.Fprintf(w, " -> %d. %s", *out.Command.StopIndex+1, out.Command.StopName)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, "command: none")
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Docent - tour kiosk session orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: docent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the API server")
	fmt.Fprintln(w, "  init [dir]                     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  plan [zone] [profile] [secs]   Print a tour plan")
	fmt.Fprintln(w, "  classify <utterance>           Show intent and tour command")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/docent/config.yaml, /etc/docent/config.yaml")
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

// loadConfig locates, parses and validates the YAML configuration
// file. Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// loadConfigOrDefault is loadConfig for offline subcommands: with no
// explicit path and no file found it falls back to [config.Default].
func loadConfigOrDefault(explicit string) (*config.Config, error) {
	cfg, _, err := loadConfig(explicit)
	if err != nil && explicit == "" {
		if _, findErr := config.FindConfig(""); findErr != nil {
			return config.Default(), nil
		}
	}
	return cfg, err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
