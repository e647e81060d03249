// Taskloop drives model-authored actions to completion.
//
// A task is a natural-language requirement. The loop asks the model
// for an action, executes it against the workspace tools, judges the
// result, and repeats under a retry budget until the task finishes,
// fails, asks the user a question, or asks for a new plan.
//
// Usage:
//
//	taskloop init [dir]                 Write an example config and data directories
//	taskloop serve                      Start the task API server
//	taskloop run [flags] <requirement>  Run one task in the foreground
//	taskloop history [limit]            List recent task runs
//	taskloop version                    Print version and build information
//	taskloop -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/api"
	"github.com/nugget/taskloop/internal/buildinfo"
	"github.com/nugget/taskloop/internal/config"
	"github.com/nugget/taskloop/internal/connwatch"
	"github.com/nugget/taskloop/internal/mqtt"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stderr so that command output
// on stdout stays machine-readable. Arguments are parsed by hand to
// keep flag.CommandLine globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
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
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
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
		return runServe(ctx, stderr, configPath)
	case "run":
		opts, err := parseRunArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runTask(ctx, stdout, stderr, configPath, outputFmt, opts)
	case "history":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: taskloop history [limit]")
			}
			limit = n
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, limit)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "taskloop - model-driven task execution loop")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: taskloop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]           Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  serve                Start the task API server")
	fmt.Fprintln(w, "  run <requirement>    Run one task in the foreground")
	fmt.Fprintln(w, "      -c <id>          Continue conversation <id>")
	fmt.Fprintln(w, "      -t <tool>        Finish when <tool> succeeds")
	fmt.Fprintln(w, "  history [limit]      List recent task runs (default 20)")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>       Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt     Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runOptions are the arguments of the run command.
type runOptions struct {
	requirement    string
	conversationID string
	terminalTool   string
}

func parseRunArgs(args []string) (runOptions, error) {
	var opts runOptions
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "-c" || args[i] == "-conversation") && i+1 < len(args):
			opts.conversationID = args[i+1]
			i++
		case (args[i] == "-t" || args[i] == "-terminal-tool") && i+1 < len(args):
			opts.terminalTool = args[i+1]
			i++
		default:
			words = append(words, args[i])
		}
	}
	opts.requirement = strings.TrimSpace(strings.Join(words, " "))
	if opts.requirement == "" {
		return opts, fmt.Errorf("usage: taskloop run [-c conversation] [-t terminal_tool] <requirement>")
	}
	return opts, nil
}

// setup loads configuration and builds the logger it describes.
func setup(stderr io.Writer, configPath string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// runTask runs a single task in the foreground, echoing the model's
// output to stdout in text mode. A failed task is returned as an error
// so the exit status reflects it.
func runTask(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, opts runOptions) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var loopOpts []agent.Option
	if outputFmt == "text" {
		loopOpts = append(loopOpts, agent.WithObserver(agent.ObserverFunc(func(e agent.Event) {
			if e.Kind == agent.EventToken {
				fmt.Fprint(stdout, e.Token)
			}
		})))
	}
	loop := a.newLoop(loopOpts...)

	task := agent.NewTask(opts.requirement)
	task.TerminalTool = opts.terminalTool
	convID := opts.conversationID
	if convID == "" {
		convID = task.ID
	}
	ec, err := a.newContext(convID)
	if err != nil {
		return err
	}

	out := loop.Run(ctx, task, ec)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{
			"task_id":         task.ID,
			"conversation_id": convID,
			"state":           out.State().String(),
			"detail":          out.Detail(),
			"iterations":      ec.Iterations,
			"retry":           ec.Retry,
			"generated_files": ec.GeneratedFiles,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "\n[%s] %s\n", out.State(), out.Detail())
		if out.State() == agent.StatePaused {
			fmt.Fprintf(stdout, "continue with: taskloop run -c %s <answer>\n", convID)
		}
	}

	if f, ok := out.(agent.Failure); ok {
		return fmt.Errorf("task %s failed: %s", task.ID, f.Reason)
	}
	return nil
}

// runHistory lists recorded runs, newest first.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.runs.List(ctx, limit)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTASK\tSTATE\tITER\tRETRIES\tREQUIREMENT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.TaskID, r.State,
			r.Iterations, r.TotalFailures, truncate(r.Requirement, 60))
	}
	return tw.Flush()
}

// runServe starts the API server and, when configured, the MQTT
// publisher. It blocks until ctx is cancelled or a signal arrives.
func runServe(ctx context.Context, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting taskloop", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	monitor := connwatch.NewMonitor(logger)
	defer monitor.Stop()
	a.watch(ctx, monitor)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.SetRunStore(a.runs)
	server.SetUsage(a.usage)
	server.SetHealth(monitor)
	server.SetRateLimit(cfg.RateLimit.TasksPerMinute, cfg.RateLimit.Burst)

	loopOpts := []agent.Option{agent.WithObserver(server)}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.tokens, logger)
		pub.SetSubmitter(func(ctx context.Context, sub mqtt.Submission) (string, error) {
			st, err := server.Submit(ctx, api.TaskRequest{
				Requirement:    sub.Requirement,
				TerminalTool:   sub.TerminalTool,
				ConversationID: sub.ConversationID,
			})
			return st.ID, err
		})
		loopOpts = append(loopOpts, agent.WithObserver(pub))

		go func() {
			if err := pub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		if _, err := monitor.Watch(ctx, connwatch.Check{
			Name: "mqtt",
			Probe: func(pctx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pctx, 2*time.Second)
				defer awaitCancel()
				return pub.AwaitConnection(awaitCtx)
			},
		}); err != nil {
			logger.Warn("watch mqtt failed", "error", err)
		}
		logger.Info("mqtt enabled", "broker", cfg.MQTT.Broker, "accept_tasks", cfg.MQTT.AcceptTasks)
	} else {
		logger.Info("mqtt disabled (not configured)")
	}

	server.SetLoop(a.newLoop(loopOpts...), a.newContext)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		if pub != nil {
			if err := pub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	server.Wait()

	logger.Info("taskloop stopped")
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
