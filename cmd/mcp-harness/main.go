// Command mcp-harness spawns an MCP server over stdio, drives it through a
// scenario and reports what happened.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-stdio-harness/internal/config"
	"github.com/ggoodman/mcp-stdio-harness/internal/logctx"
	"github.com/ggoodman/mcp-stdio-harness/report"
	"github.com/ggoodman/mcp-stdio-harness/scenario"
	"github.com/ggoodman/mcp-stdio-harness/stdio"
	"github.com/ggoodman/mcp-stdio-harness/supervisor"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	cmd := newRootCommand(&cfg)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(stderr, "error: %v\n", ee.err)
			}
			return ee.code
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "mcp-harness",
		Short:         "Drive an MCP server over stdio and check its replies",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg),
		newSchemaCommand(),
		newVersionCommand(),
	)
	return root
}

type runFlags struct {
	json    bool
	noColor bool
	verbose bool
	watch   bool
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a scenario against a server",
		Example: `  mcp-harness run -- node build/index.js
  mcp-harness run --scenario weather.yaml --strict -- ./weather-server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				cfg.Command, cfg.Args = args[0], args[1:]
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: 1, err: fmt.Errorf("invalid configuration: %w", err)}
			}
			if rf.watch && cfg.Scenario == "" {
				return &exitError{code: 1, err: errors.New("--watch requires --scenario")}
			}
			logger, err := newLogger(cmd.ErrOrStderr(), *cfg)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			h := &harness{cfg: *cfg, flags: rf, logger: logger, out: cmd.OutOrStdout()}
			if rf.watch {
				return h.watch(cmd.Context())
			}
			sc, err := h.loadScenario()
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			if code := h.runOnce(cmd.Context(), sc); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Scenario, "scenario", cfg.Scenario, "YAML scenario file (default: built-in weather scenario)")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "deadline for each request")
	f.DurationVar(&cfg.Grace, "grace", cfg.Grace, "wait between SIGTERM and SIGKILL on shutdown")
	f.StringArrayVar(&cfg.AllowStderr, "allow-stderr", cfg.AllowStderr, "stderr line that is not reported (repeatable, replaces the default)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	f.BoolVar(&cfg.Strict, "strict", cfg.Strict, "exit 1 when any step fails")
	f.BoolVar(&rf.json, "json", false, "print the summary as JSON")
	f.BoolVar(&rf.noColor, "no-color", false, "disable colored output")
	f.BoolVarP(&rf.verbose, "verbose", "v", false, "list failed checks in the summary")
	f.BoolVar(&rf.watch, "watch", false, "rerun whenever the scenario file changes")
	return cmd
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of scenario files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scenario.Schema())
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harness version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := log.Options{
		Level:           log.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}
	if cfg.LogFormat == "json" {
		opts.Formatter = log.JSONFormatter
	}
	return slog.New(logctx.Handler{Handler: log.NewWithOptions(w, opts)}), nil
}

// harness runs scenarios with one configuration.
type harness struct {
	cfg    config.Config
	flags  runFlags
	logger *slog.Logger
	out    io.Writer
}

func (h *harness) loadScenario() (scenario.Scenario, error) {
	if h.cfg.Scenario == "" {
		return scenario.Default(), nil
	}
	return scenario.Load(h.cfg.Scenario)
}

// runOnce spawns a fresh child, runs sc and prints the summary. It returns
// the process exit code.
func (h *harness) runOnce(ctx context.Context, sc scenario.Scenario) int {
	runID := uuid.NewString()
	ctx = logctx.WithRunData(ctx, &logctx.RunData{RunID: runID, Scenario: sc.Name})

	sup := supervisor.New(supervisor.Config{
		Command:     h.cfg.Command,
		Args:        h.cfg.Args,
		GracePeriod: h.cfg.Grace,
	}, supervisor.WithLogger(h.logger))
	rep := report.New(h.logger, report.WithAllowList(h.cfg.AllowStderr...))

	sess, err := stdio.Start(ctx, sup,
		stdio.WithLogger(h.logger),
		stdio.WithReporter(rep),
		stdio.WithDefaultTimeout(h.cfg.Timeout),
	)
	if err != nil {
		h.logger.ErrorContext(ctx, "could not start the server", slog.String("err", err.Error()))
		return 1
	}

	sum := scenario.NewRunner(sess,
		scenario.WithLogger(h.logger),
		scenario.WithTimeout(h.cfg.Timeout),
		scenario.WithRunID(runID),
	).Run(ctx, sc)

	// The run context may already be cancelled; shutdown gets its own budget.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*h.cfg.Grace+time.Second)
	defer cancel()
	status, err := sess.Close(closeCtx)
	if err != nil {
		h.logger.WarnContext(ctx, "server did not shut down in time", slog.String("err", err.Error()))
	}
	sum.Attach(sess.Identity(), status, rep)

	if h.flags.json {
		if err := sum.WriteJSON(h.out); err != nil {
			h.logger.ErrorContext(ctx, "could not write summary", slog.String("err", err.Error()))
		}
	} else {
		scenario.Render(h.out, sum, scenario.RenderOptions{NoColor: h.flags.noColor, Verbose: h.flags.verbose})
	}

	return exitCode(ctx, sum, h.cfg.Strict)
}

func exitCode(ctx context.Context, sum *scenario.Summary, strict bool) int {
	switch {
	case ctx.Err() != nil:
		return 0
	case sum.State != scenario.StateCompleted:
		return 1
	case strict && sum.Failed() > 0:
		return 1
	default:
		return 0
	}
}
