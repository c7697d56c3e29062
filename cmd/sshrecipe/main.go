package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/sshrecipe/pkg/config"
	"github.com/ormasoftchile/sshrecipe/pkg/debugger"
	"github.com/ormasoftchile/sshrecipe/pkg/replay"
	"github.com/ormasoftchile/sshrecipe/pkg/runtime"
	"github.com/ormasoftchile/sshrecipe/pkg/tmux"
	"github.com/ormasoftchile/sshrecipe/pkg/transport"
)

// version and commit are set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv(".env")
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file and sets any variables that aren't already
// set in the environment. Lines are KEY=VALUE (or KEY="VALUE"); comments
// and blanks are skipped.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:           "sshrecipe",
	Short:         "Idempotent remote provisioning from line-oriented recipes",
	Long:          "sshrecipe runs .sshrecipe files against a host over ssh, remembering what already ran so re-runs only apply what changed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errReported marks a failure already shown to the user in redacted form.
var errReported = errors.New("run failed")

// engineFlags are shared by run, debug and watch.
type engineFlags struct {
	configPath string
	tracePath  string
	replayPath string
	recordPath string
	logLevel   string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "Profile YAML (default: $"+config.EnvConfig+" or "+config.FileName+" beside the recipe)")
	cmd.Flags().StringVar(&f.tracePath, "trace", "", "Append a JSONL trace of directive results to this file")
	cmd.Flags().StringVar(&f.replayPath, "replay", "", "Answer commands from a recorded scenario instead of contacting the target")
	cmd.Flags().StringVar(&f.recordPath, "record", "", "Record every command and its result as a replayable scenario")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Override the profile log level (debug, info, warn, error)")
}

// session is one configured engine plus whatever must happen when the run
// ends.
type session struct {
	engine   *runtime.Engine
	recorder *replay.Recorder
	record   string
}

// newSession resolves the profile for recipe and wires an engine from it.
func newSession(f *engineFlags, recipe string) (*session, error) {
	if f.replayPath != "" && f.recordPath != "" {
		return nil, errors.New("--replay and --record are mutually exclusive")
	}
	profile, err := config.Resolve(f.configPath, recipe)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		profile.LogLevel = f.logLevel
	}
	logger, err := config.NewLogger(os.Stderr, profile.LogLevel)
	if err != nil {
		return nil, err
	}
	eng, err := runtime.NewEngine(profile, logger)
	if err != nil {
		return nil, err
	}
	s := &session{engine: eng, record: f.recordPath}

	switch {
	case f.replayPath != "":
		scenario, err := replay.LoadScenario(f.replayPath)
		if err != nil {
			return nil, err
		}
		runner := replay.NewRunner(scenario)
		uploader := &replay.Uploader{}
		eng.Connector = runtime.ConnectorFunc(func(runtime.Target) (transport.Runner, transport.Uploader, error) {
			return runner, uploader, nil
		})
		fmt.Printf("  [replay] Loaded scenario from %s (%d commands)\n", f.replayPath, len(scenario.Commands))
	case f.recordPath != "":
		live := eng.Connector
		s.recorder = &replay.Recorder{}
		eng.Connector = runtime.ConnectorFunc(func(t runtime.Target) (transport.Runner, transport.Uploader, error) {
			r, u, err := live.Connect(t)
			if err != nil {
				return nil, nil, err
			}
			s.recorder.Runner = r
			return s.recorder, u, nil
		})
	}

	if f.tracePath != "" {
		tw, err := runtime.NewTraceWriter(f.tracePath)
		if err != nil {
			return nil, err
		}
		eng.Trace = tw
	}
	return s, nil
}

// close saves the recorded scenario, if any, and releases engine files.
func (s *session) close() error {
	var errs []error
	if s.recorder != nil {
		if err := s.recorder.Scenario().Save(s.record); err != nil {
			errs = append(errs, fmt.Errorf("save scenario: %w", err))
		} else {
			fmt.Printf("  Scenario: %s\n", s.record)
		}
	}
	errs = append(errs, s.engine.Close())
	return errors.Join(errs...)
}

// signalContext cancels on interrupt so a running command is stopped and
// the ledger is closed cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// --- run ---

var (
	runFlags       engineFlags
	runKill        []string
	runForceKill   []string
	runRestart     []string
	runInline      string
	runPrint       string
	runList        bool
	runSkip        bool
	runQuitProcess string
	runKillProcess string
	runExport      string
	runDebug       bool
)

var runCmd = &cobra.Command{
	Use:   "run [recipe.sshrecipe]",
	Short: "Apply a recipe to its target",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

// sessionPolicy turns the tmux flags into a policy. Force-killed sessions
// are also killed, and any post-run action implies --skip-tmux.
func sessionPolicy() tmux.Policy {
	p := tmux.Policy{
		ForceKill:    slices.Clone(runForceKill),
		Restart:      slices.Clone(runRestart),
		Inline:       runInline,
		PrintSession: runPrint,
		ListSessions: runList,
	}
	for _, name := range append(slices.Clone(runKill), runForceKill...) {
		if !slices.Contains(p.Kill, name) {
			p.Kill = append(p.Kill, name)
		}
	}
	switch {
	case runQuitProcess != "":
		p.KillProcess = runQuitProcess
	case runKillProcess != "":
		p.KillProcess = runKillProcess
		p.KillProcessHard = true
	}
	p.Skip = runSkip || p.ImpliesSkip()
	return p
}

func runRun(cmd *cobra.Command, args []string) error {
	recipe := args[0]
	s, err := newSession(&runFlags, recipe)
	if err != nil {
		return err
	}
	eng := s.engine
	eng.Sessions = sessionPolicy()
	eng.Debug = runDebug
	if runExport != "" {
		eng.Export = runtime.NewShellExport()
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Run ID: %s\n", eng.RunID)
	start := time.Now()
	runErr := eng.RunFile(ctx, recipe)
	if runErr == nil && eng.Export != nil {
		if err := eng.Export.WriteFile(runExport); err != nil {
			runErr = fmt.Errorf("write export: %w", err)
		} else {
			fmt.Printf("  Export: %s\n", runExport)
		}
	}
	if runErr == nil {
		runErr = eng.RunSessionActions(ctx)
	}
	printSummary(eng.Summary(), time.Since(start), runErr, eng.Redact)
	if err := s.close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if runErr != nil {
		return errReported
	}
	return nil
}

// printSummary reports outcome counts and the failure, if any.
func printSummary(sum runtime.Summary, elapsed time.Duration, err error, redact func(string) string) {
	if err != nil {
		fmt.Printf("  ✗ %s\n", redact(err.Error()))
	} else {
		fmt.Printf("  ✓ Recipe complete\n")
	}
	fmt.Printf("  %d executed, %d skipped, %d guarded (%s)\n", sum.Executed, sum.Skipped, sum.Guarded, elapsed.Truncate(time.Millisecond))
}

// --- debug ---

var debugFlags engineFlags

var debugCmd = &cobra.Command{
	Use:   "debug [recipe.sshrecipe]",
	Short: "Step through a recipe interactively",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugger,
}

func runDebugger(cmd *cobra.Command, args []string) error {
	s, err := newSession(&debugFlags, args[0])
	if err != nil {
		return err
	}
	defer s.close()
	s.engine.Debug = true

	ctx, cancel := signalContext()
	defer cancel()
	if err := debugger.New(s.engine).Run(ctx, args[0]); err != nil {
		return errReported
	}
	return nil
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sshrecipe %s (build: %s)\n", version, commit)
	},
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringSliceVar(&runKill, "kill-tmux", nil, "Stop these sessions (C-c) instead of launching them, comma-separated")
	runCmd.Flags().StringSliceVar(&runForceKill, "force-kill-tmux", nil, "Kill these sessions with kill-session, comma-separated")
	runCmd.Flags().StringSliceVar(&runRestart, "restart-tmux", nil, "Tear down and relaunch these sessions, comma-separated")
	runCmd.Flags().StringVar(&runInline, "inline-tmux", "", "Run this session's payload in the foreground")
	runCmd.Flags().StringVar(&runPrint, "print-tmux", "", "Print the pane contents of this session after the run")
	runCmd.Flags().BoolVar(&runList, "list-tmux", false, "List sessions on the target after the run")
	runCmd.Flags().BoolVar(&runSkip, "skip-tmux", false, "Do not launch sessions unless restarted")
	runCmd.Flags().StringVar(&runQuitProcess, "quit-process", "", "Send SIGINT to processes with this name after the run")
	runCmd.Flags().StringVar(&runKillProcess, "kill-process", "", "Send SIGKILL to processes with this name after the run")
	runCmd.Flags().StringVar(&runExport, "export-sh", "", "Write the commands to a bash script instead of executing them")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Wait for detached sessions without a launch timeout")
	runCmd.MarkFlagsMutuallyExclusive("quit-process", "kill-process")

	debugFlags.register(debugCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}
