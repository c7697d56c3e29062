package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	watchFlags         engineFlags
	watchDebounce      time.Duration
	watchStopOnFailure bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [recipe.sshrecipe]",
	Short: "Re-apply a recipe whenever recipe files in its directory change",
	Long: "watch runs the recipe once, then again after every change to a recipe or uploaded file " +
		"in its directory. The ledger skips directives that already ran, so only edits are applied.",
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	recipe, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	dir := filepath.Dir(recipe)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	fmt.Printf("Watching %s (Ctrl-C to stop)\n", dir)

	run := 0
	for {
		run++
		ok := watchOnce(ctx, recipe, run)
		if !ok && watchStopOnFailure {
			fmt.Printf("  Watch stopped: run %d failed\n", run)
			return errReported
		}
		changed, err := waitForChange(ctx, w, watchDebounce)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s  changed: %s\n", time.Now().Format("15:04:05"), filepath.Base(changed))
	}
}

// watchOnce applies the recipe with a fresh engine and prints a one-line
// summary. It reports whether the run succeeded.
func watchOnce(ctx context.Context, recipe string, run int) bool {
	ts := time.Now().Format("15:04:05")
	s, err := newSession(&watchFlags, recipe)
	if err != nil {
		fmt.Printf("%s  %s run %d: %v\n", ts, statusIcon(false), run, err)
		return false
	}
	defer s.close()

	start := time.Now()
	runErr := s.engine.RunFile(ctx, recipe)
	sum := s.engine.Summary()
	fmt.Printf("%s  %s run %d: %d executed, %d skipped, %d guarded   %s\n", ts, statusIcon(runErr == nil), run,
		sum.Executed, sum.Skipped, sum.Guarded, time.Since(start).Truncate(time.Millisecond))
	if runErr != nil {
		fmt.Printf("    %s\n", s.engine.Redact(runErr.Error()))
	}
	return runErr == nil
}

// waitForChange blocks until a relevant file in the watched directory is
// written, then waits for the burst of events to settle.
func waitForChange(ctx context.Context, w *fsnotify.Watcher, debounce time.Duration) (string, error) {
	var changed string
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			return "", err
		case ev, ok := <-w.Events:
			if !ok {
				return "", fmt.Errorf("watcher closed")
			}
			if !relevant(ev) {
				continue
			}
			changed = ev.Name
			settle = time.After(debounce)
		case <-settle:
			return changed, nil
		}
	}
}

// relevant ignores metadata-only events, hidden and editor backup files,
// and JSONL traces that a --trace run may write beside the recipe.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	return filepath.Ext(base) != ".jsonl"
}

func statusIcon(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func init() {
	watchFlags.register(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 300*time.Millisecond, "Quiet period after a change before re-running")
	watchCmd.Flags().BoolVar(&watchStopOnFailure, "stop-on-failure", false, "Stop watching when a run fails")
	rootCmd.AddCommand(watchCmd)
}
