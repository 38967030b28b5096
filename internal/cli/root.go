// Package cli wires configuration into the dispatcher and exposes the
// user-facing flag surface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivo/driveshell/internal/config"
	"github.com/ivo/driveshell/internal/dispatch"
	"github.com/ivo/driveshell/internal/history"
	"github.com/ivo/driveshell/internal/queue"
	"github.com/ivo/driveshell/internal/remotepath"
	"github.com/ivo/driveshell/internal/result"
	"github.com/ivo/driveshell/internal/session"
	"github.com/ivo/driveshell/internal/window"
)

const version = "0.1.0"

type rootFlags struct {
	shell          bool
	sessionID      string
	returnJSON     bool
	createShell    bool
	listShells     bool
	checkoutShell  string
	terminateShell string
	historyCount   int
}

func NewRoot(logger *slog.Logger) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "driveshell --shell <command...>",
		Short:         "Run commands in a remote shell through the shared drive",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, flags, args, logger)
		},
	}

	root.Flags().BoolVar(&flags.shell, "shell", false, "run the given command in the remote shell")
	root.Flags().StringVar(&flags.sessionID, "session", "", "remote shell id to run against")
	root.Flags().BoolVar(&flags.returnJSON, "return", false, "print the structured outcome as JSON on stdout")
	root.Flags().BoolVar(&flags.createShell, "create-remote-shell", false, "create a remote shell and check it out")
	root.Flags().BoolVar(&flags.listShells, "list-remote-shell", false, "list remote shells")
	root.Flags().StringVar(&flags.checkoutShell, "checkout-remote-shell", "", "make the named remote shell current")
	root.Flags().StringVar(&flags.terminateShell, "terminate-remote-shell", "", "terminate the named remote shell")
	root.Flags().IntVar(&flags.historyCount, "history", 0, "show the n most recent runs")

	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func run(ctx context.Context, cfg config.Config, flags *rootFlags, args []string, logger *slog.Logger) error {
	for _, dir := range []string{cfg.StateDir, cfg.ResultDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	registry := session.NewRegistry(cfg.StateDir, time.Duration(cfg.MutateLockTimeoutSec)*time.Second, logger)

	switch {
	case flags.createShell:
		return createShell(ctx, registry, flags.returnJSON)
	case flags.listShells:
		return listShells(ctx, registry, flags.returnJSON)
	case flags.checkoutShell != "":
		if err := registry.Checkout(ctx, flags.checkoutShell); err != nil {
			return err
		}
		fmt.Printf("checked out %s\n", flags.checkoutShell)
		return nil
	case flags.terminateShell != "":
		if err := registry.Terminate(ctx, flags.terminateShell); err != nil {
			return err
		}
		fmt.Printf("terminated %s\n", flags.terminateShell)
		return nil
	case flags.historyCount > 0:
		return showHistory(ctx, cfg, flags.historyCount, flags.returnJSON)
	}

	if len(args) == 0 {
		if flags.shell {
			return fmt.Errorf("no command given after --shell")
		}
		return fmt.Errorf("nothing to do; see --help")
	}
	line := remotepath.JoinTokens(args)

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	resolver := remotepath.New(cfg.MountBase, home)

	store := queue.NewStore(cfg.StateDir, logger)
	lock := window.NewProcessLock(cfg.StateDir, logger)
	spawner := window.NewExecSpawner(cfg.WindowBinary, logger)
	defer spawner.Shutdown()

	manager := window.NewManager(store, spawner, lock, window.Config{
		EnqueueLockTimeout: time.Duration(cfg.EnqueueLockTimeoutSec) * time.Second,
		MutateLockTimeout:  time.Duration(cfg.MutateLockTimeoutSec) * time.Second,
		WindowLockTimeout:  time.Duration(cfg.WindowLockTimeoutSec) * time.Second,
		MinSpacing:         time.Duration(cfg.MinWindowSpacingSec) * time.Second,
		HeartbeatUpdate:    time.Duration(cfg.HeartbeatUpdateMs) * time.Millisecond,
		HeartbeatCheck:     time.Duration(cfg.HeartbeatCheckMs) * time.Millisecond,
		AudioCue:           cfg.AudioCueFile,
		LogPath:            cfg.WindowLog,
	}, logger)

	exchange := result.NewExchange(cfg.ResultDir, time.Duration(cfg.ResultGraceSec)*time.Second, cfg.ResultMaxBytes, logger)

	var recorder dispatch.Recorder
	if historyStore, histErr := openHistory(ctx, cfg.HistoryDB); histErr != nil {
		logger.Warn("history unavailable", "path", cfg.HistoryDB, "error", histErr)
	} else {
		defer historyStore.Close()
		recorder = historyStore
	}

	dispatcher := dispatch.New(resolver, registry, manager, exchange, recorder,
		time.Duration(cfg.WindowTimeoutSec)*time.Second, logger)

	outcome, runErr := dispatcher.Run(ctx, line, flags.sessionID)
	if flags.returnJSON {
		encoded, encErr := json.Marshal(outcome)
		if encErr != nil {
			return encErr
		}
		fmt.Println(string(encoded))
		return runErr
	}

	if runErr != nil {
		return runErr
	}
	switch outcome.Action {
	case "direct_feedback":
		fmt.Println(outcome.Message)
	default:
		if outcome.Stdout != "" {
			fmt.Print(ensureNewline(outcome.Stdout))
		}
		if outcome.Stderr != "" {
			fmt.Fprint(os.Stderr, ensureNewline(outcome.Stderr))
		}
		if outcome.Truncated {
			fmt.Fprintln(os.Stderr, "[output truncated]")
		}
		if outcome.ExitCode != 0 {
			return fmt.Errorf("remote command exited with status %d", outcome.ExitCode)
		}
	}
	return nil
}

func createShell(ctx context.Context, registry *session.Registry, asJSON bool) error {
	shell, err := registry.Create(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]string{"shell_id": shell.ID, "cwd": shell.Cwd})
	}
	fmt.Println(shell.ID)
	return nil
}

func listShells(ctx context.Context, registry *session.Registry, asJSON bool) error {
	shells, err := registry.List(ctx)
	if err != nil {
		return err
	}
	current, ok, err := registry.Current(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		type item struct {
			ID         string `json:"shell_id"`
			Cwd        string `json:"cwd"`
			ActiveVenv string `json:"active_venv,omitempty"`
			Current    bool   `json:"current,omitempty"`
		}
		items := make([]item, 0, len(shells))
		for _, shell := range shells {
			items = append(items, item{
				ID:         shell.ID,
				Cwd:        shell.Cwd,
				ActiveVenv: shell.ActiveVenv,
				Current:    ok && shell.ID == current.ID,
			})
		}
		return printJSON(items)
	}
	for _, shell := range shells {
		marker := " "
		if ok && shell.ID == current.ID {
			marker = "*"
		}
		venv := shell.ActiveVenv
		if venv == "" {
			venv = "-"
		}
		fmt.Printf("%s %s  %s  venv=%s\n", marker, shell.ID, shell.Cwd, venv)
	}
	return nil
}

func showHistory(ctx context.Context, cfg config.Config, count int, asJSON bool) error {
	store, err := openHistory(ctx, cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRecent(ctx, count)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(runs)
	}
	for _, run := range runs {
		fmt.Printf("%s  %-15s exit=%d  %s\n",
			run.CreatedAt.Format(time.RFC3339), run.Action, run.ExitCode, run.Command)
	}
	return nil
}

func openHistory(ctx context.Context, path string) (*history.Store, error) {
	store, err := history.New(path)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func ensureNewline(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}
