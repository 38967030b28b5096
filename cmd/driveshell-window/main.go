package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivo/driveshell/internal/winui"
)

// The window binary is launched by the orchestrator, never by hand. It
// renders the confirmation UI on the terminal and reports exactly one JSON
// document on stdout.
func main() {
	var (
		title      string
		commandB64 string
		requestID  string
		timeoutMs  int64
		parentPID  int
		audioCue   string
		logPath    string
	)

	root := &cobra.Command{
		Use:           "driveshell-window",
		Short:         "Confirmation window for one remote command",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			commandText, err := base64.StdEncoding.DecodeString(commandB64)
			if err != nil {
				return fmt.Errorf("decode command: %w", err)
			}

			logger := newLogger(logPath)
			logger.Info("window starting", "request_id", requestID, "parent_pid", parentPID)

			result := winui.Run(winui.Options{
				Title:     title,
				Command:   string(commandText),
				RequestID: requestID,
				Timeout:   time.Duration(timeoutMs) * time.Millisecond,
				ParentPID: parentPID,
				AudioCue:  audioCue,
				Logger:    logger,
			})
			logger.Info("window finished", "request_id", requestID, "action", result.Action)

			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encode outcome: %w", err)
			}
			fmt.Fprintln(os.Stdout, string(encoded))
			if result.Action == winui.ActionError {
				return fmt.Errorf("window failed: %s", result.Message)
			}
			return nil
		},
	}

	root.Flags().StringVar(&title, "title", "driveshell", "window title")
	root.Flags().StringVar(&commandB64, "command-b64", "", "base64-encoded command text")
	root.Flags().StringVar(&requestID, "request-id", "", "request identifier")
	root.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "confirmation timeout in milliseconds")
	root.Flags().IntVar(&parentPID, "parent-pid", 0, "pid of the calling orchestrator")
	root.Flags().StringVar(&audioCue, "audio", "", "audio cue file to play on open")
	root.Flags().StringVar(&logPath, "log", "", "debug log file")
	_ = root.MarkFlagRequired("command-b64")
	_ = root.MarkFlagRequired("request-id")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(path string) *slog.Logger {
	var sink io.Writer = io.Discard
	if path != "" {
		if file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			sink = file
		}
	}
	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
