// Package dispatch turns a user shell-line into a remote execution: path
// translation, session selection, bash rendering, the window round-trip,
// and result collection. It is the only package that knows the shape of the
// user-facing command.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/ivo/driveshell/internal/history"
	"github.com/ivo/driveshell/internal/remotepath"
	"github.com/ivo/driveshell/internal/result"
	"github.com/ivo/driveshell/internal/session"
	"github.com/ivo/driveshell/internal/toolerr"
	"github.com/ivo/driveshell/internal/window"
)

// WindowRunner is the slice of the window manager the dispatcher needs.
type WindowRunner interface {
	RequestWindow(ctx context.Context, title, commandText, runID string, timeout time.Duration) (window.Outcome, error)
}

// Awaiter is the slice of the result exchange the dispatcher needs.
type Awaiter interface {
	PathFor(runID string) string
	Await(ctx context.Context, runID string) (result.Payload, error)
}

// Recorder persists completed runs. Optional.
type Recorder interface {
	RecordRun(ctx context.Context, run history.Run) error
}

// Outcome is the uniform structured return for every dispatch, builtin or
// remote. Kind carries the stable error tag when Action is "error".
type Outcome struct {
	Action    string `json:"action"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Message   string `json:"message,omitempty"`
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type Dispatcher struct {
	resolver *remotepath.Resolver
	sessions *session.Registry
	windows  WindowRunner
	results  Awaiter
	recorder Recorder
	timeout  time.Duration
	logger   *slog.Logger
}

func New(resolver *remotepath.Resolver, sessions *session.Registry, windows WindowRunner, results Awaiter, recorder Recorder, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Dispatcher{
		resolver: resolver,
		sessions: sessions,
		windows:  windows,
		results:  results,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run executes one user shell-line against the named session (or the
// current one when sessionID is empty, creating a session on first use).
func (d *Dispatcher) Run(ctx context.Context, line, sessionID string) (Outcome, error) {
	tokens, err := remotepath.SplitTokens(line)
	if err != nil {
		return errorOutcome(err), err
	}
	if len(tokens) == 0 {
		err := fmt.Errorf("empty command")
		return errorOutcome(err), err
	}

	shell, err := d.selectSession(ctx, sessionID)
	if err != nil {
		return errorOutcome(err), err
	}

	if outcome, handled, err := d.runBuiltin(ctx, shell, tokens); handled {
		if err != nil {
			return errorOutcome(err), err
		}
		outcome.SessionID = shell.ID
		return outcome, nil
	}

	rewritten := make([]string, len(tokens))
	for i, token := range tokens {
		rewritten[i] = d.resolver.ToRemote(token)
	}
	userCommand := remotepath.JoinTokens(rewritten)

	runID := uuid.NewString()
	remoteResultPath := d.resolver.ToRemote(d.results.PathFor(runID))
	rendered := RenderCommand(shell, userCommand, remoteResultPath)

	started := time.Now()
	outcome, err := d.runWindowed(ctx, shell, tokens[0], rendered, runID)
	d.record(ctx, history.Run{
		RequestID:  runID,
		SessionID:  shell.ID,
		Command:    userCommand,
		Action:     outcome.Action,
		ExitCode:   outcome.ExitCode,
		Truncated:  outcome.Truncated,
		DurationMs: time.Since(started).Milliseconds(),
	})
	if err != nil {
		return outcome, err
	}

	if touchErr := d.sessions.Touch(ctx, shell.ID); touchErr != nil {
		d.logger.Warn("session touch failed", "session_id", shell.ID, "error", touchErr)
	}
	outcome.SessionID = shell.ID
	return outcome, nil
}

func (d *Dispatcher) runWindowed(ctx context.Context, shell session.Shell, firstToken, rendered, runID string) (Outcome, error) {
	title := "driveshell: " + firstToken
	winOutcome, err := d.windows.RequestWindow(ctx, title, rendered, runID, d.timeout)
	if err != nil {
		return errorOutcome(err), err
	}

	switch winOutcome.Action {
	case window.ActionSuccess:
		payload, awaitErr := d.results.Await(ctx, runID)
		if awaitErr != nil {
			return errorOutcome(awaitErr), awaitErr
		}
		return Outcome{
			Action:    "success",
			ExitCode:  payload.ExitCode,
			Stdout:    payload.Stdout,
			Stderr:    payload.Stderr,
			Truncated: payload.Truncated,
		}, nil
	case window.ActionDirectFeedback:
		// The user chose to answer in the window instead of executing;
		// surfaced verbatim, not as a failure.
		return Outcome{Action: string(window.ActionDirectFeedback), Message: winOutcome.Message}, nil
	case window.ActionTimeout:
		err := fmt.Errorf("%w: %s", toolerr.ErrWindowTimeout, winOutcome.Message)
		return errorOutcome(err), err
	case window.ActionParentKilled:
		err := fmt.Errorf("%w: window reported parent death", toolerr.ErrWindowFailed)
		return errorOutcome(err), err
	default:
		err := fmt.Errorf("%w: %s", toolerr.ErrWindowFailed, winOutcome.Message)
		return errorOutcome(err), err
	}
}

// runBuiltin handles the commands that never need a window. handled=false
// means the line goes to the remote side.
func (d *Dispatcher) runBuiltin(ctx context.Context, shell session.Shell, tokens []string) (Outcome, bool, error) {
	switch tokens[0] {
	case "cd":
		arg := ""
		if len(tokens) > 1 {
			arg = d.resolver.ToRemote(tokens[1])
		}
		next, err := d.sessions.ChangeDir(ctx, shell.ID, arg)
		if err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Action: "success", Stdout: next}, true, nil
	case "pwd":
		return Outcome{Action: "success", Stdout: shell.Cwd}, true, nil
	case "export":
		if len(tokens) != 2 || !strings.Contains(tokens[1], "=") {
			err := fmt.Errorf("usage: export KEY=VALUE")
			return Outcome{}, true, err
		}
		key, value, _ := strings.Cut(tokens[1], "=")
		if err := d.sessions.SetEnv(ctx, shell.ID, key, value); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Action: "success"}, true, nil
	case "unset":
		if len(tokens) != 2 {
			err := fmt.Errorf("usage: unset KEY")
			return Outcome{}, true, err
		}
		if err := d.sessions.UnsetEnv(ctx, shell.ID, tokens[1]); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Action: "success"}, true, nil
	case "activate":
		if len(tokens) != 2 {
			err := fmt.Errorf("usage: activate VENV")
			return Outcome{}, true, err
		}
		if err := d.sessions.SetVenv(ctx, shell.ID, tokens[1]); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Action: "success"}, true, nil
	case "deactivate":
		if err := d.sessions.SetVenv(ctx, shell.ID, ""); err != nil {
			return Outcome{}, true, err
		}
		return Outcome{Action: "success"}, true, nil
	}
	return Outcome{}, false, nil
}

func (d *Dispatcher) selectSession(ctx context.Context, sessionID string) (session.Shell, error) {
	if sessionID != "" {
		return d.sessions.Get(ctx, sessionID)
	}
	shell, ok, err := d.sessions.Current(ctx)
	if err != nil {
		return session.Shell{}, err
	}
	if ok {
		return shell, nil
	}
	return d.sessions.Create(ctx)
}

func (d *Dispatcher) record(ctx context.Context, run history.Run) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordRun(ctx, run); err != nil {
		d.logger.Warn("history record failed", "request_id", run.RequestID, "error", err)
	}
}

// RenderCommand composes the bash one-liner the window carries to the
// remote shell: enter the session cwd, activate the recorded virtualenv,
// replay the session environment, run the user command with captured
// output, then write the result JSON at the pre-agreed path. The capture
// scaffolding is an internal contract; its only external guarantee is that
// the result file holds parseable JSON once the command finishes.
func RenderCommand(shell session.Shell, userCommand, remoteResultPath string) string {
	var parts []string
	parts = append(parts, "cd "+remotepath.QuoteToken(shell.Cwd))
	if shell.ActiveVenv != "" {
		parts = append(parts, "source "+remotepath.QuoteToken("~/venvs/"+shell.ActiveVenv+"/bin/activate"))
	}
	for _, key := range sortedKeys(shell.Env) {
		parts = append(parts, "export "+key+"="+shellquote.Join(shell.Env[key]))
	}

	// The remote shell expands the tilde in DS_RESULT; python finishes the
	// job with expanduser for safety.
	capture := `__ds_out=$(mktemp); __ds_err=$(mktemp); ` +
		`( ` + userCommand + ` ) >"$__ds_out" 2>"$__ds_err"; __ds_status=$?; ` +
		`DS_RESULT=` + remotepath.QuoteToken(remoteResultPath) + ` DS_STATUS=$__ds_status DS_OUT="$__ds_out" DS_ERR="$__ds_err" ` +
		`python3 -c ` + shellquote.Join(resultWriterSnippet) + `; ` +
		`rm -f "$__ds_out" "$__ds_err"`
	parts = append(parts, capture)
	return strings.Join(parts, " && ")
}

// resultWriterSnippet assembles the result JSON on the remote side,
// truncating stdout to keep the document under the size bound.
const resultWriterSnippet = `import json, os
limit = 4 * 1024 * 1024 - 4096
out = open(os.environ["DS_OUT"], "rb").read()
err = open(os.environ["DS_ERR"], "rb").read()
truncated = len(out) > limit
status = int(os.environ["DS_STATUS"])
doc = {
    "success": status == 0,
    "stdout": out[:limit].decode("utf-8", "replace"),
    "stderr": err[:65536].decode("utf-8", "replace"),
    "exit_code": status,
}
if truncated:
    doc["truncated"] = True
path = os.path.expanduser(os.environ["DS_RESULT"])
os.makedirs(os.path.dirname(path), exist_ok=True)
tmp = path + ".tmp"
with open(tmp, "w") as f:
    json.dump(doc, f)
os.replace(tmp, path)
`

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func errorOutcome(err error) Outcome {
	return Outcome{
		Action:   "error",
		ExitCode: 1,
		Message:  err.Error(),
		Kind:     toolerr.Kind(err),
	}
}
