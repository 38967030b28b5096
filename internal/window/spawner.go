package window

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Action is the terminal outcome of one window subprocess.
type Action string

const (
	ActionSuccess        Action = "success"
	ActionDirectFeedback Action = "direct_feedback"
	ActionTimeout        Action = "timeout"
	ActionParentKilled   Action = "parent_killed"
	ActionError          Action = "error"
)

// Outcome is what the window subprocess reports back, one JSON line on its
// stdout.
type Outcome struct {
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
}

// Spec describes one window to open. CommandText travels base-64 encoded on
// the child command line so arbitrary shell text survives quoting.
type Spec struct {
	Title       string
	CommandText string
	RequestID   string
	Timeout     time.Duration
	AudioCue    string
	LogPath     string
}

// Spawner runs the window subprocess to completion. Tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Outcome, error)
}

// ExecSpawner launches the real window binary in its own process group and
// keeps a handle on every live child so emergency cleanup can reap them.
type ExecSpawner struct {
	binary string
	logger *slog.Logger

	mu     sync.Mutex
	active map[int]*exec.Cmd
}

func NewExecSpawner(binary string, logger *slog.Logger) *ExecSpawner {
	return &ExecSpawner{
		binary: binary,
		logger: logger,
		active: map[int]*exec.Cmd{},
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Outcome, error) {
	args := []string{
		"--title", spec.Title,
		"--command-b64", base64.StdEncoding.EncodeToString([]byte(spec.CommandText)),
		"--request-id", spec.RequestID,
		"--timeout-ms", strconv.FormatInt(spec.Timeout.Milliseconds(), 10),
		"--parent-pid", strconv.Itoa(os.Getpid()),
	}
	if spec.AudioCue != "" {
		args = append(args, "--audio", spec.AudioCue)
	}
	if spec.LogPath != "" {
		args = append(args, "--log", spec.LogPath)
	}

	cmd := exec.Command(s.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start window subprocess: %w", err)
	}
	pid := cmd.Process.Pid
	s.track(pid, cmd)
	defer s.untrack(pid)
	s.logger.Info("window spawned", "request_id", spec.RequestID, "child_pid", pid)

	// The user's interaction time is uncapped by us; the child enforces its
	// own timeout. The extra ten seconds covers child startup and teardown.
	waitCap := spec.Timeout + 10*time.Second
	waitErr := s.wait(ctx, cmd, waitCap)

	if waitErr == errWaitCapExpired {
		return Outcome{Action: ActionTimeout, Message: "window subprocess exceeded its overall cap"}, nil
	}
	if ctx.Err() != nil {
		return Outcome{Action: ActionError, Message: "orchestrator shutting down"}, nil
	}

	outcome, parseErr := parseOutcome(stdout.Bytes())
	if parseErr != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			message = parseErr.Error()
		}
		return Outcome{Action: ActionError, Message: message}, nil
	}
	if waitErr != nil && outcome.Action == ActionSuccess {
		// A child that died nonzero does not get to call itself a success.
		return Outcome{Action: ActionError, Message: strings.TrimSpace(stderr.String())}, nil
	}
	return outcome, nil
}

var errWaitCapExpired = fmt.Errorf("window wait cap expired")

func (s *ExecSpawner) wait(ctx context.Context, cmd *exec.Cmd, waitCap time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	capTimer := time.NewTimer(waitCap)
	defer capTimer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	case <-capTimer.C:
		s.killGroup(cmd)
		<-done
		return errWaitCapExpired
	}
	s.killGroup(cmd)
	<-done
	return ctx.Err()
}

// killGroup terminates the child's whole process group, then hard-kills
// anything that ignored the request.
func (s *ExecSpawner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// Shutdown force-kills every tracked child. Called from the orchestrator's
// reaper once a termination signal has been observed.
func (s *ExecSpawner) Shutdown() {
	s.mu.Lock()
	children := make([]*exec.Cmd, 0, len(s.active))
	for _, cmd := range s.active {
		children = append(children, cmd)
	}
	s.mu.Unlock()
	for _, cmd := range children {
		s.killGroup(cmd)
	}
}

func (s *ExecSpawner) track(pid int, cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[pid] = cmd
}

func (s *ExecSpawner) untrack(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, pid)
}

func parseOutcome(stdout []byte) (Outcome, error) {
	line := strings.TrimSpace(string(stdout))
	if line == "" {
		return Outcome{}, fmt.Errorf("window subprocess wrote no outcome")
	}
	// Only the last line counts; the UI library may emit terminal noise first.
	lines := strings.Split(line, "\n")
	var outcome Outcome
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode window outcome: %w", err)
	}
	switch outcome.Action {
	case ActionSuccess, ActionDirectFeedback, ActionTimeout, ActionParentKilled, ActionError:
		return outcome, nil
	default:
		return Outcome{}, fmt.Errorf("unknown window action %q", outcome.Action)
	}
}
