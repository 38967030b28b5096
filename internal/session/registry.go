// Package session keeps the named persistent remote-shell records: working
// directory, environment, active virtualenv. One JSON file per user, guarded
// by its own advisory lock so concurrent tool invocations never interleave
// writes.
package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/ivo/driveshell/internal/toolerr"
)

const lockRetryInterval = 100 * time.Millisecond

// Shell is one persistent remote-shell context. Cwd is always logical:
// it begins with "~" and never contains a local mount prefix.
type Shell struct {
	ID         string            `json:"-"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	ActiveVenv string            `json:"active_venv,omitempty"`
	CreatedAt  float64           `json:"created_at"`
	LastUsedAt float64           `json:"last_used_at"`
}

type registryFile struct {
	Current string            `json:"current,omitempty"`
	Shells  map[string]*Shell `json:"shells"`
}

type Registry struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewRegistry(stateDir string, lockTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		path:        filepath.Join(stateDir, "shells.json"),
		lockPath:    filepath.Join(stateDir, "shells.lock"),
		lockTimeout: lockTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Create mints a fresh shell rooted at "~" and checks it out as current.
func (r *Registry) Create(ctx context.Context) (Shell, error) {
	var created Shell
	err := r.update(ctx, func(file *registryFile) error {
		id := newShellID()
		now := unixSeconds(r.now())
		shell := &Shell{
			Cwd:        "~",
			Env:        map[string]string{},
			CreatedAt:  now,
			LastUsedAt: now,
		}
		file.Shells[id] = shell
		file.Current = id
		created = *shell
		created.ID = id
		return nil
	})
	if err != nil {
		return Shell{}, err
	}
	r.logger.Info("remote shell created", "shell_id", created.ID)
	return created, nil
}

// List returns every shell, oldest first.
func (r *Registry) List(ctx context.Context) ([]Shell, error) {
	var shells []Shell
	err := r.view(ctx, func(file registryFile) error {
		for id, shell := range file.Shells {
			item := *shell
			item.ID = id
			shells = append(shells, item)
		}
		sort.Slice(shells, func(i, j int) bool { return shells[i].CreatedAt < shells[j].CreatedAt })
		return nil
	})
	return shells, err
}

// Checkout makes the named shell the default for subsequent commands.
func (r *Registry) Checkout(ctx context.Context, id string) error {
	return r.update(ctx, func(file *registryFile) error {
		if _, ok := file.Shells[id]; !ok {
			return fmt.Errorf("%w: %s", toolerr.ErrUnknownSession, id)
		}
		file.Current = id
		return nil
	})
}

// Terminate removes the shell; a terminated current shell leaves no current.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	return r.update(ctx, func(file *registryFile) error {
		if _, ok := file.Shells[id]; !ok {
			return fmt.Errorf("%w: %s", toolerr.ErrUnknownSession, id)
		}
		delete(file.Shells, id)
		if file.Current == id {
			file.Current = ""
		}
		return nil
	})
}

// Current returns the checked-out shell, or ok=false when none is set.
func (r *Registry) Current(ctx context.Context) (Shell, bool, error) {
	var (
		shell Shell
		found bool
	)
	err := r.view(ctx, func(file registryFile) error {
		if file.Current == "" {
			return nil
		}
		stored, ok := file.Shells[file.Current]
		if !ok {
			return nil
		}
		shell = *stored
		shell.ID = file.Current
		found = true
		return nil
	})
	return shell, found, err
}

// Get returns the named shell.
func (r *Registry) Get(ctx context.Context, id string) (Shell, error) {
	var shell Shell
	err := r.view(ctx, func(file registryFile) error {
		stored, ok := file.Shells[id]
		if !ok {
			return fmt.Errorf("%w: %s", toolerr.ErrUnknownSession, id)
		}
		shell = *stored
		shell.ID = id
		return nil
	})
	return shell, err
}

// ChangeDir resolves arg against the shell's cwd and stores the new logical
// path. The result may never climb above the remote root.
func (r *Registry) ChangeDir(ctx context.Context, id, arg string) (string, error) {
	var next string
	err := r.mutateShell(ctx, id, func(shell *Shell) error {
		resolved, err := ResolveRemoteDir(shell.Cwd, arg)
		if err != nil {
			return err
		}
		shell.Cwd = resolved
		next = resolved
		return nil
	})
	return next, err
}

// SetEnv stores or replaces one environment variable on the shell.
func (r *Registry) SetEnv(ctx context.Context, id, key, value string) error {
	return r.mutateShell(ctx, id, func(shell *Shell) error {
		if shell.Env == nil {
			shell.Env = map[string]string{}
		}
		shell.Env[key] = value
		return nil
	})
}

// UnsetEnv removes one environment variable from the shell.
func (r *Registry) UnsetEnv(ctx context.Context, id, key string) error {
	return r.mutateShell(ctx, id, func(shell *Shell) error {
		delete(shell.Env, key)
		return nil
	})
}

// SetVenv records the active virtualenv name; empty clears it.
func (r *Registry) SetVenv(ctx context.Context, id, name string) error {
	return r.mutateShell(ctx, id, func(shell *Shell) error {
		shell.ActiveVenv = strings.TrimSpace(name)
		return nil
	})
}

// Touch bumps last_used_at.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.mutateShell(ctx, id, func(shell *Shell) error { return nil })
}

func (r *Registry) mutateShell(ctx context.Context, id string, fn func(*Shell) error) error {
	return r.update(ctx, func(file *registryFile) error {
		shell, ok := file.Shells[id]
		if !ok {
			return fmt.Errorf("%w: %s", toolerr.ErrUnknownSession, id)
		}
		if err := fn(shell); err != nil {
			return err
		}
		shell.LastUsedAt = unixSeconds(r.now())
		return nil
	})
}

func (r *Registry) update(ctx context.Context, fn func(*registryFile) error) error {
	return r.withLock(ctx, func() error {
		file := r.load()
		if err := fn(&file); err != nil {
			return err
		}
		return r.save(&file)
	})
}

func (r *Registry) view(ctx context.Context, fn func(registryFile) error) error {
	return r.withLock(ctx, func() error {
		return fn(r.load())
	})
}

func (r *Registry) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	fileLock := flock.New(r.lockPath)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("session registry lock held for over %s", r.lockTimeout)
		}
		return fmt.Errorf("acquire session registry lock: %w", err)
	}
	if !locked {
		return errors.New("session registry lock not acquired")
	}
	defer func() { _ = fileLock.Unlock() }()
	return fn()
}

func (r *Registry) load() registryFile {
	file := registryFile{Shells: map[string]*Shell{}}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return file
	}
	if err := json.Unmarshal(data, &file); err != nil {
		r.logger.Warn("session registry unreadable, resetting", "path", r.path, "error", err)
		return registryFile{Shells: map[string]*Shell{}}
	}
	if file.Shells == nil {
		file.Shells = map[string]*Shell{}
	}
	return file
}

func (r *Registry) save(file *registryFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace session registry: %w", err)
	}
	return nil
}

// ResolveRemoteDir applies a cd argument to a logical cwd. Both input and
// output are tilde-rooted; any attempt to climb above the root fails.
func ResolveRemoteDir(cwd, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	var joined string
	switch {
	case arg == "" || arg == "~":
		return "~", nil
	case strings.HasPrefix(arg, "~/"):
		joined = arg[1:]
	case strings.HasPrefix(arg, "/"):
		// Absolute local paths must be translated before they get here.
		return "", fmt.Errorf("%w: %s is outside the remote root", toolerr.ErrForbiddenPath, arg)
	default:
		joined = strings.TrimPrefix(cwd, "~") + "/" + arg
	}

	var stack []string
	for _, segment := range strings.Split(joined, "/") {
		switch segment {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: cd above remote root", toolerr.ErrForbiddenPath)
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, segment)
		}
	}
	if len(stack) == 0 {
		return "~", nil
	}
	return "~/" + strings.Join(stack, "/"), nil
}

func newShellID() string {
	sum := sha1.Sum([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])[:8]
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
