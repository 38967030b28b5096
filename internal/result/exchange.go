// Package result implements the file conventions through which the remote
// side reports a command's outcome. The remote writes one JSON document per
// request; the orchestrator reads it once, keeps the truncation flag, and
// deletes the file best-effort.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ivo/driveshell/internal/toolerr"
)

const pollFallbackInterval = 250 * time.Millisecond

// Payload is the remote-written result document.
type Payload struct {
	Success   bool   `json:"success"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated,omitempty"`
}

type Exchange struct {
	dir      string
	grace    time.Duration
	maxBytes int
	logger   *slog.Logger
}

func NewExchange(dir string, grace time.Duration, maxBytes int, logger *slog.Logger) *Exchange {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}
	return &Exchange{dir: dir, grace: grace, maxBytes: maxBytes, logger: logger}
}

// PathFor returns the pre-agreed result file path for a request.
func (e *Exchange) PathFor(requestID string) string {
	return filepath.Join(e.dir, "run_"+requestID+".json")
}

// Await reads the result for the request, tolerating the shared drive's
// write-propagation lag up to the grace interval. A directory watch catches
// the file as it lands; a slow poll backs the watch up since cloud-drive
// mounts do not always deliver inotify events. A document that fails to
// parse is treated the same as a file that has not arrived yet: the remote
// writer may still be mid-flight, so bad_result only surfaces once the
// grace deadline has passed.
func (e *Exchange) Await(ctx context.Context, requestID string) (Payload, error) {
	path := e.PathFor(requestID)

	if payload, err := e.read(path); err == nil {
		return payload, nil
	} else if !retriable(err) {
		return Payload{}, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if addErr := watcher.Add(e.dir); addErr != nil {
			e.logger.Warn("result dir watch unavailable, polling only", "dir", e.dir, "error", addErr)
		}
	} else {
		e.logger.Warn("fsnotify unavailable, polling only", "error", err)
		watcher = nil
	}

	deadline := time.NewTimer(e.grace)
	defer deadline.Stop()
	poll := time.NewTicker(pollFallbackInterval)
	defer poll.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		case <-deadline.C:
			payload, err := e.read(path)
			if err == nil {
				return payload, nil
			}
			if errors.Is(err, fs.ErrNotExist) {
				return Payload{}, fmt.Errorf("%w: %s not written within %s", toolerr.ErrNoResult, path, e.grace)
			}
			return Payload{}, err
		case event := <-events:
			if event.Name != path || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
		case <-poll.C:
		}
		payload, err := e.read(path)
		if err == nil {
			return payload, nil
		}
		if !retriable(err) {
			return Payload{}, err
		}
	}
}

// retriable reports whether a failed read may still succeed before the
// grace deadline: the file is absent, or present but torn mid-write.
func retriable(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, toolerr.ErrBadResult)
}

// read parses and consumes the result file. Shared-drive read failures are
// retried once after a brief backoff before surfacing.
func (e *Exchange) read(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		time.Sleep(200 * time.Millisecond)
		data, err = os.ReadFile(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Payload{}, err
		}
		return Payload{}, fmt.Errorf("read result file: %w", err)
	}
	if len(data) > e.maxBytes {
		return Payload{}, fmt.Errorf("%w: %d bytes exceeds the %d byte bound", toolerr.ErrBadResult, len(data), e.maxBytes)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		// May be a torn read of an in-flight write; Await keeps retrying
		// these until its grace deadline.
		e.logger.Warn("result file unparseable", "path", path, "error", err, "raw", clip(data, 1024))
		return Payload{}, fmt.Errorf("%w: %v", toolerr.ErrBadResult, err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn("result file not removed", "path", path, "error", err)
	}
	return payload, nil
}

func clip(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
