// Package queue holds the on-disk single-slot window queue shared by every
// orchestrator process on the machine.
package queue

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Request is one in-queue record. Owner pid/thread identify the creator for
// debugging; authoritative liveness is the heartbeat bit.
type Request struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	OwnerPID          int     `json:"owner_pid"`
	OwnerThread       int     `json:"owner_thread"`
	RequestTime       float64 `json:"request_time"`
	StartTime         float64 `json:"start_time,omitempty"`
	Heartbeat         bool    `json:"heartbeat"`
	HeartbeatFailures int     `json:"heartbeat_failures"`
}

// State is the whole queue file. Index 0 of WindowQueue is the current
// holder when its status is active; everyone behind waits in arrival order.
type State struct {
	WindowQueue           []Request `json:"window_queue"`
	CompletedWindowsCount int       `json:"completed_windows_count"`
	LastWindowOpenTime    float64   `json:"last_window_open_time"`
	LastUpdate            float64   `json:"last_update"`
}

func (s *State) Head() *Request {
	if len(s.WindowQueue) == 0 {
		return nil
	}
	return &s.WindowQueue[0]
}

func (s *State) Waiters() []Request {
	if len(s.WindowQueue) <= 1 {
		return nil
	}
	return s.WindowQueue[1:]
}

// IndexOf returns the position of the request in the queue, or -1.
func (s *State) IndexOf(id string) int {
	for i := range s.WindowQueue {
		if s.WindowQueue[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) PushTail(req Request) {
	s.WindowQueue = append(s.WindowQueue, req)
}

// PopHead removes and returns the head request, if any.
func (s *State) PopHead() (Request, bool) {
	if len(s.WindowQueue) == 0 {
		return Request{}, false
	}
	head := s.WindowQueue[0]
	s.WindowQueue = s.WindowQueue[1:]
	return head, true
}

var requestSeq atomic.Int64

// NewRequestID mints a queue-unique request id. The trailing sequence number
// distinguishes concurrent requests from the same process.
func NewRequestID(now time.Time) string {
	return fmt.Sprintf("req_%d_%d_%d", now.UnixMilli(), os.Getpid(), requestSeq.Add(1))
}

// NewRequest builds a waiting-state record for the calling process.
func NewRequest(now time.Time) Request {
	return Request{
		ID:          NewRequestID(now),
		Status:      StatusWaiting,
		OwnerPID:    os.Getpid(),
		OwnerThread: int(requestSeq.Load()),
		RequestTime: UnixSeconds(now),
	}
}

// UnixSeconds renders a timestamp in the float-seconds form the queue file
// uses on disk.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
