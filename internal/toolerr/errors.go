package toolerr

import "errors"

var (
	ErrSlotTimeout    = errors.New("slot timeout")
	ErrEvicted        = errors.New("evicted by next waiter")
	ErrNoResult       = errors.New("no result file")
	ErrBadResult      = errors.New("bad result file")
	ErrUnknownSession = errors.New("unknown session")
	ErrForbiddenPath  = errors.New("forbidden path")
	ErrWindowFailed   = errors.New("window failed")
	ErrWindowTimeout  = errors.New("window timeout")
)

// Kind returns the stable one-word tag for an error chain, used for
// single-line CLI errors and the structured --return output.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSlotTimeout):
		return "slot_timeout"
	case errors.Is(err, ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrNoResult):
		return "no_result"
	case errors.Is(err, ErrBadResult):
		return "bad_result"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrForbiddenPath):
		return "forbidden_path"
	case errors.Is(err, ErrWindowTimeout):
		return "timeout"
	case errors.Is(err, ErrWindowFailed):
		return "window_error"
	default:
		return "error"
	}
}
