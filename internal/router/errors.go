package router

import (
	"errors"
	"fmt"
)

// ErrBudgetExceeded means the projected cost of a call would push the run
// past its ceiling. It is returned before any network traffic and is never
// subject to fallback.
var ErrBudgetExceeded = errors.New("budget ceiling exceeded")

// GenerationError reports a failed generation after fallback options are
// exhausted. Backend names the last backend tried; when a fallback also
// failed, Err joins both attempts' errors.
type GenerationError struct {
	Stage   string
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("stage %s failed on backend %s: %v", e.Stage, e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
