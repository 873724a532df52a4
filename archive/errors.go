package archive

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAllMirrorsFailed is the only failure Resolve reports to callers
var ErrAllMirrorsFailed = errors.New("all archive services failed")

// MirrorError describes why a single request to a mirror failed. Either
// Status is set (the mirror answered with a non-2xx status) or Err is set
// (the request never produced a response).
type MirrorError struct {
	Mirror string
	Status int
	Err    error
}

func (e *MirrorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mirror %s: %v", e.Mirror, e.Err)
	}
	return fmt.Sprintf("mirror %s: unexpected status %d %s", e.Mirror, e.Status, http.StatusText(e.Status))
}

func (e *MirrorError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the mirror answered 429 Too Many Requests
func (e *MirrorError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}
