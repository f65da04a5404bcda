package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds from spec.md §7.
var (
	ErrAlignment         = errors.New("misaligned request")
	ErrMemberIO          = errors.New("member device I/O error")
	ErrDegradedNoParity  = errors.New("data member dead and parity unavailable")
	ErrQuiesceTimeout    = errors.New("quiesce timed out")
	ErrMessageTooLong    = errors.New("message body exceeds maximum")
	ErrUnexpectedMessage = errors.New("unexpected message on control socket")
)

// ErrAborted wraps the reason a region or in-flight request was aborted,
// mirroring cmn.NewErrAborted in tcb.go (`r.dm.Close(err)` path).
type ErrAborted struct {
	What string
	Why  error
}

func NewErrAborted(what string, why error) *ErrAborted {
	return &ErrAborted{What: what, Why: why}
}

func (e *ErrAborted) Error() string {
	if e.Why == nil {
		return fmt.Sprintf("%s: aborted", e.What)
	}
	return fmt.Sprintf("%s: aborted: %v", e.What, e.Why)
}

func (e *ErrAborted) Unwrap() error { return e.Why }

// Wrap adds context the way pkg/errors.Wrap does throughout the teacher.
func Wrap(err error, msg string) error { return errors.Wrap(err, msg) }

func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}
