package pagestore

import (
	"fmt"
)

// Status is the small enum surfaced at the engine boundary (spec §6/§7).
type Status int

const (
	OK Status = iota
	KeyNotFound
	IllegalState
	IOError
	InternalError
	Interrupted
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case IllegalState:
		return "ILLEGAL_STATE"
	case IOError:
		return "IO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusError attaches a Status to an underlying error so callers can map
// failures back to the boundary enum without re-deriving it from string
// matching or type switches on the underlying cause.
type StatusError struct {
	Status Status
	Err    error
}

func statusErrf(status Status, err error, format string, args ...any) error {
	return &StatusError{status, fmt.Errorf(format+": %w", append(args, err)...)}
}

func statusErr(status Status, msg string) error {
	return &StatusError{status, fmt.Errorf("%s", msg)}
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

// StatusOf maps any error produced by this package (or a plain nil) to its
// boundary Status, defaulting unrecognized errors to IO_ERROR per spec §6.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var se *StatusError
	if ok := asStatusError(err, &se); ok {
		return se.Status
	}
	return IOError
}

func asStatusError(err error, target **StatusError) bool {
	for err != nil {
		if se, ok := err.(*StatusError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// DataError wraps a decoding failure with the offending bytes (a bounded
// preview, not the full blob) and the byte offset the failure occurred at,
// so a top-level error message is self-describing without a debugger.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error { return e.Err }

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}

// PageError names the page, object and operation a failure occurred in.
type PageError struct {
	Page ID
	Op   string
	Obj  ObjectID
	Err  error
}

func pageErrf(page ID, op string, obj ObjectID, err error) error {
	return &PageError{page, op, obj, err}
}

func (e *PageError) Unwrap() error { return e.Err }

func (e *PageError) Error() string {
	if e.Obj != (ObjectID{}) {
		return fmt.Sprintf("page %s: %s(%s): %v", e.Page, e.Op, e.Obj, e.Err)
	}
	return fmt.Sprintf("page %s: %s: %v", e.Page, e.Op, e.Err)
}

// ErrKeyNotFound is returned by Snapshot.Get for a missing key.
var ErrKeyNotFound = &StatusError{KeyNotFound, fmt.Errorf("key not found")}

// ErrIllegalState is returned by operations on a closed handle or a journal
// that can no longer accept the requested operation.
var ErrIllegalState = &StatusError{IllegalState, fmt.Errorf("illegal state")}

// ErrCorrupted marks fatal corruption: a referenced object missing from the
// store, or a node failing its content-hash check. The owning page is
// quarantined by the caller upon seeing this error (see Page.quarantine).
var ErrCorrupted = &StatusError{InternalError, fmt.Errorf("corrupted page state")}
