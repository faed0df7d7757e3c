package extraction

import "errors"

// ErrNotConfigured means the capability has no credentials. The request never
// started and stays in backlog.
var ErrNotConfigured = errors.New("extraction capability is not configured")

// CapabilityError wraps a failed or unparseable extraction call.
type CapabilityError struct {
	Err error
}

func (e *CapabilityError) Error() string { return "extraction call failed: " + e.Err.Error() }
func (e *CapabilityError) Unwrap() error { return e.Err }

// CommitError wraps a persistence failure after a successful extraction. The
// extracted data is lost.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string { return "commit extracted tasks: " + e.Err.Error() }
func (e *CommitError) Unwrap() error { return e.Err }
