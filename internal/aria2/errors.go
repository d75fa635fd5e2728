package aria2

import (
	"fmt"
	"strings"
)

// ClosedError is returned by operations attempted after the Client or Monitor was closed.
type ClosedError struct {
	Operation string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("cannot %s: client is closed", e.Operation)
}

// SubmissionError is returned when an add-download call did not yield a gid.
type SubmissionError struct {
	Method string
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit download via %s: %v", e.Method, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// QueryError is returned when a status query for a single task failed. The registry is left
// untouched.
type QueryError struct {
	GID string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("failed to query status of %s: %v", e.GID, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// TickError describes a failed poll cycle, or a failed entry within one. It is logged and never
// returned to callers.
type TickError struct {
	GIDs []string
	Err  error
}

func (e *TickError) Error() string {
	return fmt.Sprintf("poll tick failed for [%s]: %v", strings.Join(e.GIDs, ","), e.Err)
}

func (e *TickError) Unwrap() error {
	return e.Err
}

// ShutdownCallError is the swallowed failure of aria2.shutdown or aria2.forceShutdown.
type ShutdownCallError struct {
	Force bool
	Err   error
}

func (e *ShutdownCallError) Error() string {
	return fmt.Sprintf("shutdown call (force=%t) failed: %v", e.Force, e.Err)
}

func (e *ShutdownCallError) Unwrap() error {
	return e.Err
}

// ConnectionError is returned by Connect when the RPC connection cannot be opened.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
