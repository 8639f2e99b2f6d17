// Package cbterrors collects the sentinel errors and fan-out helpers shared
// by the buffer-tree engine.
package cbterrors

import "github.com/pkg/errors"

// Sentinel errors a caller can match against with errors.Is. Wrapped with
// github.com/pkg/errors at the point of origin so they keep a stack trace
// without losing their identity.
var (
	// ErrInvariantViolation marks a programmer error the reference
	// implementation treats as a fatal assertion: inserting into a full
	// buffer, splitting a leaf whose entries all share one hash, walking
	// past the last child while partitioning.
	ErrInvariantViolation = errors.New("cbt: invariant violation")

	// ErrOutOfMemory marks allocation failure for a fresh buffer or node.
	ErrOutOfMemory = errors.New("cbt: out of memory")

	// ErrEngineClosed is returned by BulkInsert/Insert and NextValue/BulkRead
	// once NextValue has reported exhaustion. Clear does not close the
	// engine: it reinitializes it for further use.
	ErrEngineClosed = errors.New("cbt: engine closed")

	// ErrDraining is returned by BulkInsert/Insert if called while a drain
	// is in progress. The engine forbids concurrent drain and insert.
	ErrDraining = errors.New("cbt: drain in progress, insert rejected")
)

// IsInvariantViolation reports whether err (or any error it wraps) is an
// invariant violation, the boundary between "bug in caller" and normal
// operation that the rest of the engine is allowed to rely on.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
