package lifecycle

import "errors"

// Sentinel errors for the broker's semantic error kinds. Transport layers
// map these to status codes at the boundary.
var (
	// ErrNotFound indicates the referenced task or agent does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates an illegal transition or a precondition
	// that drifted between read and write.
	ErrStateConflict = errors.New("state conflict")

	// ErrBlocked indicates the prompt failed the security scan.
	ErrBlocked = errors.New("prompt blocked by security scan")

	// ErrMissingDiff indicates a review submission on a code task without a
	// meaningful diff.
	ErrMissingDiff = errors.New("review submission requires a diff")

	// ErrNotAcked indicates a response sent from a status where the agent
	// never confirmed receipt.
	ErrNotAcked = errors.New("task not acknowledged")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates the caller does not own the task.
	ErrUnauthorized = errors.New("unauthorized")
)
