package job

import "errors"

var (
	// ErrNoEligibleFiles is returned when a batch would contain zero items.
	ErrNoEligibleFiles = errors.New("no eligible files")

	// ErrConcurrentOperation is returned when a batch is submitted while another is active.
	ErrConcurrentOperation = errors.New("another operation is already running")

	// ErrInvalidWorkItem is returned for items whose inputs or output do not fit their kind.
	ErrInvalidWorkItem = errors.New("invalid work item")
)
