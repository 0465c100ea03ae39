package intelligence

import "errors"

var (
	// ErrInvalidStrategy is returned for a conflict strategy that is not one
	// of keep_new, keep_old, merge or keep_frequent.
	ErrInvalidStrategy = errors.New("invalid conflict resolution strategy")

	// ErrInvalidConfig is returned for out-of-range engine or resolver settings.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoAuditLogPath is returned when the audit log is saved without a path.
	ErrNoAuditLogPath = errors.New("no audit log path configured")
)
