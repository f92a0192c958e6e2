package attachment

import "errors"

var (
	// ErrNotFound is returned when an attachment id does not exist.
	ErrNotFound = errors.New("attachment not found")

	// ErrUnknownMutation is returned when attaching to a mutation that is
	// not queued (never existed or already synced).
	ErrUnknownMutation = errors.New("unknown owner mutation")

	// ErrOwnerNotPending is returned when attaching to a mutation the engine
	// has already picked up (syncing or failed).
	ErrOwnerNotPending = errors.New("owner mutation not pending")

	// ErrOwnerNotSynced is returned when deleting attachments whose owner
	// mutation has not been synced yet.
	ErrOwnerNotSynced = errors.New("owner mutation not synced")

	// ErrMimeTypeRequired is returned when Attach is called without a mime type.
	ErrMimeTypeRequired = errors.New("mime type is required")
)
