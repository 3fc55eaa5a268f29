package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Expected failure modes of the scheduling engine. Callers branch on these;
// none of them indicates a bug inside the engine itself.
var (
	ErrInvalidSlotKey       = errors.New("invalid slot key")
	ErrInvalidDate          = errors.New("date precedes the scheduling epoch")
	ErrInvalidEffectiveWeek = errors.New("effective week is in the past")
	ErrAlreadyCancelled     = errors.New("assignment is already cancelled")
	ErrNotPending           = errors.New("block is not pending renewal")
	ErrUnknownBlock         = errors.New("block not found")
	ErrUnknownAssignment    = errors.New("assignment not found")
	ErrInvalidTransition    = errors.New("block status transition not allowed")

	// ErrStatusConflict is returned by repositories when a compare-and-set
	// status update observed a different prior status than expected. The
	// service maps it to ErrNotPending for renewal decisions.
	ErrStatusConflict = errors.New("block status changed concurrently")
)

// ConflictError reports a slot occupancy collision. Week is the first
// conflicting week in ascending order, so messages and tests are
// deterministic regardless of how many weeks collide.
type ConflictError struct {
	Week                 int
	Resource             Resource
	ExistingAssignmentID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot already occupied: %s %s at week %d (assignment %s)",
		e.Resource.Kind, e.Resource.ID, e.Week, e.ExistingAssignmentID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
