package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// BlockRepository is the persistence collaborator for recurring blocks.
// Status mutations are compare-and-set against the expected prior status:
// implementations return ErrStatusConflict when the stored status differs,
// which is what linearizes concurrent renewal decisions.
type BlockRepository interface {
	Create(ctx context.Context, b *Block) error
	GetByID(ctx context.Context, id uuid.UUID) (*Block, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Block, int, error)
	ListByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Block, int, error)
	// ListExpiring returns blocks in any of the given statuses whose end week
	// is at most maxEndWeek, ordered by end week then patient id.
	ListExpiring(ctx context.Context, statuses []BlockStatus, maxEndWeek int) ([]*Block, error)
	// UpdateStatus moves the block from one status to another atomically.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to BlockStatus) error
	// Extend sets a new end week and moves the status in the same
	// compare-and-set write.
	Extend(ctx context.Context, id uuid.UUID, newEndWeek int, from, to BlockStatus) error
}

// AssignmentRepository is the persistence collaborator for weekly
// assignments.
type AssignmentRepository interface {
	CreateBatch(ctx context.Context, assignments []*Assignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	ListByBlock(ctx context.Context, blockID uuid.UUID) ([]*Assignment, error)
	// ListLive returns every active assignment; used to rebuild the conflict
	// index at boot.
	ListLive(ctx context.Context) ([]*Assignment, error)
	ListLiveByPatientWeek(ctx context.Context, patientID uuid.UUID, week int) ([]*Assignment, error)
	ListLiveBySpecialtyWeek(ctx context.Context, specialty string, week int) ([]*Assignment, error)
	// Cancel flips active to cancelled; ErrAlreadyCancelled if it already was.
	Cancel(ctx context.Context, id uuid.UUID) error
}
