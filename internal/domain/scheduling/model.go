package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// ResourceKind distinguishes the two sides of a booking.
type ResourceKind string

const (
	ResourceProfessional ResourceKind = "professional"
	ResourcePatient      ResourceKind = "patient"
)

// Resource identifies one party whose weekly time is being occupied. It is
// half of a conflict-index key.
type Resource struct {
	Kind ResourceKind `json:"kind"`
	ID   uuid.UUID    `json:"id"`
}

func ProfessionalResource(id uuid.UUID) Resource {
	return Resource{Kind: ResourceProfessional, ID: id}
}

func PatientResource(id uuid.UUID) Resource {
	return Resource{Kind: ResourcePatient, ID: id}
}

// AssignmentStatus is the lifecycle of a single weekly session.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// Assignment binds one patient and one professional to one slot for one
// calendar week. Assignments are never deleted; cancellation flips the status
// so the booking history stays intact.
type Assignment struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	BlockID        uuid.UUID        `db:"block_id" json:"block_id"`
	PatientID      uuid.UUID        `db:"patient_id" json:"patient_id"`
	ProfessionalID uuid.UUID        `db:"professional_id" json:"professional_id"`
	Slot           SlotKey          `json:"slot"`
	WeekIndex      int              `db:"week_index" json:"week_index"`
	Specialty      string           `db:"specialty" json:"specialty"`
	Status         AssignmentStatus `db:"status" json:"status"`
	VersionID      int              `db:"version_id" json:"version_id"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (a *Assignment) GetVersionID() int { return a.VersionID }

// SetVersionID sets the current version.
func (a *Assignment) SetVersionID(v int) { a.VersionID = v }

// IsLive reports whether the assignment still occupies its slot.
func (a *Assignment) IsLive() bool { return a.Status == AssignmentActive }

// BlockStatus is the lifecycle of a recurring block. A renewed block simply
// returns to Active; there is no separate terminal "renewed" state.
type BlockStatus string

const (
	BlockActive         BlockStatus = "active"
	BlockPendingRenewal BlockStatus = "pending_renewal"
	BlockDismissed      BlockStatus = "dismissed"
)

// blockTransitions is the closed set of legal status moves. Anything not
// listed is rejected, which keeps impossible state combinations out of
// storage entirely.
var blockTransitions = map[BlockStatus]map[BlockStatus]bool{
	BlockActive: {
		BlockPendingRenewal: true,
		BlockDismissed:      true,
	},
	BlockPendingRenewal: {
		BlockActive:    true, // renewal clears the pending flag
		BlockDismissed: true,
	},
	BlockDismissed: {},
}

// CanTransition reports whether a block may move from one status to another.
func CanTransition(from, to BlockStatus) bool {
	return blockTransitions[from][to]
}

// Block is a contiguous run of weekly assignments between one patient and one
// professional at one slot, for one specialty. Every week in
// [StartWeek, EndWeek] carries exactly one live assignment while the block is
// not dismissed. Blocks are never deleted; closed blocks remain for history.
type Block struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	PatientID      uuid.UUID   `db:"patient_id" json:"patient_id"`
	ProfessionalID uuid.UUID   `db:"professional_id" json:"professional_id"`
	Slot           SlotKey     `json:"slot"`
	Specialty      string      `db:"specialty" json:"specialty"`
	StartWeek      int         `db:"start_week" json:"start_week"`
	EndWeek        int         `db:"end_week" json:"end_week"`
	Status         BlockStatus `db:"status" json:"status"`
	VersionID      int         `db:"version_id" json:"version_id"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (b *Block) GetVersionID() int { return b.VersionID }

// SetVersionID sets the current version.
func (b *Block) SetVersionID(v int) { b.VersionID = v }

// PatientResource returns the patient side of the block's bookings.
func (b *Block) PatientResource() Resource { return PatientResource(b.PatientID) }

// ProfessionalResource returns the professional side of the block's bookings.
func (b *Block) ProfessionalResource() Resource { return ProfessionalResource(b.ProfessionalID) }

// ExpiresWithin reports whether the block's end week falls inside the renewal
// look-ahead horizon.
func (b *Block) ExpiresWithin(currentWeek, horizonWeeks int) bool {
	return b.EndWeek-currentWeek <= horizonWeeks
}
