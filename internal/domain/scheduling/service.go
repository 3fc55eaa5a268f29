package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/libelle/agenda/internal/platform/notify"
)

// Service coordinates the conflict index with persistence. The index is the
// gatekeeper: every booking is reserved there first, then written to storage,
// and released again if the write fails. Index state therefore always covers
// at least the live assignments on disk.
type Service struct {
	blocks      BlockRepository
	assignments AssignmentRepository
	index       *ConflictIndex
	events      notify.Publisher
	logger      zerolog.Logger

	now func() time.Time

	// blockLocks serializes multi-step operations per block (extend, dismiss,
	// renewal decide). The repository CAS is the backstop; the lock keeps the
	// index and storage steps of one operation from interleaving with
	// another's.
	blockLocks sync.Map
}

func NewService(blocks BlockRepository, assignments AssignmentRepository, index *ConflictIndex, events notify.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		blocks:      blocks,
		assignments: assignments,
		index:       index,
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock replaces the time source. Tests use it to pin the current week.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CurrentWeek returns the week index of the injected clock's present moment.
func (s *Service) CurrentWeek() (int, error) {
	return WeekIndexOf(s.now())
}

func (s *Service) lockBlock(id uuid.UUID) func() {
	v, _ := s.blockLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Rehydrate rebuilds the conflict index from the live assignments in storage.
// Called once at boot before the server accepts traffic.
func (s *Service) Rehydrate(ctx context.Context) error {
	live, err := s.assignments.ListLive(ctx)
	if err != nil {
		return fmt.Errorf("list live assignments: %w", err)
	}
	s.index.Rebuild(live)
	s.logger.Info().Int("assignments", len(live)).Msg("conflict index rebuilt")
	return nil
}

// OpenBlockInput carries everything needed to start a new recurring block.
type OpenBlockInput struct {
	PatientID      uuid.UUID
	ProfessionalID uuid.UUID
	Slot           SlotKey
	Specialty      string
	StartWeek      int
	Weeks          int
}

func (in OpenBlockInput) validate() error {
	if in.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if in.ProfessionalID == uuid.Nil {
		return fmt.Errorf("professional_id is required")
	}
	if in.Specialty == "" {
		return fmt.Errorf("specialty is required")
	}
	if in.StartWeek < 0 {
		return fmt.Errorf("start_week must not be negative")
	}
	if in.Weeks <= 0 {
		return fmt.Errorf("weeks must be positive")
	}
	return in.Slot.Validate()
}

// OpenBlock creates a block plus one assignment for every week in its span.
// All weeks book or none do: a conflict anywhere reports the first conflicting
// week and leaves no trace.
func (s *Service) OpenBlock(ctx context.Context, in OpenBlockInput) (*Block, []*Assignment, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}

	block := &Block{
		ID:             uuid.New(),
		PatientID:      in.PatientID,
		ProfessionalID: in.ProfessionalID,
		Slot:           in.Slot,
		Specialty:      in.Specialty,
		StartWeek:      in.StartWeek,
		EndWeek:        in.StartWeek + in.Weeks - 1,
		Status:         BlockActive,
	}

	weeks := make([]int, 0, in.Weeks)
	ids := make(map[int]uuid.UUID, in.Weeks)
	assignments := make([]*Assignment, 0, in.Weeks)
	for w := block.StartWeek; w <= block.EndWeek; w++ {
		id := uuid.New()
		weeks = append(weeks, w)
		ids[w] = id
		assignments = append(assignments, &Assignment{
			ID:             id,
			BlockID:        block.ID,
			PatientID:      in.PatientID,
			ProfessionalID: in.ProfessionalID,
			Slot:           in.Slot,
			WeekIndex:      w,
			Specialty:      in.Specialty,
			Status:         AssignmentActive,
		})
	}

	if err := s.index.ReserveRange(block.PatientResource(), block.ProfessionalResource(), in.Slot, weeks, ids); err != nil {
		return nil, nil, err
	}

	if err := s.blocks.Create(ctx, block); err != nil {
		s.index.ReleaseRange(block.PatientResource(), block.ProfessionalResource(), in.Slot, weeks)
		return nil, nil, fmt.Errorf("create block: %w", err)
	}
	if err := s.assignments.CreateBatch(ctx, assignments); err != nil {
		s.index.ReleaseRange(block.PatientResource(), block.ProfessionalResource(), in.Slot, weeks)
		return nil, nil, fmt.Errorf("create assignments: %w", err)
	}

	s.logger.Info().
		Str("block_id", block.ID.String()).
		Int("start_week", block.StartWeek).
		Int("end_week", block.EndWeek).
		Str("slot", in.Slot.String()).
		Msg("block opened")
	return block, assignments, nil
}

// ExtendBlock appends weeks to an active or pending-renewal block, booking
// each trailing week at the block's slot. Extending a pending block clears the
// pending flag. Like OpenBlock, all trailing weeks book or none do.
func (s *Service) ExtendBlock(ctx context.Context, blockID uuid.UUID, weeks int) (*Block, []*Assignment, error) {
	if weeks <= 0 {
		return nil, nil, fmt.Errorf("weeks must be positive")
	}
	unlock := s.lockBlock(blockID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, blockID)
	if err != nil {
		return nil, nil, err
	}
	if block.Status != BlockActive && block.Status != BlockPendingRenewal {
		return nil, nil, fmt.Errorf("%w: cannot extend a %s block", ErrInvalidTransition, block.Status)
	}
	return s.appendWeeks(ctx, block, weeks, block.Status)
}

// appendWeeks books the trailing weeks after block.EndWeek and persists the
// new end. fromStatus pins the CAS: the extension only lands if the block is
// still in the status the caller observed.
func (s *Service) appendWeeks(ctx context.Context, block *Block, weeks int, fromStatus BlockStatus) (*Block, []*Assignment, error) {
	newEnd := block.EndWeek + weeks

	trailing := make([]int, 0, weeks)
	ids := make(map[int]uuid.UUID, weeks)
	assignments := make([]*Assignment, 0, weeks)
	for w := block.EndWeek + 1; w <= newEnd; w++ {
		id := uuid.New()
		trailing = append(trailing, w)
		ids[w] = id
		assignments = append(assignments, &Assignment{
			ID:             id,
			BlockID:        block.ID,
			PatientID:      block.PatientID,
			ProfessionalID: block.ProfessionalID,
			Slot:           block.Slot,
			WeekIndex:      w,
			Specialty:      block.Specialty,
			Status:         AssignmentActive,
		})
	}

	if err := s.index.ReserveRange(block.PatientResource(), block.ProfessionalResource(), block.Slot, trailing, ids); err != nil {
		return nil, nil, err
	}

	if err := s.blocks.Extend(ctx, block.ID, newEnd, fromStatus, BlockActive); err != nil {
		s.index.ReleaseRange(block.PatientResource(), block.ProfessionalResource(), block.Slot, trailing)
		return nil, nil, err
	}
	if err := s.assignments.CreateBatch(ctx, assignments); err != nil {
		s.index.ReleaseRange(block.PatientResource(), block.ProfessionalResource(), block.Slot, trailing)
		return nil, nil, fmt.Errorf("create assignments: %w", err)
	}

	block.EndWeek = newEnd
	block.Status = BlockActive
	block.VersionID++
	s.logger.Info().
		Str("block_id", block.ID.String()).
		Int("end_week", newEnd).
		Msg("block extended")
	return block, assignments, nil
}

// DismissBlock closes a block from effectiveWeek onward: assignments at or
// after that week are cancelled and their slots freed, earlier history stays.
// effectiveWeek must not be in the past.
func (s *Service) DismissBlock(ctx context.Context, blockID uuid.UUID, effectiveWeek int) (*Block, error) {
	currentWeek, err := s.CurrentWeek()
	if err != nil {
		return nil, err
	}
	if effectiveWeek < currentWeek {
		return nil, fmt.Errorf("%w: week %d is before current week %d", ErrInvalidEffectiveWeek, effectiveWeek, currentWeek)
	}

	unlock := s.lockBlock(blockID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(block.Status, BlockDismissed) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, block.Status, BlockDismissed)
	}

	if err := s.blocks.UpdateStatus(ctx, blockID, block.Status, BlockDismissed); err != nil {
		return nil, err
	}

	// The status CAS above is the single durable step; the cancellation
	// loop below is cleanup. If storage fails mid-loop the block stays
	// dismissed with live trailing assignments, each of which remains
	// individually cancellable through CancelAssignment.
	all, err := s.assignments.ListByBlock(ctx, blockID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	for _, a := range all {
		if !a.IsLive() || a.WeekIndex < effectiveWeek {
			continue
		}
		if err := s.assignments.Cancel(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("cancel assignment %s: %w", a.ID, err)
		}
		s.index.ReleasePair(PatientResource(a.PatientID), ProfessionalResource(a.ProfessionalID), a.Slot, a.WeekIndex)
	}

	block.Status = BlockDismissed
	block.VersionID++
	s.publish(ctx, notify.EventBlockDismissed, block, map[string]int{"effective_week": effectiveWeek})
	s.logger.Info().
		Str("block_id", blockID.String()).
		Int("effective_week", effectiveWeek).
		Msg("block dismissed")
	return block, nil
}

// CancelAssignment cancels one weekly session without touching its block.
func (s *Service) CancelAssignment(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.assignments.Cancel(ctx, id); err != nil {
		return nil, err
	}
	s.index.ReleasePair(PatientResource(a.PatientID), ProfessionalResource(a.ProfessionalID), a.Slot, a.WeekIndex)
	a.Status = AssignmentCancelled
	a.VersionID++

	payload, _ := json.Marshal(map[string]interface{}{"assignment_id": a.ID, "week_index": a.WeekIndex})
	s.events.Publish(ctx, notify.Event{
		ID:        uuid.New(),
		Type:      notify.EventAssignmentCancelled,
		BlockID:   a.BlockID,
		PatientID: a.PatientID,
		Payload:   payload,
		Timestamp: s.now(),
	})
	s.logger.Info().
		Str("assignment_id", id.String()).
		Int("week_index", a.WeekIndex).
		Msg("assignment cancelled")
	return a, nil
}

// GetBlock returns one block by id.
func (s *Service) GetBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	return s.blocks.GetByID(ctx, id)
}

// ListBlocksByPatient pages a patient's blocks.
func (s *Service) ListBlocksByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return s.blocks.ListByPatient(ctx, patientID, limit, offset)
}

// ListBlocksByProfessional pages a professional's blocks.
func (s *Service) ListBlocksByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return s.blocks.ListByProfessional(ctx, professionalID, limit, offset)
}

// ListBlockAssignments returns every assignment of a block, live or not.
func (s *Service) ListBlockAssignments(ctx context.Context, blockID uuid.UUID) ([]*Assignment, error) {
	if _, err := s.blocks.GetByID(ctx, blockID); err != nil {
		return nil, err
	}
	return s.assignments.ListByBlock(ctx, blockID)
}

func (s *Service) publish(ctx context.Context, eventType string, block *Block, extra interface{}) {
	var payload json.RawMessage
	if extra != nil {
		payload, _ = json.Marshal(extra)
	}
	s.events.Publish(ctx, notify.Event{
		ID:        uuid.New(),
		Type:      eventType,
		BlockID:   block.ID,
		PatientID: block.PatientID,
		Payload:   payload,
		Timestamp: s.now(),
	})
}
