package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBlockRepo is a thread-safe, in-memory BlockRepository. It backs the
// "memory" storage driver and the test suite, with the same compare-and-set
// semantics as the Postgres implementation.
type MemoryBlockRepo struct {
	mu     sync.RWMutex
	blocks map[uuid.UUID]*Block
}

func NewMemoryBlockRepo() *MemoryBlockRepo {
	return &MemoryBlockRepo{blocks: make(map[uuid.UUID]*Block)}
}

func (s *MemoryBlockRepo) Create(_ context.Context, b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.VersionID == 0 {
		b.VersionID = 1
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	if _, exists := s.blocks[b.ID]; exists {
		return fmt.Errorf("block %s already exists", b.ID)
	}
	cp := *b
	s.blocks[b.ID] = &cp
	return nil
}

func (s *MemoryBlockRepo) GetByID(_ context.Context, id uuid.UUID) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, ErrUnknownBlock
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryBlockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return s.list(limit, offset, func(b *Block) bool { return b.PatientID == patientID })
}

func (s *MemoryBlockRepo) ListByProfessional(_ context.Context, professionalID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return s.list(limit, offset, func(b *Block) bool { return b.ProfessionalID == professionalID })
}

func (s *MemoryBlockRepo) list(limit, offset int, match func(*Block) bool) ([]*Block, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Block
	for _, b := range s.blocks {
		if match(b) {
			cp := *b
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].StartWeek != all[j].StartWeek {
			return all[i].StartWeek < all[j].StartWeek
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryBlockRepo) ListExpiring(_ context.Context, statuses []BlockStatus, maxEndWeek int) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[BlockStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var result []*Block
	for _, b := range s.blocks {
		if want[b.Status] && b.EndWeek <= maxEndWeek {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EndWeek != result[j].EndWeek {
			return result[i].EndWeek < result[j].EndWeek
		}
		return result[i].PatientID.String() < result[j].PatientID.String()
	})
	return result, nil
}

func (s *MemoryBlockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to BlockStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return ErrUnknownBlock
	}
	if b.Status != from {
		return ErrStatusConflict
	}
	b.Status = to
	b.VersionID++
	b.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryBlockRepo) Extend(_ context.Context, id uuid.UUID, newEndWeek int, from, to BlockStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return ErrUnknownBlock
	}
	if b.Status != from {
		return ErrStatusConflict
	}
	b.EndWeek = newEndWeek
	b.Status = to
	b.VersionID++
	b.UpdatedAt = time.Now()
	return nil
}

// MemoryAssignmentRepo is a thread-safe, in-memory AssignmentRepository.
type MemoryAssignmentRepo struct {
	mu          sync.RWMutex
	assignments map[uuid.UUID]*Assignment
}

func NewMemoryAssignmentRepo() *MemoryAssignmentRepo {
	return &MemoryAssignmentRepo{assignments: make(map[uuid.UUID]*Assignment)}
}

func (s *MemoryAssignmentRepo) CreateBatch(_ context.Context, assignments []*Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assignments {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if _, exists := s.assignments[a.ID]; exists {
			return fmt.Errorf("assignment %s already exists", a.ID)
		}
	}
	now := time.Now()
	for _, a := range assignments {
		if a.VersionID == 0 {
			a.VersionID = 1
		}
		a.CreatedAt = now
		a.UpdatedAt = now
		cp := *a
		s.assignments[a.ID] = &cp
	}
	return nil
}

func (s *MemoryAssignmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, ErrUnknownAssignment
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryAssignmentRepo) ListByBlock(_ context.Context, blockID uuid.UUID) ([]*Assignment, error) {
	return s.list(func(a *Assignment) bool { return a.BlockID == blockID }), nil
}

func (s *MemoryAssignmentRepo) ListLive(_ context.Context) ([]*Assignment, error) {
	return s.list(func(a *Assignment) bool { return a.IsLive() }), nil
}

func (s *MemoryAssignmentRepo) ListLiveByPatientWeek(_ context.Context, patientID uuid.UUID, week int) ([]*Assignment, error) {
	return s.list(func(a *Assignment) bool {
		return a.IsLive() && a.PatientID == patientID && a.WeekIndex == week
	}), nil
}

func (s *MemoryAssignmentRepo) ListLiveBySpecialtyWeek(_ context.Context, specialty string, week int) ([]*Assignment, error) {
	return s.list(func(a *Assignment) bool {
		return a.IsLive() && a.Specialty == specialty && a.WeekIndex == week
	}), nil
}

func (s *MemoryAssignmentRepo) Cancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return ErrUnknownAssignment
	}
	if a.Status == AssignmentCancelled {
		return ErrAlreadyCancelled
	}
	a.Status = AssignmentCancelled
	a.VersionID++
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryAssignmentRepo) list(match func(*Assignment) bool) []*Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Assignment
	for _, a := range s.assignments {
		if match(a) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WeekIndex != result[j].WeekIndex {
			return result[i].WeekIndex < result[j].WeekIndex
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result
}
