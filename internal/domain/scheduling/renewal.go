package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/libelle/agenda/internal/platform/notify"
)

// RenewalAction is the verdict on an expiring block.
type RenewalAction string

const (
	RenewalRenew   RenewalAction = "renew"
	RenewalDismiss RenewalAction = "dismiss"
)

// RenewalDecision resolves one pending block. Weeks applies to renew,
// EffectiveWeek to dismiss. EffectiveWeek is a pointer because week 0 is a
// legal index; nil means the dismissal takes effect after the block ends.
type RenewalDecision struct {
	Action        RenewalAction `json:"action"`
	Weeks         int           `json:"weeks,omitempty"`
	EffectiveWeek *int          `json:"effective_week,omitempty"`
}

// FindRenewalCandidates returns every block whose end week falls within
// horizonWeeks of currentWeek and is not dismissed, moving active ones to
// pending_renewal on the way. The sweep is idempotent: blocks already pending
// are reported again without a second event, so re-polling is harmless.
// Results are ordered by end week then patient id.
func (s *Service) FindRenewalCandidates(ctx context.Context, currentWeek, horizonWeeks int) ([]*Block, error) {
	if horizonWeeks < 0 {
		return nil, fmt.Errorf("horizon must not be negative")
	}
	candidates, err := s.blocks.ListExpiring(ctx,
		[]BlockStatus{BlockActive, BlockPendingRenewal}, currentWeek+horizonWeeks)
	if err != nil {
		return nil, fmt.Errorf("list expiring blocks: %w", err)
	}

	out := make([]*Block, 0, len(candidates))
	for _, b := range candidates {
		if b.Status == BlockActive {
			err := s.blocks.UpdateStatus(ctx, b.ID, BlockActive, BlockPendingRenewal)
			switch {
			case err == nil:
				b.Status = BlockPendingRenewal
				b.VersionID++
				s.publish(ctx, notify.EventBlockPendingRenewal, b, map[string]int{"end_week": b.EndWeek})
			case errors.Is(err, ErrStatusConflict):
				// Raced with a decide or another sweep; report the current
				// stored state instead.
				cur, gerr := s.blocks.GetByID(ctx, b.ID)
				if gerr != nil {
					return nil, gerr
				}
				if cur.Status != BlockPendingRenewal {
					continue
				}
				b = cur
			default:
				return nil, err
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// DecideRenewal settles one pending block. Concurrent decides on the same
// block are linearized by the per-block lock plus the status CAS: exactly one
// succeeds, the rest get ErrNotPending.
func (s *Service) DecideRenewal(ctx context.Context, blockID uuid.UUID, d RenewalDecision) (*Block, error) {
	unlock := s.lockBlock(blockID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, blockID)
	if err != nil {
		return nil, err
	}
	if block.Status != BlockPendingRenewal {
		return nil, ErrNotPending
	}

	switch d.Action {
	case RenewalRenew:
		if d.Weeks <= 0 {
			return nil, fmt.Errorf("weeks must be positive")
		}
		renewed, _, err := s.appendWeeks(ctx, block, d.Weeks, BlockPendingRenewal)
		if IsConflict(err) {
			// Trailing weeks are taken. The reservation failed before the
			// status CAS ran, so the block stays pending; the caller can
			// retry with another span or dismiss.
			return nil, err
		}
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrNotPending
		}
		if err != nil {
			return nil, err
		}
		payload, _ := json.Marshal(map[string]int{"end_week": renewed.EndWeek, "weeks_added": d.Weeks})
		s.events.Publish(ctx, notify.Event{
			ID:        uuid.New(),
			Type:      notify.EventBlockRenewed,
			BlockID:   renewed.ID,
			PatientID: renewed.PatientID,
			Payload:   payload,
			Timestamp: s.now(),
		})
		return renewed, nil

	case RenewalDismiss:
		currentWeek, err := s.CurrentWeek()
		if err != nil {
			return nil, err
		}
		effective := block.EndWeek + 1
		if d.EffectiveWeek != nil {
			effective = *d.EffectiveWeek
		}
		if effective < currentWeek {
			return nil, fmt.Errorf("%w: week %d is before current week %d", ErrInvalidEffectiveWeek, effective, currentWeek)
		}
		if err := s.blocks.UpdateStatus(ctx, blockID, BlockPendingRenewal, BlockDismissed); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return nil, ErrNotPending
			}
			return nil, err
		}
		// As in DismissBlock, the CAS is the durable step; a failure in
		// the cleanup below leaves live assignments that stay
		// cancellable one by one through CancelAssignment.
		all, err := s.assignments.ListByBlock(ctx, blockID)
		if err != nil {
			return nil, fmt.Errorf("list assignments: %w", err)
		}
		for _, a := range all {
			if !a.IsLive() || a.WeekIndex < effective {
				continue
			}
			if err := s.assignments.Cancel(ctx, a.ID); err != nil {
				return nil, fmt.Errorf("cancel assignment %s: %w", a.ID, err)
			}
			s.index.ReleasePair(PatientResource(a.PatientID), ProfessionalResource(a.ProfessionalID), a.Slot, a.WeekIndex)
		}
		block.Status = BlockDismissed
		block.VersionID++
		s.publish(ctx, notify.EventBlockDismissed, block, map[string]int{"effective_week": effective})
		return block, nil

	default:
		return nil, fmt.Errorf("invalid renewal action: %q", d.Action)
	}
}
