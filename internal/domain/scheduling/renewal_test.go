package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func weekPtr(w int) *int { return &w }

// openExpiring opens a block whose end week lands within the given distance
// of the test clock's current week.
func openExpiring(t *testing.T, env *testEnv, weeksLeft int) (*Block, OpenBlockInput) {
	t.Helper()
	in := openInput()
	in.StartWeek = testCurrentWeek - 2
	in.Weeks = 2 + weeksLeft + 1 // ends at testCurrentWeek+weeksLeft
	block, _, err := env.svc.OpenBlock(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return block, in
}

func TestService_FindRenewalCandidates(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	soon, _ := openExpiring(t, env, 1)
	later, _ := openExpiring(t, env, 3)
	far, _ := openExpiring(t, env, 10)

	got, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	// Ordered by end week ascending.
	if got[0].ID != soon.ID || got[1].ID != later.ID {
		t.Errorf("order = %v, %v; want %v, %v", got[0].ID, got[1].ID, soon.ID, later.ID)
	}
	for _, b := range got {
		if b.Status != BlockPendingRenewal {
			t.Errorf("block %v Status = %s, want pending_renewal", b.ID, b.Status)
		}
	}

	// The far block is untouched.
	cur, err := env.blocks.GetByID(ctx, far.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.Status != BlockActive {
		t.Errorf("far block Status = %s, want active", cur.Status)
	}
}

func TestService_FindRenewalCandidatesIdempotent(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 2)

	first, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("got %d then %d candidates, want 1 and 1", len(first), len(second))
	}
	if second[0].ID != block.ID || second[0].Status != BlockPendingRenewal {
		t.Errorf("re-poll returned %v in status %s", second[0].ID, second[0].Status)
	}

	// The version only moved once: the second sweep did not re-flag.
	cur, err := env.blocks.GetByID(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.VersionID != block.VersionID+1 {
		t.Errorf("VersionID = %d, want %d", cur.VersionID, block.VersionID+1)
	}
}

func TestService_FindRenewalCandidatesSkipsDismissed(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)
	if _, err := env.svc.DismissBlock(ctx, block.ID, testCurrentWeek); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0", len(got))
	}
}

func TestService_DecideRenewalRenew(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renewed, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewed.Status != BlockActive {
		t.Errorf("Status = %s, want active after renewal", renewed.Status)
	}
	if renewed.EndWeek != block.EndWeek+8 {
		t.Errorf("EndWeek = %d, want %d", renewed.EndWeek, block.EndWeek+8)
	}

	// The trailing weeks have live assignments.
	all, err := env.svc.ListBlockAssignments(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	live := 0
	for _, a := range all {
		if a.IsLive() {
			live++
		}
	}
	wantLive := renewed.EndWeek - block.StartWeek + 1
	if live != wantLive {
		t.Errorf("live assignments = %d, want %d", live, wantLive)
	}

	// A renewed block is no longer pending.
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 1}); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestService_DecideRenewalDismiss(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dismissed, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalDismiss})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dismissed.Status != BlockDismissed {
		t.Errorf("Status = %s, want dismissed", dismissed.Status)
	}

	// Default effective week is EndWeek+1, so every existing assignment
	// stays live; the block simply does not continue.
	all, err := env.svc.ListBlockAssignments(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, a := range all {
		if !a.IsLive() {
			t.Errorf("week %d cancelled by a default-effective dismiss", a.WeekIndex)
		}
	}

	// An explicit effective week inside the span cancels the tail.
	block2, _ := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.DecideRenewal(ctx, block2.ID, RenewalDecision{Action: RenewalDismiss, EffectiveWeek: weekPtr(testCurrentWeek)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all2, err := env.svc.ListBlockAssignments(ctx, block2.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, a := range all2 {
		wantLive := a.WeekIndex < testCurrentWeek
		if a.IsLive() != wantLive {
			t.Errorf("week %d: IsLive = %v, want %v", a.WeekIndex, a.IsLive(), wantLive)
		}
	}
}

func TestService_DecideRenewalDismissAtEpochWeek(t *testing.T) {
	env := newTestService(t)
	env.svc.SetClock(func() time.Time { return weekEpoch })
	ctx := context.Background()

	in := openInput()
	in.StartWeek = 0
	in.Weeks = 2
	block, _, err := env.svc.OpenBlock(ctx, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.FindRenewalCandidates(ctx, 0, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An explicit week 0 must not be mistaken for "not provided": both
	// weeks of the block are cancelled, not none.
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalDismiss, EffectiveWeek: weekPtr(0)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all, err := env.svc.ListBlockAssignments(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, a := range all {
		if a.IsLive() {
			t.Errorf("week %d still live after dismissal at week 0", a.WeekIndex)
		}
	}
}

func TestService_DecideRenewalNotPending(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)

	// Still active: never swept.
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 4}); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if _, err := env.svc.DecideRenewal(ctx, uuid.New(), RenewalDecision{Action: RenewalRenew, Weeks: 4}); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("expected ErrUnknownBlock, got %v", err)
	}
}

func TestService_DecideRenewalConflictKeepsPending(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, in := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Another patient takes the professional's slot right after the block.
	blocker := OpenBlockInput{
		PatientID:      uuid.New(),
		ProfessionalID: in.ProfessionalID,
		Slot:           in.Slot,
		Specialty:      in.Specialty,
		StartWeek:      block.EndWeek + 1,
		Weeks:          1,
	}
	if _, _, err := env.svc.OpenBlock(ctx, blocker); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 4})
	if !IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// The block is still pending, so a dismiss decision still works.
	cur, err := env.blocks.GetByID(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.Status != BlockPendingRenewal {
		t.Errorf("Status = %s, want pending_renewal after a failed renew", cur.Status)
	}
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalDismiss}); err != nil {
		t.Errorf("dismiss after failed renew: %v", err)
	}
}

func TestService_DecideRenewalConcurrent(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const deciders = 8
	var wg sync.WaitGroup
	results := make(chan error, deciders)
	for i := 0; i < deciders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 4})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrNotPending) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want exactly 1", succeeded)
	}

	// Exactly one renewal landed: end week moved by one span.
	cur, err := env.blocks.GetByID(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.EndWeek != block.EndWeek+4 {
		t.Errorf("EndWeek = %d, want %d", cur.EndWeek, block.EndWeek+4)
	}
	if cur.Status != BlockActive {
		t.Errorf("Status = %s, want active", cur.Status)
	}
}

func TestService_DecideRenewalValidation(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()

	block, _ := openExpiring(t, env, 1)
	if _, err := env.svc.FindRenewalCandidates(ctx, testCurrentWeek, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalRenew, Weeks: 0}); err == nil {
		t.Error("expected an error for zero weeks")
	}
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: "archive"}); err == nil {
		t.Error("expected an error for an unknown action")
	}
	if _, err := env.svc.DecideRenewal(ctx, block.ID, RenewalDecision{Action: RenewalDismiss, EffectiveWeek: weekPtr(testCurrentWeek - 5)}); !errors.Is(err, ErrInvalidEffectiveWeek) {
		t.Errorf("expected ErrInvalidEffectiveWeek, got %v", err)
	}

	// Failed validations leave the block pending.
	cur, err := env.blocks.GetByID(ctx, block.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cur.Status != BlockPendingRenewal {
		t.Errorf("Status = %s, want pending_renewal", cur.Status)
	}
}
