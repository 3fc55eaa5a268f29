package scheduling

import (
	"sync"

	"github.com/google/uuid"
)

type occupancyKey struct {
	kind ResourceKind
	id   uuid.UUID
	week int
}

type slotEntry struct {
	slot         SlotKey
	assignmentID uuid.UUID
}

// ConflictIndex is the authoritative in-memory map from (resource, week) to
// occupied slot intervals. Every reservation and release of weekly time goes
// through it, so "no double booking" is enforced at exactly one choke point.
//
// A single mutex guards the whole index. Clinic-scale load never justifies
// finer granularity, and the coarse lock is what makes multi-key reservations
// (both resources, many weeks) atomic without any ordering protocol.
type ConflictIndex struct {
	mu       sync.Mutex
	occupied map[occupancyKey][]slotEntry
}

func NewConflictIndex() *ConflictIndex {
	return &ConflictIndex{occupied: make(map[occupancyKey][]slotEntry)}
}

// findOverlap scans one resource-week bucket for an entry overlapping slot.
func findOverlap(entries []slotEntry, slot SlotKey) (slotEntry, bool) {
	for _, e := range entries {
		if e.slot.Overlaps(slot) {
			return e, true
		}
	}
	return slotEntry{}, false
}

func keyFor(res Resource, week int) occupancyKey {
	return occupancyKey{kind: res.Kind, id: res.ID, week: week}
}

// IsFree reports whether the resource has no live booking overlapping slot at
// the given week.
func (ix *ConflictIndex) IsFree(res Resource, slot SlotKey, week int) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, busy := findOverlap(ix.occupied[keyFor(res, week)], slot)
	return !busy
}

// Occupant returns the assignment occupying the resource's slot at the given
// week, if any.
func (ix *ConflictIndex) Occupant(res Resource, slot SlotKey, week int) (uuid.UUID, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, busy := findOverlap(ix.occupied[keyFor(res, week)], slot)
	return e.assignmentID, busy
}

// Reserve books the slot at one week for both resources, or neither. No
// partial reservation is ever observable.
func (ix *ConflictIndex) Reserve(patient, professional Resource, slot SlotKey, week int, assignmentID uuid.UUID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.reserveLocked(patient, professional, slot, week, assignmentID)
}

// ReserveRange books the slot for both resources across every week, or books
// nothing. Weeks are checked in ascending order so the error always names the
// first conflicting week.
func (ix *ConflictIndex) ReserveRange(patient, professional Resource, slot SlotKey, weeks []int, assignmentIDs map[int]uuid.UUID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, w := range weeks {
		if err := ix.checkLocked(patient, professional, slot, w); err != nil {
			return err
		}
	}
	for _, w := range weeks {
		ix.insertLocked(patient, slot, w, assignmentIDs[w])
		ix.insertLocked(professional, slot, w, assignmentIDs[w])
	}
	return nil
}

// Release frees the resource's entry at (slot, week) if one matches exactly.
// Releasing an absent entry is a no-op, not an error.
func (ix *ConflictIndex) Release(res Resource, slot SlotKey, week int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.releaseLocked(res, slot, week)
}

// ReleasePair frees both sides of a booking.
func (ix *ConflictIndex) ReleasePair(patient, professional Resource, slot SlotKey, week int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.releaseLocked(patient, slot, week)
	ix.releaseLocked(professional, slot, week)
}

// ReleaseRange frees both sides of a booking across every week. Used as the
// compensation path when a multi-week operation fails after reserving.
func (ix *ConflictIndex) ReleaseRange(patient, professional Resource, slot SlotKey, weeks []int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, w := range weeks {
		ix.releaseLocked(patient, slot, w)
		ix.releaseLocked(professional, slot, w)
	}
}

// Rebuild resets the index from the live assignments in storage. Called once
// at boot before the server accepts traffic.
func (ix *ConflictIndex) Rebuild(assignments []*Assignment) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.occupied = make(map[occupancyKey][]slotEntry)
	for _, a := range assignments {
		if !a.IsLive() {
			continue
		}
		ix.insertLocked(PatientResource(a.PatientID), a.Slot, a.WeekIndex, a.ID)
		ix.insertLocked(ProfessionalResource(a.ProfessionalID), a.Slot, a.WeekIndex, a.ID)
	}
}

// Len returns the number of live entries (one per resource per week).
func (ix *ConflictIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for _, entries := range ix.occupied {
		n += len(entries)
	}
	return n
}

func (ix *ConflictIndex) reserveLocked(patient, professional Resource, slot SlotKey, week int, assignmentID uuid.UUID) error {
	if err := ix.checkLocked(patient, professional, slot, week); err != nil {
		return err
	}
	ix.insertLocked(patient, slot, week, assignmentID)
	ix.insertLocked(professional, slot, week, assignmentID)
	return nil
}

func (ix *ConflictIndex) checkLocked(patient, professional Resource, slot SlotKey, week int) error {
	if e, busy := findOverlap(ix.occupied[keyFor(professional, week)], slot); busy {
		return &ConflictError{Week: week, Resource: professional, ExistingAssignmentID: e.assignmentID}
	}
	if e, busy := findOverlap(ix.occupied[keyFor(patient, week)], slot); busy {
		return &ConflictError{Week: week, Resource: patient, ExistingAssignmentID: e.assignmentID}
	}
	return nil
}

func (ix *ConflictIndex) insertLocked(res Resource, slot SlotKey, week int, assignmentID uuid.UUID) {
	k := keyFor(res, week)
	ix.occupied[k] = append(ix.occupied[k], slotEntry{slot: slot, assignmentID: assignmentID})
}

func (ix *ConflictIndex) releaseLocked(res Resource, slot SlotKey, week int) {
	k := keyFor(res, week)
	entries := ix.occupied[k]
	for i, e := range entries {
		if e.slot == slot {
			entries[i] = entries[len(entries)-1]
			entries = entries[:len(entries)-1]
			if len(entries) == 0 {
				delete(ix.occupied, k)
			} else {
				ix.occupied[k] = entries
			}
			return
		}
	}
}
