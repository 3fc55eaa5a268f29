package scheduling

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// GradeEntry is one line of a weekly grade: a live session projected for
// display, ordered within the grade by weekday then start minute.
type GradeEntry struct {
	AssignmentID   uuid.UUID `json:"assignment_id"`
	BlockID        uuid.UUID `json:"block_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ProfessionalID uuid.UUID `json:"professional_id"`
	Slot           SlotKey   `json:"slot"`
	Specialty      string    `json:"specialty"`
}

// Grade is the weekly timetable read-model for one patient or one specialty.
type Grade struct {
	Week    int          `json:"week"`
	Entries []GradeEntry `json:"entries"`
}

// GradeForPatient projects the patient's live sessions for one week. An empty
// grade is a normal answer, not an error.
func (s *Service) GradeForPatient(ctx context.Context, patientID uuid.UUID, week int) (*Grade, error) {
	assignments, err := s.assignments.ListLiveByPatientWeek(ctx, patientID, week)
	if err != nil {
		return nil, err
	}
	return buildGrade(week, assignments), nil
}

// GradeForSpecialty projects every live session of one specialty for one
// week, across all patients and professionals.
func (s *Service) GradeForSpecialty(ctx context.Context, specialty string, week int) (*Grade, error) {
	assignments, err := s.assignments.ListLiveBySpecialtyWeek(ctx, specialty, week)
	if err != nil {
		return nil, err
	}
	return buildGrade(week, assignments), nil
}

func buildGrade(week int, assignments []*Assignment) *Grade {
	entries := make([]GradeEntry, 0, len(assignments))
	for _, a := range assignments {
		entries = append(entries, GradeEntry{
			AssignmentID:   a.ID,
			BlockID:        a.BlockID,
			PatientID:      a.PatientID,
			ProfessionalID: a.ProfessionalID,
			Slot:           a.Slot,
			Specialty:      a.Specialty,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Slot.Weekday != entries[j].Slot.Weekday {
			return entries[i].Slot.Weekday < entries[j].Slot.Weekday
		}
		if entries[i].Slot.StartMinute != entries[j].Slot.StartMinute {
			return entries[i].Slot.StartMinute < entries[j].Slot.StartMinute
		}
		return entries[i].AssignmentID.String() < entries[j].AssignmentID.String()
	})
	return &Grade{Week: week, Entries: entries}
}
