package scheduling

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// =========== Block Repository ===========

type blockRepoPG struct{ pool *pgxpool.Pool }

func NewBlockRepoPG(pool *pgxpool.Pool) BlockRepository { return &blockRepoPG{pool: pool} }

const blockCols = `id, patient_id, professional_id,
	slot_weekday, slot_start_minute, slot_duration_minutes,
	specialty, start_week, end_week, status, version_id, created_at, updated_at`

func (r *blockRepoPG) scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	err := row.Scan(&b.ID, &b.PatientID, &b.ProfessionalID,
		&b.Slot.Weekday, &b.Slot.StartMinute, &b.Slot.DurationMinutes,
		&b.Specialty, &b.StartWeek, &b.EndWeek, &b.Status, &b.VersionID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownBlock
	}
	return &b, err
}

func (r *blockRepoPG) Create(ctx context.Context, b *Block) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.VersionID == 0 {
		b.VersionID = 1
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO block (id, patient_id, professional_id,
			slot_weekday, slot_start_minute, slot_duration_minutes,
			specialty, start_week, end_week, status, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		b.ID, b.PatientID, b.ProfessionalID,
		b.Slot.Weekday, b.Slot.StartMinute, b.Slot.DurationMinutes,
		b.Specialty, b.StartWeek, b.EndWeek, b.Status, b.VersionID)
	return err
}

func (r *blockRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Block, error) {
	return r.scanBlock(r.pool.QueryRow(ctx, `SELECT `+blockCols+` FROM block WHERE id = $1`, id))
}

func (r *blockRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return r.listWhere(ctx, `patient_id`, patientID, limit, offset)
}

func (r *blockRepoPG) ListByProfessional(ctx context.Context, professionalID uuid.UUID, limit, offset int) ([]*Block, int, error) {
	return r.listWhere(ctx, `professional_id`, professionalID, limit, offset)
}

func (r *blockRepoPG) listWhere(ctx context.Context, col string, id uuid.UUID, limit, offset int) ([]*Block, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM block WHERE `+col+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+blockCols+` FROM block WHERE `+col+` = $1
		ORDER BY start_week ASC, id ASC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Block
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, nil
}

func (r *blockRepoPG) ListExpiring(ctx context.Context, statuses []BlockStatus, maxEndWeek int) ([]*Block, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+blockCols+` FROM block
		WHERE status = ANY($1) AND end_week <= $2
		ORDER BY end_week ASC, patient_id ASC`, statuses, maxEndWeek)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Block
	for rows.Next() {
		b, err := r.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, nil
}

// UpdateStatus is the compare-and-set the renewal path relies on: the WHERE
// clause pins the expected prior status, so of two concurrent movers exactly
// one sees RowsAffected() == 1.
func (r *blockRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to BlockStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE block SET status = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.statusMiss(ctx, id)
	}
	return nil
}

func (r *blockRepoPG) Extend(ctx context.Context, id uuid.UUID, newEndWeek int, from, to BlockStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE block SET end_week = $4, status = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to, newEndWeek)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.statusMiss(ctx, id)
	}
	return nil
}

// statusMiss distinguishes "no such block" from "status raced" after a CAS
// update touched zero rows.
func (r *blockRepoPG) statusMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM block WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUnknownBlock
	}
	return ErrStatusConflict
}

// =========== Assignment Repository ===========

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

const assignCols = `id, block_id, patient_id, professional_id,
	slot_weekday, slot_start_minute, slot_duration_minutes,
	week_index, specialty, status, version_id, created_at, updated_at`

func (r *assignmentRepoPG) scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.BlockID, &a.PatientID, &a.ProfessionalID,
		&a.Slot.Weekday, &a.Slot.StartMinute, &a.Slot.DurationMinutes,
		&a.WeekIndex, &a.Specialty, &a.Status, &a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownAssignment
	}
	return &a, err
}

// CreateBatch inserts the whole run of weekly assignments in one transaction
// so a mid-batch failure never leaves a partial block behind.
func (r *assignmentRepoPG) CreateBatch(ctx context.Context, assignments []*Assignment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, a := range assignments {
		if a.ID == uuid.Nil {
			a.ID = uuid.New()
		}
		if a.VersionID == 0 {
			a.VersionID = 1
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO assignment (id, block_id, patient_id, professional_id,
				slot_weekday, slot_start_minute, slot_duration_minutes,
				week_index, specialty, status, version_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.ID, a.BlockID, a.PatientID, a.ProfessionalID,
			a.Slot.Weekday, a.Slot.StartMinute, a.Slot.DurationMinutes,
			a.WeekIndex, a.Specialty, a.Status, a.VersionID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error) {
	return r.scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignCols+` FROM assignment WHERE id = $1`, id))
}

func (r *assignmentRepoPG) ListByBlock(ctx context.Context, blockID uuid.UUID) ([]*Assignment, error) {
	return r.query(ctx, `SELECT `+assignCols+` FROM assignment WHERE block_id = $1
		ORDER BY week_index ASC, id ASC`, blockID)
}

func (r *assignmentRepoPG) ListLive(ctx context.Context) ([]*Assignment, error) {
	return r.query(ctx, `SELECT `+assignCols+` FROM assignment WHERE status = $1
		ORDER BY week_index ASC, id ASC`, AssignmentActive)
}

func (r *assignmentRepoPG) ListLiveByPatientWeek(ctx context.Context, patientID uuid.UUID, week int) ([]*Assignment, error) {
	return r.query(ctx, `SELECT `+assignCols+` FROM assignment
		WHERE status = $1 AND patient_id = $2 AND week_index = $3
		ORDER BY week_index ASC, id ASC`, AssignmentActive, patientID, week)
}

func (r *assignmentRepoPG) ListLiveBySpecialtyWeek(ctx context.Context, specialty string, week int) ([]*Assignment, error) {
	return r.query(ctx, `SELECT `+assignCols+` FROM assignment
		WHERE status = $1 AND specialty = $2 AND week_index = $3
		ORDER BY week_index ASC, id ASC`, AssignmentActive, specialty, week)
}

func (r *assignmentRepoPG) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE assignment SET status = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, AssignmentActive, AssignmentCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM assignment WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrUnknownAssignment
		}
		return ErrAlreadyCancelled
	}
	return nil
}

func (r *assignmentRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Assignment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, nil
}
