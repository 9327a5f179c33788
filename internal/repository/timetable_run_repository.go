package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/noah-isme/campus-timetable-api/internal/models"
)

// publicationLockID is the advisory lock key shared by every publish
// transaction of the institution.
const publicationLockID int64 = 0x74696d65

const timetableRunColumns = `id, department_id, semester, version, status, seed, penalty, backtracks, duration_ms, meta, created_at, updated_at, finished_at`

// TimetableRunRepository persists versioned generation runs.
type TimetableRunRepository struct {
	db *sqlx.DB
}

// NewTimetableRunRepository constructs repository.
func NewTimetableRunRepository(db *sqlx.DB) *TimetableRunRepository {
	return &TimetableRunRepository{db: db}
}

func (r *TimetableRunRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// CreateVersioned inserts a run assigning the next version for the department/semester pair.
func (r *TimetableRunRepository) CreateVersioned(ctx context.Context, exec sqlx.ExtContext, run *models.TimetableRun) error {
	if run == nil {
		return fmt.Errorf("run payload is nil")
	}
	if run.DepartmentID == "" || run.Semester == "" {
		return fmt.Errorf("department_id and semester are required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.TimetableRunStatusQueued
	}
	if len(run.Meta) == 0 {
		run.Meta = types.JSONText(`{}`)
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	target := r.exec(exec)

	const nextVersionQuery = `SELECT COALESCE(MAX(version), 0) + 1 FROM timetable_runs WHERE department_id = $1 AND semester = $2`
	if err := sqlx.GetContext(ctx, target, &run.Version, nextVersionQuery, run.DepartmentID, run.Semester); err != nil {
		return fmt.Errorf("compute next timetable run version: %w", err)
	}

	const insertQuery = `
INSERT INTO timetable_runs (id, department_id, semester, version, status, seed, penalty, backtracks, duration_ms, meta, created_at, updated_at, finished_at)
VALUES (:id, :department_id, :semester, :version, :status, :seed, :penalty, :backtracks, :duration_ms, :meta, :created_at, :updated_at, :finished_at)`
	if _, err := sqlx.NamedExecContext(ctx, target, insertQuery, run); err != nil {
		return fmt.Errorf("insert timetable run: %w", err)
	}
	return nil
}

// FindByID loads a run by its identifier.
func (r *TimetableRunRepository) FindByID(ctx context.Context, id string) (*models.TimetableRun, error) {
	query := `SELECT ` + timetableRunColumns + ` FROM timetable_runs WHERE id = $1`
	var run models.TimetableRun
	if err := r.db.GetContext(ctx, &run, query, id); err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns runs matching the filter, newest first, with the total count.
func (r *TimetableRunRepository) List(ctx context.Context, filter models.TimetableRunFilter) ([]models.TimetableRun, int, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.DepartmentID != "" {
		args = append(args, filter.DepartmentID)
		conditions = append(conditions, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if filter.Semester != "" {
		args = append(args, filter.Semester)
		conditions = append(conditions, fmt.Sprintf("semester = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM timetable_runs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count timetable runs: %w", err)
	}

	page, size := filter.Page, filter.PageSize
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`SELECT %s FROM timetable_runs%s ORDER BY created_at DESC, version DESC LIMIT $%d OFFSET $%d`,
		timetableRunColumns, where, len(args)-1, len(args))

	var runs []models.TimetableRun
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list timetable runs: %w", err)
	}
	return runs, total, nil
}

// LatestPublished returns the published run for the key, or sql.ErrNoRows.
func (r *TimetableRunRepository) LatestPublished(ctx context.Context, departmentID, semester string) (*models.TimetableRun, error) {
	query := `SELECT ` + timetableRunColumns + ` FROM timetable_runs
WHERE department_id = $1 AND semester = $2 AND status = $3 ORDER BY version DESC LIMIT 1`
	var run models.TimetableRun
	if err := r.db.GetContext(ctx, &run, query, departmentID, semester, models.TimetableRunStatusPublished); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListPublished returns the current published run of every department/semester pair.
func (r *TimetableRunRepository) ListPublished(ctx context.Context) ([]models.TimetableRun, error) {
	query := `SELECT DISTINCT ON (department_id, semester) ` + timetableRunColumns + ` FROM timetable_runs
WHERE status = $1 ORDER BY department_id, semester, version DESC`
	var runs []models.TimetableRun
	if err := r.db.SelectContext(ctx, &runs, query, models.TimetableRunStatusPublished); err != nil {
		return nil, fmt.Errorf("list published timetable runs: %w", err)
	}
	return runs, nil
}

// UpdateStatus updates the status (and optionally meta) of a run.
func (r *TimetableRunRepository) UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.TimetableRunStatus, meta types.JSONText) error {
	target := r.exec(exec)
	now := time.Now().UTC()

	var (
		query string
		args  []interface{}
	)
	if len(meta) > 0 {
		query = `UPDATE timetable_runs SET status = $1, meta = $2, updated_at = $3 WHERE id = $4`
		args = []interface{}{status, meta, now, id}
	} else {
		query = `UPDATE timetable_runs SET status = $1, updated_at = $2 WHERE id = $3`
		args = []interface{}{status, now, id}
	}
	result, err := target.ExecContext(ctx, query, args...)
	return checkAffected("update timetable run status", result, err)
}

// Finish records the outcome of a run: status, search statistics and diagnostics.
func (r *TimetableRunRepository) Finish(ctx context.Context, exec sqlx.ExtContext, run *models.TimetableRun) error {
	if run == nil {
		return fmt.Errorf("run payload is nil")
	}
	now := time.Now().UTC()
	run.UpdatedAt = now
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	if len(run.Meta) == 0 {
		run.Meta = types.JSONText(`{}`)
	}
	const query = `
UPDATE timetable_runs
SET status = :status, penalty = :penalty, backtracks = :backtracks, duration_ms = :duration_ms,
    meta = :meta, updated_at = :updated_at, finished_at = :finished_at
WHERE id = :id`
	result, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, run)
	return checkAffected("finish timetable run", result, err)
}

// ArchivePublished archives every published run of the key except keepID.
func (r *TimetableRunRepository) ArchivePublished(ctx context.Context, exec sqlx.ExtContext, departmentID, semester, keepID string) (int64, error) {
	const query = `UPDATE timetable_runs SET status = $1, updated_at = $2
WHERE department_id = $3 AND semester = $4 AND status = $5 AND id <> $6`
	result, err := r.exec(exec).ExecContext(ctx, query,
		models.TimetableRunStatusArchived, time.Now().UTC(), departmentID, semester, models.TimetableRunStatusPublished, keepID)
	if err != nil {
		return 0, fmt.Errorf("archive published timetable runs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archived timetable runs rows affected: %w", err)
	}
	return affected, nil
}

// FailStale marks runs left QUEUED or RUNNING by a previous process as failed.
func (r *TimetableRunRepository) FailStale(ctx context.Context, meta types.JSONText) (int64, error) {
	const query = `UPDATE timetable_runs SET status = $1, meta = $2, updated_at = $3, finished_at = $3 WHERE status IN ($4, $5)`
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query, models.TimetableRunStatusFailed, meta, now,
		models.TimetableRunStatusQueued, models.TimetableRunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail stale timetable runs: %w", err)
	}
	return result.RowsAffected()
}

// LockPublication takes the institution-wide advisory lock for the rest of
// the transaction exec belongs to.
func (r *TimetableRunRepository) LockPublication(ctx context.Context, exec sqlx.ExtContext) error {
	if _, err := r.exec(exec).ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, publicationLockID); err != nil {
		return fmt.Errorf("lock timetable publication: %w", err)
	}
	return nil
}

func checkAffected(op string, result sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
