package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-timetable-api/internal/models"
)

const (
	timetableEntryColumns = `e.id, e.run_id, e.department_id, e.semester, e.section, e.slot_id, e.day_of_week, e.period,
e.start_time, e.end_time, e.subject_id, e.staff_id, e.room_id, e.block, e.created_at`
	entryInsertChunk = 500
)

// TimetableEntryRepository manages the placed periods of generation runs.
type TimetableEntryRepository struct {
	db *sqlx.DB
}

// NewTimetableEntryRepository builds repository.
func NewTimetableEntryRepository(db *sqlx.DB) *TimetableEntryRepository {
	return &TimetableEntryRepository{db: db}
}

func (r *TimetableEntryRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// InsertBatch stores entries with multi-row inserts.
func (r *TimetableEntryRepository) InsertBatch(ctx context.Context, exec sqlx.ExtContext, entries []models.TimetableEntry) error {
	if len(entries) == 0 {
		return nil
	}
	target := r.exec(exec)
	now := time.Now().UTC()
	for i := range entries {
		entry := &entries[i]
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
	}

	const query = `
INSERT INTO timetable_entries (id, run_id, department_id, semester, section, slot_id, day_of_week, period,
    start_time, end_time, subject_id, staff_id, room_id, block, created_at)
VALUES (:id, :run_id, :department_id, :semester, :section, :slot_id, :day_of_week, :period,
    :start_time, :end_time, :subject_id, :staff_id, :room_id, :block, :created_at)`

	for start := 0; start < len(entries); start += entryInsertChunk {
		end := start + entryInsertChunk
		if end > len(entries) {
			end = len(entries)
		}
		if _, err := sqlx.NamedExecContext(ctx, target, query, entries[start:end]); err != nil {
			return fmt.Errorf("insert timetable entries: %w", err)
		}
	}
	return nil
}

// ListByRun returns a run's entries ordered by section and slot.
func (r *TimetableEntryRepository) ListByRun(ctx context.Context, runID string) ([]models.TimetableEntry, error) {
	query := `SELECT ` + timetableEntryColumns + ` FROM timetable_entries e
WHERE e.run_id = $1 ORDER BY e.section ASC, e.slot_id ASC`
	var entries []models.TimetableEntry
	if err := r.db.SelectContext(ctx, &entries, query, runID); err != nil {
		return nil, fmt.Errorf("list timetable entries: %w", err)
	}
	return entries, nil
}

// ListCommitments returns the entries of every published run outside the
// given department/semester. They bind shared staff and rooms.
func (r *TimetableEntryRepository) ListCommitments(ctx context.Context, exec sqlx.ExtContext, departmentID, semester string) ([]models.TimetableEntry, error) {
	query := `SELECT ` + timetableEntryColumns + ` FROM timetable_entries e
JOIN timetable_runs r ON r.id = e.run_id
WHERE r.status = $1 AND NOT (r.department_id = $2 AND r.semester = $3)
ORDER BY e.department_id ASC, e.semester ASC, e.section ASC, e.slot_id ASC`
	var entries []models.TimetableEntry
	if err := sqlx.SelectContext(ctx, r.exec(exec), &entries, query, models.TimetableRunStatusPublished, departmentID, semester); err != nil {
		return nil, fmt.Errorf("list timetable commitments: %w", err)
	}
	return entries, nil
}
