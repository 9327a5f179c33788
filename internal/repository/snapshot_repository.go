package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-timetable-api/internal/models"
)

const requiredSubjectsQuery = `SELECT DISTINCT r.subject_id FROM section_requirements r
JOIN class_sections s ON s.id = r.section_id
WHERE s.department_id = $1 AND s.semester = $2`

// SnapshotRepository reads the institution's domain tables for one generation run.
type SnapshotRepository struct {
	db *sqlx.DB
}

// NewSnapshotRepository constructs repository.
func NewSnapshotRepository(db *sqlx.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// LoadSnapshot reads sections, requirements, subjects, qualified staff and rooms
// inside one read-only transaction so the run sees a consistent view.
func (r *SnapshotRepository) LoadSnapshot(ctx context.Context, departmentID, semester string) (*models.DomainSnapshot, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := &models.DomainSnapshot{DepartmentID: departmentID, Semester: semester}

	const sectionsQuery = `SELECT id, department_id, academic_year, semester, section, size
FROM class_sections WHERE department_id = $1 AND semester = $2 ORDER BY section ASC`
	if err := tx.SelectContext(ctx, &snap.Sections, sectionsQuery, departmentID, semester); err != nil {
		return nil, fmt.Errorf("load class sections: %w", err)
	}

	const requirementsQuery = `SELECT r.section_id, r.subject_id, r.weekly_count FROM section_requirements r
JOIN class_sections s ON s.id = r.section_id
WHERE s.department_id = $1 AND s.semester = $2 ORDER BY r.section_id ASC, r.subject_id ASC`
	if err := tx.SelectContext(ctx, &snap.Requirements, requirementsQuery, departmentID, semester); err != nil {
		return nil, fmt.Errorf("load section requirements: %w", err)
	}

	subjectsQuery := `SELECT id, code, name, weekly_sessions, kind, block_length FROM subjects
WHERE id IN (` + requiredSubjectsQuery + `) ORDER BY id ASC`
	if err := tx.SelectContext(ctx, &snap.Subjects, subjectsQuery, departmentID, semester); err != nil {
		return nil, fmt.Errorf("load subjects: %w", err)
	}

	qualificationsQuery := `SELECT staff_id, subject_id FROM staff_qualifications
WHERE subject_id IN (` + requiredSubjectsQuery + `) ORDER BY staff_id ASC, subject_id ASC`
	if err := tx.SelectContext(ctx, &snap.Qualifications, qualificationsQuery, departmentID, semester); err != nil {
		return nil, fmt.Errorf("load staff qualifications: %w", err)
	}

	staffQuery := `SELECT id, name, department_id, max_weekly_load FROM staff
WHERE id IN (SELECT staff_id FROM staff_qualifications WHERE subject_id IN (` + requiredSubjectsQuery + `))
ORDER BY id ASC`
	if err := tx.SelectContext(ctx, &snap.Staff, staffQuery, departmentID, semester); err != nil {
		return nil, fmt.Errorf("load staff: %w", err)
	}

	const roomsQuery = `SELECT id, name, capacity, kind FROM rooms ORDER BY id ASC`
	if err := tx.SelectContext(ctx, &snap.Rooms, roomsQuery); err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot transaction: %w", err)
	}
	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

// Ping verifies database reachability for readiness checks.
func (r *SnapshotRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
