package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// TimetableRunStatus represents lifecycle phases for a generation run.
type TimetableRunStatus string

const (
	TimetableRunStatusQueued    TimetableRunStatus = "QUEUED"
	TimetableRunStatusRunning   TimetableRunStatus = "RUNNING"
	TimetableRunStatusPublished TimetableRunStatus = "PUBLISHED"
	TimetableRunStatusFailed    TimetableRunStatus = "FAILED"
	TimetableRunStatusArchived  TimetableRunStatus = "ARCHIVED"
)

// Terminal reports whether the run will not change status again except for archival.
func (s TimetableRunStatus) Terminal() bool {
	return s == TimetableRunStatusPublished || s == TimetableRunStatusFailed || s == TimetableRunStatusArchived
}

// TimetableRun captures one versioned generation attempt for a department/semester pair.
// Meta holds diagnostics: the soft penalty breakdown on success, the failure report otherwise.
type TimetableRun struct {
	ID           string             `db:"id" json:"id"`
	DepartmentID string             `db:"department_id" json:"department_id"`
	Semester     string             `db:"semester" json:"semester"`
	Version      int                `db:"version" json:"version"`
	Status       TimetableRunStatus `db:"status" json:"status"`
	Seed         int64              `db:"seed" json:"seed"`
	Penalty      float64            `db:"penalty" json:"penalty"`
	Backtracks   int                `db:"backtracks" json:"backtracks"`
	DurationMs   int64              `db:"duration_ms" json:"duration_ms"`
	Meta         types.JSONText     `db:"meta" json:"meta"`
	CreatedAt    time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at" json:"updated_at"`
	FinishedAt   *time.Time         `db:"finished_at" json:"finished_at,omitempty"`
}

// TimetableRunFilter narrows run history listings.
type TimetableRunFilter struct {
	DepartmentID string
	Semester     string
	Status       TimetableRunStatus
	Page         int
	PageSize     int
}

// TimetableEntry is one placed period of a published or candidate timetable.
type TimetableEntry struct {
	ID           string    `db:"id" json:"id"`
	RunID        string    `db:"run_id" json:"run_id"`
	DepartmentID string    `db:"department_id" json:"department_id"`
	Semester     string    `db:"semester" json:"semester"`
	Section      string    `db:"section" json:"section"`
	SlotID       int       `db:"slot_id" json:"slot_id"`
	DayOfWeek    int       `db:"day_of_week" json:"day_of_week"`
	Period       int       `db:"period" json:"period"`
	StartTime    string    `db:"start_time" json:"start_time"`
	EndTime      string    `db:"end_time" json:"end_time"`
	SubjectID    string    `db:"subject_id" json:"subject_id"`
	StaffID      string    `db:"staff_id" json:"staff_id"`
	RoomID       *string   `db:"room_id" json:"room_id,omitempty"`
	Block        int       `db:"block" json:"block"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// TimetableKey identifies the scope of one generation run.
type TimetableKey struct {
	DepartmentID string `db:"department_id" json:"department_id"`
	Semester     string `db:"semester" json:"semester"`
}

func (k TimetableKey) String() string {
	return k.DepartmentID + "/" + k.Semester
}
