package dto

import "time"

// GenerateTimetableRequest starts a generation run for one department/semester.
type GenerateTimetableRequest struct {
	DepartmentID  string `json:"departmentId" validate:"required,max=64"`
	Semester      string `json:"semester" validate:"required,max=32"`
	Seed          int64  `json:"seed"`
	TimeBudgetMs  int    `json:"timeBudgetMs" validate:"omitempty,min=100,max=600000"`
	MaxBacktracks int    `json:"maxBacktracks" validate:"omitempty,min=1"`
}

// GenerateTimetableResponse summarises a published run.
type GenerateTimetableResponse struct {
	RunID       string             `json:"runId"`
	Version     int                `json:"version"`
	Status      string             `json:"status"`
	Penalty     float64            `json:"penalty"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty"`
	Backtracks  int                `json:"backtracks"`
	Nodes       int                `json:"nodes"`
	Components  int                `json:"components"`
	DurationMs  int64              `json:"durationMs"`
	Sections    int                `json:"sections"`
	Assignments int                `json:"assignments"`
}

// TimetableRunQuery filters run history.
type TimetableRunQuery struct {
	DepartmentID string `form:"departmentId" validate:"omitempty,max=64"`
	Semester     string `form:"semester" validate:"omitempty,max=32"`
	Status       string `form:"status" validate:"omitempty,oneof=QUEUED RUNNING PUBLISHED FAILED ARCHIVED"`
	Page         int    `form:"page" validate:"omitempty,min=1"`
	PageSize     int    `form:"pageSize" validate:"omitempty,min=1,max=100"`
}

// TimetableCell is one occupied period in a rendered timetable.
type TimetableCell struct {
	Period       int    `json:"period"`
	StartTime    string `json:"startTime"`
	EndTime      string `json:"endTime"`
	SubjectID    string `json:"subjectId"`
	StaffID      string `json:"staffId"`
	RoomID       string `json:"roomId,omitempty"`
	Block        int    `json:"block,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
	Semester     string `json:"semester,omitempty"`
	Section      string `json:"section,omitempty"`
}

// TimetableDay groups a day's cells ordered by period.
type TimetableDay struct {
	Day       string          `json:"day"`
	DayOfWeek int             `json:"dayOfWeek"`
	Entries   []TimetableCell `json:"entries"`
}

// SectionTimetableResponse is the week grid of one class section.
type SectionTimetableResponse struct {
	DepartmentID string         `json:"departmentId"`
	Semester     string         `json:"semester"`
	Section      string         `json:"section"`
	RunID        string         `json:"runId"`
	Version      int            `json:"version"`
	PublishedAt  *time.Time     `json:"publishedAt,omitempty"`
	Days         []TimetableDay `json:"days"`
}

// StaffTimetableResponse lists a staff member's periods across sections.
type StaffTimetableResponse struct {
	StaffID string         `json:"staffId"`
	Load    int            `json:"load"`
	Days    []TimetableDay `json:"days"`
}

// ExportTimetableRequest selects the export format.
type ExportTimetableRequest struct {
	Format string `form:"format" validate:"required,oneof=csv pdf"`
}

// ExportTimetableResponse returns a signed download link.
type ExportTimetableResponse struct {
	ExportID  string    `json:"exportId"`
	Format    string    `json:"format"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
