package models

import "time"

// ClassSectionRecord is a cohort row as stored by the institution backend.
type ClassSectionRecord struct {
	ID           string `db:"id" json:"id"`
	DepartmentID string `db:"department_id" json:"department_id"`
	AcademicYear string `db:"academic_year" json:"academic_year"`
	Semester     string `db:"semester" json:"semester"`
	Section      string `db:"section" json:"section"`
	Size         int    `db:"size" json:"size"`
}

// SectionRequirementRecord overrides the weekly count of a subject for one section.
type SectionRequirementRecord struct {
	SectionID   string `db:"section_id" json:"section_id"`
	SubjectID   string `db:"subject_id" json:"subject_id"`
	WeeklyCount int    `db:"weekly_count" json:"weekly_count"`
}

// SubjectRecord describes a course offering.
type SubjectRecord struct {
	ID             string `db:"id" json:"id"`
	Code           string `db:"code" json:"code"`
	Name           string `db:"name" json:"name"`
	WeeklySessions int    `db:"weekly_sessions" json:"weekly_sessions"`
	Kind           string `db:"kind" json:"kind"`
	BlockLength    int    `db:"block_length" json:"block_length"`
}

// StaffRecord describes a teaching staff member.
type StaffRecord struct {
	ID            string `db:"id" json:"id"`
	Name          string `db:"name" json:"name"`
	DepartmentID  string `db:"department_id" json:"department_id"`
	MaxWeeklyLoad int    `db:"max_weekly_load" json:"max_weekly_load"`
}

// StaffQualificationRecord links staff to a subject they may teach.
type StaffQualificationRecord struct {
	StaffID   string `db:"staff_id" json:"staff_id"`
	SubjectID string `db:"subject_id" json:"subject_id"`
}

// RoomRecord describes a teaching room.
type RoomRecord struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Capacity int    `db:"capacity" json:"capacity"`
	Kind     string `db:"kind" json:"kind"`
}

// DomainSnapshot is the raw backend state loaded for one generation run.
type DomainSnapshot struct {
	DepartmentID   string                     `json:"department_id"`
	Semester       string                     `json:"semester"`
	Sections       []ClassSectionRecord       `json:"sections"`
	Requirements   []SectionRequirementRecord `json:"requirements"`
	Subjects       []SubjectRecord            `json:"subjects"`
	Staff          []StaffRecord              `json:"staff"`
	Qualifications []StaffQualificationRecord `json:"qualifications"`
	Rooms          []RoomRecord               `json:"rooms"`
	FetchedAt      time.Time                  `json:"fetched_at"`
}
