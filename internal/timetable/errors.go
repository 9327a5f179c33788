package timetable

import (
	"errors"
	"fmt"
	"strings"
)

// Violation kinds reported by constraints and the validator.
const (
	ViolationStaffOverlap   = "STAFF_OVERLAP"
	ViolationRoomOverlap    = "ROOM_OVERLAP"
	ViolationUnqualified    = "UNQUALIFIED_STAFF"
	ViolationClassSlotTaken = "CLASS_SLOT_TAKEN"
	ViolationStaffOverload  = "STAFF_OVERLOAD"
	ViolationRoomUnsuitable = "ROOM_UNSUITABLE"
	ViolationSessionCount   = "SESSION_COUNT_MISMATCH"
	ViolationBlockSplit     = "LAB_BLOCK_SPLIT"
	ViolationUnknownEntity  = "UNKNOWN_ENTITY"
	ViolationCapacity       = "INSUFFICIENT_CAPACITY"
)

// ErrBudgetExceeded marks a search aborted by its time or backtrack budget.
var ErrBudgetExceeded = errors.New("search budget exhausted")

// ConstraintViolation describes one broken hard constraint.
type ConstraintViolation struct {
	Kind       string      `json:"kind"`
	Constraint string      `json:"constraint,omitempty"`
	Section    *SectionKey `json:"section,omitempty"`
	Other      *SectionKey `json:"conflictsWith,omitempty"`
	Slot       *TimeSlot   `json:"slot,omitempty"`
	SubjectID  string      `json:"subjectId,omitempty"`
	StaffID    string      `json:"staffId,omitempty"`
	RoomID     string      `json:"roomId,omitempty"`
	Message    string      `json:"message"`
}

func (v *ConstraintViolation) Error() string {
	if v == nil {
		return "<nil>"
	}
	var parts []string
	if v.Section != nil {
		parts = append(parts, "section "+v.Section.String())
	}
	if v.Slot != nil {
		parts = append(parts, fmt.Sprintf("%s period %d", v.Slot.Day, v.Slot.Period))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: %s", v.Kind, v.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Kind, v.Message, strings.Join(parts, ", "))
}

func violationAt(kind string, a Assignment, msg string) *ConstraintViolation {
	sec := a.Section
	slot := a.Slot
	return &ConstraintViolation{
		Kind:      kind,
		Section:   &sec,
		Slot:      &slot,
		SubjectID: a.SubjectID,
		StaffID:   a.StaffID,
		RoomID:    a.RoomID,
		Message:   msg,
	}
}

// Variable identifies one session (or lab block) the solver must place.
type Variable struct {
	Section   SectionKey `json:"section"`
	SubjectID string     `json:"subjectId"`
	Session   int        `json:"session"`
	Length    int        `json:"length"`
}

func (v Variable) String() string {
	return fmt.Sprintf("%s %s #%d", v.Section, v.SubjectID, v.Session)
}

// InfeasibleError reports that no complete valid assignment was found.
type InfeasibleError struct {
	Variable   *Variable            `json:"variable,omitempty"`
	Violation  *ConstraintViolation `json:"violation,omitempty"`
	Backtracks int                  `json:"backtracks"`
	Reason     string               `json:"reason"`
	Cause      error                `json:"-"`
}

func (e *InfeasibleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "schedule infeasible: " + e.Reason
	if e.Variable != nil {
		msg += " (unplaced " + e.Variable.String() + ")"
	}
	if e.Violation != nil {
		msg += ": " + e.Violation.Error()
	}
	return msg
}

func (e *InfeasibleError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Cause != nil {
		return e.Cause
	}
	if e.Violation != nil {
		return e.Violation
	}
	return nil
}

// UnsatisfiableInputError is raised by the pre-flight pass for malformed
// snapshots, before any search time is spent.
type UnsatisfiableInputError struct {
	Problems []string `json:"problems"`
}

func (e *UnsatisfiableInputError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "unsatisfiable input: " + strings.Join(e.Problems, "; ")
}

// ConcurrentGenerationError is returned while another run holds the key.
type ConcurrentGenerationError struct {
	Key string `json:"key"`
}

func (e *ConcurrentGenerationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "generation already in progress for " + e.Key
}
