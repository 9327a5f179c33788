package service

import (
	"fmt"
	"strings"

	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
)

type slotKey struct {
	day    timetable.Weekday
	period int
}

// BuildSnapshot converts backend records into a solver snapshot on the
// institutional grid. Commitments from other published timetables are
// mapped onto the grid by day and period; entries outside it are dropped.
func BuildSnapshot(raw *models.DomainSnapshot, slots []timetable.TimeSlot, commitments []models.TimetableEntry) (*timetable.Snapshot, error) {
	if raw == nil {
		return nil, fmt.Errorf("snapshot payload is nil")
	}

	sectionByID := make(map[string]int, len(raw.Sections))
	sections := make([]timetable.ClassSection, 0, len(raw.Sections))
	for _, rec := range raw.Sections {
		if _, dup := sectionByID[rec.ID]; dup {
			return nil, fmt.Errorf("duplicate class section id %s", rec.ID)
		}
		department := rec.DepartmentID
		if department == "" {
			department = raw.DepartmentID
		}
		semester := rec.Semester
		if semester == "" {
			semester = raw.Semester
		}
		sectionByID[rec.ID] = len(sections)
		sections = append(sections, timetable.ClassSection{
			Department:   department,
			AcademicYear: rec.AcademicYear,
			Semester:     semester,
			Section:      rec.Section,
			Size:         rec.Size,
			Requirements: make(map[string]int),
		})
	}
	for _, req := range raw.Requirements {
		idx, ok := sectionByID[req.SectionID]
		if !ok {
			return nil, fmt.Errorf("requirement references unknown section %s", req.SectionID)
		}
		sections[idx].Requirements[req.SubjectID] = req.WeeklyCount
	}

	subjects := make([]timetable.Subject, 0, len(raw.Subjects))
	for _, rec := range raw.Subjects {
		kind, err := parseKind(rec.Kind)
		if err != nil {
			return nil, fmt.Errorf("subject %s: %w", rec.ID, err)
		}
		subjects = append(subjects, timetable.Subject{
			ID:             rec.ID,
			Code:           rec.Code,
			Name:           rec.Name,
			WeeklySessions: rec.WeeklySessions,
			Kind:           kind,
			BlockLength:    rec.BlockLength,
		})
	}

	qualified := make(map[string][]string)
	for _, q := range raw.Qualifications {
		qualified[q.StaffID] = append(qualified[q.StaffID], q.SubjectID)
	}
	staff := make([]timetable.Staff, 0, len(raw.Staff))
	for _, rec := range raw.Staff {
		staff = append(staff, timetable.Staff{
			ID:            rec.ID,
			Name:          rec.Name,
			Department:    rec.DepartmentID,
			Qualified:     qualified[rec.ID],
			MaxWeeklyLoad: rec.MaxWeeklyLoad,
		})
	}

	rooms := make([]timetable.Room, 0, len(raw.Rooms))
	for _, rec := range raw.Rooms {
		kind, err := parseKind(rec.Kind)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", rec.ID, err)
		}
		rooms = append(rooms, timetable.Room{ID: rec.ID, Name: rec.Name, Capacity: rec.Capacity, Kind: kind})
	}

	grid := make(map[slotKey]timetable.TimeSlot, len(slots))
	for _, slot := range slots {
		grid[slotKey{slot.Day, slot.Period}] = slot
	}
	reserved := make([]timetable.Assignment, 0, len(commitments))
	for _, entry := range commitments {
		slot, ok := grid[slotKey{timetable.Weekday(entry.DayOfWeek), entry.Period}]
		if !ok {
			continue
		}
		reserved = append(reserved, entryToAssignment(entry, slot))
	}

	return timetable.NewSnapshot(timetable.SnapshotInput{
		Department: raw.DepartmentID,
		Semester:   raw.Semester,
		Slots:      slots,
		Sections:   sections,
		Subjects:   subjects,
		Staff:      staff,
		Rooms:      rooms,
		Reserved:   reserved,
	})
}

func parseKind(raw string) (timetable.SubjectKind, error) {
	switch timetable.SubjectKind(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", timetable.KindLecture:
		return timetable.KindLecture, nil
	case timetable.KindLab:
		return timetable.KindLab, nil
	default:
		return "", fmt.Errorf("unknown kind %q", raw)
	}
}

// entryToAssignment rebuilds an engine assignment from a stored entry.
func entryToAssignment(entry models.TimetableEntry, slot timetable.TimeSlot) timetable.Assignment {
	a := timetable.Assignment{
		Section: timetable.SectionKey{
			Department: entry.DepartmentID,
			Semester:   entry.Semester,
			Section:    entry.Section,
		},
		Slot:      slot,
		SubjectID: entry.SubjectID,
		StaffID:   entry.StaffID,
		Block:     entry.Block,
	}
	if entry.RoomID != nil {
		a.RoomID = *entry.RoomID
	}
	return a
}

// storedSlot recreates the slot a stored entry was placed in.
func storedSlot(entry models.TimetableEntry) timetable.TimeSlot {
	return timetable.TimeSlot{
		ID:     entry.SlotID,
		Day:    timetable.Weekday(entry.DayOfWeek),
		Period: entry.Period,
		Start:  entry.StartTime,
		End:    entry.EndTime,
	}
}

// assignmentsToEntries flattens a schedule for persistence under runID.
func assignmentsToEntries(runID string, sched *timetable.Schedule) []models.TimetableEntry {
	all := sched.All()
	entries := make([]models.TimetableEntry, 0, len(all))
	for _, a := range all {
		entry := models.TimetableEntry{
			RunID:        runID,
			DepartmentID: a.Section.Department,
			Semester:     a.Section.Semester,
			Section:      a.Section.Section,
			SlotID:       a.Slot.ID,
			DayOfWeek:    int(a.Slot.Day),
			Period:       a.Slot.Period,
			StartTime:    a.Slot.Start,
			EndTime:      a.Slot.End,
			SubjectID:    a.SubjectID,
			StaffID:      a.StaffID,
			Block:        a.Block,
		}
		if a.RoomID != "" {
			room := a.RoomID
			entry.RoomID = &room
		}
		entries = append(entries, entry)
	}
	return entries
}

// entriesToSchedule rebuilds a published schedule from stored entries.
func entriesToSchedule(entries []models.TimetableEntry) *timetable.Schedule {
	sched := timetable.NewSchedule()
	for _, entry := range entries {
		sched.Add(entryToAssignment(entry, storedSlot(entry)))
	}
	for key := range sched.Sections {
		timetable.SortAssignments(sched.Sections[key])
	}
	return sched
}

// GridFromConfig builds the engine grid config from day names.
func GridFromConfig(days []string, periods int, start string, minutes int, breaks map[int]int) (timetable.GridConfig, error) {
	cfg := timetable.GridConfig{PeriodsPerDay: periods, DayStart: start, PeriodMinutes: minutes, Breaks: breaks}
	for _, raw := range days {
		day, ok := timetable.ParseWeekday(raw)
		if !ok {
			return timetable.GridConfig{}, fmt.Errorf("unknown grid day %q", raw)
		}
		cfg.Days = append(cfg.Days, day)
	}
	return cfg, nil
}
