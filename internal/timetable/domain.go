package timetable

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Weekday identifies a teaching day, Monday=1 through Saturday=6.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

var weekdayNames = map[Weekday]string{
	Monday:    "MONDAY",
	Tuesday:   "TUESDAY",
	Wednesday: "WEDNESDAY",
	Thursday:  "THURSDAY",
	Friday:    "FRIDAY",
	Saturday:  "SATURDAY",
}

func (d Weekday) String() string {
	if name, ok := weekdayNames[d]; ok {
		return name
	}
	return "DAY_" + strconv.Itoa(int(d))
}

// Valid reports whether the day is within Monday..Saturday.
func (d Weekday) Valid() bool {
	return d >= Monday && d <= Saturday
}

// ParseWeekday accepts full names, three letter abbreviations or 1-6.
func ParseWeekday(raw string) (Weekday, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		d := Weekday(n)
		return d, d.Valid()
	}
	for day, name := range weekdayNames {
		if raw == name || raw == name[:3] {
			return day, true
		}
	}
	return 0, false
}

// SubjectKind separates single-period lectures from block-scheduled labs.
type SubjectKind string

const (
	KindLecture SubjectKind = "LECTURE"
	KindLab     SubjectKind = "LAB"
)

// TimeSlot is one teaching period. Slots are immutable once built.
type TimeSlot struct {
	ID     int     `json:"id"`
	Day    Weekday `json:"day"`
	Period int     `json:"period"`
	// Segment numbers the break-free runs inside a day; periods are contiguous
	// only when they share a segment.
	Segment int    `json:"segment"`
	Start   string `json:"startTime"`
	End     string `json:"endTime"`
}

// GridConfig describes the institutional week.
type GridConfig struct {
	Days          []Weekday
	PeriodsPerDay int
	DayStart      string
	PeriodMinutes int
	// Breaks maps "after period N" to the break length in minutes.
	Breaks map[int]int
}

// BuildTimeSlots expands the grid configuration into ordered slots.
func BuildTimeSlots(cfg GridConfig) ([]TimeSlot, error) {
	if cfg.PeriodsPerDay <= 0 {
		return nil, fmt.Errorf("periods per day must be positive")
	}
	if cfg.PeriodMinutes <= 0 {
		return nil, fmt.Errorf("period length must be positive")
	}
	start, err := time.Parse("15:04", cfg.DayStart)
	if err != nil {
		return nil, fmt.Errorf("invalid day start %q: %w", cfg.DayStart, err)
	}
	days := make([]Weekday, 0, len(cfg.Days))
	seen := make(map[Weekday]bool)
	for _, d := range cfg.Days {
		if !d.Valid() {
			return nil, fmt.Errorf("invalid day %d", d)
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("at least one teaching day is required")
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	slots := make([]TimeSlot, 0, len(days)*cfg.PeriodsPerDay)
	for _, day := range days {
		cursor := start
		segment := 1
		for period := 1; period <= cfg.PeriodsPerDay; period++ {
			end := cursor.Add(time.Duration(cfg.PeriodMinutes) * time.Minute)
			slots = append(slots, TimeSlot{
				ID:      len(slots),
				Day:     day,
				Period:  period,
				Segment: segment,
				Start:   cursor.Format("15:04"),
				End:     end.Format("15:04"),
			})
			cursor = end
			if gap, ok := cfg.Breaks[period]; ok && period < cfg.PeriodsPerDay {
				cursor = cursor.Add(time.Duration(gap) * time.Minute)
				segment++
			}
		}
	}
	return slots, nil
}

// SectionKey identifies a class section.
type SectionKey struct {
	Department string `json:"department"`
	Semester   string `json:"semester"`
	Section    string `json:"section"`
}

func (k SectionKey) String() string {
	return k.Department + "/" + k.Semester + "/" + k.Section
}

// Less orders keys lexicographically by department, semester, section.
func (k SectionKey) Less(o SectionKey) bool {
	if k.Department != o.Department {
		return k.Department < o.Department
	}
	if k.Semester != o.Semester {
		return k.Semester < o.Semester
	}
	return k.Section < o.Section
}

// ClassSection is a group of students that shares one timetable.
type ClassSection struct {
	Department   string
	AcademicYear string
	Semester     string
	Section      string
	Size         int
	// Requirements maps subject ID to weekly periods; zero falls back to
	// the subject's WeeklySessions.
	Requirements map[string]int
}

// Key returns the identity of the section.
func (c ClassSection) Key() SectionKey {
	return SectionKey{Department: c.Department, Semester: c.Semester, Section: c.Section}
}

// Staff is a teacher with a qualification set and weekly cap.
type Staff struct {
	ID         string
	Name       string
	Department string
	Qualified  []string
	// MaxWeeklyLoad of zero means uncapped.
	MaxWeeklyLoad int
}

// Subject describes what is taught and how it is blocked.
type Subject struct {
	ID             string
	Code           string
	Name           string
	WeeklySessions int
	Kind           SubjectKind
	BlockLength    int
}

// IsLab reports whether the subject is placed as contiguous blocks.
func (s Subject) IsLab() bool {
	return s.Kind == KindLab
}

// Block returns the number of periods one placement occupies.
func (s Subject) Block() int {
	if s.IsLab() && s.BlockLength > 1 {
		return s.BlockLength
	}
	return 1
}

// Room is an optional resource.
type Room struct {
	ID       string
	Name     string
	Capacity int
	Kind     SubjectKind
}

// Assignment is one cell of the timetable grid.
type Assignment struct {
	Section   SectionKey `json:"section"`
	Slot      TimeSlot   `json:"slot"`
	SubjectID string     `json:"subjectId"`
	StaffID   string     `json:"staffId"`
	RoomID    string     `json:"roomId,omitempty"`
	// Block numbers lab placements per section and subject; zero for lectures.
	Block int `json:"block,omitempty"`
}

// Schedule is the solver output for every section of a snapshot.
type Schedule struct {
	Sections  map[SectionKey][]Assignment `json:"sections"`
	Penalty   float64                     `json:"penalty"`
	Breakdown map[string]float64          `json:"breakdown,omitempty"`
	Stats     Stats                       `json:"stats"`
}

// Stats summarises a search.
type Stats struct {
	Nodes      int           `json:"nodes"`
	Backtracks int           `json:"backtracks"`
	Components int           `json:"components"`
	Duration   time.Duration `json:"duration"`
}

// NewSchedule returns an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{Sections: make(map[SectionKey][]Assignment)}
}

// Add appends assignments to their sections.
func (s *Schedule) Add(items ...Assignment) {
	for _, a := range items {
		s.Sections[a.Section] = append(s.Sections[a.Section], a)
	}
}

// All returns every assignment ordered by section, day and period.
func (s *Schedule) All() []Assignment {
	out := make([]Assignment, 0)
	for _, items := range s.Sections {
		out = append(out, items...)
	}
	SortAssignments(out)
	return out
}

// ForSection returns the section's assignments in slot order.
func (s *Schedule) ForSection(key SectionKey) []Assignment {
	items := append([]Assignment(nil), s.Sections[key]...)
	SortAssignments(items)
	return items
}

// ForStaff groups a teacher's assignments by day.
func (s *Schedule) ForStaff(staffID string) map[Weekday][]Assignment {
	out := make(map[Weekday][]Assignment)
	for _, a := range s.All() {
		if a.StaffID == staffID {
			out[a.Slot.Day] = append(out[a.Slot.Day], a)
		}
	}
	return out
}

// SortAssignments orders by section key then slot.
func SortAssignments(items []Assignment) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Section != items[j].Section {
			return items[i].Section.Less(items[j].Section)
		}
		return items[i].Slot.ID < items[j].Slot.ID
	})
}

// Snapshot is the immutable input of one generation run. Entities are
// referenced by ID; derived indexes are built once in NewSnapshot.
type Snapshot struct {
	Department string
	Semester   string
	Slots      []TimeSlot
	Sections   []ClassSection
	Subjects   map[string]Subject
	Staff      map[string]Staff
	Rooms      map[string]Room
	// Reserved holds commitments from other published timetables that the
	// run must not collide with.
	Reserved []Assignment

	staffIDs  []string
	roomIDs   []string
	qualified map[string][]string
	canTeach  map[string]map[string]bool
	sections  map[SectionKey]int
}

// SnapshotInput groups the raw entities for NewSnapshot.
type SnapshotInput struct {
	Department string
	Semester   string
	Slots      []TimeSlot
	Sections   []ClassSection
	Subjects   []Subject
	Staff      []Staff
	Rooms      []Room
	Reserved   []Assignment
}

// NewSnapshot indexes the input, rejecting duplicate identities.
func NewSnapshot(in SnapshotInput) (*Snapshot, error) {
	if len(in.Slots) == 0 {
		return nil, fmt.Errorf("snapshot has no time slots")
	}
	for i, slot := range in.Slots {
		if slot.ID != i {
			return nil, fmt.Errorf("time slot ids must be dense, slot %d has id %d", i, slot.ID)
		}
		if i > 0 {
			prev := in.Slots[i-1]
			if slot.Day < prev.Day || (slot.Day == prev.Day && slot.Period <= prev.Period) {
				return nil, fmt.Errorf("time slots must be ordered by day and period at slot %d", i)
			}
		}
	}
	snap := &Snapshot{
		Department: in.Department,
		Semester:   in.Semester,
		Slots:      in.Slots,
		Subjects:   make(map[string]Subject, len(in.Subjects)),
		Staff:      make(map[string]Staff, len(in.Staff)),
		Rooms:      make(map[string]Room, len(in.Rooms)),
		Reserved:   in.Reserved,
		qualified:  make(map[string][]string),
		canTeach:   make(map[string]map[string]bool),
		sections:   make(map[SectionKey]int, len(in.Sections)),
	}
	for _, sub := range in.Subjects {
		if _, dup := snap.Subjects[sub.ID]; dup {
			return nil, fmt.Errorf("duplicate subject %s", sub.ID)
		}
		if sub.Kind == "" {
			sub.Kind = KindLecture
		}
		snap.Subjects[sub.ID] = sub
	}
	for _, st := range in.Staff {
		if _, dup := snap.Staff[st.ID]; dup {
			return nil, fmt.Errorf("duplicate staff %s", st.ID)
		}
		snap.Staff[st.ID] = st
		snap.staffIDs = append(snap.staffIDs, st.ID)
		snap.canTeach[st.ID] = make(map[string]bool, len(st.Qualified))
		for _, subjectID := range st.Qualified {
			if snap.canTeach[st.ID][subjectID] {
				continue
			}
			snap.canTeach[st.ID][subjectID] = true
			snap.qualified[subjectID] = append(snap.qualified[subjectID], st.ID)
		}
	}
	for _, room := range in.Rooms {
		if _, dup := snap.Rooms[room.ID]; dup {
			return nil, fmt.Errorf("duplicate room %s", room.ID)
		}
		if room.Kind == "" {
			room.Kind = KindLecture
		}
		snap.Rooms[room.ID] = room
		snap.roomIDs = append(snap.roomIDs, room.ID)
	}
	sort.Strings(snap.staffIDs)
	sort.Strings(snap.roomIDs)
	for subjectID := range snap.qualified {
		sort.Strings(snap.qualified[subjectID])
	}

	sections := append([]ClassSection(nil), in.Sections...)
	sort.Slice(sections, func(i, j int) bool { return sections[i].Key().Less(sections[j].Key()) })
	for i, sec := range sections {
		if _, dup := snap.sections[sec.Key()]; dup {
			return nil, fmt.Errorf("duplicate class section %s", sec.Key())
		}
		snap.sections[sec.Key()] = i
	}
	snap.Sections = sections
	return snap, nil
}

// StaffIDs returns staff identifiers in sorted order.
func (s *Snapshot) StaffIDs() []string { return s.staffIDs }

// RoomIDs returns room identifiers in sorted order.
func (s *Snapshot) RoomIDs() []string { return s.roomIDs }

// HasRooms reports whether rooms are modelled for this run.
func (s *Snapshot) HasRooms() bool { return len(s.roomIDs) > 0 }

// QualifiedStaff lists staff allowed to teach the subject, sorted by ID.
func (s *Snapshot) QualifiedStaff(subjectID string) []string {
	return s.qualified[subjectID]
}

// IsQualified reports whether staff may teach subject.
func (s *Snapshot) IsQualified(staffID, subjectID string) bool {
	return s.canTeach[staffID][subjectID]
}

// Section looks a section up by key.
func (s *Snapshot) Section(key SectionKey) (ClassSection, bool) {
	idx, ok := s.sections[key]
	if !ok {
		return ClassSection{}, false
	}
	return s.Sections[idx], true
}

// Required returns the weekly periods a section needs for a subject.
func (s *Snapshot) Required(sec ClassSection, subjectID string) int {
	count, ok := sec.Requirements[subjectID]
	if !ok {
		return 0
	}
	if count <= 0 {
		return s.Subjects[subjectID].WeeklySessions
	}
	return count
}

// RequiredSubjects returns the section's subject IDs in sorted order.
func (s *Snapshot) RequiredSubjects(sec ClassSection) []string {
	ids := make([]string, 0, len(sec.Requirements))
	for id := range sec.Requirements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contiguous reports whether b immediately follows a without a break.
func (s *Snapshot) Contiguous(a, b TimeSlot) bool {
	return a.Day == b.Day && a.Segment == b.Segment && b.Period == a.Period+1
}

// BlockAt returns the slot ids of a contiguous run of length starting at
// start, or nil when the run would cross a break or the end of the day.
func (s *Snapshot) BlockAt(start, length int) []int {
	if start < 0 || start+length > len(s.Slots) {
		return nil
	}
	ids := make([]int, 0, length)
	ids = append(ids, start)
	for i := 1; i < length; i++ {
		if !s.Contiguous(s.Slots[start+i-1], s.Slots[start+i]) {
			return nil
		}
		ids = append(ids, start+i)
	}
	return ids
}

// SegmentStart reports whether the slot opens a break-free run.
func (s *Snapshot) SegmentStart(slotID int) bool {
	if slotID == 0 {
		return true
	}
	return !s.Contiguous(s.Slots[slotID-1], s.Slots[slotID])
}

// LongestRun returns the longest break-free run of periods in the grid.
func (s *Snapshot) LongestRun() int {
	longest, current := 0, 0
	for i, slot := range s.Slots {
		if i > 0 && s.Contiguous(s.Slots[i-1], slot) {
			current++
		} else {
			current = 1
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}

// SuitableRooms lists rooms of matching kind with enough seats.
func (s *Snapshot) SuitableRooms(sec ClassSection, subjectID string) []string {
	if !s.HasRooms() {
		return nil
	}
	kind := s.Subjects[subjectID].Kind
	var out []string
	for _, id := range s.roomIDs {
		room := s.Rooms[id]
		if room.Kind != kind {
			continue
		}
		if room.Capacity > 0 && sec.Size > room.Capacity {
			continue
		}
		out = append(out, id)
	}
	return out
}
