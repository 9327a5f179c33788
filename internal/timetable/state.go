package timetable

// State is a partial schedule under construction. It is only ever mutated
// through Push and Pop so that the solver can backtrack along an explicit
// trail.
type State struct {
	snap *Snapshot

	sectionIdx map[SectionKey]int
	staffIdx   map[string]int
	roomIdx    map[string]int
	daySlots   map[Weekday][]int

	// occupancy cells hold placed index+1, -(reserved index+1), or 0 when free
	classAt [][]int
	staffAt [][]int
	roomAt  [][]int
	load    []int

	placed   []Assignment
	trail    []int
	reserved []Assignment

	subjectDay   map[subjectDayKey]int
	subjectStaff map[subjectKey]map[string]int
}

type subjectKey struct {
	section SectionKey
	subject string
}

type subjectDayKey struct {
	section SectionKey
	subject string
	day     Weekday
}

// NewState builds an empty state seeded with the snapshot's reserved
// commitments.
func NewState(snap *Snapshot) *State {
	nSlots := len(snap.Slots)
	s := &State{
		snap:         snap,
		sectionIdx:   make(map[SectionKey]int, len(snap.Sections)),
		staffIdx:     make(map[string]int, len(snap.staffIDs)),
		roomIdx:      make(map[string]int, len(snap.roomIDs)),
		daySlots:     make(map[Weekday][]int),
		classAt:      make([][]int, len(snap.Sections)),
		staffAt:      make([][]int, len(snap.staffIDs)),
		roomAt:       make([][]int, len(snap.roomIDs)),
		load:         make([]int, len(snap.staffIDs)),
		subjectDay:   make(map[subjectDayKey]int),
		subjectStaff: make(map[subjectKey]map[string]int),
	}
	for i, sec := range snap.Sections {
		s.sectionIdx[sec.Key()] = i
		s.classAt[i] = make([]int, nSlots)
	}
	for i, id := range snap.staffIDs {
		s.staffIdx[id] = i
		s.staffAt[i] = make([]int, nSlots)
	}
	for i, id := range snap.roomIDs {
		s.roomIdx[id] = i
		s.roomAt[i] = make([]int, nSlots)
	}
	for _, slot := range snap.Slots {
		s.daySlots[slot.Day] = append(s.daySlots[slot.Day], slot.ID)
	}
	for _, r := range snap.Reserved {
		if r.Slot.ID < 0 || r.Slot.ID >= nSlots {
			continue
		}
		s.reserved = append(s.reserved, r)
		marker := -len(s.reserved)
		if i, ok := s.staffIdx[r.StaffID]; ok {
			s.staffAt[i][r.Slot.ID] = marker
			s.load[i]++
		}
		if i, ok := s.roomIdx[r.RoomID]; ok && r.RoomID != "" {
			s.roomAt[i][r.Slot.ID] = marker
		}
	}
	return s
}

// Snapshot returns the run input.
func (s *State) Snapshot() *Snapshot { return s.snap }

// Placed returns the assignments placed so far. Callers must not modify it.
func (s *State) Placed() []Assignment { return s.placed }

// Depth is the number of pushed groups.
func (s *State) Depth() int { return len(s.trail) }

// Push places a group of assignments as one undoable step.
func (s *State) Push(items ...Assignment) {
	s.trail = append(s.trail, len(s.placed))
	for _, a := range items {
		s.placed = append(s.placed, a)
		ref := len(s.placed)
		if i, ok := s.sectionIdx[a.Section]; ok {
			s.classAt[i][a.Slot.ID] = ref
		}
		if i, ok := s.staffIdx[a.StaffID]; ok {
			s.staffAt[i][a.Slot.ID] = ref
			s.load[i]++
		}
		if i, ok := s.roomIdx[a.RoomID]; ok && a.RoomID != "" {
			s.roomAt[i][a.Slot.ID] = ref
		}
		s.subjectDay[subjectDayKey{a.Section, a.SubjectID, a.Slot.Day}]++
		sk := subjectKey{a.Section, a.SubjectID}
		if s.subjectStaff[sk] == nil {
			s.subjectStaff[sk] = make(map[string]int)
		}
		s.subjectStaff[sk][a.StaffID]++
	}
}

// Pop undoes the most recent Push.
func (s *State) Pop() {
	if len(s.trail) == 0 {
		return
	}
	mark := s.trail[len(s.trail)-1]
	s.trail = s.trail[:len(s.trail)-1]
	for len(s.placed) > mark {
		a := s.placed[len(s.placed)-1]
		s.placed = s.placed[:len(s.placed)-1]
		if i, ok := s.sectionIdx[a.Section]; ok {
			s.classAt[i][a.Slot.ID] = 0
		}
		if i, ok := s.staffIdx[a.StaffID]; ok {
			s.staffAt[i][a.Slot.ID] = 0
			s.load[i]--
		}
		if i, ok := s.roomIdx[a.RoomID]; ok && a.RoomID != "" {
			s.roomAt[i][a.Slot.ID] = 0
		}
		dk := subjectDayKey{a.Section, a.SubjectID, a.Slot.Day}
		if s.subjectDay[dk]--; s.subjectDay[dk] <= 0 {
			delete(s.subjectDay, dk)
		}
		sk := subjectKey{a.Section, a.SubjectID}
		if staff := s.subjectStaff[sk]; staff != nil {
			if staff[a.StaffID]--; staff[a.StaffID] <= 0 {
				delete(staff, a.StaffID)
			}
			if len(staff) == 0 {
				delete(s.subjectStaff, sk)
			}
		}
	}
}

func (s *State) occupant(ref int) (Assignment, bool) {
	switch {
	case ref > 0:
		return s.placed[ref-1], true
	case ref < 0:
		return s.reserved[-ref-1], true
	default:
		return Assignment{}, false
	}
}

func (s *State) validSlot(slotID int) bool {
	return slotID >= 0 && slotID < len(s.snap.Slots)
}

// SectionAt returns what the section is doing in a slot.
func (s *State) SectionAt(key SectionKey, slotID int) (Assignment, bool) {
	i, ok := s.sectionIdx[key]
	if !ok || !s.validSlot(slotID) {
		return Assignment{}, false
	}
	return s.occupant(s.classAt[i][slotID])
}

// StaffAt returns the staff member's booking in a slot, including
// reserved commitments from other timetables.
func (s *State) StaffAt(staffID string, slotID int) (Assignment, bool) {
	i, ok := s.staffIdx[staffID]
	if !ok || !s.validSlot(slotID) {
		return Assignment{}, false
	}
	return s.occupant(s.staffAt[i][slotID])
}

// RoomAt returns the room's booking in a slot.
func (s *State) RoomAt(roomID string, slotID int) (Assignment, bool) {
	i, ok := s.roomIdx[roomID]
	if !ok || !s.validSlot(slotID) {
		return Assignment{}, false
	}
	return s.occupant(s.roomAt[i][slotID])
}

// StaffLoad counts the sessions booked for staff, reserved ones included.
func (s *State) StaffLoad(staffID string) int {
	if i, ok := s.staffIdx[staffID]; ok {
		return s.load[i]
	}
	return 0
}

// TotalLoad sums all staff loads.
func (s *State) TotalLoad() int {
	total := 0
	for _, l := range s.load {
		total += l
	}
	return total
}

// SubjectOnDay counts a section's sessions of subject on day.
func (s *State) SubjectOnDay(key SectionKey, subjectID string, day Weekday) int {
	return s.subjectDay[subjectDayKey{key, subjectID, day}]
}

// SubjectStaff returns the staff currently teaching subject to a section.
func (s *State) SubjectStaff(key SectionKey, subjectID string) map[string]int {
	return s.subjectStaff[subjectKey{key, subjectID}]
}

// StaffDayGap returns the idle periods between the first and last booked
// periods of a staff day, treating extra as booked too.
func (s *State) StaffDayGap(staffID string, day Weekday, extra ...int) int {
	i, ok := s.staffIdx[staffID]
	if !ok {
		return 0
	}
	first, last, count := -1, -1, 0
	for _, slotID := range s.daySlots[day] {
		busy := s.staffAt[i][slotID] != 0
		if !busy {
			for _, e := range extra {
				if e == slotID {
					busy = true
					break
				}
			}
		}
		if !busy {
			continue
		}
		if first < 0 {
			first = slotID
		}
		last = slotID
		count++
	}
	if count < 2 {
		return 0
	}
	return (last - first + 1) - count
}

// SectionFree counts unoccupied slots for a section.
func (s *State) SectionFree(key SectionKey) int {
	i, ok := s.sectionIdx[key]
	if !ok {
		return 0
	}
	free := 0
	for _, ref := range s.classAt[i] {
		if ref == 0 {
			free++
		}
	}
	return free
}
