package timetable

import (
	"fmt"
	"sort"
)

// invariants are always enforced by the validator, whatever the registry
// was configured with.
var invariants = []hardEntry{
	{name: ConstraintClassSlotUnique, fn: classSlotUniqueness},
	{name: ConstraintQualification, fn: subjectQualification},
	{name: ConstraintStaffNoOverlap, fn: staffNoOverlap},
	{name: ConstraintRoomNoOverlap, fn: roomNoOverlap},
	{name: ConstraintStaffMaxLoad, fn: staffMaxLoad},
}

// ValidateAssignment checks one assignment against a partial state.
func ValidateAssignment(a Assignment, s *State, reg *Registry) *ConstraintViolation {
	if v := knownEntities(a, s.Snapshot()); v != nil {
		return v
	}
	for _, h := range invariants {
		if v := h.fn(a, s); v != nil {
			v.Constraint = h.name
			return v
		}
	}
	if reg == nil {
		return nil
	}
	return reg.CheckHard(a, s)
}

// Validate re-derives occupancy from scratch and returns the first
// *ConstraintViolation the schedule contains, or nil.
func Validate(snap *Snapshot, sched *Schedule, reg *Registry) error {
	if sched == nil {
		return &ConstraintViolation{Kind: ViolationUnknownEntity, Message: "schedule is nil"}
	}
	state := NewState(snap)
	for _, a := range sched.All() {
		if v := ValidateAssignment(a, state, reg); v != nil {
			return v
		}
		state.Push(a)
	}
	if v := checkCounts(snap, sched); v != nil {
		return v
	}
	if v := checkBlocks(snap, sched); v != nil {
		return v
	}
	return nil
}

func knownEntities(a Assignment, snap *Snapshot) *ConstraintViolation {
	if _, ok := snap.Section(a.Section); !ok {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown section %s", a.Section))
	}
	if a.Slot.ID < 0 || a.Slot.ID >= len(snap.Slots) {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown time slot %d", a.Slot.ID))
	}
	if slot := snap.Slots[a.Slot.ID]; slot.Day != a.Slot.Day || slot.Period != a.Slot.Period {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("time slot %d is %s period %d", slot.ID, slot.Day, slot.Period))
	}
	if _, ok := snap.Subjects[a.SubjectID]; !ok {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown subject %s", a.SubjectID))
	}
	if _, ok := snap.Staff[a.StaffID]; !ok {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown staff %s", a.StaffID))
	}
	if a.RoomID != "" {
		if _, ok := snap.Rooms[a.RoomID]; !ok {
			return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown room %s", a.RoomID))
		}
	}
	return nil
}

func checkCounts(snap *Snapshot, sched *Schedule) *ConstraintViolation {
	for _, sec := range snap.Sections {
		key := sec.Key()
		got := make(map[string]int)
		for _, a := range sched.Sections[key] {
			got[a.SubjectID]++
		}
		subjects := snap.RequiredSubjects(sec)
		for id := range got {
			if _, ok := sec.Requirements[id]; !ok {
				subjects = append(subjects, id)
			}
		}
		sort.Strings(subjects)
		for _, subjectID := range subjects {
			want := snap.Required(sec, subjectID)
			if got[subjectID] != want {
				k := key
				return &ConstraintViolation{
					Kind:      ViolationSessionCount,
					Section:   &k,
					SubjectID: subjectID,
					Message:   fmt.Sprintf("%s has %d periods of %s, requires %d", key, got[subjectID], subjectID, want),
				}
			}
		}
	}
	for key := range sched.Sections {
		if _, ok := snap.Section(key); !ok {
			k := key
			return &ConstraintViolation{Kind: ViolationUnknownEntity, Section: &k, Message: fmt.Sprintf("unknown section %s", key)}
		}
	}
	return nil
}

type blockID struct {
	section SectionKey
	subject string
	block   int
}

func checkBlocks(snap *Snapshot, sched *Schedule) *ConstraintViolation {
	blocks := make(map[blockID][]Assignment)
	var order []blockID
	for _, a := range sched.All() {
		subject := snap.Subjects[a.SubjectID]
		if !subject.IsLab() || subject.Block() == 1 {
			continue
		}
		if a.Block == 0 {
			return violationAt(ViolationBlockSplit, a, fmt.Sprintf("lab %s period has no block", a.SubjectID))
		}
		id := blockID{a.Section, a.SubjectID, a.Block}
		if _, ok := blocks[id]; !ok {
			order = append(order, id)
		}
		blocks[id] = append(blocks[id], a)
	}
	for _, id := range order {
		items := blocks[id]
		length := snap.Subjects[id.subject].Block()
		if len(items) != length {
			return violationAt(ViolationBlockSplit, items[0], fmt.Sprintf("lab %s block %d has %d periods, needs %d", id.subject, id.block, len(items), length))
		}
		for i := 1; i < len(items); i++ {
			prev, cur := items[i-1], items[i]
			if !snap.Contiguous(prev.Slot, cur.Slot) {
				return violationAt(ViolationBlockSplit, cur, fmt.Sprintf("lab %s block %d is not contiguous", id.subject, id.block))
			}
			if prev.StaffID != cur.StaffID || prev.RoomID != cur.RoomID {
				return violationAt(ViolationBlockSplit, cur, fmt.Sprintf("lab %s block %d changes staff or room", id.subject, id.block))
			}
		}
	}
	return nil
}
