package timetable

import (
	"fmt"
	"sort"
)

// Preflight rejects snapshots that no search could satisfy. Malformed input
// yields *UnsatisfiableInputError listing every problem; a provable
// capacity shortfall yields *InfeasibleError with zero backtracks.
func Preflight(snap *Snapshot) error {
	var problems []string
	longest := snap.LongestRun()

	for _, sec := range snap.Sections {
		key := sec.Key()
		for _, subjectID := range snap.RequiredSubjects(sec) {
			subject, ok := snap.Subjects[subjectID]
			if !ok {
				problems = append(problems, fmt.Sprintf("section %s requires unknown subject %s", key, subjectID))
				continue
			}
			need := snap.Required(sec, subjectID)
			if need <= 0 {
				problems = append(problems, fmt.Sprintf("section %s requires %s without a weekly session count", key, subjectID))
				continue
			}
			if len(snap.QualifiedStaff(subjectID)) == 0 {
				problems = append(problems, fmt.Sprintf("no staff qualified for %s (section %s)", subjectID, key))
			}
			if subject.IsLab() {
				block := subject.Block()
				if need%block != 0 {
					problems = append(problems, fmt.Sprintf("section %s needs %d periods of lab %s, not a multiple of block length %d", key, need, subjectID, block))
				}
				if block > longest {
					problems = append(problems, fmt.Sprintf("lab %s needs %d contiguous periods but the longest run is %d", subjectID, block, longest))
				}
			}
			if snap.HasRooms() && len(snap.SuitableRooms(sec, subjectID)) == 0 {
				problems = append(problems, fmt.Sprintf("no %s room seats section %s for %s", subject.Kind, key, subjectID))
			}
		}
	}
	if len(problems) > 0 {
		return &UnsatisfiableInputError{Problems: problems}
	}
	return capacityCheck(snap)
}

func staffCapacity(snap *Snapshot, reservedSlots, reservedLoad map[string]int, staffID string) int {
	capacity := len(snap.Slots) - reservedSlots[staffID]
	if limit := snap.Staff[staffID].MaxWeeklyLoad; limit > 0 && limit-reservedLoad[staffID] < capacity {
		capacity = limit - reservedLoad[staffID]
	}
	if capacity < 0 {
		return 0
	}
	return capacity
}

func capacityCheck(snap *Snapshot) error {
	reservedSlots := make(map[string]int)
	reservedLoad := make(map[string]int)
	seen := make(map[string]map[int]bool)
	for _, r := range snap.Reserved {
		reservedLoad[r.StaffID]++
		if seen[r.StaffID] == nil {
			seen[r.StaffID] = make(map[int]bool)
		}
		if !seen[r.StaffID][r.Slot.ID] {
			seen[r.StaffID][r.Slot.ID] = true
			reservedSlots[r.StaffID]++
		}
	}

	for _, sec := range snap.Sections {
		demand := 0
		for _, subjectID := range snap.RequiredSubjects(sec) {
			demand += snap.Required(sec, subjectID)
		}
		if demand > len(snap.Slots) {
			key := sec.Key()
			return &InfeasibleError{
				Reason: "section demand exceeds the weekly grid",
				Violation: &ConstraintViolation{
					Kind:    ViolationCapacity,
					Section: &key,
					Message: fmt.Sprintf("section %s needs %d periods, grid has %d", key, demand, len(snap.Slots)),
				},
			}
		}
	}

	subjectDemand := make(map[string]int)
	firstSection := make(map[string]SectionKey)
	for _, sec := range snap.Sections {
		for _, subjectID := range snap.RequiredSubjects(sec) {
			if _, ok := firstSection[subjectID]; !ok {
				firstSection[subjectID] = sec.Key()
			}
			subjectDemand[subjectID] += snap.Required(sec, subjectID)
		}
	}
	subjects := make([]string, 0, len(subjectDemand))
	for id := range subjectDemand {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)

	for _, subjectID := range subjects {
		staff := snap.QualifiedStaff(subjectID)
		supply := 0
		for _, staffID := range staff {
			supply += staffCapacity(snap, reservedSlots, reservedLoad, staffID)
		}
		if subjectDemand[subjectID] > supply {
			key := firstSection[subjectID]
			return &InfeasibleError{
				Reason: "subject demand exceeds qualified staff capacity",
				Violation: &ConstraintViolation{
					Kind:      ViolationCapacity,
					Section:   &key,
					SubjectID: subjectID,
					StaffID:   staff[0],
					Message:   fmt.Sprintf("%s needs %d periods, qualified staff can give %d", subjectID, subjectDemand[subjectID], supply),
				},
			}
		}
	}

	// Subjects with a single qualified teacher pin their demand on that teacher.
	exclusive := make(map[string]int)
	exclusiveSubject := make(map[string]string)
	for _, subjectID := range subjects {
		staff := snap.QualifiedStaff(subjectID)
		if len(staff) != 1 {
			continue
		}
		exclusive[staff[0]] += subjectDemand[subjectID]
		if _, ok := exclusiveSubject[staff[0]]; !ok {
			exclusiveSubject[staff[0]] = subjectID
		}
	}
	for _, staffID := range snap.StaffIDs() {
		capacity := staffCapacity(snap, reservedSlots, reservedLoad, staffID)
		if exclusive[staffID] > capacity {
			subjectID := exclusiveSubject[staffID]
			key := firstSection[subjectID]
			return &InfeasibleError{
				Reason: "staff is the only teacher for more periods than they can take",
				Violation: &ConstraintViolation{
					Kind:      ViolationCapacity,
					Section:   &key,
					SubjectID: subjectID,
					StaffID:   staffID,
					Message:   fmt.Sprintf("staff %s alone must cover %d periods, capacity %d", staffID, exclusive[staffID], capacity),
				},
			}
		}
	}

	total, supply := 0, 0
	for _, d := range subjectDemand {
		total += d
	}
	for _, staffID := range snap.StaffIDs() {
		supply += staffCapacity(snap, reservedSlots, reservedLoad, staffID)
	}
	if total > supply {
		return &InfeasibleError{
			Reason: "total demand exceeds total staff capacity",
			Violation: &ConstraintViolation{
				Kind:    ViolationCapacity,
				Message: fmt.Sprintf("sections need %d periods, staff can give %d", total, supply),
			},
		}
	}
	return nil
}
