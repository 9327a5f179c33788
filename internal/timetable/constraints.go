package timetable

import (
	"fmt"
	"sort"
)

// Names of the built-in constraints.
const (
	ConstraintStaffNoOverlap     = "staff-no-overlap"
	ConstraintRoomNoOverlap      = "room-no-overlap"
	ConstraintQualification      = "subject-qualification"
	ConstraintClassSlotUnique    = "class-slot-uniqueness"
	ConstraintStaffMaxLoad       = "staff-max-load"
	ConstraintRoomSuitability    = "room-suitability"
	ConstraintStaffLoadBalance   = "staff-load-balance"
	ConstraintStaffGaps          = "staff-gap-minimization"
	ConstraintLabBlockContiguity = "lab-block-contiguity"
	ConstraintSubjectDaySpread   = "subject-day-spread"
	ConstraintStaffContinuity    = "subject-staff-continuity"
)

// HardConstraint checks one assignment against a partial state and returns
// nil when it may be placed.
type HardConstraint func(a Assignment, s *State) *ConstraintViolation

// SoftScorer returns the penalty of a complete schedule.
type SoftScorer func(sched *Schedule, snap *Snapshot) float64

// DeltaScorer estimates how much placing group would add to a soft
// penalty given the current partial state.
type DeltaScorer func(group []Assignment, s *State) float64

type hardEntry struct {
	name string
	fn   HardConstraint
}

type softEntry struct {
	name   string
	weight float64
	score  SoftScorer
	delta  DeltaScorer
}

// SoftOption configures a soft constraint at registration.
type SoftOption func(*softEntry)

// WithDelta attaches an incremental scorer used to rank solver candidates.
func WithDelta(fn DeltaScorer) SoftOption {
	return func(e *softEntry) { e.delta = fn }
}

// Registry holds the hard and soft constraints of one institution.
type Registry struct {
	hard []hardEntry
	soft []softEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with the built-in constraints.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterHard(ConstraintClassSlotUnique, classSlotUniqueness)
	r.RegisterHard(ConstraintQualification, subjectQualification)
	r.RegisterHard(ConstraintStaffNoOverlap, staffNoOverlap)
	r.RegisterHard(ConstraintRoomNoOverlap, roomNoOverlap)
	r.RegisterHard(ConstraintStaffMaxLoad, staffMaxLoad)
	r.RegisterHard(ConstraintRoomSuitability, roomSuitability)

	r.RegisterSoft(ConstraintStaffLoadBalance, 1, staffLoadVariance, WithDelta(staffLoadVarianceDelta))
	r.RegisterSoft(ConstraintStaffGaps, 1, staffGaps, WithDelta(staffGapsDelta))
	r.RegisterSoft(ConstraintLabBlockContiguity, 1, labBlockAlignment, WithDelta(labBlockAlignmentDelta))
	r.RegisterSoft(ConstraintSubjectDaySpread, 1, subjectDaySpread, WithDelta(subjectDaySpreadDelta))
	r.RegisterSoft(ConstraintStaffContinuity, 1, staffContinuity, WithDelta(staffContinuityDelta))
	return r
}

// RegisterHard adds or replaces a named hard constraint.
func (r *Registry) RegisterHard(name string, fn HardConstraint) {
	for i := range r.hard {
		if r.hard[i].name == name {
			r.hard[i].fn = fn
			return
		}
	}
	r.hard = append(r.hard, hardEntry{name: name, fn: fn})
}

// RegisterSoft adds or replaces a weighted soft constraint.
func (r *Registry) RegisterSoft(name string, weight float64, score SoftScorer, opts ...SoftOption) {
	entry := softEntry{name: name, weight: weight, score: score}
	for _, opt := range opts {
		opt(&entry)
	}
	for i := range r.soft {
		if r.soft[i].name == name {
			r.soft[i] = entry
			return
		}
	}
	r.soft = append(r.soft, entry)
}

// SetWeight changes a soft constraint's weight. It reports false for
// unknown names.
func (r *Registry) SetWeight(name string, weight float64) bool {
	for i := range r.soft {
		if r.soft[i].name == name {
			r.soft[i].weight = weight
			return true
		}
	}
	return false
}

// ApplyWeights sets several weights at once.
func (r *Registry) ApplyWeights(weights map[string]float64) error {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.SetWeight(name, weights[name]) {
			return fmt.Errorf("unknown soft constraint %q", name)
		}
	}
	return nil
}

// HardNames lists registered hard constraints in registration order.
func (r *Registry) HardNames() []string {
	names := make([]string, 0, len(r.hard))
	for _, h := range r.hard {
		names = append(names, h.name)
	}
	return names
}

// SoftNames lists registered soft constraints in registration order.
func (r *Registry) SoftNames() []string {
	names := make([]string, 0, len(r.soft))
	for _, e := range r.soft {
		names = append(names, e.name)
	}
	return names
}

// CheckHard runs every hard constraint and returns the first violation.
func (r *Registry) CheckHard(a Assignment, s *State) *ConstraintViolation {
	for _, h := range r.hard {
		if v := h.fn(a, s); v != nil {
			if v.Constraint == "" {
				v.Constraint = h.name
			}
			return v
		}
	}
	return nil
}

// Penalty is the weighted sum of soft scores.
func (r *Registry) Penalty(sched *Schedule, snap *Snapshot) float64 {
	total := 0.0
	for _, e := range r.soft {
		if e.weight == 0 {
			continue
		}
		total += e.weight * e.score(sched, snap)
	}
	return total
}

// Breakdown returns the weighted score per soft constraint.
func (r *Registry) Breakdown(sched *Schedule, snap *Snapshot) map[string]float64 {
	out := make(map[string]float64, len(r.soft))
	for _, e := range r.soft {
		out[e.name] = e.weight * e.score(sched, snap)
	}
	return out
}

// Delta estimates the penalty increase of placing group.
func (r *Registry) Delta(group []Assignment, s *State) float64 {
	total := 0.0
	for _, e := range r.soft {
		if e.delta == nil || e.weight == 0 {
			continue
		}
		total += e.weight * e.delta(group, s)
	}
	return total
}

// --- hard constraints ---

func classSlotUniqueness(a Assignment, s *State) *ConstraintViolation {
	if other, busy := s.SectionAt(a.Section, a.Slot.ID); busy {
		return violationAt(ViolationClassSlotTaken, a, fmt.Sprintf("section already has %s in this slot", other.SubjectID))
	}
	return nil
}

func subjectQualification(a Assignment, s *State) *ConstraintViolation {
	if !s.Snapshot().IsQualified(a.StaffID, a.SubjectID) {
		return violationAt(ViolationUnqualified, a, fmt.Sprintf("staff %s is not qualified for %s", a.StaffID, a.SubjectID))
	}
	return nil
}

func staffNoOverlap(a Assignment, s *State) *ConstraintViolation {
	other, busy := s.StaffAt(a.StaffID, a.Slot.ID)
	if !busy {
		return nil
	}
	v := violationAt(ViolationStaffOverlap, a, fmt.Sprintf("staff %s already teaches %s", a.StaffID, other.Section))
	sec := other.Section
	v.Other = &sec
	return v
}

func roomNoOverlap(a Assignment, s *State) *ConstraintViolation {
	if a.RoomID == "" {
		return nil
	}
	other, busy := s.RoomAt(a.RoomID, a.Slot.ID)
	if !busy {
		return nil
	}
	v := violationAt(ViolationRoomOverlap, a, fmt.Sprintf("room %s already hosts %s", a.RoomID, other.Section))
	sec := other.Section
	v.Other = &sec
	return v
}

func staffMaxLoad(a Assignment, s *State) *ConstraintViolation {
	staff, ok := s.Snapshot().Staff[a.StaffID]
	if !ok || staff.MaxWeeklyLoad <= 0 {
		return nil
	}
	if s.StaffLoad(a.StaffID)+1 > staff.MaxWeeklyLoad {
		return violationAt(ViolationStaffOverload, a, fmt.Sprintf("staff %s would exceed weekly load %d", a.StaffID, staff.MaxWeeklyLoad))
	}
	return nil
}

func roomSuitability(a Assignment, s *State) *ConstraintViolation {
	snap := s.Snapshot()
	if !snap.HasRooms() {
		return nil
	}
	if a.RoomID == "" {
		return violationAt(ViolationRoomUnsuitable, a, "rooms are modelled but no room was assigned")
	}
	room, ok := snap.Rooms[a.RoomID]
	if !ok {
		return violationAt(ViolationUnknownEntity, a, fmt.Sprintf("unknown room %s", a.RoomID))
	}
	if room.Kind != snap.Subjects[a.SubjectID].Kind {
		return violationAt(ViolationRoomUnsuitable, a, fmt.Sprintf("room %s is a %s room", room.ID, room.Kind))
	}
	if sec, ok := snap.Section(a.Section); ok && room.Capacity > 0 && sec.Size > room.Capacity {
		return violationAt(ViolationRoomUnsuitable, a, fmt.Sprintf("room %s seats %d, section has %d", room.ID, room.Capacity, sec.Size))
	}
	return nil
}

// --- soft constraints ---

func staffCounts(sched *Schedule, snap *Snapshot) map[string]int {
	counts := make(map[string]int, len(snap.staffIDs))
	for _, id := range snap.staffIDs {
		counts[id] = 0
	}
	for _, r := range snap.Reserved {
		if _, ok := counts[r.StaffID]; ok {
			counts[r.StaffID]++
		}
	}
	for _, items := range sched.Sections {
		for _, a := range items {
			counts[a.StaffID]++
		}
	}
	return counts
}

func staffLoadVariance(sched *Schedule, snap *Snapshot) float64 {
	counts := staffCounts(sched, snap)
	if len(counts) == 0 {
		return 0
	}
	n := float64(len(counts))
	var sum, sq float64
	for _, c := range counts {
		sum += float64(c)
		sq += float64(c) * float64(c)
	}
	mean := sum / n
	return sq/n - mean*mean
}

// Adding one session to a staff member with load L when the pool carries S
// sessions over n staff raises the variance by (2L+1)/n - (2S+1)/n².
func staffLoadVarianceDelta(group []Assignment, s *State) float64 {
	n := float64(len(s.Snapshot().staffIDs))
	if n == 0 {
		return 0
	}
	total := float64(s.TotalLoad())
	extra := make(map[string]int)
	delta := 0.0
	for _, a := range group {
		l := float64(s.StaffLoad(a.StaffID) + extra[a.StaffID])
		delta += (2*l+1)/n - (2*total+1)/(n*n)
		extra[a.StaffID]++
		total++
	}
	return delta
}

func staffGaps(sched *Schedule, snap *Snapshot) float64 {
	type staffDay struct {
		staff string
		day   Weekday
	}
	periods := make(map[staffDay][]int)
	for _, items := range sched.Sections {
		for _, a := range items {
			k := staffDay{a.StaffID, a.Slot.Day}
			periods[k] = append(periods[k], a.Slot.Period)
		}
	}
	total := 0
	for _, ps := range periods {
		if len(ps) < 2 {
			continue
		}
		sort.Ints(ps)
		total += (ps[len(ps)-1] - ps[0] + 1) - len(ps)
	}
	return float64(total)
}

func staffGapsDelta(group []Assignment, s *State) float64 {
	type staffDay struct {
		staff string
		day   Weekday
	}
	added := make(map[staffDay][]int)
	for _, a := range group {
		k := staffDay{a.StaffID, a.Slot.Day}
		added[k] = append(added[k], a.Slot.ID)
	}
	delta := 0
	for k, extra := range added {
		delta += s.StaffDayGap(k.staff, k.day, extra...) - s.StaffDayGap(k.staff, k.day)
	}
	return float64(delta)
}

// labBlockAlignment counts lab blocks that do not open a break-free run and
// therefore strand single periods in front of them.
func labBlockAlignment(sched *Schedule, snap *Snapshot) float64 {
	type blockKey struct {
		section SectionKey
		subject string
		block   int
	}
	starts := make(map[blockKey]int)
	for _, items := range sched.Sections {
		for _, a := range items {
			if a.Block == 0 {
				continue
			}
			k := blockKey{a.Section, a.SubjectID, a.Block}
			if cur, ok := starts[k]; !ok || a.Slot.ID < cur {
				starts[k] = a.Slot.ID
			}
		}
	}
	total := 0
	for _, start := range starts {
		if !snap.SegmentStart(start) {
			total++
		}
	}
	return float64(total)
}

func labBlockAlignmentDelta(group []Assignment, s *State) float64 {
	if len(group) == 0 || group[0].Block == 0 {
		return 0
	}
	if s.Snapshot().SegmentStart(group[0].Slot.ID) {
		return 0
	}
	return 1
}

func subjectDaySpread(sched *Schedule, snap *Snapshot) float64 {
	counts := make(map[subjectDayKey]int)
	for _, items := range sched.Sections {
		for _, a := range items {
			if a.Block != 0 {
				continue
			}
			counts[subjectDayKey{a.Section, a.SubjectID, a.Slot.Day}]++
		}
	}
	total := 0
	for _, c := range counts {
		if c > 1 {
			total += c - 1
		}
	}
	return float64(total)
}

func subjectDaySpreadDelta(group []Assignment, s *State) float64 {
	delta := 0
	for _, a := range group {
		if a.Block != 0 {
			continue
		}
		if s.SubjectOnDay(a.Section, a.SubjectID, a.Slot.Day) > 0 {
			delta++
		}
	}
	return float64(delta)
}

// staffContinuity counts extra teachers per section and subject.
func staffContinuity(sched *Schedule, snap *Snapshot) float64 {
	teachers := make(map[subjectKey]map[string]bool)
	for _, items := range sched.Sections {
		for _, a := range items {
			k := subjectKey{a.Section, a.SubjectID}
			if teachers[k] == nil {
				teachers[k] = make(map[string]bool)
			}
			teachers[k][a.StaffID] = true
		}
	}
	total := 0
	for _, set := range teachers {
		total += len(set) - 1
	}
	return float64(total)
}

func staffContinuityDelta(group []Assignment, s *State) float64 {
	if len(group) == 0 {
		return 0
	}
	a := group[0]
	current := s.SubjectStaff(a.Section, a.SubjectID)
	if len(current) == 0 || current[a.StaffID] > 0 {
		return 0
	}
	return 1
}
