package timetable

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options bounds and tunes a search.
type Options struct {
	// MaxBacktracks aborts a component search after this many undone
	// placements; zero means unbounded.
	MaxBacktracks int
	// TimeBudget caps wall-clock time for the whole run; zero means only the
	// caller's context applies.
	TimeBudget time.Duration
	// Seed shuffles candidates of equal soft cost; zero keeps the
	// lexicographic order.
	Seed int64
	// Parallel solves independent components concurrently.
	Parallel bool
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{MaxBacktracks: 200000, TimeBudget: 30 * time.Second, Parallel: true}
}

// Solve finds a complete schedule satisfying every hard constraint in reg,
// preferring low soft penalty. It performs no I/O and never mutates snap.
func Solve(ctx context.Context, snap *Snapshot, reg *Registry, opts Options) (*Schedule, error) {
	if snap == nil {
		return nil, &UnsatisfiableInputError{Problems: []string{"snapshot is required"}}
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	started := time.Now()
	if err := Preflight(snap); err != nil {
		return nil, err
	}
	if opts.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TimeBudget)
		defer cancel()
	}

	components := Partition(snap)
	if !opts.Parallel && len(components) > 1 {
		merged := make([]ClassSection, 0, len(snap.Sections))
		for _, c := range components {
			merged = append(merged, c...)
		}
		components = [][]ClassSection{merged}
	}

	// An infeasible component does not cancel its siblings, so the
	// reported failure is always the lowest-indexed one.
	results := make([]*Schedule, len(components))
	failures := make([]error, len(components))
	var g errgroup.Group
	for i, sections := range components {
		i, sections := i, sections
		g.Go(func() error {
			sr := newSearch(ctx, snap, reg, opts, sections, opts.Seed+int64(i))
			sched, err := sr.run()
			if err != nil {
				failures[i] = err
				return err
			}
			results[i] = sched
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, failure := range failures {
			if failure != nil {
				return nil, failure
			}
		}
		return nil, err
	}

	sched := NewSchedule()
	for _, part := range results {
		for key, items := range part.Sections {
			sched.Sections[key] = items
		}
		sched.Stats.Nodes += part.Stats.Nodes
		sched.Stats.Backtracks += part.Stats.Backtracks
	}
	for key := range sched.Sections {
		SortAssignments(sched.Sections[key])
	}
	if err := Validate(snap, sched, reg); err != nil {
		var v *ConstraintViolation
		errors.As(err, &v)
		return nil, &InfeasibleError{Violation: v, Backtracks: sched.Stats.Backtracks, Reason: "joined schedule failed validation", Cause: err}
	}
	sched.Penalty = reg.Penalty(sched, snap)
	sched.Breakdown = reg.Breakdown(sched, snap)
	sched.Stats.Components = len(components)
	sched.Stats.Duration = time.Since(started)
	return sched, nil
}

// group is every placement of one subject for one section. Placements are
// made in increasing start-slot order, which removes symmetric orderings of
// identical sessions.
type group struct {
	section   ClassSection
	key       SectionKey
	subject   Subject
	length    int
	count     int
	staff     []string
	rooms     []string
	placed    int
	lastStart int
}

func (g *group) done() bool { return g.placed >= g.count }

func (g *group) variable() *Variable {
	return &Variable{Section: g.key, SubjectID: g.subject.ID, Session: g.placed + 1, Length: g.length}
}

type candidate struct {
	start int
	items []Assignment
	delta float64
	tie   int64
}

// tally counts rejected candidates per violation kind.
type tally struct {
	counts map[string]int
	first  map[string]*ConstraintViolation
}

func newTally() *tally {
	return &tally{counts: make(map[string]int), first: make(map[string]*ConstraintViolation)}
}

func (t *tally) add(v *ConstraintViolation) {
	t.counts[v.Kind]++
	if _, ok := t.first[v.Kind]; !ok {
		t.first[v.Kind] = v
	}
}

func (t *tally) top() *ConstraintViolation {
	best, bestCount := "", 0
	for kind, c := range t.counts {
		if c > bestCount || (c == bestCount && kind < best) {
			best, bestCount = kind, c
		}
	}
	if best == "" {
		return nil
	}
	return t.first[best]
}

type search struct {
	ctx    context.Context
	snap   *Snapshot
	reg    *Registry
	opts   Options
	state  *State
	groups []*group
	rng    *rand.Rand

	nodes      int
	backtracks int
	abort      error

	deepest      int
	failVariable *Variable
	failTally    *tally
}

func newSearch(ctx context.Context, snap *Snapshot, reg *Registry, opts Options, sections []ClassSection, seed int64) *search {
	sr := &search{
		ctx:     ctx,
		snap:    snap,
		reg:     reg,
		opts:    opts,
		state:   NewState(snap),
		deepest: -1,
	}
	if opts.Seed != 0 {
		sr.rng = rand.New(rand.NewSource(seed))
	}
	for _, sec := range sections {
		for _, subjectID := range snap.RequiredSubjects(sec) {
			subject := snap.Subjects[subjectID]
			length := subject.Block()
			rooms := snap.SuitableRooms(sec, subjectID)
			sr.groups = append(sr.groups, &group{
				section:   sec,
				key:       sec.Key(),
				subject:   subject,
				length:    length,
				count:     snap.Required(sec, subjectID) / length,
				staff:     snap.QualifiedStaff(subjectID),
				rooms:     rooms,
				lastStart: -1,
			})
		}
	}
	// Static tie order for most-constrained-first: blocks, then scarce
	// staff, then identity.
	sort.SliceStable(sr.groups, func(i, j int) bool {
		a, b := sr.groups[i], sr.groups[j]
		if a.length != b.length {
			return a.length > b.length
		}
		if len(a.staff) != len(b.staff) {
			return len(a.staff) < len(b.staff)
		}
		if a.key != b.key {
			return a.key.Less(b.key)
		}
		return a.subject.ID < b.subject.ID
	})
	return sr
}

func (sr *search) run() (*Schedule, error) {
	if !sr.dfs() {
		return nil, sr.failure()
	}
	sched := NewSchedule()
	sched.Add(sr.state.Placed()...)
	sched.Stats.Nodes = sr.nodes
	sched.Stats.Backtracks = sr.backtracks
	return sched, nil
}

func (sr *search) failure() error {
	inf := &InfeasibleError{
		Variable:   sr.failVariable,
		Backtracks: sr.backtracks,
		Reason:     "search space exhausted",
	}
	if sr.failTally != nil {
		inf.Violation = sr.failTally.top()
	}
	if sr.abort != nil {
		inf.Reason = "search budget exhausted"
		inf.Cause = sr.abort
	}
	return inf
}

func (sr *search) dfs() bool {
	sr.nodes++
	if err := sr.ctx.Err(); err != nil {
		sr.abort = fmt.Errorf("%w: %w", ErrBudgetExceeded, err)
		return false
	}

	next, cands := sr.selectGroup()
	if next == nil {
		return cands != nil
	}

	sr.order(cands)
	for _, c := range cands {
		sr.state.Push(c.items...)
		prevStart := next.lastStart
		next.placed++
		next.lastStart = c.start
		if sr.dfs() {
			return true
		}
		next.placed--
		next.lastStart = prevStart
		sr.state.Pop()
		if sr.abort != nil {
			return false
		}
		sr.backtracks++
		if sr.opts.MaxBacktracks > 0 && sr.backtracks >= sr.opts.MaxBacktracks {
			sr.abort = fmt.Errorf("%w: %d backtracks", ErrBudgetExceeded, sr.backtracks)
			return false
		}
	}
	return false
}

// selectGroup returns the open group with the fewest candidates. A nil
// group with non-nil candidates means every group is complete; a nil group
// with nil candidates means some group was wiped out.
func (sr *search) selectGroup() (*group, []candidate) {
	if !sr.sectionsFit() {
		return nil, nil
	}
	var best *group
	var bestCands []candidate
	open := false
	for _, g := range sr.groups {
		if g.done() {
			continue
		}
		open = true
		t := newTally()
		cands := sr.candidates(g, t)
		if len(cands) == 0 || distinctStarts(cands) < g.count-g.placed {
			sr.recordFailure(g, t)
			return nil, nil
		}
		if best == nil || len(cands) < len(bestCands) {
			best, bestCands = g, cands
		}
	}
	if !open {
		return nil, []candidate{}
	}
	return best, bestCands
}

func (sr *search) sectionsFit() bool {
	demand := make(map[SectionKey]int)
	for _, g := range sr.groups {
		demand[g.key] += (g.count - g.placed) * g.length
	}
	for key, need := range demand {
		if need > 0 && sr.state.SectionFree(key) < need {
			for _, g := range sr.groups {
				if g.key == key && !g.done() {
					t := newTally()
					t.add(&ConstraintViolation{
						Kind:    ViolationCapacity,
						Section: &g.key,
						Message: fmt.Sprintf("section %s has %d free periods for %d remaining", key, sr.state.SectionFree(key), need),
					})
					sr.recordFailure(g, t)
					break
				}
			}
			return false
		}
	}
	return true
}

func (sr *search) recordFailure(g *group, t *tally) {
	depth := sr.state.Depth()
	if depth <= sr.deepest {
		return
	}
	sr.deepest = depth
	sr.failVariable = g.variable()
	sr.failTally = t
}

func distinctStarts(cands []candidate) int {
	n, last := 0, -1
	for _, c := range cands {
		if c.start != last {
			n++
			last = c.start
		}
	}
	return n
}

// candidates enumerates placements for the next session of g in start,
// staff order. Each placement takes the lowest-ID suitable room free for the
// whole block, so rooms never multiply the branching factor. Rejections are
// counted in t.
func (sr *search) candidates(g *group, t *tally) []candidate {
	var out []candidate
	block := 0
	if g.subject.IsLab() {
		block = g.placed + 1
	}
	for start := g.lastStart + 1; start < len(sr.snap.Slots); start++ {
		ids := []int{start}
		if g.length > 1 {
			if ids = sr.snap.BlockAt(start, g.length); ids == nil {
				continue
			}
		}
		if _, busy := sr.state.SectionAt(g.key, start); busy {
			continue
		}
		roomID, ok := sr.freeRoom(g, ids, t)
		if !ok {
			continue
		}
		for _, staffID := range g.staff {
			items := make([]Assignment, len(ids))
			for i, id := range ids {
				items[i] = Assignment{
					Section:   g.key,
					Slot:      sr.snap.Slots[id],
					SubjectID: g.subject.ID,
					StaffID:   staffID,
					RoomID:    roomID,
					Block:     block,
				}
			}
			if sr.admissible(items, t) {
				out = append(out, candidate{start: start, items: items})
			}
		}
	}
	return out
}

// freeRoom returns the first of g's rooms unbooked in every slot of ids.
// Without modelled rooms it returns the empty room.
func (sr *search) freeRoom(g *group, ids []int, t *tally) (string, bool) {
	if !sr.snap.HasRooms() {
		return "", true
	}
	var clash *Assignment
	for _, roomID := range g.rooms {
		free := true
		for _, id := range ids {
			if other, busy := sr.state.RoomAt(roomID, id); busy {
				if clash == nil {
					clash = &other
				}
				free = false
				break
			}
		}
		if free {
			return roomID, true
		}
	}
	if clash != nil {
		a := Assignment{Section: g.key, Slot: clash.Slot, SubjectID: g.subject.ID, RoomID: clash.RoomID}
		v := violationAt(ViolationRoomOverlap, a, fmt.Sprintf("no suitable room is free, %s already hosts %s", clash.RoomID, clash.Section))
		v.Constraint = ConstraintRoomNoOverlap
		sec := clash.Section
		v.Other = &sec
		t.add(v)
	}
	return "", false
}

// admissible checks each period of a placement against the state with the
// earlier periods of the same placement already pushed.
func (sr *search) admissible(items []Assignment, t *tally) bool {
	pushed := 0
	ok := true
	for i, a := range items {
		if v := sr.reg.CheckHard(a, sr.state); v != nil {
			t.add(v)
			ok = false
			break
		}
		if i < len(items)-1 {
			sr.state.Push(a)
			pushed++
		}
	}
	for ; pushed > 0; pushed-- {
		sr.state.Pop()
	}
	return ok
}

func (sr *search) order(cands []candidate) {
	for i := range cands {
		cands[i].delta = sr.reg.Delta(cands[i].items, sr.state)
		if sr.rng != nil {
			cands[i].tie = sr.rng.Int63()
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.delta != b.delta {
			return a.delta < b.delta
		}
		if a.tie != b.tie {
			return a.tie < b.tie
		}
		if a.start != b.start {
			return a.start < b.start
		}
		if a.items[0].StaffID != b.items[0].StaffID {
			return a.items[0].StaffID < b.items[0].StaffID
		}
		return a.items[0].RoomID < b.items[0].RoomID
	})
}
