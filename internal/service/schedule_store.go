package service

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
)

// PublishedTimetable is the live schedule of one department/semester.
type PublishedTimetable struct {
	Run      models.TimetableRun
	Schedule *timetable.Schedule
}

func (p PublishedTimetable) key() models.TimetableKey {
	return models.TimetableKey{DepartmentID: p.Run.DepartmentID, Semester: p.Run.Semester}
}

// storeView is immutable once stored.
type storeView struct {
	timetables map[models.TimetableKey]PublishedTimetable
	staff      map[string][]timetable.Assignment
	sections   int
	revision   string
}

// ScheduleStore serves published timetables. Readers load the current view
// without locking; writers build a fresh view and swap it in one store.
type ScheduleStore struct {
	mu      sync.Mutex
	current atomic.Pointer[storeView]
}

// NewScheduleStore returns an empty store.
func NewScheduleStore() *ScheduleStore {
	s := &ScheduleStore{}
	s.current.Store(buildView(nil))
	return s
}

// Publish replaces every section of the run's department/semester.
func (s *ScheduleStore) Publish(pt PublishedTimetable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyTimetables()
	next[pt.key()] = pt
	s.current.Store(buildView(next))
}

// Merge installs loaded timetables, keeping whichever version is newer per
// key so that a reload cannot roll back a concurrent Publish.
func (s *ScheduleStore) Merge(items []PublishedTimetable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyTimetables()
	for _, pt := range items {
		if existing, ok := next[pt.key()]; ok && existing.Run.Version > pt.Run.Version {
			continue
		}
		next[pt.key()] = pt
	}
	s.current.Store(buildView(next))
}

func (s *ScheduleStore) copyTimetables() map[models.TimetableKey]PublishedTimetable {
	cur := s.current.Load()
	next := make(map[models.TimetableKey]PublishedTimetable, len(cur.timetables)+1)
	for k, v := range cur.timetables {
		next[k] = v
	}
	return next
}

func buildView(timetables map[models.TimetableKey]PublishedTimetable) *storeView {
	if timetables == nil {
		timetables = make(map[models.TimetableKey]PublishedTimetable)
	}
	view := &storeView{timetables: timetables, staff: make(map[string][]timetable.Assignment)}
	for _, pt := range timetables {
		view.sections += len(pt.Schedule.Sections)
		for _, items := range pt.Schedule.Sections {
			for _, a := range items {
				view.staff[a.StaffID] = append(view.staff[a.StaffID], a)
			}
		}
	}
	view.revision = revisionOf(timetables)
	for id := range view.staff {
		items := view.staff[id]
		sort.Slice(items, func(i, j int) bool {
			if items[i].Slot.Day != items[j].Slot.Day {
				return items[i].Slot.Day < items[j].Slot.Day
			}
			if items[i].Slot.Period != items[j].Slot.Period {
				return items[i].Slot.Period < items[j].Slot.Period
			}
			return items[i].Section.Less(items[j].Section)
		})
	}
	return view
}

// revisionOf fingerprints the published versions so that views built from
// the same runs agree across instances.
func revisionOf(timetables map[models.TimetableKey]PublishedTimetable) string {
	keys := make([]string, 0, len(timetables))
	for k, pt := range timetables {
		keys = append(keys, fmt.Sprintf("%s@%d", k, pt.Run.Version))
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Timetable returns the published timetable of a department/semester.
func (s *ScheduleStore) Timetable(key models.TimetableKey) (PublishedTimetable, bool) {
	pt, ok := s.current.Load().timetables[key]
	return pt, ok
}

// Section returns a section's assignments in slot order together with the
// run that produced them.
func (s *ScheduleStore) Section(key timetable.SectionKey) ([]timetable.Assignment, models.TimetableRun, bool) {
	pt, ok := s.Timetable(models.TimetableKey{DepartmentID: key.Department, Semester: key.Semester})
	if !ok {
		return nil, models.TimetableRun{}, false
	}
	if _, ok := pt.Schedule.Sections[key]; !ok {
		return nil, models.TimetableRun{}, false
	}
	return pt.Schedule.ForSection(key), pt.Run, true
}

// Staff returns every published assignment of a staff member ordered by
// day and period.
func (s *ScheduleStore) Staff(staffID string) []timetable.Assignment {
	items, _ := s.StaffView(staffID)
	return items
}

// StaffView is Staff together with the revision of the view it was read
// from.
func (s *ScheduleStore) StaffView(staffID string) ([]timetable.Assignment, string) {
	view := s.current.Load()
	return append([]timetable.Assignment(nil), view.staff[staffID]...), view.revision
}

// Revision identifies the set of published runs currently served.
func (s *ScheduleStore) Revision() string {
	return s.current.Load().revision
}

// Keys lists the department/semester pairs currently served.
func (s *ScheduleStore) Keys() []models.TimetableKey {
	view := s.current.Load()
	keys := make([]models.TimetableKey, 0, len(view.timetables))
	for k := range view.timetables {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SectionCount is the number of sections with a published timetable.
func (s *ScheduleStore) SectionCount() int {
	return s.current.Load().sections
}
