package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/campus-timetable-api/internal/dto"
	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/repository"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
)

type memoryRunRepo struct {
	mu               sync.Mutex
	runs             map[string]models.TimetableRun
	versions         map[models.TimetableKey]int
	seq              int
	publicationLocks int
}

func newMemoryRunRepo() *memoryRunRepo {
	return &memoryRunRepo{runs: make(map[string]models.TimetableRun), versions: make(map[models.TimetableKey]int)}
}

func (r *memoryRunRepo) CreateVersioned(_ context.Context, _ sqlx.ExtContext, run *models.TimetableRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	key := models.TimetableKey{DepartmentID: run.DepartmentID, Semester: run.Semester}
	r.versions[key]++
	run.ID = fmt.Sprintf("run-%d", r.seq)
	run.Version = r.versions[key]
	if run.Status == "" {
		run.Status = models.TimetableRunStatusQueued
	}
	run.CreatedAt = time.Now().UTC()
	r.runs[run.ID] = *run
	return nil
}

func (r *memoryRunRepo) FindByID(_ context.Context, id string) (*models.TimetableRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &run, nil
}

func (r *memoryRunRepo) List(_ context.Context, filter models.TimetableRunFilter) ([]models.TimetableRun, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TimetableRun
	for _, run := range r.runs {
		if filter.DepartmentID != "" && run.DepartmentID != filter.DepartmentID {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *memoryRunRepo) ListPublished(_ context.Context) ([]models.TimetableRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TimetableRun
	for _, run := range r.runs {
		if run.Status == models.TimetableRunStatusPublished {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *memoryRunRepo) UpdateStatus(_ context.Context, _ sqlx.ExtContext, id string, status models.TimetableRunStatus, _ types.JSONText) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return sql.ErrNoRows
	}
	run.Status = status
	r.runs[id] = run
	return nil
}

func (r *memoryRunRepo) Finish(_ context.Context, _ sqlx.ExtContext, run *models.TimetableRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memoryRunRepo) ArchivePublished(_ context.Context, _ sqlx.ExtContext, departmentID, semester, keepID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, run := range r.runs {
		if run.DepartmentID == departmentID && run.Semester == semester && id != keepID && run.Status == models.TimetableRunStatusPublished {
			run.Status = models.TimetableRunStatusArchived
			r.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (r *memoryRunRepo) FailStale(_ context.Context, meta types.JSONText) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, run := range r.runs {
		if !run.Status.Terminal() {
			run.Status = models.TimetableRunStatusFailed
			run.Meta = meta
			r.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (r *memoryRunRepo) LockPublication(context.Context, sqlx.ExtContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publicationLocks++
	return nil
}

func (r *memoryRunRepo) get(id string) models.TimetableRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

type memoryEntryRepo struct {
	mu          sync.Mutex
	byRun       map[string][]models.TimetableEntry
	commitments []models.TimetableEntry
	insertErr   error
	// runs, when set, derives commitments from the published runs of other keys.
	runs *memoryRunRepo
	// publishedMeanwhile is only visible to reads inside a transaction, as if
	// another instance published after the snapshot was loaded.
	publishedMeanwhile []models.TimetableEntry
}

func newMemoryEntryRepo() *memoryEntryRepo {
	return &memoryEntryRepo{byRun: make(map[string][]models.TimetableEntry)}
}

func (r *memoryEntryRepo) InsertBatch(_ context.Context, _ sqlx.ExtContext, entries []models.TimetableEntry) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.byRun[e.RunID] = append(r.byRun[e.RunID], e)
	}
	return nil
}

func (r *memoryEntryRepo) ListByRun(_ context.Context, runID string) ([]models.TimetableEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TimetableEntry(nil), r.byRun[runID]...), nil
}

func (r *memoryEntryRepo) ListCommitments(_ context.Context, exec sqlx.ExtContext, departmentID, semester string) ([]models.TimetableEntry, error) {
	out := append([]models.TimetableEntry(nil), r.commitments...)
	if exec != nil {
		out = append(out, r.publishedMeanwhile...)
	}
	if r.runs == nil {
		return out, nil
	}
	published, _ := r.runs.ListPublished(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range published {
		if run.DepartmentID == departmentID && run.Semester == semester {
			continue
		}
		out = append(out, r.byRun[run.ID]...)
	}
	return out, nil
}

type staticSource struct {
	raw *models.DomainSnapshot
	err error
}

func (s staticSource) LoadSnapshot(context.Context, string, string) (*models.DomainSnapshot, error) {
	return s.raw, s.err
}

type blockingSource struct {
	raw     *models.DomainSnapshot
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) LoadSnapshot(ctx context.Context, _, _ string) (*models.DomainSnapshot, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
		return s.raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testSlots(t *testing.T) []timetable.TimeSlot {
	t.Helper()
	cfg, err := GridFromConfig([]string{"MON", "TUE"}, 3, "08:00", 45, map[int]int{2: 15})
	require.NoError(t, err)
	slots, err := timetable.BuildTimeSlots(cfg)
	require.NoError(t, err)
	return slots
}

func csSnapshot() *models.DomainSnapshot {
	return &models.DomainSnapshot{
		DepartmentID: "CS",
		Semester:     "1",
		Sections:     []models.ClassSectionRecord{{ID: "sec-a", DepartmentID: "CS", AcademicYear: "2026/2027", Semester: "1", Section: "A", Size: 30}},
		Requirements: []models.SectionRequirementRecord{
			{SectionID: "sec-a", SubjectID: "math", WeeklyCount: 2},
			{SectionID: "sec-a", SubjectID: "phys", WeeklyCount: 1},
		},
		Subjects: []models.SubjectRecord{
			{ID: "math", Code: "MA101", Name: "Calculus", WeeklySessions: 2, Kind: "LECTURE"},
			{ID: "phys", Code: "PH101", Name: "Physics", WeeklySessions: 1},
		},
		Staff: []models.StaffRecord{
			{ID: "t1", Name: "Ada", DepartmentID: "CS", MaxWeeklyLoad: 4},
			{ID: "t2", Name: "Grace", DepartmentID: "CS"},
		},
		Qualifications: []models.StaffQualificationRecord{
			{StaffID: "t1", SubjectID: "math"},
			{StaffID: "t2", SubjectID: "phys"},
		},
	}
}

func newTestTimetableService(t *testing.T, source SnapshotSource, runs *memoryRunRepo, entries *memoryEntryRepo) (*TimetableService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc := NewTimetableService(runs, entries, source, sqlx.NewDb(db, "sqlmock"), NewScheduleStore(), nil, nil, nil, nil, nil, nil,
		TimetableServiceConfig{
			Slots:      testSlots(t),
			Solver:     timetable.Options{MaxBacktracks: 10000, TimeBudget: 5 * time.Second},
			RetryDelay: 10 * time.Millisecond,
		})
	return svc, mock
}

func csRequest() dto.GenerateTimetableRequest {
	return dto.GenerateTimetableRequest{DepartmentID: "CS", Semester: "1", Seed: 7}
}

func TestGeneratePublishesAndArchivesPreviousVersion(t *testing.T) {
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	svc, mock := newTestTimetableService(t, staticSource{raw: csSnapshot()}, runs, entries)

	mock.ExpectBegin()
	mock.ExpectCommit()
	first, err := svc.Generate(context.Background(), csRequest())
	require.NoError(t, err)
	assert.Equal(t, string(models.TimetableRunStatusPublished), first.Status)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 1, first.Sections)
	assert.Equal(t, 3, first.Assignments)
	assert.Len(t, entries.byRun[first.RunID], 3)

	mock.ExpectBegin()
	mock.ExpectCommit()
	second, err := svc.Generate(context.Background(), csRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, models.TimetableRunStatusArchived, runs.get(first.RunID).Status)
	assert.Equal(t, models.TimetableRunStatusPublished, runs.get(second.RunID).Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	grid, hit, err := svc.SectionTimetable(context.Background(), "CS", "1", "A")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, second.RunID, grid.RunID)
	require.Len(t, grid.Days, 2)
	assert.Equal(t, "MONDAY", grid.Days[0].Day)
	total := 0
	for _, day := range grid.Days {
		total += len(day.Entries)
	}
	assert.Equal(t, 3, total)
}

func TestGenerateRejectsConcurrentRunForSameKey(t *testing.T) {
	source := &blockingSource{raw: csSnapshot(), started: make(chan struct{}), release: make(chan struct{})}
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	svc, mock := newTestTimetableService(t, source, runs, entries)
	mock.ExpectBegin()
	mock.ExpectCommit()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Generate(context.Background(), csRequest())
		done <- err
	}()
	<-source.started

	_, err := svc.Generate(context.Background(), csRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusConflict, appErr.Status)
	assert.Equal(t, appErrors.ErrGenerationInProgress.Code, appErr.Code)

	assert.Len(t, runs.runs, 1)

	close(source.release)
	require.NoError(t, <-done)
	assert.False(t, svc.locks.Held(models.TimetableKey{DepartmentID: "CS", Semester: "1"}))
}

func TestGenerateLeavesStoreUntouchedWhenPersistenceFails(t *testing.T) {
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	entries.insertErr = errors.New("disk full")
	svc, mock := newTestTimetableService(t, staticSource{raw: csSnapshot()}, runs, entries)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Generate(context.Background(), csRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, _, ok := svc.store.Section(timetable.SectionKey{Department: "CS", Semester: "1", Section: "A"})
	assert.False(t, ok)
	run := runs.get("run-1")
	assert.Equal(t, models.TimetableRunStatusFailed, run.Status)
	assert.Contains(t, string(run.Meta), "disk full")
}

func TestGenerateReportsUnsatisfiableInput(t *testing.T) {
	raw := csSnapshot()
	raw.Qualifications = raw.Qualifications[:1]
	runs := newMemoryRunRepo()
	svc, _ := newTestTimetableService(t, staticSource{raw: raw}, runs, newMemoryEntryRepo())

	_, err := svc.Generate(context.Background(), csRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
	assert.Equal(t, appErrors.ErrUnsatisfiableInput.Code, appErr.Code)
	assert.IsType(t, &timetable.UnsatisfiableInputError{}, appErr.Details)

	run := runs.get("run-1")
	assert.Equal(t, models.TimetableRunStatusFailed, run.Status)
	assert.Contains(t, string(run.Meta), "diagnostic")
}

func TestGenerateValidatesRequest(t *testing.T) {
	svc, _ := newTestTimetableService(t, staticSource{raw: csSnapshot()}, newMemoryRunRepo(), newMemoryEntryRepo())
	_, err := svc.Generate(context.Background(), dto.GenerateTimetableRequest{Semester: "1"})
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
}

func TestGenerateMapsMissingDepartment(t *testing.T) {
	svc, _ := newTestTimetableService(t, staticSource{err: sql.ErrNoRows}, newMemoryRunRepo(), newMemoryEntryRepo())
	_, err := svc.Generate(context.Background(), csRequest())
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestGenerateAsyncPublishesInBackground(t *testing.T) {
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	svc, mock := newTestTimetableService(t, staticSource{raw: csSnapshot()}, runs, entries)
	mock.ExpectBegin()
	mock.ExpectCommit()
	svc.Start(context.Background())
	defer svc.Stop()

	run, err := svc.GenerateAsync(context.Background(), csRequest())
	require.NoError(t, err)
	assert.Equal(t, models.TimetableRunStatusQueued, run.Status)

	require.Eventually(t, func() bool {
		return runs.get(run.ID).Status == models.TimetableRunStatusPublished
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !svc.locks.Held(models.TimetableKey{DepartmentID: "CS", Semester: "1"})
	}, time.Second, 5*time.Millisecond)

	fetched, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched.Version)
}

func TestGenerateAsyncFailsWhenQueueNotStarted(t *testing.T) {
	runs := newMemoryRunRepo()
	svc, _ := newTestTimetableService(t, staticSource{raw: csSnapshot()}, runs, newMemoryEntryRepo())

	_, err := svc.GenerateAsync(context.Background(), csRequest())
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusServiceUnavailable, appErr.Status)
	assert.Equal(t, models.TimetableRunStatusFailed, runs.get("run-1").Status)
	assert.False(t, svc.locks.Held(models.TimetableKey{DepartmentID: "CS", Semester: "1"}))
}

func TestWarmFailsStaleRunsAndLoadsPublished(t *testing.T) {
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	published := &models.TimetableRun{DepartmentID: "CS", Semester: "1", Status: models.TimetableRunStatusPublished}
	require.NoError(t, runs.CreateVersioned(context.Background(), nil, published))
	stale := &models.TimetableRun{DepartmentID: "CS", Semester: "1", Status: models.TimetableRunStatusRunning}
	require.NoError(t, runs.CreateVersioned(context.Background(), nil, stale))
	room := "r1"
	entries.byRun[published.ID] = []models.TimetableEntry{
		{RunID: published.ID, DepartmentID: "CS", Semester: "1", Section: "A", SlotID: 0, DayOfWeek: 1, Period: 1, StartTime: "08:00", EndTime: "08:45", SubjectID: "math", StaffID: "t1", RoomID: &room},
		{RunID: published.ID, DepartmentID: "CS", Semester: "1", Section: "B", SlotID: 4, DayOfWeek: 2, Period: 2, StartTime: "08:45", EndTime: "09:30", SubjectID: "math", StaffID: "t1"},
	}
	svc, _ := newTestTimetableService(t, staticSource{}, runs, entries)

	require.NoError(t, svc.Warm(context.Background()))
	assert.Equal(t, models.TimetableRunStatusFailed, runs.get(stale.ID).Status)

	staff, _, err := svc.StaffTimetable(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, staff.Load)
	require.Len(t, staff.Days, 2)
	require.Len(t, staff.Days[0].Entries, 1)
	assert.Equal(t, "A", staff.Days[0].Entries[0].Section)
	assert.Equal(t, "r1", staff.Days[0].Entries[0].RoomID)
}

func TestStaffTimetableWithoutAssignments(t *testing.T) {
	svc, _ := newTestTimetableService(t, staticSource{}, newMemoryRunRepo(), newMemoryEntryRepo())
	resp, _, err := svc.StaffTimetable(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, resp.Load)
	require.Len(t, resp.Days, 2)
	assert.Empty(t, resp.Days[0].Entries)

	_, _, err = svc.SectionTimetable(context.Background(), "CS", "1", "Z")
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestListRunsDefaultsPagination(t *testing.T) {
	runs := newMemoryRunRepo()
	require.NoError(t, runs.CreateVersioned(context.Background(), nil, &models.TimetableRun{DepartmentID: "CS", Semester: "1"}))
	svc, _ := newTestTimetableService(t, staticSource{}, runs, newMemoryEntryRepo())

	items, page, err := svc.ListRuns(context.Background(), dto.TimetableRunQuery{DepartmentID: "CS"})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PageSize)
	assert.Equal(t, 1, page.TotalCount)

	_, err = svc.GetRun(context.Background(), "missing")
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusNotFound, appErr.Status)
}

func TestSolverOptionsOnlyTighten(t *testing.T) {
	svc := &TimetableService{cfg: TimetableServiceConfig{Solver: timetable.Options{MaxBacktracks: 1000, TimeBudget: 10 * time.Second}}}

	opts := svc.solverOptions(dto.GenerateTimetableRequest{Seed: 3, TimeBudgetMs: 2000, MaxBacktracks: 50})
	assert.Equal(t, int64(3), opts.Seed)
	assert.Equal(t, 2*time.Second, opts.TimeBudget)
	assert.Equal(t, 50, opts.MaxBacktracks)

	opts = svc.solverOptions(dto.GenerateTimetableRequest{TimeBudgetMs: 60000, MaxBacktracks: 5000})
	assert.Equal(t, 10*time.Second, opts.TimeBudget)
	assert.Equal(t, 1000, opts.MaxBacktracks)
}

func TestMapGenerationError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", &timetable.ConcurrentGenerationError{Key: "CS/1"}, http.StatusConflict, appErrors.ErrGenerationInProgress.Code},
		{"infeasible", &timetable.InfeasibleError{Backtracks: 9, Reason: "exhausted"}, http.StatusUnprocessableEntity, appErrors.ErrInfeasibleSchedule.Code},
		{"budget", &timetable.InfeasibleError{Reason: "budget", Cause: timetable.ErrBudgetExceeded}, http.StatusUnprocessableEntity, appErrors.ErrInfeasibleSchedule.Code},
		{"backend", fmt.Errorf("load snapshot: %w", repository.ErrBackendUnavailable), http.StatusBadGateway, appErrors.ErrBackendUnavailable.Code},
		{"missing", fmt.Errorf("load snapshot: %w", sql.ErrNoRows), http.StatusNotFound, appErrors.ErrNotFound.Code},
		{"clash", &CommitmentClashError{Resource: "staff", ID: "t1", Day: "MONDAY", Period: 1}, http.StatusConflict, appErrors.ErrPublishConflict.Code},
		{"gave up waiting", context.DeadlineExceeded, http.StatusServiceUnavailable, appErrors.ErrServiceUnavailable.Code},
		{"other", errors.New("boom"), http.StatusInternalServerError, appErrors.ErrInternal.Code},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var appErr *appErrors.Error
			require.True(t, errors.As(mapGenerationError(tc.err), &appErr))
			assert.Equal(t, tc.status, appErr.Status)
			assert.Equal(t, tc.code, appErr.Code)
		})
	}

	outcome, backtracks := classifyFailure(&timetable.InfeasibleError{Backtracks: 4, Cause: timetable.ErrBudgetExceeded})
	assert.Equal(t, OutcomeBudget, outcome)
	assert.Equal(t, 4, backtracks)
}

// keyedSource serves one snapshot per department and records how many loads
// overlap.
type keyedSource struct {
	raws    map[string]*models.DomainSnapshot
	active  int32
	overlap int32
}

func (s *keyedSource) LoadSnapshot(_ context.Context, departmentID, _ string) (*models.DomainSnapshot, error) {
	if atomic.AddInt32(&s.active, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	defer atomic.AddInt32(&s.active, -1)
	time.Sleep(20 * time.Millisecond)
	raw, ok := s.raws[departmentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return raw, nil
}

func eeSnapshot() *models.DomainSnapshot {
	raw := csSnapshot()
	raw.DepartmentID = "EE"
	raw.Sections = []models.ClassSectionRecord{{ID: "sec-e", DepartmentID: "EE", AcademicYear: "2026/2027", Semester: "1", Section: "A", Size: 25}}
	raw.Requirements = []models.SectionRequirementRecord{{SectionID: "sec-e", SubjectID: "math", WeeklyCount: 2}}
	return raw
}

func TestGenerateSerializesDepartmentsSharingStaff(t *testing.T) {
	source := &keyedSource{raws: map[string]*models.DomainSnapshot{"CS": csSnapshot(), "EE": eeSnapshot()}}
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	entries.runs = runs
	svc, mock := newTestTimetableService(t, source, runs, entries)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, dept := range []string{"CS", "EE"} {
		wg.Add(1)
		go func(i int, dept string) {
			defer wg.Done()
			_, errs[i] = svc.Generate(context.Background(), dto.GenerateTimetableRequest{DepartmentID: dept, Semester: "1", Seed: 3})
		}(i, dept)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Zero(t, atomic.LoadInt32(&source.overlap))
	assert.Equal(t, 2, runs.publicationLocks)

	type booking struct{ day, period int }
	seen := make(map[booking]string)
	published, err := runs.ListPublished(context.Background())
	require.NoError(t, err)
	require.Len(t, published, 2)
	for _, run := range published {
		for _, e := range entries.byRun[run.ID] {
			if e.StaffID != "t1" {
				continue
			}
			at := booking{e.DayOfWeek, e.Period}
			other, taken := seen[at]
			require.False(t, taken, "t1 double-booked on day %d period %d by %s and %s", e.DayOfWeek, e.Period, other, e.DepartmentID)
			seen[at] = e.DepartmentID
		}
	}
	assert.Len(t, seen, 4)

	staff, _, err := svc.StaffTimetable(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, staff.Load)
}

func TestGenerateRejectsPublicationClashingWithAnotherInstance(t *testing.T) {
	runs, entries := newMemoryRunRepo(), newMemoryEntryRepo()
	for _, slot := range testSlots(t) {
		entries.publishedMeanwhile = append(entries.publishedMeanwhile, models.TimetableEntry{
			DepartmentID: "EE", Semester: "1", Section: "A", SlotID: slot.ID,
			DayOfWeek: int(slot.Day), Period: slot.Period, SubjectID: "math", StaffID: "t1",
		})
	}
	svc, mock := newTestTimetableService(t, staticSource{raw: csSnapshot()}, runs, entries)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Generate(context.Background(), csRequest())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusConflict, appErr.Status)
	assert.Equal(t, appErrors.ErrPublishConflict.Code, appErr.Code)
	clash, ok := appErr.Details.(*CommitmentClashError)
	require.True(t, ok)
	assert.Equal(t, "staff", clash.Resource)
	assert.Equal(t, "t1", clash.ID)
	assert.Equal(t, "EE/1/A", clash.HeldBy)
	assert.True(t, retryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())

	_, _, stored := svc.store.Section(timetable.SectionKey{Department: "CS", Semester: "1", Section: "A"})
	assert.False(t, stored)
	assert.Empty(t, entries.byRun["run-1"])
	assert.Equal(t, models.TimetableRunStatusFailed, runs.get("run-1").Status)
}

func TestFindCommitmentClashChecksRooms(t *testing.T) {
	lab := "lab-1"
	ours := []models.TimetableEntry{
		{DepartmentID: "CS", Semester: "1", Section: "A", DayOfWeek: 1, Period: 2, StaffID: "t1", RoomID: &lab},
	}
	assert.Nil(t, findCommitmentClash(ours, nil))
	assert.Nil(t, findCommitmentClash(ours, []models.TimetableEntry{
		{DepartmentID: "EE", Semester: "1", Section: "A", DayOfWeek: 1, Period: 3, StaffID: "t2", RoomID: &lab},
	}))

	clash := findCommitmentClash(ours, []models.TimetableEntry{
		{DepartmentID: "EE", Semester: "1", Section: "B", DayOfWeek: 1, Period: 2, StaffID: "t2", RoomID: &lab},
	})
	require.NotNil(t, clash)
	assert.Equal(t, "room", clash.Resource)
	assert.Equal(t, "lab-1", clash.ID)
	assert.Equal(t, "MONDAY", clash.Day)
	assert.Equal(t, "CS/1/A", clash.Section)
	assert.Equal(t, "EE/1/B", clash.HeldBy)
}

func publishedFor(t *testing.T, version int, staffID string) PublishedTimetable {
	t.Helper()
	sched := timetable.NewSchedule()
	sched.Add(timetable.Assignment{
		Section:   timetable.SectionKey{Department: "CS", Semester: "1", Section: "A"},
		Slot:      testSlots(t)[0],
		SubjectID: "math",
		StaffID:   staffID,
	})
	run := models.TimetableRun{ID: fmt.Sprintf("run-%d", version), DepartmentID: "CS", Semester: "1", Version: version,
		Status: models.TimetableRunStatusPublished}
	return PublishedTimetable{Run: run, Schedule: sched}
}

func TestCachedGridsNeverCrossVersions(t *testing.T) {
	repo := &memoryCacheRepo{items: map[string][]byte{}}
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	cfg := TimetableServiceConfig{Slots: testSlots(t)}
	ctx := context.Background()

	lagging := NewScheduleStore()
	lagging.Publish(publishedFor(t, 1, "t1"))
	current := NewScheduleStore()
	current.Publish(publishedFor(t, 2, "t2"))
	stale := NewTimetableService(nil, nil, nil, nil, lagging, nil, cache, nil, nil, nil, nil, cfg)
	fresh := NewTimetableService(nil, nil, nil, nil, current, nil, cache, nil, nil, nil, nil, cfg)

	// The lagging instance renders after the publish invalidated the cache.
	old, hit, err := stale.SectionTimetable(ctx, "CS", "1", "A")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, old.Version)
	oldStaff, _, err := stale.StaffTimetable(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, oldStaff.Load)

	grid, hit, err := fresh.SectionTimetable(ctx, "CS", "1", "A")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, grid.Version)
	assert.Equal(t, "t2", grid.Days[0].Entries[0].StaffID)

	grid, hit, err = fresh.SectionTimetable(ctx, "CS", "1", "A")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 2, grid.Version)

	staff, hit, err := fresh.StaffTimetable(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, staff.Load)
	assert.NotEqual(t, lagging.Revision(), current.Revision())
}

func TestGenerateLogsFailedCacheInvalidation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	core, logs := observer.New(zapcore.WarnLevel)
	repo := &memoryCacheRepo{items: map[string][]byte{}, deleteErr: errors.New("redis down")}
	cache := NewCacheService(repo, nil, time.Minute, nil, true)
	svc := NewTimetableService(newMemoryRunRepo(), newMemoryEntryRepo(), staticSource{raw: csSnapshot()}, sqlx.NewDb(db, "sqlmock"),
		nil, nil, cache, nil, nil, nil, zap.New(core), TimetableServiceConfig{
			Slots:  testSlots(t),
			Solver: timetable.Options{MaxBacktracks: 10000, TimeBudget: 5 * time.Second},
		})
	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err = svc.Generate(context.Background(), csRequest())
	require.NoError(t, err)
	entries := logs.FilterMessage("invalidate cached timetable grids").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].ContextMap()["run_id"])
	assert.Contains(t, entries[0].ContextMap()["error"], "redis down")
}
