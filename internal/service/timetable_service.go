package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-timetable-api/internal/dto"
	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/repository"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
	"github.com/noah-isme/campus-timetable-api/pkg/jobs"
)

const generateJobType = "timetable.generate"

type timetableRunRepository interface {
	CreateVersioned(ctx context.Context, exec sqlx.ExtContext, run *models.TimetableRun) error
	FindByID(ctx context.Context, id string) (*models.TimetableRun, error)
	List(ctx context.Context, filter models.TimetableRunFilter) ([]models.TimetableRun, int, error)
	ListPublished(ctx context.Context) ([]models.TimetableRun, error)
	UpdateStatus(ctx context.Context, exec sqlx.ExtContext, id string, status models.TimetableRunStatus, meta types.JSONText) error
	Finish(ctx context.Context, exec sqlx.ExtContext, run *models.TimetableRun) error
	ArchivePublished(ctx context.Context, exec sqlx.ExtContext, departmentID, semester, keepID string) (int64, error)
	FailStale(ctx context.Context, meta types.JSONText) (int64, error)
	LockPublication(ctx context.Context, exec sqlx.ExtContext) error
}

type timetableEntryRepository interface {
	InsertBatch(ctx context.Context, exec sqlx.ExtContext, entries []models.TimetableEntry) error
	ListByRun(ctx context.Context, runID string) ([]models.TimetableEntry, error)
	ListCommitments(ctx context.Context, exec sqlx.ExtContext, departmentID, semester string) ([]models.TimetableEntry, error)
}

// SnapshotSource loads the raw domain state of one department/semester.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, departmentID, semester string) (*models.DomainSnapshot, error)
}

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// TimetableServiceConfig governs generation behaviour.
type TimetableServiceConfig struct {
	Slots        []timetable.TimeSlot
	Solver       timetable.Options
	CacheTTL     time.Duration
	QueueWorkers int
	QueueRetries int
	RetryDelay   time.Duration
}

// TimetableService runs generations, publishes accepted schedules and
// answers timetable queries from the schedule store.
type TimetableService struct {
	runs      timetableRunRepository
	entries   timetableEntryRepository
	source    SnapshotSource
	tx        txProvider
	store     *ScheduleStore
	locks     *GenerationLocks
	cache     *CacheService
	metrics   *MetricsService
	registry  *timetable.Registry
	validator *validator.Validate
	logger    *zap.Logger
	cfg       TimetableServiceConfig
	days      []timetable.Weekday
	queue     *jobs.Queue
}

type generateJob struct {
	run     *models.TimetableRun
	opts    timetable.Options
	release func()
}

// NewTimetableService wires timetable dependencies.
func NewTimetableService(
	runs timetableRunRepository,
	entries timetableEntryRepository,
	source SnapshotSource,
	tx txProvider,
	store *ScheduleStore,
	locks *GenerationLocks,
	cache *CacheService,
	metrics *MetricsService,
	registry *timetable.Registry,
	validate *validator.Validate,
	logger *zap.Logger,
	cfg TimetableServiceConfig,
) *TimetableService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewScheduleStore()
	}
	if locks == nil {
		locks = NewGenerationLocks(nil, logger)
	}
	if registry == nil {
		registry = timetable.DefaultRegistry()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	svc := &TimetableService{
		runs:      runs,
		entries:   entries,
		source:    source,
		tx:        tx,
		store:     store,
		locks:     locks,
		cache:     cache,
		metrics:   metrics,
		registry:  registry,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
	seen := make(map[timetable.Weekday]bool)
	for _, slot := range cfg.Slots {
		if !seen[slot.Day] {
			seen[slot.Day] = true
			svc.days = append(svc.days, slot.Day)
		}
	}
	svc.queue = jobs.NewQueue("timetable-generation", svc.handleJob, jobs.QueueConfig{
		Workers:    cfg.QueueWorkers,
		MaxRetries: cfg.QueueRetries,
		RetryDelay: cfg.RetryDelay,
		OnFinish:   svc.finishJob,
		Logger:     logger,
	})
	return svc
}

// Start launches the background generation workers.
func (s *TimetableService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop halts the background workers.
func (s *TimetableService) Stop() {
	s.queue.Stop()
}

// Generate runs a generation synchronously. Only one run per
// department/semester may be in flight; a second caller fails immediately.
func (s *TimetableService) Generate(ctx context.Context, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generate payload")
	}
	key := models.TimetableKey{DepartmentID: req.DepartmentID, Semester: req.Semester}
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		s.metrics.ObserveGeneration(OutcomeBusy, 0, 0)
		return nil, mapGenerationError(err)
	}
	defer release()

	run := &models.TimetableRun{
		DepartmentID: req.DepartmentID,
		Semester:     req.Semester,
		Status:       models.TimetableRunStatusRunning,
		Seed:         req.Seed,
	}
	if err := s.runs.CreateVersioned(ctx, nil, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create timetable run")
	}
	return s.execute(ctx, run, s.solverOptions(req))
}

// GenerateAsync queues a generation and returns the QUEUED run. The lock is
// taken now so that a concurrent request is rejected before queueing.
func (s *TimetableService) GenerateAsync(ctx context.Context, req dto.GenerateTimetableRequest) (*models.TimetableRun, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid generate payload")
	}
	key := models.TimetableKey{DepartmentID: req.DepartmentID, Semester: req.Semester}
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		s.metrics.ObserveGeneration(OutcomeBusy, 0, 0)
		return nil, mapGenerationError(err)
	}

	run := &models.TimetableRun{
		DepartmentID: req.DepartmentID,
		Semester:     req.Semester,
		Status:       models.TimetableRunStatusQueued,
		Seed:         req.Seed,
	}
	if err := s.runs.CreateVersioned(ctx, nil, run); err != nil {
		release()
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create timetable run")
	}

	queued := *run
	job := jobs.Job{ID: run.ID, Type: generateJobType, Payload: &generateJob{run: run, opts: s.solverOptions(req), release: release}}
	if err := s.queue.Enqueue(job); err != nil {
		release()
		s.fail(run, err, 0, 0)
		return nil, appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status, "generation queue unavailable")
	}
	return &queued, nil
}

func (s *TimetableService) handleJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(*generateJob)
	if !ok {
		return jobs.Permanent(fmt.Errorf("unexpected payload %T for job %s", job.Payload, job.ID))
	}
	if err := s.runs.UpdateStatus(ctx, nil, payload.run.ID, models.TimetableRunStatusRunning, nil); err != nil {
		return fmt.Errorf("mark run %s running: %w", payload.run.ID, err)
	}
	payload.run.Status = models.TimetableRunStatusRunning
	if _, err := s.execute(ctx, payload.run, payload.opts); err != nil {
		if retryable(err) {
			return err
		}
		return jobs.Permanent(err)
	}
	return nil
}

func (s *TimetableService) finishJob(job jobs.Job, err error) {
	payload, ok := job.Payload.(*generateJob)
	if !ok {
		return
	}
	payload.release()
	if err != nil {
		s.logger.Warn("queued timetable generation finished with error",
			zap.String("run_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	}
}

func retryable(err error) bool {
	var appErr *appErrors.Error
	if !errors.As(err, &appErr) {
		return true
	}
	switch appErr.Code {
	case appErrors.ErrBackendUnavailable.Code, appErrors.ErrInternal.Code, appErrors.ErrPublishConflict.Code:
		return true
	}
	return false
}

// solverOptions narrows the configured budgets with the request; a request
// can tighten them but never exceed them.
func (s *TimetableService) solverOptions(req dto.GenerateTimetableRequest) timetable.Options {
	opts := s.cfg.Solver
	opts.Seed = req.Seed
	if req.TimeBudgetMs > 0 {
		budget := time.Duration(req.TimeBudgetMs) * time.Millisecond
		if opts.TimeBudget <= 0 || budget < opts.TimeBudget {
			opts.TimeBudget = budget
		}
	}
	if req.MaxBacktracks > 0 && (opts.MaxBacktracks <= 0 || req.MaxBacktracks < opts.MaxBacktracks) {
		opts.MaxBacktracks = req.MaxBacktracks
	}
	return opts
}

func (s *TimetableService) execute(ctx context.Context, run *models.TimetableRun, opts timetable.Options) (*dto.GenerateTimetableResponse, error) {
	start := time.Now()
	key := models.TimetableKey{DepartmentID: run.DepartmentID, Semester: run.Semester}
	logger := s.logger.With(
		zap.String("run_id", run.ID),
		zap.String("department", run.DepartmentID),
		zap.String("semester", run.Semester),
		zap.Int("version", run.Version),
	)

	unlock, err := s.locks.Serialize(ctx)
	if err != nil {
		s.fail(run, err, 0, time.Since(start))
		s.metrics.ObserveGeneration(OutcomeBusy, time.Since(start), 0)
		logger.Warn("gave up waiting for the running generation", zap.Error(err))
		return nil, mapGenerationError(err)
	}
	defer unlock()
	logger.Info("timetable generation started", zap.Int64("seed", opts.Seed), zap.Duration("time_budget", opts.TimeBudget),
		zap.Duration("waited", time.Since(start)))

	sched, err := s.solve(ctx, key, opts)
	if err != nil {
		elapsed := time.Since(start)
		outcome, backtracks := classifyFailure(err)
		s.fail(run, err, backtracks, elapsed)
		s.metrics.ObserveGeneration(outcome, elapsed, backtracks)
		logger.Warn("timetable generation failed", zap.String("outcome", outcome), zap.Int("backtracks", backtracks), zap.Error(err))
		return nil, mapGenerationError(err)
	}

	if err := s.publish(ctx, run, sched, time.Since(start)); err != nil {
		elapsed := time.Since(start)
		s.fail(run, err, sched.Stats.Backtracks, elapsed)
		var clash *CommitmentClashError
		if errors.As(err, &clash) {
			s.metrics.ObserveGeneration(OutcomeBusy, elapsed, sched.Stats.Backtracks)
			logger.Warn("timetable publication clashed with another published timetable", zap.Error(err))
			return nil, mapGenerationError(err)
		}
		s.metrics.ObserveGeneration(OutcomeError, elapsed, sched.Stats.Backtracks)
		logger.Error("timetable persistence failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to publish timetable")
	}

	s.store.Publish(PublishedTimetable{Run: *run, Schedule: sched})
	if err := s.cache.InvalidateTimetable(ctx, key); err != nil {
		logger.Warn("invalidate cached timetable grids", zap.Error(err))
	}
	elapsed := time.Since(start)
	s.metrics.SetPublished(key, sched.Penalty, s.store.SectionCount())
	s.metrics.ObserveGeneration(OutcomePublished, elapsed, sched.Stats.Backtracks)
	logger.Info("timetable published",
		zap.Float64("penalty", sched.Penalty),
		zap.Int("backtracks", sched.Stats.Backtracks),
		zap.Int("components", sched.Stats.Components),
		zap.Duration("duration", elapsed),
	)
	return generateResponse(run, sched), nil
}

func (s *TimetableService) solve(ctx context.Context, key models.TimetableKey, opts timetable.Options) (*timetable.Schedule, error) {
	loadStart := time.Now()
	raw, err := s.source.LoadSnapshot(ctx, key.DepartmentID, key.Semester)
	s.metrics.ObserveDBQuery("snapshot_load", time.Since(loadStart))
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	commitStart := time.Now()
	commitments, err := s.entries.ListCommitments(ctx, nil, key.DepartmentID, key.Semester)
	s.metrics.ObserveDBQuery("commitments_load", time.Since(commitStart))
	if err != nil {
		return nil, fmt.Errorf("load commitments: %w", err)
	}

	snap, err := BuildSnapshot(raw, s.cfg.Slots, commitments)
	if err != nil {
		return nil, &timetable.UnsatisfiableInputError{Problems: []string{err.Error()}}
	}
	if len(snap.Sections) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no class sections for %s", key))
	}
	return timetable.Solve(ctx, snap, s.registry, opts)
}

// publish stores entries, archives the previous version and marks the run
// PUBLISHED in one transaction.
func (s *TimetableService) publish(ctx context.Context, run *models.TimetableRun, sched *timetable.Schedule, elapsed time.Duration) (err error) {
	if s.tx == nil {
		return fmt.Errorf("transaction provider missing")
	}
	entries := assignmentsToEntries(run.ID, sched)
	meta, err := json.Marshal(map[string]interface{}{
		"breakdown":   sched.Breakdown,
		"nodes":       sched.Stats.Nodes,
		"components":  sched.Stats.Components,
		"sections":    len(sched.Sections),
		"assignments": len(entries),
		"solveMs":     sched.Stats.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}

	persistStart := time.Now()
	defer func() { s.metrics.ObserveDBQuery("timetable_publish", time.Since(persistStart)) }()

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Another instance may have published a timetable sharing staff or rooms
	// since this run loaded its commitments.
	if err = s.runs.LockPublication(ctx, tx); err != nil {
		return err
	}
	commitments, err := s.entries.ListCommitments(ctx, tx, run.DepartmentID, run.Semester)
	if err != nil {
		return err
	}
	if clash := findCommitmentClash(entries, commitments); clash != nil {
		err = clash
		return err
	}

	if err = s.entries.InsertBatch(ctx, tx, entries); err != nil {
		return err
	}
	if _, err = s.runs.ArchivePublished(ctx, tx, run.DepartmentID, run.Semester, run.ID); err != nil {
		return err
	}
	finished := *run
	finished.Status = models.TimetableRunStatusPublished
	finished.Penalty = sched.Penalty
	finished.Backtracks = sched.Stats.Backtracks
	finished.DurationMs = elapsed.Milliseconds()
	finished.Meta = types.JSONText(meta)
	if err = s.runs.Finish(ctx, tx, &finished); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit publish transaction: %w", err)
	}
	*run = finished
	return nil
}

// fail records a failed run. It uses its own context so that a cancelled
// request still leaves a FAILED record behind.
func (s *TimetableService) fail(run *models.TimetableRun, cause error, backtracks int, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run.Status = models.TimetableRunStatusFailed
	run.Backtracks = backtracks
	run.DurationMs = elapsed.Milliseconds()
	run.Meta = failureMeta(cause)
	if err := s.runs.Finish(ctx, nil, run); err != nil {
		s.logger.Error("record failed timetable run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// CommitmentClashError reports a staff member or room that a freshly solved
// timetable places in a period another published timetable already holds.
type CommitmentClashError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Day      string `json:"day"`
	Period   int    `json:"period"`
	Section  string `json:"section"`
	HeldBy   string `json:"heldBy"`
}

func (e *CommitmentClashError) Error() string {
	return fmt.Sprintf("%s %s is already taken on %s period %d by %s", e.Resource, e.ID, e.Day, e.Period, e.HeldBy)
}

type periodKey struct {
	day    int
	period int
	id     string
}

// findCommitmentClash compares by day and period so grids of different
// lengths line up.
func findCommitmentClash(entries, commitments []models.TimetableEntry) *CommitmentClashError {
	if len(commitments) == 0 {
		return nil
	}
	staff := make(map[periodKey]models.TimetableEntry, len(commitments))
	rooms := make(map[periodKey]models.TimetableEntry)
	for _, c := range commitments {
		staff[periodKey{c.DayOfWeek, c.Period, c.StaffID}] = c
		if c.RoomID != nil && *c.RoomID != "" {
			rooms[periodKey{c.DayOfWeek, c.Period, *c.RoomID}] = c
		}
	}
	clash := func(resource, id string, ours, theirs models.TimetableEntry) *CommitmentClashError {
		return &CommitmentClashError{
			Resource: resource,
			ID:       id,
			Day:      timetable.Weekday(ours.DayOfWeek).String(),
			Period:   ours.Period,
			Section:  entrySection(ours),
			HeldBy:   entrySection(theirs),
		}
	}
	for _, e := range entries {
		if other, ok := staff[periodKey{e.DayOfWeek, e.Period, e.StaffID}]; ok {
			return clash("staff", e.StaffID, e, other)
		}
		if e.RoomID != nil && *e.RoomID != "" {
			if other, ok := rooms[periodKey{e.DayOfWeek, e.Period, *e.RoomID}]; ok {
				return clash("room", *e.RoomID, e, other)
			}
		}
	}
	return nil
}

func entrySection(e models.TimetableEntry) string {
	return e.DepartmentID + "/" + e.Semester + "/" + e.Section
}

func failureMeta(cause error) types.JSONText {
	payload := map[string]interface{}{"error": cause.Error()}
	if diag := diagnostic(cause); diag != nil {
		payload["diagnostic"] = diag
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.JSONText(`{}`)
	}
	return types.JSONText(raw)
}

func diagnostic(err error) interface{} {
	var infeasible *timetable.InfeasibleError
	if errors.As(err, &infeasible) {
		return infeasible
	}
	var unsat *timetable.UnsatisfiableInputError
	if errors.As(err, &unsat) {
		return unsat
	}
	var busy *timetable.ConcurrentGenerationError
	if errors.As(err, &busy) {
		return busy
	}
	var clash *CommitmentClashError
	if errors.As(err, &clash) {
		return clash
	}
	return nil
}

func classifyFailure(err error) (string, int) {
	var infeasible *timetable.InfeasibleError
	if errors.As(err, &infeasible) {
		if errors.Is(err, timetable.ErrBudgetExceeded) {
			return OutcomeBudget, infeasible.Backtracks
		}
		return OutcomeInfeasible, infeasible.Backtracks
	}
	var unsat *timetable.UnsatisfiableInputError
	if errors.As(err, &unsat) {
		return OutcomeUnsatisfiable, 0
	}
	return OutcomeError, 0
}

// mapGenerationError translates engine and infrastructure failures into
// HTTP-aware errors carrying the diagnostic.
func mapGenerationError(err error) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	var busy *timetable.ConcurrentGenerationError
	if errors.As(err, &busy) {
		return appErrors.Wrap(err, appErrors.ErrGenerationInProgress.Code, appErrors.ErrGenerationInProgress.Status,
			appErrors.ErrGenerationInProgress.Message).WithDetails(busy)
	}
	var unsat *timetable.UnsatisfiableInputError
	if errors.As(err, &unsat) {
		return appErrors.Wrap(err, appErrors.ErrUnsatisfiableInput.Code, appErrors.ErrUnsatisfiableInput.Status,
			appErrors.ErrUnsatisfiableInput.Message).WithDetails(unsat)
	}
	var infeasible *timetable.InfeasibleError
	if errors.As(err, &infeasible) {
		return appErrors.Wrap(err, appErrors.ErrInfeasibleSchedule.Code, appErrors.ErrInfeasibleSchedule.Status,
			infeasible.Error()).WithDetails(infeasible)
	}
	var clash *CommitmentClashError
	if errors.As(err, &clash) {
		return appErrors.Wrap(err, appErrors.ErrPublishConflict.Code, appErrors.ErrPublishConflict.Status,
			clash.Error()).WithDetails(clash)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return appErrors.Wrap(err, appErrors.ErrServiceUnavailable.Code, appErrors.ErrServiceUnavailable.Status,
			"timed out waiting for another generation run")
	}
	if errors.Is(err, repository.ErrBackendUnavailable) {
		return appErrors.Wrap(err, appErrors.ErrBackendUnavailable.Code, appErrors.ErrBackendUnavailable.Status, appErrors.ErrBackendUnavailable.Message)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "department or semester not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "timetable generation failed")
}

func generateResponse(run *models.TimetableRun, sched *timetable.Schedule) *dto.GenerateTimetableResponse {
	assignments := 0
	for _, items := range sched.Sections {
		assignments += len(items)
	}
	return &dto.GenerateTimetableResponse{
		RunID:       run.ID,
		Version:     run.Version,
		Status:      string(run.Status),
		Penalty:     sched.Penalty,
		Breakdown:   sched.Breakdown,
		Backtracks:  sched.Stats.Backtracks,
		Nodes:       sched.Stats.Nodes,
		Components:  sched.Stats.Components,
		DurationMs:  run.DurationMs,
		Sections:    len(sched.Sections),
		Assignments: assignments,
	}
}

// GetRun returns a run by id.
func (s *TimetableService) GetRun(ctx context.Context, id string) (*models.TimetableRun, error) {
	run, err := s.runs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load timetable run")
	}
	return run, nil
}

// ListRuns returns run history with pagination.
func (s *TimetableService) ListRuns(ctx context.Context, query dto.TimetableRunQuery) ([]models.TimetableRun, *models.Pagination, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid run query")
	}
	filter := models.TimetableRunFilter{
		DepartmentID: query.DepartmentID,
		Semester:     query.Semester,
		Status:       models.TimetableRunStatus(query.Status),
		Page:         query.Page,
		PageSize:     query.PageSize,
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list timetable runs")
	}
	if runs == nil {
		runs = []models.TimetableRun{}
	}
	return runs, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// SectionTimetable returns the week grid of one section. The boolean
// reports a cache hit.
func (s *TimetableService) SectionTimetable(ctx context.Context, departmentID, semester, section string) (*dto.SectionTimetableResponse, bool, error) {
	key := timetable.SectionKey{Department: departmentID, Semester: semester, Section: section}
	items, run, ok := s.store.Section(key)
	if !ok {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no published timetable for section %s", key))
	}
	cacheKey := SectionCacheKey(key, run.Version)
	var cached dto.SectionTimetableResponse
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}

	resp := &dto.SectionTimetableResponse{
		DepartmentID: departmentID,
		Semester:     semester,
		Section:      section,
		RunID:        run.ID,
		Version:      run.Version,
		PublishedAt:  run.FinishedAt,
		Days:         s.groupByDay(items, false),
	}
	_ = s.cache.Set(ctx, cacheKey, resp, s.cfg.CacheTTL)
	return resp, false, nil
}

// StaffTimetable returns a staff member's published periods across every
// section, grouped by day.
func (s *TimetableService) StaffTimetable(ctx context.Context, staffID string) (*dto.StaffTimetableResponse, bool, error) {
	if staffID == "" {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "staff id is required")
	}
	items, revision := s.store.StaffView(staffID)
	cacheKey := StaffCacheKey(staffID, revision)
	var cached dto.StaffTimetableResponse
	if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
		return &cached, true, nil
	}
	resp := &dto.StaffTimetableResponse{StaffID: staffID, Load: len(items), Days: s.groupByDay(items, true)}
	_ = s.cache.Set(ctx, cacheKey, resp, s.cfg.CacheTTL)
	return resp, false, nil
}

func (s *TimetableService) groupByDay(items []timetable.Assignment, withSection bool) []dto.TimetableDay {
	byDay := make(map[timetable.Weekday][]dto.TimetableCell)
	days := s.days
	if len(days) == 0 {
		seen := make(map[timetable.Weekday]bool)
		for _, a := range items {
			if !seen[a.Slot.Day] {
				seen[a.Slot.Day] = true
				days = append(days, a.Slot.Day)
			}
		}
	}
	for _, a := range items {
		cell := dto.TimetableCell{
			Period:    a.Slot.Period,
			StartTime: a.Slot.Start,
			EndTime:   a.Slot.End,
			SubjectID: a.SubjectID,
			StaffID:   a.StaffID,
			RoomID:    a.RoomID,
			Block:     a.Block,
		}
		if withSection {
			cell.DepartmentID = a.Section.Department
			cell.Semester = a.Section.Semester
			cell.Section = a.Section.Section
		}
		byDay[a.Slot.Day] = append(byDay[a.Slot.Day], cell)
	}
	out := make([]dto.TimetableDay, 0, len(days))
	for _, day := range days {
		cells := byDay[day]
		if cells == nil {
			cells = []dto.TimetableCell{}
		}
		out = append(out, dto.TimetableDay{Day: day.String(), DayOfWeek: int(day), Entries: cells})
	}
	return out
}

// Warm fails runs orphaned by a previous process and loads every published
// timetable into the store.
func (s *TimetableService) Warm(ctx context.Context) error {
	meta := types.JSONText(`{"error":"service restarted before the run finished"}`)
	if n, err := s.runs.FailStale(ctx, meta); err != nil {
		return fmt.Errorf("fail stale runs: %w", err)
	} else if n > 0 {
		s.logger.Warn("marked interrupted timetable runs as failed", zap.Int64("count", n))
	}
	return s.Reload(ctx)
}

// Reload refreshes the store from the published runs in the database.
func (s *TimetableService) Reload(ctx context.Context) error {
	runs, err := s.runs.ListPublished(ctx)
	if err != nil {
		return err
	}
	loaded := make([]PublishedTimetable, 0, len(runs))
	for _, run := range runs {
		entries, err := s.entries.ListByRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("load entries of run %s: %w", run.ID, err)
		}
		loaded = append(loaded, PublishedTimetable{Run: run, Schedule: entriesToSchedule(entries)})
	}
	s.store.Merge(loaded)
	s.metrics.SetPublishedSections(s.store.SectionCount())
	s.logger.Info("schedule store loaded", zap.Int("timetables", len(loaded)), zap.Int("sections", s.store.SectionCount()))
	return nil
}

// StartRefresher reloads the store periodically so that timetables
// published by other instances become visible.
func (s *TimetableService) StartRefresher(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("schedule store refresh failed", zap.Error(err))
				}
			}
		}
	}()
}
