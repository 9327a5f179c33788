package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-timetable-api/internal/dto"
	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
	"github.com/noah-isme/campus-timetable-api/pkg/storage"
)

type timetableServiceStub struct {
	captured    dto.GenerateTimetableRequest
	generateErr error
	query       dto.TimetableRunQuery
	hit         bool
}

func (s *timetableServiceStub) Generate(_ context.Context, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error) {
	s.captured = req
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return &dto.GenerateTimetableResponse{RunID: "run-1", Version: 1, Status: "PUBLISHED", Sections: 2}, nil
}

func (s *timetableServiceStub) GenerateAsync(_ context.Context, req dto.GenerateTimetableRequest) (*models.TimetableRun, error) {
	s.captured = req
	return &models.TimetableRun{ID: "run-2", DepartmentID: req.DepartmentID, Semester: req.Semester, Status: models.TimetableRunStatusQueued}, nil
}

func (s *timetableServiceStub) GetRun(_ context.Context, id string) (*models.TimetableRun, error) {
	if id != "run-1" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "timetable run not found")
	}
	return &models.TimetableRun{ID: id, Status: models.TimetableRunStatusFailed}, nil
}

func (s *timetableServiceStub) ListRuns(_ context.Context, query dto.TimetableRunQuery) ([]models.TimetableRun, *models.Pagination, error) {
	s.query = query
	return []models.TimetableRun{{ID: "run-1"}}, &models.Pagination{Page: 1, PageSize: 20, TotalCount: 1}, nil
}

func (s *timetableServiceStub) SectionTimetable(_ context.Context, departmentID, semester, section string) (*dto.SectionTimetableResponse, bool, error) {
	return &dto.SectionTimetableResponse{DepartmentID: departmentID, Semester: semester, Section: section, Version: 3}, s.hit, nil
}

func (s *timetableServiceStub) StaffTimetable(_ context.Context, staffID string) (*dto.StaffTimetableResponse, bool, error) {
	return &dto.StaffTimetableResponse{StaffID: staffID, Days: []dto.TimetableDay{}}, false, nil
}

type exporterStub struct {
	path string
	err  error
}

func (e *exporterStub) ExportSection(_ context.Context, _, _, _ string, req dto.ExportTimetableRequest) (*dto.ExportTimetableResponse, error) {
	return &dto.ExportTimetableResponse{ExportID: "exp-1", Format: req.Format, URL: "/api/v1/timetables/downloads/tok"}, nil
}

func (e *exporterStub) Open(string) (*os.File, storage.Token, error) {
	if e.err != nil {
		return nil, storage.Token{}, e.err
	}
	file, err := os.Open(e.path)
	if err != nil {
		return nil, storage.Token{}, err
	}
	return file, storage.Token{ExportID: "exp-1", Path: "20261017/" + filepath.Base(e.path)}, nil
}

func newTestContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Request = req
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTimetableGenerateSuccess(t *testing.T) {
	svc := &timetableServiceStub{}
	h := &TimetableHandler{service: svc}
	c, w := newTestContext(http.MethodPost, "/timetables/generate", []byte(`{"departmentId":"CS","semester":"3","seed":42,"timeBudgetMs":5000}`))

	h.Generate(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CS", svc.captured.DepartmentID)
	assert.Equal(t, int64(42), svc.captured.Seed)
	assert.Equal(t, 5000, svc.captured.TimeBudgetMs)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "run-1", data["runId"])
}

func TestTimetableGenerateMalformedPayload(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{}}
	c, w := newTestContext(http.MethodPost, "/timetables/generate", []byte(`{"departmentId":`))

	h.Generate(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimetableGenerateInfeasibleCarriesDiagnostic(t *testing.T) {
	diag := &timetable.InfeasibleError{Backtracks: 12, Reason: "search exhausted"}
	svc := &timetableServiceStub{generateErr: appErrors.Wrap(diag, appErrors.ErrInfeasibleSchedule.Code, appErrors.ErrInfeasibleSchedule.Status, diag.Error()).WithDetails(diag)}
	h := &TimetableHandler{service: svc}
	c, w := newTestContext(http.MethodPost, "/timetables/generate", []byte(`{"departmentId":"CS","semester":"3"}`))

	h.Generate(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "INFEASIBLE_SCHEDULE", errBody["code"])
	details := errBody["details"].(map[string]interface{})
	assert.Equal(t, float64(12), details["backtracks"])
}

func TestTimetableGenerateBusy(t *testing.T) {
	busy := appErrors.Clone(appErrors.ErrGenerationInProgress, "").WithDetails(&timetable.ConcurrentGenerationError{Key: "CS/3"})
	h := &TimetableHandler{service: &timetableServiceStub{generateErr: busy}}
	c, w := newTestContext(http.MethodPost, "/timetables/generate", []byte(`{"departmentId":"CS","semester":"3"}`))

	h.Generate(c)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestTimetableGenerateAsyncAccepted(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{}}
	c, w := newTestContext(http.MethodPost, "/timetables/generate/async", []byte(`{"departmentId":"CS","semester":"3"}`))

	h.GenerateAsync(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "QUEUED", data["status"])
}

func TestTimetableRunsEndpoints(t *testing.T) {
	svc := &timetableServiceStub{}
	h := &TimetableHandler{service: svc}

	c, w := newTestContext(http.MethodGet, "/timetables/runs?departmentId=CS&semester=3&page=2&pageSize=5", nil)
	h.ListRuns(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CS", svc.query.DepartmentID)
	assert.Equal(t, 2, svc.query.Page)
	assert.NotNil(t, decodeEnvelope(t, w)["pagination"])

	c, w = newTestContext(http.MethodGet, "/timetables/runs/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	h.GetRun(c)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTimetableSectionReportsCacheHit(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{hit: true}}
	c, w := newTestContext(http.MethodGet, "/timetables/CS/3/A", nil)
	c.Params = gin.Params{{Key: "department", Value: "CS"}, {Key: "semester", Value: "3"}, {Key: "section", Value: "A"}}

	h.Section(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	body := decodeEnvelope(t, w)
	assert.Equal(t, true, body["meta"].(map[string]interface{})["cache_hit"])
	assert.Equal(t, "A", body["data"].(map[string]interface{})["section"])
}

func TestTimetableStaff(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{}}
	c, w := newTestContext(http.MethodGet, "/timetables/staff/t1", nil)
	c.Params = gin.Params{{Key: "staffId", Value: "t1"}}

	h.Staff(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
}

func TestTimetableExportReturnsSignedLink(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{}, exports: &exporterStub{}}
	c, w := newTestContext(http.MethodGet, "/timetables/CS/3/A/export?format=pdf", nil)
	c.Params = gin.Params{{Key: "department", Value: "CS"}, {Key: "semester", Value: "3"}, {Key: "section", Value: "A"}}

	h.Export(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "pdf", data["format"])
	assert.Equal(t, "/api/v1/timetables/downloads/tok", data["url"])
}

func TestTimetableExportUnconfigured(t *testing.T) {
	h := &TimetableHandler{service: &timetableServiceStub{}}
	c, w := newTestContext(http.MethodGet, "/timetables/CS/3/A/export?format=csv", nil)

	h.Export(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTimetableDownloadStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CS_3_A_v1.csv")
	require.NoError(t, os.WriteFile(path, []byte("Period,Time,MONDAY\n"), 0o644))
	h := &TimetableHandler{exports: &exporterStub{path: path}}
	c, w := newTestContext(http.MethodGet, "/timetables/downloads/tok", nil)
	c.Params = gin.Params{{Key: "token", Value: "tok"}}

	h.Download(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "CS_3_A_v1.csv")
	assert.Equal(t, "Period,Time,MONDAY\n", w.Body.String())
}

func TestTimetableDownloadExpired(t *testing.T) {
	h := &TimetableHandler{exports: &exporterStub{err: appErrors.Clone(appErrors.ErrExpiredLink, "")}}
	c, w := newTestContext(http.MethodGet, "/timetables/downloads/tok", nil)
	c.Params = gin.Params{{Key: "token", Value: "tok"}}

	h.Download(c)

	require.Equal(t, http.StatusGone, w.Code)
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func TestMetricsHandlerReady(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]Pinger{"database": pingStub{}, "redis": nil})
	c, w := newTestContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	require.Equal(t, http.StatusOK, w.Code)

	h = NewMetricsHandler(nil, map[string]Pinger{"database": pingStub{err: context.DeadlineExceeded}})
	c, w = newTestContext(http.MethodGet, "/ready", nil)
	h.Ready(c)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsHandlerSummary(t *testing.T) {
	h := NewMetricsHandler(nil, nil)
	c, w := newTestContext(http.MethodGet, "/metrics/summary", nil)
	h.Summary(c)
	require.Equal(t, http.StatusOK, w.Code)
}
