package handler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-timetable-api/internal/dto"
	internalmiddleware "github.com/noah-isme/campus-timetable-api/internal/middleware"
	"github.com/noah-isme/campus-timetable-api/internal/models"
	"github.com/noah-isme/campus-timetable-api/internal/service"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
	"github.com/noah-isme/campus-timetable-api/pkg/response"
	"github.com/noah-isme/campus-timetable-api/pkg/storage"
)

type timetableService interface {
	Generate(ctx context.Context, req dto.GenerateTimetableRequest) (*dto.GenerateTimetableResponse, error)
	GenerateAsync(ctx context.Context, req dto.GenerateTimetableRequest) (*models.TimetableRun, error)
	GetRun(ctx context.Context, id string) (*models.TimetableRun, error)
	ListRuns(ctx context.Context, query dto.TimetableRunQuery) ([]models.TimetableRun, *models.Pagination, error)
	SectionTimetable(ctx context.Context, departmentID, semester, section string) (*dto.SectionTimetableResponse, bool, error)
	StaffTimetable(ctx context.Context, staffID string) (*dto.StaffTimetableResponse, bool, error)
}

type timetableExporter interface {
	ExportSection(ctx context.Context, departmentID, semester, section string, req dto.ExportTimetableRequest) (*dto.ExportTimetableResponse, error)
	Open(token string) (*os.File, storage.Token, error)
}

// TimetableHandler exposes generation and timetable query endpoints.
type TimetableHandler struct {
	service timetableService
	exports timetableExporter
}

// NewTimetableHandler constructs the handler.
func NewTimetableHandler(svc *service.TimetableService, exports *service.ExportService) *TimetableHandler {
	return &TimetableHandler{service: svc, exports: exports}
}

// Generate godoc
// @Summary Generate and publish a timetable
// @Description Runs the solver synchronously for one department/semester. 409 while another run holds the key, 422 with a diagnostic when no valid timetable exists.
// @Tags Timetables
// @Accept json
// @Produce json
// @Param payload body dto.GenerateTimetableRequest true "Generation payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /timetables/generate [post]
func (h *TimetableHandler) Generate(c *gin.Context) {
	var req dto.GenerateTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generate payload"))
		return
	}
	result, err := h.service.Generate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// GenerateAsync godoc
// @Summary Queue a timetable generation
// @Tags Timetables
// @Accept json
// @Produce json
// @Param payload body dto.GenerateTimetableRequest true "Generation payload"
// @Success 202 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /timetables/generate/async [post]
func (h *TimetableHandler) GenerateAsync(c *gin.Context) {
	var req dto.GenerateTimetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid generate payload"))
		return
	}
	run, err := h.service.GenerateAsync(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, run)
}

// GetRun godoc
// @Summary Get a generation run
// @Tags Timetables
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetables/runs/{id} [get]
func (h *TimetableHandler) GetRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, run, nil)
}

// ListRuns godoc
// @Summary List generation runs
// @Tags Timetables
// @Produce json
// @Param departmentId query string false "Department ID"
// @Param semester query string false "Semester"
// @Param status query string false "Run status"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /timetables/runs [get]
func (h *TimetableHandler) ListRuns(c *gin.Context) {
	var query dto.TimetableRunQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid query parameters"))
		return
	}
	runs, pagination, err := h.service.ListRuns(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, pagination)
}

// Section godoc
// @Summary Get the published week grid of a section
// @Tags Timetables
// @Produce json
// @Param department path string true "Department ID"
// @Param semester path string true "Semester"
// @Param section path string true "Section"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /timetables/{department}/{semester}/{section} [get]
func (h *TimetableHandler) Section(c *gin.Context) {
	grid, hit, err := h.service.SectionTimetable(c.Request.Context(), c.Param("department"), c.Param("semester"), c.Param("section"))
	if err != nil {
		response.Error(c, err)
		return
	}
	internalmiddleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, grid, nil, internalmiddleware.ExtractMeta(c))
}

// Staff godoc
// @Summary Get a staff member's published timetable
// @Tags Timetables
// @Produce json
// @Param staffId path string true "Staff ID"
// @Success 200 {object} response.Envelope
// @Router /timetables/staff/{staffId} [get]
func (h *TimetableHandler) Staff(c *gin.Context) {
	result, hit, err := h.service.StaffTimetable(c.Request.Context(), c.Param("staffId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	internalmiddleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, result, nil, internalmiddleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export a section timetable
// @Description Renders the published grid as CSV or PDF and returns a signed download link.
// @Tags Timetables
// @Produce json
// @Param department path string true "Department ID"
// @Param semester path string true "Semester"
// @Param section path string true "Section"
// @Param format query string true "csv or pdf"
// @Success 200 {object} response.Envelope
// @Router /timetables/{department}/{semester}/{section}/export [get]
func (h *TimetableHandler) Export(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrServiceUnavailable, "exports not configured"))
		return
	}
	var req dto.ExportTimetableRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export parameters"))
		return
	}
	result, err := h.exports.ExportSection(c.Request.Context(), c.Param("department"), c.Param("semester"), c.Param("section"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Download godoc
// @Summary Download an exported timetable via signed token
// @Tags Timetables
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Failure 410 {object} response.Envelope
// @Router /timetables/downloads/{token} [get]
func (h *TimetableHandler) Download(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrServiceUnavailable, "exports not configured"))
		return
	}
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	file, meta, err := h.exports.Open(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck
	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read export"))
		return
	}
	filename := path.Base(meta.Path)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), contentType(filename), file, nil)
}

func contentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".csv":
		return "text/csv"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
