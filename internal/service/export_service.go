package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-timetable-api/internal/dto"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
	appErrors "github.com/noah-isme/campus-timetable-api/pkg/errors"
	"github.com/noah-isme/campus-timetable-api/pkg/export"
	"github.com/noah-isme/campus-timetable-api/pkg/storage"
)

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type gridRenderer interface {
	Render(grid export.Grid) ([]byte, error)
}

type sectionTimetableSource interface {
	SectionTimetable(ctx context.Context, departmentID, semester, section string) (*dto.SectionTimetableResponse, bool, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
	Slots     []timetable.TimeSlot
}

// ExportService renders published section grids to files and hands out
// signed download links.
type ExportService struct {
	timetables sectionTimetableSource
	storage    fileStorage
	csv        gridRenderer
	pdf        gridRenderer
	signer     *storage.SignedURLSigner
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        ExportConfig
	now        func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(timetables sectionTimetableSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		timetables: timetables,
		storage:    store,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		signer:     signer,
		validator:  validator.New(),
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ExportSection renders the published grid of a section in the requested
// format and returns a signed link to the stored file.
func (s *ExportService) ExportSection(ctx context.Context, departmentID, semester, section string, req dto.ExportTimetableRequest) (*dto.ExportTimetableResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}
	grid, _, err := s.timetables.SectionTimetable(ctx, departmentID, semester, section)
	if err != nil {
		return nil, err
	}

	renderer := s.csv
	if req.Format == "pdf" {
		renderer = s.pdf
	}
	payload, err := renderer.Render(s.buildGrid(grid))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render timetable")
	}

	exportID := uuid.NewString()
	filename := fmt.Sprintf("%s/%s_%s_%s_v%d_%s.%s",
		s.now().UTC().Format("20060102"),
		sanitizeFilename(departmentID), sanitizeFilename(semester), sanitizeFilename(section),
		grid.Version, exportID[:8], req.Format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store export")
	}
	token, expiresAt, err := s.signer.Generate(exportID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign export link")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	s.logger.Info("timetable exported",
		zap.String("export_id", exportID),
		zap.String("section", fmt.Sprintf("%s/%s/%s", departmentID, semester, section)),
		zap.String("format", req.Format),
		zap.Int("bytes", len(payload)),
	)
	return &dto.ExportTimetableResponse{
		ExportID:  exportID,
		Format:    req.Format,
		URL:       fmt.Sprintf("%s/timetables/downloads/%s", prefix, token),
		ExpiresAt: expiresAt,
	}, nil
}

// Open validates a download token and opens the file it points to.
func (s *ExportService) Open(token string) (*os.File, storage.Token, error) {
	parsed, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, storage.Token{}, appErrors.Clone(appErrors.ErrExpiredLink, "download link expired")
		}
		return nil, storage.Token{}, appErrors.Clone(appErrors.ErrNotFound, "download link not found")
	}
	file, err := s.storage.Open(parsed.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.Token{}, appErrors.Clone(appErrors.ErrNotFound, "export file not found")
		}
		return nil, storage.Token{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export")
	}
	return file, parsed, nil
}

// Cleanup removes exports older than the result TTL.
func (s *ExportService) Cleanup() (int, error) {
	removed, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL)
	if err != nil {
		return len(removed), err
	}
	if len(removed) > 0 {
		s.logger.Info("expired exports removed", zap.Int("count", len(removed)))
	}
	return len(removed), nil
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (s *ExportService) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(); err != nil {
					s.logger.Warn("export cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// buildGrid lays the section out as periods by days. Rows come from the
// configured grid so free periods still appear.
func (s *ExportService) buildGrid(resp *dto.SectionTimetableResponse) export.Grid {
	type rowInfo struct{ start, end string }
	periods := make(map[int]rowInfo)
	for _, slot := range s.cfg.Slots {
		if _, ok := periods[slot.Period]; !ok {
			periods[slot.Period] = rowInfo{slot.Start, slot.End}
		}
	}
	cells := make(map[int]map[int]string)
	for col, day := range resp.Days {
		for _, cell := range day.Entries {
			if _, ok := periods[cell.Period]; !ok {
				periods[cell.Period] = rowInfo{cell.StartTime, cell.EndTime}
			}
			if cells[cell.Period] == nil {
				cells[cell.Period] = make(map[int]string)
			}
			cells[cell.Period][col] = describeCell(cell)
		}
	}

	order := make([]int, 0, len(periods))
	for p := range periods {
		order = append(order, p)
	}
	sort.Ints(order)

	grid := export.Grid{
		Title:    fmt.Sprintf("%s %s section %s", resp.DepartmentID, resp.Semester, resp.Section),
		Subtitle: fmt.Sprintf("version %d", resp.Version),
	}
	for _, day := range resp.Days {
		grid.Days = append(grid.Days, day.Day)
	}
	for _, p := range order {
		row := export.GridRow{
			Label: fmt.Sprintf("P%d", p),
			Time:  periods[p].start + "-" + periods[p].end,
			Cells: make([]string, len(resp.Days)),
		}
		for col := range resp.Days {
			row.Cells[col] = cells[p][col]
		}
		grid.Rows = append(grid.Rows, row)
	}
	return grid
}

func describeCell(cell dto.TimetableCell) string {
	parts := []string{cell.SubjectID, cell.StaffID}
	if cell.RoomID != "" {
		parts = append(parts, cell.RoomID)
	}
	return strings.Join(parts, " / ")
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func sanitizeFilename(input string) string {
	cleaned := strings.Trim(unsafeFilename.ReplaceAllString(input, "-"), "-")
	if cleaned == "" {
		return "x"
	}
	return cleaned
}
