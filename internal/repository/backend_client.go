package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/campus-timetable-api/internal/models"
)

// ErrBackendUnavailable is returned when the institution backend cannot serve a snapshot.
var ErrBackendUnavailable = errors.New("institution backend unavailable")

const maxSnapshotBody = 16 << 20

// BackendClient loads domain snapshots from the institution's REST API.
type BackendClient struct {
	baseURL string
	client  *http.Client
}

// NewBackendClient builds a client against baseURL. A zero timeout defaults to ten seconds.
func NewBackendClient(baseURL string, timeout time.Duration) *BackendClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type snapshotEnvelope struct {
	Data *models.DomainSnapshot `json:"data"`
}

// LoadSnapshot fetches GET {base}/departments/{id}/semesters/{semester}/snapshot.
// Both a bare payload and the {"data": ...} envelope are accepted.
func (c *BackendClient) LoadSnapshot(ctx context.Context, departmentID, semester string) (*models.DomainSnapshot, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: base URL not configured", ErrBackendUnavailable)
	}
	endpoint := fmt.Sprintf("%s/departments/%s/semesters/%s/snapshot",
		c.baseURL, url.PathEscape(departmentID), url.PathEscape(semester))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("snapshot for %s/%s: %w", departmentID, semester, sql.ErrNoRows)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: received status %d", ErrBackendUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("snapshot request failed with status %d", resp.StatusCode)
	}

	var envelope snapshotEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := envelope.Data
	if snap == nil {
		snap = &models.DomainSnapshot{}
		if err := json.Unmarshal(body, snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	if snap.DepartmentID == "" {
		snap.DepartmentID = departmentID
	}
	if snap.Semester == "" {
		snap.Semester = semester
	}
	if snap.DepartmentID != departmentID || snap.Semester != semester {
		return nil, fmt.Errorf("snapshot scope mismatch: requested %s/%s, received %s/%s",
			departmentID, semester, snap.DepartmentID, snap.Semester)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	return snap, nil
}

// Ping calls {base}/health.
func (c *BackendClient) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: base URL not configured", ErrBackendUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: received status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return nil
}
