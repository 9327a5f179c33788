package repository

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendClientLoadSnapshotEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/departments/CS/semesters/2025-1/snapshot", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"sections":[{"id":"sec-a","department_id":"CS","semester":"2025-1","section":"A","size":30}],
"subjects":[{"id":"math","weekly_sessions":4,"kind":"LECTURE"}],"staff":[{"id":"t1","max_weekly_load":10}],
"qualifications":[{"staff_id":"t1","subject_id":"math"}],"requirements":[{"section_id":"sec-a","subject_id":"math"}]}}`))
	}))
	defer srv.Close()

	client := NewBackendClient(srv.URL+"/", time.Second)
	snap, err := client.LoadSnapshot(context.Background(), "CS", "2025-1")
	require.NoError(t, err)
	assert.Equal(t, "CS", snap.DepartmentID)
	assert.Equal(t, "2025-1", snap.Semester)
	require.Len(t, snap.Sections, 1)
	assert.Equal(t, 30, snap.Sections[0].Size)
	assert.Len(t, snap.Qualifications, 1)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestBackendClientLoadSnapshotBarePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"department_id":"CS","semester":"1","sections":[],"subjects":[{"id":"math"}]}`))
	}))
	defer srv.Close()

	snap, err := NewBackendClient(srv.URL, time.Second).LoadSnapshot(context.Background(), "CS", "1")
	require.NoError(t, err)
	assert.Len(t, snap.Subjects, 1)
}

func TestBackendClientLoadSnapshotErrors(t *testing.T) {
	status := http.StatusNotFound
	body := `{}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	client := NewBackendClient(srv.URL, time.Second)

	_, err := client.LoadSnapshot(context.Background(), "CS", "1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))

	status = http.StatusBadGateway
	_, err = client.LoadSnapshot(context.Background(), "CS", "1")
	assert.True(t, errors.Is(err, ErrBackendUnavailable))

	status = http.StatusOK
	body = `{"department_id":"EE","semester":"1"}`
	_, err = client.LoadSnapshot(context.Background(), "CS", "1")
	assert.ErrorContains(t, err, "scope mismatch")

	_, err = NewBackendClient("", time.Second).LoadSnapshot(context.Background(), "CS", "1")
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestBackendClientPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewBackendClient(srv.URL, time.Second).Ping(context.Background()))
	srv.Close()
	assert.Error(t, NewBackendClient(srv.URL, 100*time.Millisecond).Ping(context.Background()))
}
