package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-timetable-api/internal/models"
)

var entryColumns = []string{"id", "run_id", "department_id", "semester", "section", "slot_id", "day_of_week", "period",
	"start_time", "end_time", "subject_id", "staff_id", "room_id", "block", "created_at"}

func TestTimetableEntryRepositoryInsertBatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimetableEntryRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO timetable_entries")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	lab := "lab-1"
	entries := []models.TimetableEntry{
		{RunID: "run-1", DepartmentID: "CS", Semester: "1", Section: "A", SlotID: 0, DayOfWeek: 1, Period: 1, SubjectID: "math", StaffID: "t1"},
		{RunID: "run-1", DepartmentID: "CS", Semester: "1", Section: "A", SlotID: 1, DayOfWeek: 1, Period: 2, SubjectID: "lab", StaffID: "t2", RoomID: &lab, Block: 1},
	}
	require.NoError(t, repo.InsertBatch(context.Background(), nil, entries))
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableEntryRepositoryInsertBatchEmpty(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimetableEntryRepository(db)

	require.NoError(t, repo.InsertBatch(context.Background(), nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableEntryRepositoryListByRun(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimetableEntryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM timetable_entries e WHERE e.run_id = $1 ORDER BY e.section ASC, e.slot_id ASC")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e-1", "run-1", "CS", "1", "A", 0, 1, 1, "08:00", "08:50", "math", "t1", nil, 0, time.Now()).
			AddRow("e-2", "run-1", "CS", "1", "A", 1, 1, 2, "08:50", "09:40", "lab", "t2", "lab-1", 1, time.Now()))

	entries, err := repo.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].RoomID)
	require.NotNil(t, entries[1].RoomID)
	assert.Equal(t, "lab-1", *entries[1].RoomID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimetableEntryRepositoryListCommitments(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTimetableEntryRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN timetable_runs r ON r.id = e.run_id WHERE r.status = $1 AND NOT (r.department_id = $2 AND r.semester = $3)")).
		WithArgs(string(models.TimetableRunStatusPublished), "CS", "1").
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e-9", "run-7", "EE", "1", "A", 3, 1, 4, "11:00", "11:50", "math", "t1", nil, 0, time.Now()))

	entries, err := repo.ListCommitments(context.Background(), nil, "CS", "1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "EE", entries[0].DepartmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
