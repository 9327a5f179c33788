package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("load run: %w", Clone(ErrNotFound, "run not found"))

	got := FromError(wrapped)
	assert.Equal(t, ErrNotFound.Code, got.Code)
	assert.Equal(t, http.StatusNotFound, got.Status)
	assert.Equal(t, "run not found", got.Message)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	cause := errors.New("boom")

	got := FromError(cause)
	assert.Equal(t, ErrInternal.Code, got.Code)
	assert.True(t, errors.Is(got, cause))
	assert.Nil(t, FromError(nil))
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	clone := Clone(ErrInfeasibleSchedule, "math cannot be placed")

	assert.Equal(t, "math cannot be placed", clone.Message)
	assert.NotEqual(t, clone.Message, ErrInfeasibleSchedule.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, clone.Status)
}

func TestWithDetailsCopies(t *testing.T) {
	detailed := ErrGenerationInProgress.WithDetails(map[string]string{"key": "CS/1"})

	assert.Equal(t, map[string]string{"key": "CS/1"}, detailed.Details)
	assert.Nil(t, ErrGenerationInProgress.Details)
	assert.Equal(t, ErrGenerationInProgress.Code, detailed.Code)
}
