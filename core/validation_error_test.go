package core_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/mediagate/core"
)

func TestValidationError(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		ve := core.NewValidationError()
		assert.True(t, ve.IsEmpty())
		assert.Equal(t, "validation failed", ve.Error())
	})

	t.Run("fields are reported in stable order", func(t *testing.T) {
		t.Parallel()
		ve := core.NewValidationError()
		ve.Add("email_username", "is required")
		ve.Add("code", "is required")
		ve.Add("code", "too short")

		assert.False(t, ve.IsEmpty())
		assert.True(t, ve.Has("code"))
		assert.Equal(t, "is required", ve.Get("code"))
		assert.Equal(t, "validation error: code: is required, email_username: is required", ve.Error())
	})

	t.Run("detectable through errors.As", func(t *testing.T) {
		t.Parallel()
		ve := core.NewValidationError()
		ve.Add("code", "is required")
		wrapped := errors.Join(errors.New("bind"), ve)

		var target core.ValidationError
		require.True(t, errors.As(wrapped, &target))
		assert.True(t, target.Has("code"))
	})
}

func TestHTTPError(t *testing.T) {
	t.Parallel()

	err := core.NewHTTPError(http.StatusServiceUnavailable, "api_disabled")
	assert.Equal(t, "api_disabled", err.Error())

	var target core.HTTPError
	require.True(t, errors.As(errors.Join(errors.New("ctx"), core.ErrNotFound), &target))
	assert.Equal(t, http.StatusNotFound, target.Code)
}
