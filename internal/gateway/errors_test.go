package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindResponse(t *testing.T) {
	tests := []struct {
		kind    ErrorKind
		status  int
		message string
	}{
		{Internal, http.StatusInternalServerError, "internal server error"},
		{NotReady, http.StatusInternalServerError, "not ready yet"},
		{KeyMissing, http.StatusUnauthorized, "request is missing a key"},
		{Unauthorized, http.StatusUnauthorized, "unauthorized"},
		{KeyMalformed, http.StatusBadRequest, "request has an invalid key"},
		{BadHost, http.StatusBadRequest, "the 'Host' header is invalid"},
		{InvalidProjectName, http.StatusBadRequest, "invalid project name"},
		{InvalidOperation, http.StatusBadRequest, "the requested operation is invalid"},
		{UserAlreadyExists, http.StatusBadRequest, "user already exists"},
		{ProjectAlreadyExists, http.StatusBadRequest, "a project with the same name already exists"},
		{Forbidden, http.StatusForbidden, "forbidden"},
		{UserNotFound, http.StatusNotFound, "user not found"},
		{ProjectNotFound, http.StatusNotFound, "project not found"},
		{ProjectNotReady, http.StatusServiceUnavailable, "project not ready"},
		{ProjectUnavailable, http.StatusBadGateway, "project returned invalid response"},
	}
	require.Len(t, tests, len(Kinds), "every kind must have an expected response")

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			status, message := tc.kind.Response()
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.message, message)
		})
	}
}

func TestErrorKindNamesRoundTrip(t *testing.T) {
	seen := make(map[string]bool)
	for _, kind := range Kinds {
		text, err := kind.MarshalText()
		require.NoError(t, err)
		assert.False(t, seen[string(text)], "duplicate name %s", text)
		seen[string(text)] = true

		var decoded ErrorKind
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, kind, decoded)
	}
	assert.Equal(t, "project_not_ready", ProjectNotReady.String())

	var k ErrorKind
	assert.Error(t, k.UnmarshalText([]byte("no_such_kind")))
}

func TestErrorConstruction(t *testing.T) {
	cause := errors.New("database is locked")

	t.Run("from kind", func(t *testing.T) {
		err := FromKind(ProjectNotFound)
		assert.Equal(t, ProjectNotFound, err.Kind())
		assert.Equal(t, "project_not_found", err.Error())
		assert.Nil(t, errors.Unwrap(err))
	})

	t.Run("source", func(t *testing.T) {
		err := Source(Internal, cause)
		assert.Equal(t, "internal: database is locked", err.Error())
		assert.ErrorIs(t, err, cause)
	})

	t.Run("custom", func(t *testing.T) {
		err := Custom(InvalidOperation, "cannot stop a creating project")
		assert.Equal(t, "invalid_operation: cannot stop a creating project", err.Error())
	})
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("lookup: %w", Source(ProjectNotFound, errors.New("no rows")))
	assert.ErrorIs(t, err, FromKind(ProjectNotFound))
	assert.NotErrorIs(t, err, FromKind(ProjectNotReady))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Forbidden, KindOf(fmt.Errorf("wrapped: %w", FromKind(Forbidden))))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestErrorNeverLeaksCause(t *testing.T) {
	err := Source(Internal, errors.New("secret connection string"))

	data, jerr := json.Marshal(err)
	require.NoError(t, jerr)
	assert.JSONEq(t, `{"error":"internal server error"}`, string(data))

	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("handler: %w", err))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestWriteErrorForeignError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())
}

func TestRetryable(t *testing.T) {
	for _, kind := range Kinds {
		want := kind == ProjectNotReady || kind == ProjectUnavailable
		assert.Equal(t, want, Retryable(kind), kind.String())
	}
}
