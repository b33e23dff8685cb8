package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindBadRequest:         http.StatusBadRequest,
		KindValidationFailed:   http.StatusBadRequest,
		KindUnauthenticated:    http.StatusUnauthorized,
		KindForbidden:          http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindConflict:           http.StatusConflict,
		KindUnsupported:        http.StatusUnprocessableEntity,
		KindStorageUnavailable: http.StatusServiceUnavailable,
		KindScriptTimeout:      http.StatusGatewayTimeout,
		KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageUnavailable(cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(err))
}

func TestWrappedThroughFmt(t *testing.T) {
	inner := NotFound("no document with id %q", "abc")
	outer := fmt.Errorf("loading: %w", inner)

	assert.True(t, Is(outer, KindNotFound))
	assert.Equal(t, http.StatusNotFound, StatusOf(outer))
}

func TestValidationFields(t *testing.T) {
	err := Validation(map[string]string{"title": "is required"})

	require.Equal(t, KindValidationFailed, KindOf(err))
	assert.Equal(t, "is required", FieldsOf(err)["title"])
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
}

func TestCanceledStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Canceled("nope", 0).HTTPStatus())
	assert.Equal(t, http.StatusTeapot, Canceled("teapot", http.StatusTeapot).HTTPStatus())
	assert.Equal(t, KindForbidden, Canceled("mine", http.StatusForbidden).Kind)
	assert.Equal(t, KindInternal, Canceled("boom", 500).Kind)
}

func TestStatusOfUnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("plain")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	var err *Error = Wrap(KindConflict, nil, "ignored")
	assert.Nil(t, err)
}
