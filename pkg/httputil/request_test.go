package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/anvil/pkg/apperr"
)

func TestParseJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":"x"}`))
	var dest map[string]interface{}
	require.NoError(t, ParseJSON(httptest.NewRecorder(), r, &dest))
	assert.Equal(t, "x", dest["title"])
}

func TestParseJSONEmptyBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	var dest map[string]interface{}
	err := ParseJSON(httptest.NewRecorder(), r, &dest)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestParseJSONMalformed(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"title":`))
	var dest map[string]interface{}
	err := ParseJSON(httptest.NewRecorder(), r, &dest)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestReadBodyLimit(t *testing.T) {
	huge := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(huge))
	_, err := ReadBody(httptest.NewRecorder(), r)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestReadBodyEmptyIsNil(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	data, err := ReadBody(httptest.NewRecorder(), r)
	require.NoError(t, err)
	assert.Nil(t, data)
}
