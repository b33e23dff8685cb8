package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/config"
	"github.com/platinummonkey/anvil/pkg/pipeline"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store/memstore"
)

type testEnv struct {
	server   *Server
	handler  http.Handler
	security *config.SecurityManager
	tokens   *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := schema.NewRegistry(t.TempDir(), log)
	require.NoError(t, reg.Load())
	require.NoError(t, reg.Save(&schema.Collection{
		Name: "todos",
		Properties: map[string]schema.Field{
			"title": {Type: schema.TypeString, Required: true},
			"done":  {Type: schema.TypeBoolean},
		},
	}))

	st := memstore.New()
	for _, col := range reg.All() {
		require.NoError(t, st.EnsureCollection(context.Background(), col))
	}

	pl := pipeline.New(pipeline.Config{
		Store:    st,
		Registry: reg,
		Log:      log,
	})

	security, err := config.LoadSecurity(t.TempDir(), false, log)
	require.NoError(t, err)
	tokens := auth.NewTokenManager(security.JWTSecret(), time.Hour)

	srv := NewServer(Config{
		Pipeline: pl,
		Registry: reg,
		Store:    st,
		Security: security,
		Tokens:   tokens,
		Auth:     auth.NewMiddleware(tokens, security.MasterKey, pl),
		Log:      log,
		ServerID: "test-server",
	})

	return &testEnv{server: srv, handler: srv.Handler(), security: security, tokens: tokens}
}

// do runs a request and decodes the JSON response body, when there is one.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func (e *testEnv) rootHeaders() map[string]string {
	return map[string]string{"X-Master-Key": e.security.MasterKey()}
}

func TestCollectionCRUD(t *testing.T) {
	env := newTestEnv(t)

	rec, created := env.do(t, http.MethodPost, "/todos", map[string]interface{}{"title": "buy milk"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "buy milk", created["title"])
	assert.NotEmpty(t, created["createdAt"])

	rec, got := env.do(t, http.MethodGet, "/todos/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "buy milk", got["title"])

	rec, updated := env.do(t, http.MethodPut, "/todos/"+id, map[string]interface{}{"done": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, updated["done"])
	assert.Equal(t, "buy milk", updated["title"], "PUT merges instead of replacing")

	rec, _ = env.do(t, http.MethodDelete, "/todos/"+id, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, rec.Body.Len())

	rec, _ = env.do(t, http.MethodGet, "/todos/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownCollectionIs404(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestValidationErrorShape(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodPost, "/todos", map[string]interface{}{"done": true}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs, ok := body["errors"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	assert.Contains(t, errs, "title")
}

func TestListWithURLFilter(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		rec, _ := env.do(t, http.MethodPost, "/todos", map[string]interface{}{"title": title, "done": title == "b"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/todos?done=true", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0]["title"])

	// Sorted, limited list through JSON-encoded params.
	q := url.Values{}
	q.Set("$sort", `{"title":-1}`)
	q.Set("$limit", "2")
	req = httptest.NewRequest(http.MethodGet, "/todos?"+q.Encode(), nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "c", docs[0]["title"])
	assert.Equal(t, "b", docs[1]["title"])
}

func TestCountEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b"} {
		env.do(t, http.MethodPost, "/todos", map[string]interface{}{"title": title}, nil)
	}
	rec, body := env.do(t, http.MethodGet, "/todos/count", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
}

func TestQueryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		env.do(t, http.MethodPost, "/todos", map[string]interface{}{"title": title}, nil)
	}

	req := httptest.NewRequest(http.MethodPost, "/todos/query", bytes.NewReader([]byte(
		`{"query":{"title":{"$in":["a","c"]}},"options":{"$sort":{"title":1}}}`)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var docs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0]["title"])
	assert.Equal(t, "c", docs[1]["title"])
}

func TestRegexOptionsUnsupportedOnHybridBackend(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/todos?"+url.Values{
		"title": []string{`{"$regex":"^a","$options":"i"}`},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}

func TestMasterKeyLogin(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/auth/login", map[string]interface{}{
		"masterKey": env.security.MasterKey(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isRoot"])
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	rec, body = env.do(t, http.MethodGet, "/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["isRoot"])

	rec, _ = env.do(t, http.MethodPost, "/auth/login", map[string]interface{}{"masterKey": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserRegistrationAndLogin(t *testing.T) {
	env := newTestEnv(t)

	rec, created := env.do(t, http.MethodPost, "/users", map[string]interface{}{
		"username": "ada",
		"password": "hunter22",
		"email":    "ada@example.com",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, created, "password")

	rec, body := env.do(t, http.MethodPost, "/auth/login", map[string]interface{}{
		"username": "ada", "password": "hunter22",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.NotEqual(t, true, body["isRoot"])

	rec, body = env.do(t, http.MethodGet, "/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	user, ok := body["user"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	assert.Equal(t, "ada", user["username"])
	assert.NotContains(t, user, "password")

	rec, _ = env.do(t, http.MethodPost, "/auth/login", map[string]interface{}{
		"username": "ada", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegistrationRules(t *testing.T) {
	env := newTestEnv(t)

	// A signed-in user cannot create more accounts.
	env.do(t, http.MethodPost, "/users", map[string]interface{}{
		"username": "ada", "password": "hunter22", "email": "a@example.com",
	}, nil)
	rec, body := env.do(t, http.MethodPost, "/auth/login", map[string]interface{}{
		"username": "ada", "password": "hunter22",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token := body["token"].(string)

	rec, _ = env.do(t, http.MethodPost, "/users", map[string]interface{}{
		"username": "eve", "password": "x", "email": "e@example.com",
	}, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Closing registration locks out anonymous signups; root still works.
	require.NoError(t, env.security.Update(config.Security{AllowRegistration: false}))
	rec, _ = env.do(t, http.MethodPost, "/users", map[string]interface{}{
		"username": "eve", "password": "x", "email": "e@example.com",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/users", map[string]interface{}{
		"username": "eve", "password": "x", "email": "e@example.com",
	}, env.rootHeaders())
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestValidateTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/auth/validate", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, body["valid"])

	rec, _ = env.do(t, http.MethodGet, "/auth/validate", nil, env.rootHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/auth/validate", nil, map[string]string{
		"Authorization": "Bearer garbage",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
