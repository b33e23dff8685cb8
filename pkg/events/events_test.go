package events

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/schema"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestHost(t *testing.T, timeout time.Duration) (*Host, *schema.Registry) {
	t.Helper()
	reg := schema.NewRegistry(t.TempDir(), testLogger())
	return NewHost(reg, nil, timeout, testLogger()), reg
}

func writeScript(t *testing.T, reg *schema.Registry, collection, phase, ext, source string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(reg.Dir(), collection), 0o755))
	require.NoError(t, os.WriteFile(reg.ScriptPath(collection, phase, ext), []byte(source), 0o644))
}

func newEC(data document.Document) *Context {
	return NewContext(ContextConfig{
		Data:      data,
		Method:    "POST",
		URL:       "/todos",
		Log:       testLogger(),
		DebugLogs: true,
	})
}

func TestRunNoHandlerIsNoop(t *testing.T) {
	host, _ := newTestHost(t, 0)
	ec := newEC(document.Document{"title": "x"})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseValidate, ec))
	assert.Equal(t, "x", ec.Data["title"])
}

func TestLuaMutatesData(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "validate", ".lua", `
function Run(ctx)
  ctx.data.title = string.upper(ctx.data.title)
  ctx.data.priority = ctx.data.priority + 1
  ctx.data.tags = {"a", "b"}
end
`)
	ec := newEC(document.Document{"title": "hello", "priority": float64(1)})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseValidate, ec))
	assert.Equal(t, "HELLO", ec.Data["title"])
	assert.Equal(t, float64(2), ec.Data["priority"])
	assert.Equal(t, []interface{}{"a", "b"}, ec.Data["tags"])
}

func TestLuaSeesRequestShape(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "get", ".lua", `
function Run(ctx)
  ctx.data.method = ctx.method
  ctx.data.first = ctx.parts[1]
  ctx.data.owner = ctx.me and ctx.me.username or "anonymous"
  ctx.data.root = ctx.isRoot
  ctx.data.done = ctx.query.done
end
`)
	ec := NewContext(ContextConfig{
		Data:   document.Document{},
		Query:  map[string]interface{}{"done": true},
		Me:     document.Document{"id": "u1", "username": "ada"},
		Method: "GET",
		URL:    "/todos/abc",
		Parts:  []string{"abc"},
		Log:    testLogger(),
	})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseGet, ec))
	assert.Equal(t, "GET", ec.Data["method"])
	assert.Equal(t, "abc", ec.Data["first"])
	assert.Equal(t, "ada", ec.Data["owner"])
	assert.Equal(t, false, ec.Data["root"])
	assert.Equal(t, true, ec.Data["done"])
}

func TestLuaFieldErrors(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "validate", ".lua", `
function Run(ctx)
  if ctx.data.title == "" then ctx.error("title", "is required") end
  ctx.error("priority", "must be positive")
end
`)
	ec := newEC(document.Document{"title": "", "priority": float64(-1)})
	err := host.Run(context.Background(), "todos", PhaseValidate, ec)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidationFailed))
	fields := apperr.FieldsOf(err)
	assert.Equal(t, "is required", fields["title"])
	assert.Equal(t, "must be positive", fields["priority"])
}

func TestLuaCancelStopsExecution(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  if not ctx.isRoot then
    ctx.cancel("admins only", 403)
  end
  ctx.data.reached = true
end
`)
	ec := newEC(document.Document{})
	err := host.Run(context.Background(), "todos", PhasePost, ec)
	require.Error(t, err)
	assert.Equal(t, 403, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "admins only")
	_, reached := ec.Data["reached"]
	assert.False(t, reached, "code after cancel must not run")
}

func TestLuaRuntimeErrorBecomesInternalCancel(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  error("boom")
end
`)
	err := host.Run(context.Background(), "todos", PhasePost, newEC(document.Document{}))
	require.Error(t, err)
	assert.Equal(t, 500, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestLuaMissingRunFunction(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `local x = 1`)
	err := host.Run(context.Background(), "todos", PhasePost, newEC(document.Document{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Run")
}

func TestLuaTimeout(t *testing.T) {
	host, reg := newTestHost(t, 50*time.Millisecond)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  while true do end
end
`)
	err := host.Run(context.Background(), "todos", PhasePost, newEC(document.Document{}))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindScriptTimeout))
}

func TestLuaEmitAndResponseHelpers(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "aftercommit", ".lua", `
function Run(ctx)
  ctx.emit("todos:changed", {id = ctx.data.id}, "collection:todos")
  ctx.setStatusCode(202)
  ctx.setHeader("X-Processed", "yes")
  ctx.setResponseData({ok = true})
  ctx.hide("secret")
  ctx.protect("owner")
end
`)
	ec := newEC(document.Document{"id": "abc"})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseAfterCommit, ec))

	emits := ec.Emits()
	require.Len(t, emits, 1)
	assert.Equal(t, "todos:changed", emits[0].Event)
	assert.Equal(t, "collection:todos", emits[0].Room)
	assert.Equal(t, map[string]interface{}{"id": "abc"}, emits[0].Data)

	assert.Equal(t, 202, ec.StatusCode())
	assert.Equal(t, "yes", ec.Headers().Get("X-Processed"))
	body, ok := ec.ResponseData()
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"ok": true}, body)
	assert.Equal(t, []string{"secret"}, ec.Hidden())
	assert.Equal(t, []string{"owner"}, ec.Protected())
}

func TestLuaSetResult(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "stats", "get", ".lua", `
function Run(ctx)
  ctx.setResult({total = 42, items = {1, 2, 3}})
end
`)
	ec := newEC(document.Document{})
	require.NoError(t, host.Run(context.Background(), "stats", PhaseGet, ec))
	result, ok := ec.Result()
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{
		"total": float64(42),
		"items": []interface{}{float64(1), float64(2), float64(3)},
	}, result)
}

type fakeInternal struct {
	docs map[string]document.Document
	err  error
}

func (f *fakeInternal) Get(_ context.Context, _, id string) (document.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, apperr.NotFound("no such document")
	}
	return doc, nil
}

func (f *fakeInternal) Find(_ context.Context, _ string, _ map[string]interface{}) ([]document.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]document.Document, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeInternal) Post(_ context.Context, _ string, doc document.Document) (document.Document, error) {
	doc["id"] = "new"
	return doc, nil
}

func (f *fakeInternal) Put(_ context.Context, _, id string, patch document.Document) (document.Document, error) {
	patch["id"] = id
	return patch, nil
}

func (f *fakeInternal) Delete(_ context.Context, _, _ string) error { return f.err }

func TestLuaInternalClient(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  local user, err = ctx.internal.get("users", "u1")
  if err then ctx.cancel(err, 500) end
  ctx.data.ownerName = user.username

  local missing, err2 = ctx.internal.get("users", "nope")
  ctx.data.missingErr = err2

  local created = ctx.internal.post("audit", {action = "create"})
  ctx.data.auditId = created.id
end
`)
	ec := NewContext(ContextConfig{
		Data: document.Document{},
		Internal: &fakeInternal{docs: map[string]document.Document{
			"u1": {"id": "u1", "username": "ada"},
		}},
		Log: testLogger(),
	})
	require.NoError(t, host.Run(context.Background(), "todos", PhasePost, ec))
	assert.Equal(t, "ada", ec.Data["ownerName"])
	assert.Contains(t, ec.Data["missingErr"], "no such document")
	assert.Equal(t, "new", ec.Data["auditId"])
}

func TestConcurrentRunsShareOneCompilation(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "validate", ".lua", `
function Run(ctx)
  ctx.data.n = ctx.data.n * 2
end
`)
	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ec := newEC(document.Document{"n": float64(i)})
			errs[i] = host.Run(context.Background(), "todos", PhaseValidate, ec)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "run %d", i)
	}
	assert.Equal(t, 1, host.cache.Len())
}

func TestEditedScriptRecompiles(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "validate", ".lua", `
function Run(ctx)
  ctx.data.version = 1
end
`)
	ec := newEC(document.Document{})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseValidate, ec))
	assert.Equal(t, float64(1), ec.Data["version"])

	writeScript(t, reg, "todos", "validate", ".lua", `
function Run(ctx)
  ctx.data.version = 2
  ctx.data.extra = true
end
`)
	// mtime resolution can be coarse; make the change unambiguous.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(reg.ScriptPath("todos", "validate", ".lua"), future, future))

	ec = newEC(document.Document{})
	require.NoError(t, host.Run(context.Background(), "todos", PhaseValidate, ec))
	assert.Equal(t, float64(2), ec.Data["version"])
	assert.Equal(t, 2, host.cache.Len(), "both versions stay cached under their hashes")
}

func TestLuaCompileErrorSurfaces(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `function Run(ctx`)
	err := host.Run(context.Background(), "todos", PhasePost, newEC(document.Document{}))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInternal))
}

func TestLuaSandboxHasNoIO(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  ctx.data.hasIO = io ~= nil
  ctx.data.hasOS = os ~= nil
  ctx.data.hasString = string ~= nil
end
`)
	ec := newEC(document.Document{})
	require.NoError(t, host.Run(context.Background(), "todos", PhasePost, ec))
	assert.Equal(t, false, ec.Data["hasIO"])
	assert.Equal(t, false, ec.Data["hasOS"])
	assert.Equal(t, true, ec.Data["hasString"])
}

func TestHasHandler(t *testing.T) {
	host, reg := newTestHost(t, 0)
	assert.False(t, host.HasHandler("todos", PhaseValidate))
	writeScript(t, reg, "todos", "validate", ".lua", `function Run(ctx) end`)
	assert.True(t, host.HasHandler("todos", PhaseValidate))
	assert.False(t, host.HasHandler("todos", PhasePost))
}

func TestPhaseForMethod(t *testing.T) {
	for method, want := range map[string]Phase{
		"GET": PhaseGet, "POST": PhasePost, "put": PhasePut, "DELETE": PhaseDelete,
	} {
		got, ok := PhaseForMethod(method)
		require.True(t, ok, method)
		assert.Equal(t, want, got)
	}
	_, ok := PhaseForMethod("PATCH")
	assert.False(t, ok)
}

func TestWatcherReloadsConfig(t *testing.T) {
	host, reg := newTestHost(t, 0)
	require.NoError(t, reg.Save(&schema.Collection{
		Name:       "todos",
		Properties: map[string]schema.Field{"title": {Type: schema.TypeString}},
	}))

	w, err := NewWatcher(reg, host, testLogger())
	require.NoError(t, err)
	go w.Run()
	defer w.Close()

	cfg := []byte(`{"properties":{"title":{"type":"string"},"done":{"type":"boolean"}}}`)
	require.NoError(t, os.WriteFile(reg.ConfigPath("todos"), cfg, 0o644))

	require.Eventually(t, func() bool {
		col, ok := reg.Get("todos")
		if !ok {
			return false
		}
		_, has := col.Properties["done"]
		return has
	}, 2*time.Second, 20*time.Millisecond, "external config edit should reload the definition")
}

func TestWatcherPicksUpNewCollectionDir(t *testing.T) {
	host, reg := newTestHost(t, 0)
	w, err := NewWatcher(reg, host, testLogger())
	require.NoError(t, err)
	go w.Run()
	defer w.Close()

	dir := filepath.Join(reg.Dir(), "notes")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Give the watcher a beat to add the new directory, then drop a config
	// into it and expect the registry to learn the collection.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(filepath.Join(dir, schema.ConfigFileName),
			[]byte(`{"properties":{"body":{"type":"string"}}}`), 0o644); err != nil {
			return false
		}
		_, ok := reg.Get("notes")
		return ok
	}, 2*time.Second, 50*time.Millisecond)
}

func TestGoScriptIgnoredWithoutNativeEngine(t *testing.T) {
	host, reg := newTestHost(t, 0)
	writeScript(t, reg, "todos", "post", ".go", `package main`)
	writeScript(t, reg, "todos", "post", ".lua", `
function Run(ctx)
  ctx.data.engine = "lua"
end
`)
	ec := newEC(document.Document{})
	require.NoError(t, host.Run(context.Background(), "todos", PhasePost, ec))
	assert.Equal(t, "lua", ec.Data["engine"])
}

func TestNativeInvokeHonorsContext(t *testing.T) {
	e := NewNativeEngine(t.TempDir(), "example.com/srv", t.TempDir(), testLogger())
	block := make(chan struct{})
	defer close(block)
	fn := func(*Context) error { <-block; return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Invoke(ctx, fn, newEC(document.Document{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNativeInvokeRecoversPanic(t *testing.T) {
	e := NewNativeEngine(t.TempDir(), "example.com/srv", t.TempDir(), testLogger())
	fn := func(*Context) error { panic("bad handler") }
	err := e.Invoke(context.Background(), fn, newEC(document.Document{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad handler")
}

func TestNativeInvokeReturnsHandlerError(t *testing.T) {
	e := NewNativeEngine(t.TempDir(), "example.com/srv", t.TempDir(), testLogger())
	fn := func(ec *Context) error {
		ec.Data["seen"] = true
		return fmt.Errorf("handler says no")
	}
	ec := newEC(document.Document{})
	err := e.Invoke(context.Background(), fn, ec)
	require.EqualError(t, err, "handler says no")
	assert.Equal(t, true, ec.Data["seen"])
}
