package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/schema"
)

const (
	// DefaultTimeout bounds one script invocation.
	DefaultTimeout = 10 * time.Second

	compileCacheSize = 256
)

type handlerKind int

const (
	kindNone handlerKind = iota
	kindLua
	kindNative
)

// scriptRef is the resolved state of one handler file: where it lives and
// the content hash of the version last seen. The stat fields detect edits
// without rehashing on every request.
type scriptRef struct {
	kind    handlerKind
	path    string
	modTime time.Time
	size    int64
	hash    string
}

// compiled is a cached compilation artifact, one of the two engine shapes.
type compiled struct {
	kind  handlerKind
	proto *lua.FunctionProto
	fn    func(*Context) error
}

// Host resolves, compiles, caches and runs event handlers. Compilations
// are cached by (collection, phase, source hash) in an LRU and deduped
// through singleflight, so a script version compiles at most once no
// matter how many requests race on first use.
type Host struct {
	registry *schema.Registry
	lua      *LuaEngine
	native   *NativeEngine // nil disables Go handlers
	log      *logrus.Logger
	timeout  time.Duration

	cache *lru.Cache[string, *compiled]
	sf    singleflight.Group

	resMu    sync.RWMutex
	resolved map[string]*scriptRef

	observer Observer
}

// Observer receives the outcome of each handler invocation, for metrics.
// status is one of ok, validation, canceled, timeout or error.
type Observer func(collection string, phase Phase, status string, elapsed time.Duration)

// NewHost creates the script host. native may be nil; timeout 0 means
// DefaultTimeout.
func NewHost(registry *schema.Registry, native *NativeEngine, timeout time.Duration, log *logrus.Logger) *Host {
	if log == nil {
		log = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cache, _ := lru.New[string, *compiled](compileCacheSize)
	return &Host{
		registry: registry,
		lua:      NewLuaEngine(),
		native:   native,
		log:      log,
		timeout:  timeout,
		cache:    cache,
		resolved: make(map[string]*scriptRef),
	}
}

// SetObserver installs the invocation observer. Call before serving.
func (h *Host) SetObserver(fn Observer) {
	h.observer = fn
}

func (h *Host) observe(collection string, phase Phase, status string, start time.Time) {
	if h.observer != nil {
		h.observer(collection, phase, status, time.Since(start))
	}
}

// HasHandler reports whether a script exists for the phase.
func (h *Host) HasHandler(collection string, phase Phase) bool {
	ref, err := h.resolve(collection, phase)
	return err == nil && ref != nil
}

// Run executes the collection's handler for the phase against ec. No
// handler is a no-op. The returned error is already classified: validation
// errors, script cancels, timeouts, or internal failures.
func (h *Host) Run(ctx context.Context, collection string, phase Phase, ec *Context) error {
	ref, err := h.resolve(collection, phase)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "resolving event handler")
	}
	if ref == nil {
		return ec.Err()
	}

	art, err := h.compile(ctx, collection, phase, ref)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"collection": collection, "phase": phase}).
			Error("event handler compilation failed")
		return apperr.Wrap(apperr.KindInternal, err, "compiling event handler")
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ec.setRequestContext(invokeCtx)

	start := time.Now()
	switch art.kind {
	case kindLua:
		err = h.lua.Invoke(invokeCtx, art.proto, ec)
	case kindNative:
		err = h.native.Invoke(invokeCtx, art.fn, ec)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.log.WithFields(logrus.Fields{"collection": collection, "phase": phase}).
				Warn("event handler timed out")
			h.observe(collection, phase, "timeout", start)
			return apperr.ScriptTimeout(collection, string(phase))
		}
		if errors.Is(err, context.Canceled) {
			return err // caller went away
		}
		// An uncaught script failure behaves like cancel(msg, 500) unless
		// field errors were accumulated first.
		if ec.HasErrors() {
			h.observe(collection, phase, "validation", start)
			return apperr.Validation(ec.FieldErrors())
		}
		h.log.WithError(err).WithFields(logrus.Fields{"collection": collection, "phase": phase}).
			Warn("event handler failed")
		h.observe(collection, phase, "error", start)
		return apperr.Canceled(err.Error(), 500)
	}
	if scriptErr := ec.Err(); scriptErr != nil {
		h.observe(collection, phase, "canceled", start)
		return scriptErr
	}
	h.observe(collection, phase, "ok", start)
	return nil
}

// Invalidate drops the resolution memo for a collection (or one phase when
// given). The file watcher calls it; the next request re-stats and, if the
// content changed, recompiles under a new cache key.
func (h *Host) Invalidate(collection string, phase Phase) {
	h.resMu.Lock()
	defer h.resMu.Unlock()
	if phase != "" {
		delete(h.resolved, refKey(collection, phase))
		return
	}
	prefix := collection + "/"
	for k := range h.resolved {
		if strings.HasPrefix(k, prefix) {
			delete(h.resolved, k)
		}
	}
}

func refKey(collection string, phase Phase) string {
	return collection + "/" + string(phase)
}

// resolve finds the handler file for (collection, phase) and its current
// content hash. Go handlers shadow Lua ones for the same phase. Returns
// nil when no handler exists.
func (h *Host) resolve(collection string, phase Phase) (*scriptRef, error) {
	var path string
	kind := kindNone
	if h.native != nil {
		goPath := h.registry.ScriptPath(collection, string(phase), ".go")
		if _, err := os.Stat(goPath); err == nil {
			path, kind = goPath, kindNative
		}
	}
	if kind == kindNone {
		luaPath := h.registry.ScriptPath(collection, string(phase), ".lua")
		if _, err := os.Stat(luaPath); err == nil {
			path, kind = luaPath, kindLua
		}
	}
	if kind == kindNone {
		return nil, nil
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil // removed between the stats; treat as no handler
	}

	key := refKey(collection, phase)
	h.resMu.RLock()
	ref := h.resolved[key]
	h.resMu.RUnlock()
	if ref != nil && ref.path == path && ref.modTime.Equal(fi.ModTime()) && ref.size == fi.Size() {
		return ref, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	ref = &scriptRef{
		kind:    kind,
		path:    path,
		modTime: fi.ModTime(),
		size:    fi.Size(),
		hash:    hex.EncodeToString(sum[:]),
	}
	h.resMu.Lock()
	h.resolved[key] = ref
	h.resMu.Unlock()
	return ref, nil
}

// compile returns the cached artifact for the script version, compiling at
// most once per hash across concurrent callers.
func (h *Host) compile(ctx context.Context, collection string, phase Phase, ref *scriptRef) (*compiled, error) {
	key := refKey(collection, phase) + "/" + ref.hash
	if art, ok := h.cache.Get(key); ok {
		return art, nil
	}

	v, err, _ := h.sf.Do(key, func() (interface{}, error) {
		if art, ok := h.cache.Get(key); ok {
			return art, nil
		}
		var art *compiled
		switch ref.kind {
		case kindLua:
			source, err := os.ReadFile(ref.path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", ref.path, err)
			}
			proto, err := h.lua.Compile(string(source), fmt.Sprintf("%s/%s.lua", collection, phase))
			if err != nil {
				return nil, err
			}
			art = &compiled{kind: kindLua, proto: proto}
		case kindNative:
			fn, err := h.native.Compile(ctx, ref.path, ref.hash)
			if err != nil {
				return nil, err
			}
			art = &compiled{kind: kindNative, fn: fn}
		}
		h.cache.Add(key, art)
		h.log.WithFields(logrus.Fields{"collection": collection, "phase": phase, "hash": ref.hash[:12]}).
			Debug("event handler compiled")
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiled), nil
}
