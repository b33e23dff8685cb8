package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// ConfigFileName is the per-collection definition file.
const ConfigFileName = "config.json"

// Registry loads and persists collection definitions from a resources
// directory, one subdirectory per collection:
//
//	resources/todos/config.json
//	resources/todos/validate.lua
//	resources/todos/post.go
//
// Reads are served from memory; writes go through an atomic rename and are
// serialized per collection.
type Registry struct {
	dir string
	log *logrus.Logger

	mu    sync.RWMutex
	items map[string]*Collection

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewRegistry creates a registry rooted at dir. The directory is created on
// first save if missing.
func NewRegistry(dir string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		dir:   dir,
		log:   log,
		items: make(map[string]*Collection),
		locks: make(map[string]*sync.Mutex),
	}
}

// Dir returns the resources root.
func (r *Registry) Dir() string { return r.dir }

// ConfigPath returns the config.json location for a collection.
func (r *Registry) ConfigPath(name string) string {
	return filepath.Join(r.dir, name, ConfigFileName)
}

// ScriptPath returns the location of a phase script with the given
// extension (".lua" or ".go").
func (r *Registry) ScriptPath(name, phase, ext string) string {
	return filepath.Join(r.dir, name, phase+ext)
}

// Load scans the resources directory and replaces the in-memory set.
// Invalid definitions are skipped with a warning so one bad file does not
// keep the server down.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return fmt.Errorf("reading resources dir: %w", err)
		}
	}

	items := make(map[string]*Collection, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		col, err := r.readConfig(name)
		if err != nil {
			r.log.WithError(err).WithField("collection", name).Warn("skipping collection with unreadable config")
			continue
		}
		if col == nil {
			continue
		}
		items[name] = col
	}

	if _, ok := items[UsersName]; !ok {
		items[UsersName] = UsersCollection()
	}

	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	r.log.WithField("collections", len(items)).Info("collection definitions loaded")
	return nil
}

func (r *Registry) readConfig(name string) (*Collection, error) {
	data, err := os.ReadFile(r.ConfigPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // directory without config.json, e.g. scratch space
		}
		return nil, err
	}
	col := &Collection{Name: name}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(col); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", ConfigFileName, err)
	}
	col.Name = name
	if col.Properties == nil {
		col.Properties = map[string]Field{}
	}
	if name == UsersName {
		mergeUserBuiltins(col)
	}
	if err := col.Validate(); err != nil {
		return nil, err
	}
	return col, nil
}

// mergeUserBuiltins overlays the implicit users fields onto a persisted
// definition. Built-in fields always win so authentication cannot be
// misconfigured away.
func mergeUserBuiltins(col *Collection) {
	for name, f := range UsersCollection().Properties {
		col.Properties[name] = f
	}
}

// Get returns a collection definition by name.
func (r *Registry) Get(name string) (*Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	col, ok := r.items[name]
	return col, ok
}

// All returns the definitions sorted by name.
func (r *Registry) All() []*Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Collection, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Save validates and persists a definition, then updates the in-memory set.
func (r *Registry) Save(col *Collection) error {
	if col.Name == UsersName {
		mergeUserBuiltins(col)
	}
	if err := col.Validate(); err != nil {
		return err
	}

	lock := r.lockFor(col.Name)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(r.dir, col.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating collection dir: %w", err)
	}
	data, err := col.MarshalConfig()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(r.ConfigPath(col.Name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", ConfigFileName, err)
	}

	r.mu.Lock()
	r.items[col.Name] = col
	r.mu.Unlock()
	return nil
}

// Delete removes a collection definition and its scripts from disk and
// memory. The users collection cannot be deleted.
func (r *Registry) Delete(name string) error {
	if name == UsersName {
		return fmt.Errorf("the %s collection cannot be deleted", UsersName)
	}
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	_, existed := r.items[name]
	delete(r.items, name)
	r.mu.Unlock()
	if !existed {
		return os.ErrNotExist
	}

	if err := os.RemoveAll(filepath.Join(r.dir, name)); err != nil {
		return fmt.Errorf("removing collection dir: %w", err)
	}
	return nil
}

// Reload re-reads one collection from disk. Used by the file watcher; a
// removed or broken config drops the collection (users falls back to the
// implicit definition).
func (r *Registry) Reload(name string) error {
	col, err := r.readConfig(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		delete(r.items, name)
	case col == nil:
		delete(r.items, name)
	default:
		r.items[name] = col
	}
	if _, ok := r.items[UsersName]; !ok {
		r.items[UsersName] = UsersCollection()
	}
	return err
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}
