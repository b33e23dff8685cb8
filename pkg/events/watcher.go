package events

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/schema"
)

// Watcher keeps the running server in sync with the resources directory:
// edited config.json files reload their collection definition, edited
// script files invalidate the host's resolution memo, and new collection
// directories start being watched. External edits take effect without a
// restart, same as edits made through the admin API.
type Watcher struct {
	registry *schema.Registry
	host     *Host
	log      *logrus.Logger

	fw   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates a watcher over the registry's resources directory and
// every collection subdirectory in it.
func NewWatcher(registry *schema.Registry, host *Host, log *logrus.Logger) (*Watcher, error) {
	if log == nil {
		log = logrus.New()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		registry: registry,
		host:     host,
		log:      log,
		fw:       fw,
		done:     make(chan struct{}),
	}
	if err := w.addTree(registry.Dir()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes filesystem events until Close. Call it on its own
// goroutine.
func (w *Watcher) Run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("resource watcher error")
		}
	}
}

// Close stops the watcher and waits for Run to return.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	// New collection directories need their own watch.
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.fw.Add(event.Name); err != nil {
				w.log.WithError(err).WithField("dir", event.Name).Warn("watching new collection dir")
			}
			return
		}
	}

	collection, file, ok := w.split(event.Name)
	if !ok {
		return
	}

	switch {
	case file == schema.ConfigFileName:
		if err := w.registry.Reload(collection); err != nil && !os.IsNotExist(err) {
			w.log.WithError(err).WithField("collection", collection).Warn("reloading collection definition")
		} else {
			w.log.WithField("collection", collection).Info("collection definition reloaded")
		}
	case strings.HasSuffix(file, ".lua") || strings.HasSuffix(file, ".go"):
		phase := Phase(strings.TrimSuffix(strings.TrimSuffix(file, ".lua"), ".go"))
		w.host.Invalidate(collection, phase)
		w.log.WithFields(logrus.Fields{"collection": collection, "script": file}).Debug("event handler invalidated")
	}
}

// split maps an absolute event path to (collection, filename). Events at
// the resources root or deeper than one level are ignored.
func (w *Watcher) split(path string) (collection, file string, ok bool) {
	rel, err := filepath.Rel(w.registry.Dir(), path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// addTree watches dir and its immediate subdirectories.
func (w *Watcher) addTree(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	if err := w.fw.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.fw.Add(filepath.Join(root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
