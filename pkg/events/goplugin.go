package events

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// NativeEngine compiles Go event scripts into plugins and loads them into
// the process. Script files declare package main and export
//
//	func Run(ctx *events.Context) error
//
// Compiled plugins are content-addressed by source hash; the Go runtime
// never unloads a plugin, so superseded versions stay mapped until restart,
// which is exactly the retention the in-flight-call rule needs. Handlers
// are invoked concurrently and must be reentrant with respect to their own
// globals.
type NativeEngine struct {
	buildDir   string
	modulePath string
	moduleDir  string
	goBin      string
	log        *logrus.Logger

	mu     sync.Mutex
	loaded map[string]func(*Context) error
}

// NewNativeEngine creates the plugin engine. buildDir receives the .so
// artifacts; modulePath/moduleDir point the generated build module at this
// server's source so the plugin links against identical types.
func NewNativeEngine(buildDir, modulePath, moduleDir string, log *logrus.Logger) *NativeEngine {
	if log == nil {
		log = logrus.New()
	}
	return &NativeEngine{
		buildDir:   buildDir,
		modulePath: modulePath,
		moduleDir:  moduleDir,
		goBin:      "go",
		log:        log,
		loaded:     make(map[string]func(*Context) error),
	}
}

// Compile builds (if needed) and loads the plugin for one script version,
// returning its Run symbol. Loaded symbols are cached by source hash.
func (e *NativeEngine) Compile(ctx context.Context, sourcePath, hash string) (func(*Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn, ok := e.loaded[hash]; ok {
		return fn, nil
	}

	soPath := filepath.Join(e.buildDir, hash+".so")
	if _, err := os.Stat(soPath); err != nil {
		if err := e.build(ctx, sourcePath, soPath); err != nil {
			return nil, err
		}
	}

	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, fmt.Errorf("loading plugin %s: %w", filepath.Base(soPath), err)
	}
	sym, err := p.Lookup("Run")
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", filepath.Base(soPath), err)
	}
	fn, ok := sym.(func(*Context) error)
	if !ok {
		return nil, fmt.Errorf("plugin %s: Run must be func(*events.Context) error", filepath.Base(soPath))
	}
	e.loaded[hash] = fn
	e.log.WithField("plugin", filepath.Base(soPath)).Info("native event handler loaded")
	return fn, nil
}

// build compiles the script in a scratch module that replaces the server
// module with the local source tree.
func (e *NativeEngine) build(ctx context.Context, sourcePath, soPath string) error {
	if err := os.MkdirAll(e.buildDir, 0o755); err != nil {
		return fmt.Errorf("creating plugin build dir: %w", err)
	}
	tmp, err := os.MkdirTemp(e.buildDir, "build-")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "main.go"), source, 0o644); err != nil {
		return err
	}
	gomod := fmt.Sprintf("module anvilscript\n\ngo 1.25\n\nrequire %s v0.0.0\n\nreplace %s => %s\n",
		e.modulePath, e.modulePath, e.moduleDir)
	if err := os.WriteFile(filepath.Join(tmp, "go.mod"), []byte(gomod), 0o644); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"mod", "tidy"},
		{"build", "-buildmode=plugin", "-o", soPath, "."},
	} {
		cmd := exec.CommandContext(ctx, e.goBin, args...)
		cmd.Dir = tmp
		cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("go %s failed for %s: %s", args[0], filepath.Base(sourcePath),
				firstLine(stderr.String()))
		}
	}
	return nil
}

// Invoke calls the handler, bounding it by the context. A handler that
// ignores cancellation leaks its goroutine until it returns; the request
// still fails at the deadline.
func (e *NativeEngine) Invoke(ctx context.Context, fn func(*Context) error, ec *Context) error {
	done := make(chan error, 1)
	go func() {
		done <- callHandler(fn, ec)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func callHandler(fn func(*Context) error, ec *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ec)
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
