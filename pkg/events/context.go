package events

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
)

// Context is the sandbox handed to every script invocation. Scripts
// influence the request exclusively through it: mutating Data, accumulating
// field errors, canceling, and the response helpers. One Context lives for
// one pipeline request and is shared by its phases, so an error accumulated
// in validate is still visible when the pipeline responds.
type Context struct {
	// Data is the document being operated on. Mutations propagate to
	// storage (insert/update) and to the response.
	Data document.Document
	// Query is the request filter, read-only for scripts.
	Query map[string]interface{}
	// Me is the authenticated users document, nil for root and anonymous.
	Me document.Document
	// IsRoot marks master-key callers.
	IsRoot bool

	Method string
	// URL is the collection-relative path, e.g. "/todos/abc123".
	URL string
	// Parts are the path segments after the collection name.
	Parts []string

	// Internal calls other collections in-process.
	Internal InternalClient

	log        *logrus.Logger
	debugLogs  bool
	reqCtx     context.Context
	reqHeaders http.Header

	fieldErrors  map[string]string
	hidden       []string
	protected    []string
	canceled     bool
	cancelMsg    string
	cancelStatus int
	emits        []Emit

	result       interface{}
	resultSet    bool
	responseData interface{}
	responseSet  bool
	statusCode   int
	headers      http.Header
}

// ContextConfig carries the request-scoped wiring for a new Context.
type ContextConfig struct {
	Data     document.Document
	Query    map[string]interface{}
	Me       document.Document
	IsRoot   bool
	Method   string
	URL      string
	Parts    []string
	Internal InternalClient

	RequestHeaders http.Header
	Log            *logrus.Logger
	// DebugLogs enables the script log() helper; production turns it off.
	DebugLogs bool
}

// NewContext builds the script context for one request.
func NewContext(cfg ContextConfig) *Context {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	return &Context{
		Data:       cfg.Data,
		Query:      cfg.Query,
		Me:         cfg.Me,
		IsRoot:     cfg.IsRoot,
		Method:     cfg.Method,
		URL:        cfg.URL,
		Parts:      cfg.Parts,
		Internal:   cfg.Internal,
		log:        log,
		debugLogs:  cfg.DebugLogs,
		reqCtx:     context.Background(),
		reqHeaders: cfg.RequestHeaders,
		headers:    http.Header{},
	}
}

// RequestContext returns the deadline-carrying context of the current
// invocation. Native handlers use it to honor cancellation.
func (c *Context) RequestContext() context.Context { return c.reqCtx }

func (c *Context) setRequestContext(ctx context.Context) { c.reqCtx = ctx }

// Log writes a structured debug line. Suppressed in production.
func (c *Context) Log(msg string, kv map[string]interface{}) {
	if !c.debugLogs {
		return
	}
	entry := c.log.WithField("source", "script")
	if len(kv) > 0 {
		entry = entry.WithFields(logrus.Fields(kv))
	}
	entry.Debug(msg)
}

// Error accumulates a validation error for a field. The pipeline responds
// 400 with every accumulated error.
func (c *Context) Error(field, message string) {
	if c.fieldErrors == nil {
		c.fieldErrors = make(map[string]string)
	}
	c.fieldErrors[field] = message
}

// HasErrors reports whether any field errors were accumulated.
func (c *Context) HasErrors() bool { return len(c.fieldErrors) > 0 }

// FieldErrors returns the accumulated field errors, nil when clean.
func (c *Context) FieldErrors() map[string]string { return c.fieldErrors }

// Hide strips a field from the response. Applied after projection.
func (c *Context) Hide(field string) { c.hidden = append(c.hidden, field) }

// Hidden lists the fields hidden so far.
func (c *Context) Hidden() []string { return c.hidden }

// Protect strips a field from the document before persistence; an existing
// stored value survives.
func (c *Context) Protect(field string) { c.protected = append(c.protected, field) }

// Protected lists the fields protected so far.
func (c *Context) Protected() []string { return c.protected }

// Cancel aborts the pipeline with the given message and HTTP status.
// Status 0 defaults to 400.
func (c *Context) Cancel(message string, status int) {
	if c.canceled {
		return
	}
	c.canceled = true
	c.cancelMsg = message
	c.cancelStatus = status
}

// Canceled returns the cancel state.
func (c *Context) Canceled() (message string, status int, ok bool) {
	return c.cancelMsg, c.cancelStatus, c.canceled
}

// Emit schedules a real-time event, delivered only if the commit succeeds.
func (c *Context) Emit(event string, data interface{}, room string) {
	c.emits = append(c.emits, Emit{Event: event, Data: data, Room: room})
}

// Emits returns the scheduled events.
func (c *Context) Emits() []Emit { return c.emits }

// SetResult sets the whole response body. Store-less collections answer
// through it.
func (c *Context) SetResult(v interface{}) {
	c.result = v
	c.resultSet = true
}

// Result returns the value set by SetResult.
func (c *Context) Result() (interface{}, bool) { return c.result, c.resultSet }

// SetResponseData replaces the response body after commit without touching
// what was persisted or emitted.
func (c *Context) SetResponseData(v interface{}) {
	c.responseData = v
	c.responseSet = true
}

// ResponseData returns the value set by SetResponseData.
func (c *Context) ResponseData() (interface{}, bool) { return c.responseData, c.responseSet }

// SetStatusCode overrides the response status.
func (c *Context) SetStatusCode(n int) { c.statusCode = n }

// StatusCode returns the override, 0 when unset.
func (c *Context) StatusCode() int { return c.statusCode }

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) { c.headers.Set(key, value) }

// Headers returns the response headers set by scripts.
func (c *Context) Headers() http.Header { return c.headers }

// GetHeader reads a request header.
func (c *Context) GetHeader(key string) string {
	if c.reqHeaders == nil {
		return ""
	}
	return c.reqHeaders.Get(key)
}

// Err folds the accumulated script state into the pipeline error model:
// field errors win, then cancel. Returns nil when the script finished
// cleanly.
func (c *Context) Err() error {
	if c.HasErrors() {
		return apperr.Validation(c.fieldErrors)
	}
	if c.canceled {
		return apperr.Canceled(c.cancelMsg, c.cancelStatus)
	}
	return nil
}
