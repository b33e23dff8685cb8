// Package pipeline is the request state machine behind every collection
// route. One Do call runs a request through parse, authorization, the
// script phases, storage and response assembly; the HTTP layer only decodes
// the request and renders what comes back.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/events"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

// Emitter receives the real-time events a committed request produces. The
// hub implements it; a nil emitter disables delivery.
type Emitter interface {
	EmitCollectionChange(collection, action string, doc interface{})
	Emit(event string, data interface{}, room string)
}

// Collection-change actions, mirrored in the room protocol.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Request is one decoded collection operation.
type Request struct {
	Method     string // GET, POST, PUT or DELETE
	Collection string
	ID         string // set for /{collection}/{id} routes
	Count      bool   // set for GET /{collection}/count

	// Body is the decoded JSON body for POST and PUT, already stripped of
	// control keys.
	Body document.Document
	// Query is the parsed filter; never nil.
	Query *query.Query
	// Options carries $sort, $limit, $skip, $fields, $skipEvents and
	// $forceMongo.
	Options query.Options

	Principal *auth.Principal
	Headers   http.Header

	// URL is the collection-relative path and Parts its segments after the
	// collection name; both are surfaced to scripts verbatim.
	URL   string
	Parts []string
}

// Response is the assembled result of a successful request. A nil Body with
// status 204 renders as an empty response.
type Response struct {
	Status  int
	Body    interface{}
	Headers http.Header
}

// Config wires a Pipeline.
type Config struct {
	Store    store.Store
	Registry *schema.Registry
	Host     *events.Host // nil disables scripts
	Emitter  Emitter      // nil disables real-time events
	Log      *logrus.Logger
	// Production suppresses the script log() helper.
	Production bool
	// MongoCapable marks the document backend: $forceMongo passes through
	// and $regex options are supported.
	MongoCapable bool
}

// Pipeline executes collection requests against one storage backend.
type Pipeline struct {
	store        store.Store
	registry     *schema.Registry
	host         *events.Host
	emitter      Emitter
	log          *logrus.Logger
	production   bool
	mongoCapable bool

	now func() time.Time
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = logrus.New()
	}
	return &Pipeline{
		store:        cfg.Store,
		registry:     cfg.Registry,
		host:         cfg.Host,
		emitter:      cfg.Emitter,
		log:          log,
		production:   cfg.Production,
		mongoCapable: cfg.MongoCapable,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Do runs one request to completion and returns the response or the
// classified error the HTTP layer renders.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	col, ok := p.registry.Get(req.Collection)
	if !ok {
		return nil, apperr.NotFound("collection %s does not exist", req.Collection)
	}
	if req.Query == nil {
		req.Query = query.New()
	}
	if !p.mongoCapable {
		if req.Options.ForceMongo {
			return nil, apperr.Unsupported("$forceMongo requires the document backend")
		}
		if req.Query.UsesRegexOptions() {
			return nil, apperr.Unsupported("$regex $options are not supported on the SQL backend")
		}
	}

	if col.NoStore {
		return p.doNoStore(ctx, col, req)
	}

	switch req.Method {
	case http.MethodGet:
		if req.Count {
			return p.doCount(ctx, col, req)
		}
		if req.ID != "" {
			return p.doGetOne(ctx, col, req)
		}
		return p.doList(ctx, col, req)
	case http.MethodPost:
		return p.doPost(ctx, col, req)
	case http.MethodPut:
		return p.doPut(ctx, col, req)
	case http.MethodDelete:
		return p.doDelete(ctx, col, req)
	default:
		return nil, apperr.BadRequest("method %s is not supported", req.Method)
	}
}

// skipScripts reports whether $skipEvents applies: the flag is honored for
// root only and silently ignored otherwise.
func (p *Pipeline) skipScripts(req *Request) bool {
	return req.Options.SkipEvents && req.Principal.Root()
}

// scriptContext builds the shared per-request script context.
func (p *Pipeline) scriptContext(req *Request, data document.Document) *events.Context {
	if data == nil {
		data = document.Document{}
	}
	return events.NewContext(events.ContextConfig{
		Data:           data,
		Query:          req.Query.Raw(),
		Me:             req.Principal.Me(),
		IsRoot:         req.Principal.Root(),
		Method:         req.Method,
		URL:            req.URL,
		Parts:          req.Parts,
		Internal:       p.internalFor(req.Principal),
		RequestHeaders: req.Headers,
		Log:            p.log,
		DebugLogs:      !p.production,
	})
}

// runScript executes one phase unless scripts are disabled or skipped.
func (p *Pipeline) runScript(ctx context.Context, req *Request, col *schema.Collection, phase events.Phase, ec *events.Context) error {
	if p.host == nil || p.skipScripts(req) {
		return nil
	}
	return p.host.Run(ctx, col.Name, phase, ec)
}

// runAfterCommit runs the aftercommit phase. A commit cannot be rolled
// back, so failures are logged and reported as a flag: the response still
// reflects the committed state but no events go out.
func (p *Pipeline) runAfterCommit(ctx context.Context, req *Request, col *schema.Collection, ec *events.Context) (failed bool) {
	err := p.runScript(ctx, req, col, events.PhaseAfterCommit, ec)
	if err != nil {
		p.log.WithError(err).WithField("collection", col.Name).Warn("aftercommit handler failed after commit")
		return true
	}
	return false
}

// dispatchEvents sends the collection-change event and any script emits.
// Called only after a successful commit with a 2xx response.
func (p *Pipeline) dispatchEvents(col *schema.Collection, action string, doc document.Document, ec *events.Context) {
	if p.emitter == nil {
		return
	}
	p.emitter.EmitCollectionChange(col.Name, action, p.finalize(col, ec, doc))
	for _, e := range ec.Emits() {
		p.emitter.Emit(e.Event, e.Data, e.Room)
	}
}

// finalize prepares a document for the outside world: hide() fields and,
// for the users collection, the password hash are stripped from a copy.
func (p *Pipeline) finalize(col *schema.Collection, ec *events.Context, doc document.Document) document.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	if ec != nil {
		for _, f := range ec.Hidden() {
			delete(out, f)
		}
	}
	if col.Name == schema.UsersName {
		delete(out, "password")
	}
	return out
}

// respond assembles the final response, honoring the script status, header
// and body overrides.
func (p *Pipeline) respond(ec *events.Context, status int, body interface{}) *Response {
	resp := &Response{Status: status, Body: body, Headers: http.Header{}}
	if ec != nil {
		if v, ok := ec.ResponseData(); ok {
			resp.Body = v
			if resp.Status == http.StatusNoContent {
				resp.Status = http.StatusOK
			}
		}
		if n := ec.StatusCode(); n != 0 {
			resp.Status = n
		}
		for k, vs := range ec.Headers() {
			for _, v := range vs {
				resp.Headers.Add(k, v)
			}
		}
	}
	return resp
}

func is2xx(status int) bool { return status >= 200 && status < 300 }

func storeOptions(o query.Options) store.Options {
	return store.Options{Sort: o.Sort, Limit: o.Limit, Skip: o.Skip, Fields: o.Fields}
}
