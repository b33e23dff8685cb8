// Package events is the script host. Each collection may bind a handler to
// any lifecycle phase, written either in Lua (run on an embedded VM) or in
// Go (compiled to a plugin and loaded into the process). Both flavors see
// the same Context API; the pipeline never knows which engine ran.
package events

import (
	"context"
	"strings"

	"github.com/platinummonkey/anvil/pkg/document"
)

// Phase is a lifecycle hook point.
type Phase string

const (
	PhaseValidate      Phase = "validate"
	PhaseBeforeRequest Phase = "beforerequest"
	PhaseGet           Phase = "get"
	PhasePost          Phase = "post"
	PhasePut           Phase = "put"
	PhaseDelete        Phase = "delete"
	PhaseAfterCommit   Phase = "aftercommit"
)

// Phases lists every phase, in pipeline order.
func Phases() []Phase {
	return []Phase{
		PhaseValidate, PhaseBeforeRequest,
		PhaseGet, PhasePost, PhasePut, PhaseDelete,
		PhaseAfterCommit,
	}
}

// PhaseForMethod maps an HTTP method to its phase script.
func PhaseForMethod(method string) (Phase, bool) {
	switch strings.ToUpper(method) {
	case "GET":
		return PhaseGet, true
	case "POST":
		return PhasePost, true
	case "PUT":
		return PhasePut, true
	case "DELETE":
		return PhaseDelete, true
	default:
		return "", false
	}
}

// InternalClient lets scripts call other collections without going through
// HTTP. The pipeline implements it; calls re-enter the pipeline on the same
// goroutine with the caller's principal.
type InternalClient interface {
	Get(ctx context.Context, collection, id string) (document.Document, error)
	Find(ctx context.Context, collection string, filter map[string]interface{}) ([]document.Document, error)
	Post(ctx context.Context, collection string, doc document.Document) (document.Document, error)
	Put(ctx context.Context, collection, id string, patch document.Document) (document.Document, error)
	Delete(ctx context.Context, collection, id string) error
}

// Emit is a real-time event scheduled by a script. The pipeline queues
// emits and dispatches them only after a successful commit.
type Emit struct {
	Event string
	Data  interface{}
	Room  string // empty means broadcast
}
