package pipeline

import (
	"context"
	"net/http"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/events"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

func (p *Pipeline) doPost(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	data := req.Body.Clone()
	if data == nil {
		data = document.Document{}
	}

	// A client-supplied id is honored for root only; everyone else gets a
	// fresh one, silently.
	if data.ID() == "" || !req.Principal.Root() {
		data.SetID(p.store.CreateUniqueIdentifier())
	}
	id := data.ID()

	now := p.now()
	col.ApplyDefaults(data, now)

	ec := p.scriptContext(req, data)
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}

	normalized, errs := col.ValidateDocument(schema.VerbInsert, ec.Data, req.Principal.Root())
	if len(errs) > 0 && !p.skipScripts(req) {
		return nil, apperr.Validation(errs)
	}
	ec.Data = normalized

	if err := p.runScript(ctx, req, col, events.PhaseValidate, ec); err != nil {
		return nil, err
	}
	if err := p.runScript(ctx, req, col, events.PhasePost, ec); err != nil {
		return nil, err
	}

	// Scripts mutate freely, so coerce once more before persisting; script
	// writes to system fields are trusted.
	doc := ec.Data
	if !p.skipScripts(req) {
		normalized, errs = col.ValidateDocument(schema.VerbInsert, ec.Data, true)
		if len(errs) > 0 {
			return nil, apperr.Validation(errs)
		}
		doc = normalized
	}
	doc.SetID(id)
	for _, f := range ec.Protected() {
		delete(doc, f)
	}
	doc["createdAt"] = now
	doc["updatedAt"] = now
	if err := p.hashPassword(col, doc); err != nil {
		return nil, err
	}

	persisted, err := p.store.Insert(ctx, col.Name, doc)
	if err != nil {
		return nil, err
	}

	ec.Data = persisted.Clone()
	committed := !p.runAfterCommit(ctx, req, col, ec)

	resp := p.respond(ec, http.StatusCreated, p.finalize(col, ec, persisted))
	if committed && is2xx(resp.Status) {
		p.dispatchEvents(col, ActionCreated, persisted, ec)
	}
	return resp, nil
}

func (p *Pipeline) doPut(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	// beforerequest sees the raw patch; the document is not loaded yet.
	ec := p.scriptContext(req, req.Body.Clone())
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}

	existing, err := p.store.FindOne(ctx, col.Name, query.New().WithID(req.ID))
	if err != nil {
		return nil, err
	}

	patch, errs := col.ValidateDocument(schema.VerbUpdate, ec.Data, req.Principal.Root())
	if len(errs) > 0 && !p.skipScripts(req) {
		return nil, apperr.Validation(errs)
	}

	ec.Data = store.MergePatch(existing, patch)
	if err := p.runScript(ctx, req, col, events.PhaseValidate, ec); err != nil {
		return nil, err
	}
	if err := p.runScript(ctx, req, col, events.PhasePut, ec); err != nil {
		return nil, err
	}

	doc := ec.Data
	if !p.skipScripts(req) {
		normalized, errs := col.ValidateDocument(schema.VerbUpdate, ec.Data, true)
		if len(errs) > 0 {
			return nil, apperr.Validation(errs)
		}
		doc = normalized
	}

	// protect() keeps the stored value, whatever the request or the scripts
	// put there.
	for _, f := range ec.Protected() {
		if v, ok := existing[f]; ok {
			doc[f] = v
		} else {
			delete(doc, f)
		}
	}
	doc.SetID(req.ID)
	if v, ok := existing["createdAt"]; ok {
		doc["createdAt"] = v
	}
	doc["updatedAt"] = p.now()
	if col.Name == schema.UsersName {
		if pw, _ := doc["password"].(string); pw != "" && !document.Equal(doc["password"], existing["password"]) {
			if err := p.hashPassword(col, doc); err != nil {
				return nil, err
			}
		}
	}

	n, err := p.store.Update(ctx, col.Name, query.New().WithID(req.ID), doc)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.NotFound("document %s was removed concurrently", req.ID)
	}

	ec.Data = doc.Clone()
	committed := !p.runAfterCommit(ctx, req, col, ec)

	resp := p.respond(ec, http.StatusOK, p.finalize(col, ec, doc))
	if committed && is2xx(resp.Status) {
		p.dispatchEvents(col, ActionUpdated, doc, ec)
	}
	return resp, nil
}

func (p *Pipeline) doDelete(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	ec := p.scriptContext(req, nil)
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}

	existing, err := p.store.FindOne(ctx, col.Name, query.New().WithID(req.ID))
	if err != nil {
		return nil, err
	}

	ec.Data = existing.Clone()
	if err := p.runScript(ctx, req, col, events.PhaseDelete, ec); err != nil {
		return nil, err
	}

	n, err := p.store.Remove(ctx, col.Name, query.New().WithID(req.ID))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, apperr.NotFound("document %s was removed concurrently", req.ID)
	}

	ec.Data = existing.Clone()
	committed := !p.runAfterCommit(ctx, req, col, ec)

	resp := p.respond(ec, http.StatusNoContent, nil)
	if committed && is2xx(resp.Status) {
		p.dispatchEvents(col, ActionDeleted, existing, ec)
	}
	return resp, nil
}

// doNoStore serves event-only collections: no load, no validation, no
// storage. The phase script's setResult is the response.
func (p *Pipeline) doNoStore(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	ec := p.scriptContext(req, req.Body.Clone())
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}
	if phase, ok := events.PhaseForMethod(req.Method); ok {
		if err := p.runScript(ctx, req, col, phase, ec); err != nil {
			return nil, err
		}
	}
	committed := !p.runAfterCommit(ctx, req, col, ec)

	body, ok := ec.Result()
	if !ok {
		body = map[string]interface{}{}
	}
	resp := p.respond(ec, http.StatusOK, body)
	if committed && is2xx(resp.Status) && p.emitter != nil {
		for _, e := range ec.Emits() {
			p.emitter.Emit(e.Event, e.Data, e.Room)
		}
	}
	return resp, nil
}

// hashPassword bcrypt-hashes the password field on users documents. Other
// collections pass through untouched.
func (p *Pipeline) hashPassword(col *schema.Collection, doc document.Document) error {
	if col.Name != schema.UsersName {
		return nil
	}
	pw, _ := doc["password"].(string)
	if pw == "" {
		return nil
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "hashing password")
	}
	doc["password"] = hash
	return nil
}
