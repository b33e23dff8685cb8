package pipeline

import (
	"context"
	"net/http"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/events"
	"github.com/platinummonkey/anvil/pkg/schema"
)

func (p *Pipeline) doGetOne(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	ec := p.scriptContext(req, nil)
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}

	doc, err := p.store.FindOne(ctx, col.Name, req.Query.WithID(req.ID))
	if err != nil {
		return nil, err
	}

	ec.Data = doc.Clone()
	if err := p.runScript(ctx, req, col, events.PhaseGet, ec); err != nil {
		return nil, err
	}

	// hide() strips after the projection so a projected-in field can still
	// be withheld.
	body := p.finalize(col, ec, req.Options.Fields.Apply(ec.Data))
	return p.respond(ec, http.StatusOK, body), nil
}

func (p *Pipeline) doList(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	ec := p.scriptContext(req, nil)
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}

	docs, err := p.store.Find(ctx, col.Name, req.Query, storeOptions(req.Options))
	if err != nil {
		return nil, err
	}

	runGet := p.host != nil && !p.skipScripts(req) && p.host.HasHandler(col.Name, events.PhaseGet)
	out := make([]document.Document, 0, len(docs))
	for _, doc := range docs {
		if !runGet {
			out = append(out, p.finalize(col, ec, doc))
			continue
		}
		// Each document gets its own context so one cancel() cannot poison
		// the rest of the page.
		docEC := p.scriptContext(req, doc.Clone())
		if err := p.host.Run(ctx, col.Name, events.PhaseGet, docEC); err != nil {
			if apperr.Is(err, apperr.KindScriptTimeout) {
				return nil, err
			}
			// A cancel in the get handler filters the document out.
			continue
		}
		final := p.finalize(col, docEC, docEC.Data)
		for _, f := range ec.Hidden() {
			delete(final, f)
		}
		out = append(out, final)
	}
	return p.respond(ec, http.StatusOK, out), nil
}

func (p *Pipeline) doCount(ctx context.Context, col *schema.Collection, req *Request) (*Response, error) {
	ec := p.scriptContext(req, nil)
	if err := p.runScript(ctx, req, col, events.PhaseBeforeRequest, ec); err != nil {
		return nil, err
	}
	n, err := p.store.Count(ctx, col.Name, req.Query)
	if err != nil {
		return nil, err
	}
	return p.respond(ec, http.StatusOK, map[string]interface{}{"count": n}), nil
}
