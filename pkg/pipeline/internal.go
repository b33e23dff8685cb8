package pipeline

import (
	"context"
	"net/http"

	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/events"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
)

// internalClient re-enters the pipeline in-process on behalf of a script.
// Calls carry the originating principal, so a script can do no more through
// internal than its caller could over HTTP.
type internalClient struct {
	p         *Pipeline
	principal *auth.Principal
}

func (p *Pipeline) internalFor(principal *auth.Principal) events.InternalClient {
	return &internalClient{p: p, principal: principal}
}

// Internal returns the cross-collection client for a principal. The login
// handler uses a root-elevated one to read password hashes.
func (p *Pipeline) Internal(principal *auth.Principal) events.InternalClient {
	return p.internalFor(principal)
}

func (c *internalClient) request(method, collection, id string, body document.Document, q *query.Query, opts query.Options) *Request {
	url := "/" + collection
	var parts []string
	if id != "" {
		url += "/" + id
		parts = []string{id}
	}
	return &Request{
		Method:     method,
		Collection: collection,
		ID:         id,
		Body:       body,
		Query:      q,
		Options:    opts,
		Principal:  c.principal,
		URL:        url,
		Parts:      parts,
	}
}

func (c *internalClient) Get(ctx context.Context, collection, id string) (document.Document, error) {
	resp, err := c.p.Do(ctx, c.request(http.MethodGet, collection, id, nil, nil, query.Options{}))
	if err != nil {
		return nil, err
	}
	doc, _ := resp.Body.(document.Document)
	return doc, nil
}

func (c *internalClient) Find(ctx context.Context, collection string, filter map[string]interface{}) ([]document.Document, error) {
	if filter == nil {
		filter = map[string]interface{}{}
	}
	q, opts, err := query.ParseRequest(filter, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.p.Do(ctx, c.request(http.MethodGet, collection, "", nil, q, opts))
	if err != nil {
		return nil, err
	}
	docs, _ := resp.Body.([]document.Document)
	return docs, nil
}

func (c *internalClient) Post(ctx context.Context, collection string, doc document.Document) (document.Document, error) {
	resp, err := c.p.Do(ctx, c.request(http.MethodPost, collection, "", doc, nil, query.Options{}))
	if err != nil {
		return nil, err
	}
	created, _ := resp.Body.(document.Document)
	return created, nil
}

func (c *internalClient) Put(ctx context.Context, collection, id string, patch document.Document) (document.Document, error) {
	resp, err := c.p.Do(ctx, c.request(http.MethodPut, collection, id, patch, nil, query.Options{}))
	if err != nil {
		return nil, err
	}
	updated, _ := resp.Body.(document.Document)
	return updated, nil
}

func (c *internalClient) Delete(ctx context.Context, collection, id string) error {
	_, err := c.p.Do(ctx, c.request(http.MethodDelete, collection, id, nil, nil, query.Options{}))
	return err
}

// LoadUser fetches a users document straight from storage, bypassing the
// script phases. The auth middleware uses it to attach context.me; running
// user-collection scripts on every authenticated request would be both
// surprising and slow.
func (p *Pipeline) LoadUser(ctx context.Context, id string) (document.Document, error) {
	doc, err := p.store.FindOne(ctx, schema.UsersName, query.New().WithID(id))
	if err != nil {
		return nil, err
	}
	out := doc.Clone()
	delete(out, "password")
	return out, nil
}

// FindUserByUsername resolves a login attempt to its stored document,
// password hash included. Only the login handler calls it.
func (p *Pipeline) FindUserByUsername(ctx context.Context, username string) (document.Document, error) {
	raw, err := query.Parse(map[string]interface{}{"username": username})
	if err != nil {
		return nil, err
	}
	return p.store.FindOne(ctx, schema.UsersName, raw)
}
