// Package memstore is the in-memory Store implementation. It backs unit
// tests and doubles as the reference semantics for the SQL and document
// backends, since it evaluates the query AST directly.
package memstore

import (
	"context"
	"sync"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

type collection struct {
	docs   map[string]document.Document
	order  []string // insertion order, the backend's natural order
	unique []string
}

// Store is an in-memory document store safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) col(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]document.Document)}
		s.collections[name] = c
	}
	return c
}

// Insert stores a deep copy of doc.
func (s *Store) Insert(ctx context.Context, name string, doc document.Document) (document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := doc.ID()
	if id == "" {
		return nil, apperr.BadRequest("document id missing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(name)
	if _, exists := c.docs[id]; exists {
		return nil, apperr.Conflict("duplicate id %q", id)
	}
	for _, field := range c.unique {
		val, present := doc[field]
		if !present || val == nil {
			continue
		}
		for _, otherID := range c.order {
			if document.Equal(c.docs[otherID][field], val) {
				return nil, apperr.Conflict("duplicate value for unique field %q", field)
			}
		}
	}
	stored := doc.Clone()
	c.docs[id] = stored
	c.order = append(c.order, id)
	return stored.Clone(), nil
}

// Find returns matching documents in insertion order unless sorted.
func (s *Store) Find(ctx context.Context, name string, q *query.Query, opt store.Options) ([]document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := s.match(name, q)
	s.mu.RUnlock()

	store.SortDocuments(matched, opt.Sort)
	matched = store.Window(matched, opt.Skip, opt.Limit)
	out := make([]document.Document, len(matched))
	for i, d := range matched {
		out[i] = opt.Fields.Apply(d.Clone())
	}
	return out, nil
}

// FindOne returns the first match or NotFound.
func (s *Store) FindOne(ctx context.Context, name string, q *query.Query) (document.Document, error) {
	docs, err := s.Find(ctx, name, q, store.Options{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document not found")
	}
	return docs[0], nil
}

// Update merges patch into every match.
func (s *Store) Update(ctx context.Context, name string, q *query.Query, patch document.Document) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(name)

	var ids []string
	for _, id := range c.order {
		if q.Matches(c.docs[id]) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		merged := store.MergePatch(c.docs[id], patch)
		for _, field := range c.unique {
			val, present := merged[field]
			if !present || val == nil {
				continue
			}
			for _, otherID := range c.order {
				if otherID != id && document.Equal(c.docs[otherID][field], val) {
					return 0, apperr.Conflict("duplicate value for unique field %q", field)
				}
			}
		}
		c.docs[id] = merged
	}
	return int64(len(ids)), nil
}

// Remove deletes every match.
func (s *Store) Remove(ctx context.Context, name string, q *query.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(name)

	var kept []string
	var removed int64
	for _, id := range c.order {
		if q.Matches(c.docs[id]) {
			delete(c.docs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return removed, nil
}

// Count returns the number of matches.
func (s *Store) Count(ctx context.Context, name string, q *query.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.match(name, q))), nil
}

// match must be called with at least the read lock held.
func (s *Store) match(name string, q *query.Query) []document.Document {
	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	var out []document.Document
	for _, id := range c.order {
		if q.Matches(c.docs[id]) {
			out = append(out, c.docs[id])
		}
	}
	return out
}

// CreateUniqueIdentifier returns a fresh id.
func (s *Store) CreateUniqueIdentifier() string { return store.NewID() }

// EnsureCollection records the unique constraints for enforcement.
func (s *Store) EnsureCollection(ctx context.Context, col *schema.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col(col.Name).unique = col.UniqueFields()
	return nil
}

// DropCollection discards the collection and its documents.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (s *Store) Close() error { return nil }
