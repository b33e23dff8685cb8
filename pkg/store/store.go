// Package store defines the persistence contract the collection pipeline
// talks to. Three implementations ship: the in-memory store (tests and
// ephemeral collections), the hybrid SQL store (SQLite and PostgreSQL) and
// the document store (MongoDB). All of them consume the query AST and are
// expected to agree on results for the supported operator set.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
)

// Options carry the non-matching request controls.
type Options struct {
	Sort   []query.SortField
	Limit  int64 // 0 means unlimited
	Skip   int64
	Fields document.Projection
}

// Store is the persistence interface. Implementations map their native
// failures onto apperr kinds: NotFound, Conflict and StorageUnavailable are
// the ones callers branch on.
type Store interface {
	// Insert persists a new document. The id must already be set; a
	// duplicate id or unique-field violation returns a Conflict error.
	Insert(ctx context.Context, collection string, doc document.Document) (document.Document, error)

	// Find returns every matching document with options applied.
	Find(ctx context.Context, collection string, q *query.Query, opt Options) ([]document.Document, error)

	// FindOne returns the first matching document or a NotFound error.
	FindOne(ctx context.Context, collection string, q *query.Query) (document.Document, error)

	// Update merges patch into every matching document and reports how many
	// were written. The id field cannot be changed.
	Update(ctx context.Context, collection string, q *query.Query, patch document.Document) (int64, error)

	// Remove deletes every matching document and reports how many went.
	Remove(ctx context.Context, collection string, q *query.Query) (int64, error)

	// Count returns the number of matching documents.
	Count(ctx context.Context, collection string, q *query.Query) (int64, error)

	// CreateUniqueIdentifier returns a fresh document id.
	CreateUniqueIdentifier() string

	// EnsureCollection synchronizes backend structures (tables, indexes)
	// with a definition. Called at boot and after admin schema changes.
	EnsureCollection(ctx context.Context, col *schema.Collection) error

	// DropCollection removes a collection and all its documents.
	DropCollection(ctx context.Context, name string) error

	// Ping reports backend health.
	Ping(ctx context.Context) error

	Close() error
}

// NewID returns the canonical 32-character hex document id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// MergePatch applies a shallow merge of patch onto doc, protecting the id
// field. Shared by backends that merge in process.
func MergePatch(doc, patch document.Document) document.Document {
	out := doc.Clone()
	for k, v := range patch {
		if k == document.IDField {
			continue
		}
		out[k] = v
	}
	return out
}

// SortDocuments orders docs in place by the given sort keys using the
// document value ordering. Equal documents keep their original order.
func SortDocuments(docs []document.Document, keys []query.SortField) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			cmp := document.Compare(docs[i][k.Field], docs[j][k.Field])
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Window applies skip and limit to an already-sorted slice.
func Window(docs []document.Document, skip, limit int64) []document.Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}
