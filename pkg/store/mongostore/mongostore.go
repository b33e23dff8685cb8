// Package mongostore implements the document store on MongoDB. Queries pass
// through almost one to one; the work here is id mapping (id <-> _id), value
// normalization between BSON and the JSON document shapes, and aligning the
// few operators whose missing-field behavior differs from the shared
// semantics.
package mongostore

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

const connectTimeout = 10 * time.Second

// Store is the MongoDB-backed document store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the deployment and verifies it with a ping.
func Open(ctx context.Context, uri, dbName string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	// Decode embedded documents as bson.M instead of bson.D so values line
	// up with the JSON decoder's shapes.
	reg := bson.NewRegistry()
	reg.RegisterTypeMapEntry(bson.TypeEmbeddedDocument, reflect.TypeOf(bson.M{}))

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(reg))
	if err != nil {
		return nil, apperr.StorageUnavailable(err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.StorageUnavailable(err)
	}

	log.WithField("database", dbName).Info("document store connected")
	return &Store{client: client, db: client.Database(dbName), log: log}, nil
}

// CreateUniqueIdentifier returns a fresh id.
func (s *Store) CreateUniqueIdentifier() string { return store.NewID() }

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperr.StorageUnavailable(err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Insert writes the document with id stored as _id.
func (s *Store) Insert(ctx context.Context, collection string, doc document.Document) (document.Document, error) {
	if doc.ID() == "" {
		return nil, apperr.BadRequest("document id missing")
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, toBSONDoc(doc)); err != nil {
		return nil, s.classify(err)
	}
	return doc.Clone(), nil
}

// Find runs the translated filter with sort, skip and limit pushed down.
func (s *Store) Find(ctx context.Context, collection string, q *query.Query, opt store.Options) ([]document.Document, error) {
	filter, err := toFilter(q)
	if err != nil {
		return nil, err
	}
	findOpts := options.Find()
	if len(opt.Sort) > 0 {
		sortDoc := bson.D{}
		for _, k := range opt.Sort {
			dir := 1
			if k.Desc {
				dir = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: mongoField(k.Field), Value: dir})
		}
		findOpts.SetSort(sortDoc)
	}
	if opt.Skip > 0 {
		findOpts.SetSkip(opt.Skip)
	}
	if opt.Limit > 0 {
		findOpts.SetLimit(opt.Limit)
	}

	cur, err := s.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, s.classify(err)
	}
	defer cur.Close(ctx)

	var out []document.Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, s.classify(err)
		}
		out = append(out, opt.Fields.Apply(fromBSONDoc(raw)))
	}
	if err := cur.Err(); err != nil {
		return nil, s.classify(err)
	}
	return out, nil
}

// FindOne returns the first match or NotFound.
func (s *Store) FindOne(ctx context.Context, collection string, q *query.Query) (document.Document, error) {
	filter, err := toFilter(q)
	if err != nil {
		return nil, err
	}
	var raw bson.M
	if err := s.db.Collection(collection).FindOne(ctx, filter).Decode(&raw); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperr.NotFound("document not found")
		}
		return nil, s.classify(err)
	}
	return fromBSONDoc(raw), nil
}

// Update applies the patch as a $set, which is exactly the shallow merge the
// other backends implement.
func (s *Store) Update(ctx context.Context, collection string, q *query.Query, patch document.Document) (int64, error) {
	filter, err := toFilter(q)
	if err != nil {
		return 0, err
	}
	set := bson.M{}
	for k, v := range patch {
		if k == document.IDField {
			continue
		}
		set[k] = toBSONValue(v)
	}
	if len(set) == 0 {
		n, err := s.Count(ctx, collection, q)
		return n, err
	}
	res, err := s.db.Collection(collection).UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, s.classify(err)
	}
	return res.MatchedCount, nil
}

// Remove deletes every match.
func (s *Store) Remove(ctx context.Context, collection string, q *query.Query) (int64, error) {
	filter, err := toFilter(q)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, s.classify(err)
	}
	return res.DeletedCount, nil
}

// Count returns the number of matches.
func (s *Store) Count(ctx context.Context, collection string, q *query.Query) (int64, error) {
	filter, err := toFilter(q)
	if err != nil {
		return 0, err
	}
	n, err := s.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, s.classify(err)
	}
	return n, nil
}

// EnsureCollection creates the declared indexes. Collections themselves
// appear on first write.
func (s *Store) EnsureCollection(ctx context.Context, col *schema.Collection) error {
	var models []mongo.IndexModel
	for _, field := range col.IndexedFields() {
		f := col.Properties[field]
		opts := options.Index()
		if f.Unique {
			// sparse so absent fields do not collide, matching the SQL
			// expression indexes which skip NULLs
			opts.SetUnique(true).SetSparse(true)
		}
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: mongoField(field), Value: 1}},
			Options: opts,
		})
	}
	if len(models) == 0 {
		return nil
	}
	_, err := s.db.Collection(col.Name).Indexes().CreateMany(ctx, models)
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// DropCollection removes the collection and its documents.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if err := s.db.Collection(name).Drop(ctx); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return apperr.Conflict("duplicate value violates a unique constraint")
	case mongo.IsNetworkError(err), mongo.IsTimeout(err), errors.Is(err, mongo.ErrClientDisconnected):
		return apperr.StorageUnavailable(err)
	}
	return apperr.Wrap(apperr.KindInternal, err, "mongodb error")
}
