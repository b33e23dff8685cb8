// Package sqlstore implements the hybrid column/JSON store on SQLite and
// PostgreSQL. Each collection maps to one table holding the full document as
// JSON next to typed columns for the indexed fields of useColumns
// collections. Schema changes are additive only.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
	"github.com/platinummonkey/anvil/pkg/store"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	pingTimeout     = 5 * time.Second
)

// Store is the SQL-backed document store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     *logrus.Logger

	// collection definitions, for column promotion and cast decisions;
	// updated by EnsureCollection
	defs defsMap
}

var _ store.Store = (*Store)(nil)

// Open connects and configures the pool. The caller owns Close.
func Open(dialect Dialect, dsn string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// single writer; WAL readers do not need more
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.StorageUnavailable(err)
	}

	s := NewWithDB(db, dialect, log)
	log.WithFields(logrus.Fields{"dialect": dialect.String()}).Info("sql store connected")
	return s, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, dialect Dialect, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{db: db, dialect: dialect, log: log, defs: newDefsMap()}
}

// CreateUniqueIdentifier returns a fresh id.
func (s *Store) CreateUniqueIdentifier() string { return store.NewID() }

// Ping reports backend health.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.StorageUnavailable(err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Insert writes the document and its promoted column values in one row.
func (s *Store) Insert(ctx context.Context, collection string, doc document.Document) (document.Document, error) {
	if doc.ID() == "" {
		return nil, apperr.BadRequest("document id missing")
	}
	col := s.defs.get(collection)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, apperr.BadRequest("document not serializable: %v", err)
	}

	// bind JSON as text so pq does not ship it as bytea
	columns := []string{"id", "data"}
	args := []interface{}{doc.ID(), string(data)}
	for _, f := range columnFields(col) {
		columns = append(columns, columnName(f))
		args = append(args, s.columnValue(col, f, doc))
	}
	phs := make([]string, len(args))
	for i := range args {
		phs[i] = s.dialect.placeholder(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(collection), strings.Join(quoteAll(columns), ", "), strings.Join(phs, ", "))

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, s.classify(err)
	}
	return doc.Clone(), nil
}

// Find translates the query and scans matching documents.
func (s *Store) Find(ctx context.Context, collection string, q *query.Query, opt store.Options) ([]document.Document, error) {
	col := s.defs.get(collection)
	where, args, err := buildWhere(s.dialect, col, q)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", s.selectList(col), quoteIdent(collection))
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	if ob := orderBy(s.dialect, col, opt.Sort); ob != "" {
		sb.WriteString(" ORDER BY " + ob)
	}
	if opt.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opt.Limit)
	} else if opt.Skip > 0 && s.dialect == SQLite {
		// SQLite requires LIMIT before OFFSET
		sb.WriteString(" LIMIT -1")
	}
	if opt.Skip > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opt.Skip)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var out []document.Document
	for rows.Next() {
		doc, err := s.scanDocument(rows, col)
		if err != nil {
			return nil, err
		}
		out = append(out, opt.Fields.Apply(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err)
	}
	return out, nil
}

// FindOne returns the first match or NotFound.
func (s *Store) FindOne(ctx context.Context, collection string, q *query.Query) (document.Document, error) {
	docs, err := s.Find(ctx, collection, q, store.Options{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, apperr.NotFound("document not found")
	}
	return docs[0], nil
}

// Update merges the patch into each matching row inside one transaction.
func (s *Store) Update(ctx context.Context, collection string, q *query.Query, patch document.Document) (int64, error) {
	col := s.defs.get(collection)
	where, args, err := buildWhere(s.dialect, col, q)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify(err)
	}
	defer tx.Rollback()

	sel := fmt.Sprintf("SELECT %s FROM %s", s.selectList(col), quoteIdent(collection))
	if where != "" {
		sel += " WHERE " + where
	}
	if s.dialect == Postgres {
		sel += " FOR UPDATE"
	}
	rows, err := tx.QueryContext(ctx, sel, args...)
	if err != nil {
		return 0, s.classify(err)
	}
	var matched []document.Document
	for rows.Next() {
		doc, err := s.scanDocument(rows, col)
		if err != nil {
			rows.Close()
			return 0, err
		}
		matched = append(matched, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, s.classify(err)
	}
	rows.Close()

	for _, doc := range matched {
		merged := store.MergePatch(doc, patch)
		if err := s.writeRow(ctx, tx, collection, col, merged); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify(err)
	}
	return int64(len(matched)), nil
}

func (s *Store) writeRow(ctx context.Context, tx *sql.Tx, collection string, col *schema.Collection, doc document.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return apperr.BadRequest("document not serializable: %v", err)
	}
	sets := []string{"data = " + s.dialect.placeholder(1)}
	args := []interface{}{string(data)}
	for _, f := range columnFields(col) {
		args = append(args, s.columnValue(col, f, doc))
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(columnName(f)), s.dialect.placeholder(len(args))))
	}
	args = append(args, doc.ID())
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
		quoteIdent(collection), strings.Join(sets, ", "), s.dialect.placeholder(len(args)))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return s.classify(err)
	}
	return nil
}

// Remove deletes matching rows.
func (s *Store) Remove(ctx context.Context, collection string, q *query.Query) (int64, error) {
	col := s.defs.get(collection)
	where, args, err := buildWhere(s.dialect, col, q)
	if err != nil {
		return 0, err
	}
	stmt := "DELETE FROM " + quoteIdent(collection)
	if where != "" {
		stmt += " WHERE " + where
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, s.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.classify(err)
	}
	return n, nil
}

// Count returns the number of matching rows.
func (s *Store) Count(ctx context.Context, collection string, q *query.Query) (int64, error) {
	col := s.defs.get(collection)
	where, args, err := buildWhere(s.dialect, col, q)
	if err != nil {
		return 0, err
	}
	stmt := "SELECT COUNT(*) FROM " + quoteIdent(collection)
	if where != "" {
		stmt += " WHERE " + where
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, s.classify(err)
	}
	return n, nil
}

// selectList returns the scan columns: id, data, then promoted columns.
func (s *Store) selectList(col *schema.Collection) string {
	cols := []string{"id", "data"}
	for _, f := range columnFields(col) {
		cols = append(cols, columnName(f))
	}
	return strings.Join(quoteAll(cols), ", ")
}

// scanDocument reads one row and overlays promoted column values onto the
// JSON document. Columns win: rows written before a promotion are backfilled
// at DDL time, but an overlay keeps reads correct even mid-migration.
func (s *Store) scanDocument(rows *sql.Rows, col *schema.Collection) (document.Document, error) {
	fields := columnFields(col)
	var id string
	var data []byte
	dest := make([]interface{}, 2+len(fields))
	dest[0] = &id
	dest[1] = &data
	extra := make([]interface{}, len(fields))
	for i := range fields {
		extra[i] = new(interface{})
		dest[2+i] = extra[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, s.classify(err)
	}

	doc := document.Document{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperr.New(apperr.KindInternal, "corrupt document row %q: %v", id, err)
	}
	doc.SetID(id)
	for i, f := range fields {
		raw := *(extra[i].(*interface{}))
		if raw == nil {
			continue
		}
		doc[f] = s.nativeValue(col.Properties[f].Type, raw)
	}
	return doc, nil
}

// nativeValue converts a scanned column value back to the document shape.
func (s *Store) nativeValue(t schema.FieldType, v interface{}) interface{} {
	switch t {
	case schema.TypeNumber:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case []byte:
			if f, err := strconv.ParseFloat(string(n), 64); err == nil {
				return f
			}
		}
	case schema.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b
		case int64:
			return b != 0
		}
	case schema.TypeDate:
		if ts, ok := document.AsTime(stringify(v)); ok {
			return ts
		}
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
	case schema.TypeString:
		return stringify(v)
	}
	return v
}

func stringify(v interface{}) interface{} {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return v
	}
}

// columnValue extracts and converts a document field for its promoted
// column.
func (s *Store) columnValue(col *schema.Collection, field string, doc document.Document) interface{} {
	v, ok := doc[field]
	if !ok || v == nil {
		return nil
	}
	switch col.Properties[field].Type {
	case schema.TypeNumber:
		if n, ok := document.AsNumber(v); ok {
			return n
		}
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return s.dialect.bindValue(b)
		}
	case schema.TypeDate:
		if ts, ok := document.AsTime(v); ok {
			return s.dialect.bindValue(ts)
		}
	case schema.TypeString:
		if str, ok := v.(string); ok {
			return str
		}
	}
	return nil
}

func columnFields(col *schema.Collection) []string {
	if col == nil {
		return nil
	}
	return col.ColumnFields()
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}

// classify maps driver errors onto the shared error kinds.
func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return apperr.Conflict("duplicate value violates a unique constraint")
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return apperr.StorageUnavailable(err)
		}
		return apperr.Wrap(apperr.KindInternal, err, "postgres error")
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrConstraint:
			return apperr.Conflict("duplicate value violates a unique constraint")
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen:
			return apperr.StorageUnavailable(err)
		}
		return apperr.Wrap(apperr.KindInternal, err, "sqlite error")
	}

	if errors.Is(err, driver.ErrBadConn) {
		return apperr.StorageUnavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.StorageUnavailable(err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return apperr.StorageUnavailable(err)
	}
	return apperr.Wrap(apperr.KindInternal, err, "sql error")
}
