package sqlstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/anvil/pkg/schema"
)

// defsMap caches collection definitions for cast and promotion decisions.
type defsMap struct {
	mu sync.RWMutex
	m  map[string]*schema.Collection
}

func newDefsMap() defsMap {
	return defsMap{m: make(map[string]*schema.Collection)}
}

func (d *defsMap) get(name string) *schema.Collection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.m[name]
}

func (d *defsMap) put(col *schema.Collection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[col.Name] = col
}

func (d *defsMap) drop(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, name)
}

// EnsureCollection creates the table if needed and synchronizes promoted
// columns and indexes with the definition. Columns are only ever added;
// SQLite cannot drop or retype columns in place, so removals just stop
// being written.
func (s *Store) EnsureCollection(ctx context.Context, col *schema.Collection) error {
	table := quoteIdent(col.Name)
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data %s NOT NULL)",
		table, s.dialect.dataColumnType())
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return s.classify(err)
	}

	existing, err := s.tableColumns(ctx, col.Name)
	if err != nil {
		return err
	}
	for _, field := range col.ColumnFields() {
		cname := columnName(field)
		if existing[cname] {
			continue
		}
		fieldType := col.Properties[field].Type
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			table, quoteIdent(cname), s.dialect.columnType(fieldType))
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return s.classify(err)
		}
		// backfill from the JSON written before the promotion
		backfill := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s IS NULL",
			table, quoteIdent(cname), s.dialect.castJSONExpr(field, fieldType), quoteIdent(cname))
		if _, err := s.db.ExecContext(ctx, backfill); err != nil {
			return s.classify(err)
		}
		s.log.WithFields(logrus.Fields{
			"collection": col.Name,
			"column":     cname,
		}).Info("promoted field to typed column")
	}

	if err := s.ensureIndexes(ctx, col); err != nil {
		return err
	}
	s.defs.put(col)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context, col *schema.Collection) error {
	table := quoteIdent(col.Name)
	promoted := map[string]bool{}
	for _, f := range col.ColumnFields() {
		promoted[f] = true
	}
	for _, field := range col.IndexedFields() {
		unique := col.Properties[field].Unique
		kind, prefix := "INDEX", "idx"
		if unique {
			kind, prefix = "UNIQUE INDEX", "uniq"
		}
		name := quoteIdent(fmt.Sprintf("%s_%s_%s", prefix, col.Name, field))

		var target string
		if promoted[field] {
			target = quoteIdent(columnName(field))
		} else {
			// expression index over the JSON document
			target = "(" + s.dialect.jsonExpr(field) + ")"
		}
		stmt := fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, name, table, target)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.classify(err)
		}
	}
	return nil
}

// DropCollection removes the table and every document in it.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return s.classify(err)
	}
	s.defs.drop(name)
	return nil
}

// tableColumns returns the existing column names of a table.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	var stmt string
	var args []interface{}
	if s.dialect == Postgres {
		stmt = "SELECT column_name FROM information_schema.columns WHERE table_name = $1"
		args = []interface{}{table}
	} else {
		stmt = "SELECT name FROM pragma_table_info(?)"
		args = []interface{}{table}
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, s.classify(err)
		}
		out[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err)
	}
	return out, nil
}
