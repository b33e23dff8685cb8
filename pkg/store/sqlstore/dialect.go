package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/anvil/pkg/schema"
)

// Dialect selects the SQL flavor.
type Dialect int

const (
	// SQLite stores documents in a TEXT column read through json_extract.
	SQLite Dialect = iota
	// Postgres stores documents in a JSONB column read through ->>.
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// DriverName returns the database/sql driver to open.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// placeholder renders the n-th bind parameter (1-based).
func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// dataColumnType is the type of the JSON document column.
func (d Dialect) dataColumnType() string {
	if d == Postgres {
		return "JSONB"
	}
	return "TEXT"
}

// columnType maps a declared field type to a native column type for
// promoted columns.
func (d Dialect) columnType(t schema.FieldType) string {
	switch t {
	case schema.TypeNumber:
		if d == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case schema.TypeBoolean:
		if d == Postgres {
			return "BOOLEAN"
		}
		return "INTEGER"
	case schema.TypeDate:
		if d == Postgres {
			return "TIMESTAMPTZ"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

// jsonExpr renders the expression extracting a field from the document
// column.
func (d Dialect) jsonExpr(field string) string {
	if d == Postgres {
		return fmt.Sprintf("data->>'%s'", field)
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// castJSONExpr wraps a JSON extraction with the cast needed for typed
// comparison. SQLite's json_extract already yields dynamic types.
func (d Dialect) castJSONExpr(field string, t schema.FieldType) string {
	expr := d.jsonExpr(field)
	if d != Postgres {
		return expr
	}
	switch t {
	case schema.TypeNumber:
		return "(" + expr + ")::numeric"
	case schema.TypeBoolean:
		return "(" + expr + ")::boolean"
	case schema.TypeDate:
		return "(" + expr + ")::timestamptz"
	default:
		return expr
	}
}

// bindValue converts a document value to its driver form. SQLite gets
// RFC 3339 strings for times so comparisons line up with the JSON text.
func (d Dialect) bindValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok && d == SQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	if d == SQLite {
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
	}
	return v
}

// quoteIdent quotes a table or column identifier. Names are validated
// upstream; quoting guards against keywords.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// columnName is the promoted column for a declared field. The prefix keeps
// user fields from colliding with the id and data columns.
func columnName(field string) string { return "f_" + field }
