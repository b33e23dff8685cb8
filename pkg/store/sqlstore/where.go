package sqlstore

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
)

// builder translates a query AST into a parameterized WHERE clause.
type builder struct {
	d    Dialect
	col  *schema.Collection
	cols map[string]bool // promoted column fields
	args []interface{}
}

func newBuilder(d Dialect, col *schema.Collection) *builder {
	b := &builder{d: d, col: col, cols: map[string]bool{}}
	if col != nil {
		for _, f := range col.ColumnFields() {
			b.cols[f] = true
		}
	}
	return b
}

// buildWhere renders the clause without the leading WHERE keyword. An empty
// string means the query matches everything.
func buildWhere(d Dialect, col *schema.Collection, q *query.Query) (string, []interface{}, error) {
	b := newBuilder(d, col)
	clause, err := b.queryClause(q)
	if err != nil {
		return "", nil, err
	}
	return clause, b.args, nil
}

func (b *builder) queryClause(q *query.Query) (string, error) {
	if q.IsEmpty() {
		return "", nil
	}
	var parts []string
	for i := range q.Conditions {
		p, err := b.condClause(&q.Conditions[i])
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	for _, sub := range q.And {
		p, err := b.queryClause(sub)
		if err != nil {
			return "", err
		}
		if p != "" {
			parts = append(parts, "("+p+")")
		}
	}
	if len(q.Or) > 0 {
		var ors []string
		for _, sub := range q.Or {
			p, err := b.queryClause(sub)
			if err != nil {
				return "", err
			}
			if p == "" {
				p = "1=1"
			}
			ors = append(ors, "("+p+")")
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(parts, " AND "), nil
}

func (b *builder) condClause(c *query.Condition) (string, error) {
	expr, fieldType := b.fieldExpr(c.Field, c.Value)

	switch c.Op {
	case query.OpEq:
		return fmt.Sprintf("%s = %s", expr, b.bind(fieldType, c.Value)), nil
	case query.OpNe:
		ph := b.bind(fieldType, c.Value)
		return fmt.Sprintf("(%s IS NULL OR %s != %s)", expr, expr, ph), nil
	case query.OpGt:
		return fmt.Sprintf("%s > %s", expr, b.bind(fieldType, c.Value)), nil
	case query.OpGte:
		return fmt.Sprintf("%s >= %s", expr, b.bind(fieldType, c.Value)), nil
	case query.OpLt:
		return fmt.Sprintf("%s < %s", expr, b.bind(fieldType, c.Value)), nil
	case query.OpLte:
		return fmt.Sprintf("%s <= %s", expr, b.bind(fieldType, c.Value)), nil
	case query.OpIn, query.OpNin:
		list, _ := c.Value.([]interface{})
		if len(list) == 0 {
			if c.Op == query.OpIn {
				return "1=0", nil
			}
			return "1=1", nil
		}
		phs := make([]string, len(list))
		for i, item := range list {
			phs[i] = b.bind(fieldType, item)
		}
		set := strings.Join(phs, ", ")
		if c.Op == query.OpIn {
			return fmt.Sprintf("%s IN (%s)", expr, set), nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, set), nil
	case query.OpExists:
		want, _ := c.Value.(bool)
		if want {
			return fmt.Sprintf("%s IS NOT NULL", b.d.jsonExpr(c.Field)), nil
		}
		return fmt.Sprintf("%s IS NULL", b.d.jsonExpr(c.Field)), nil
	case query.OpRegex:
		return b.regexClause(c)
	default:
		return "", apperr.Unsupported("operator %s is not translatable to SQL", c.Op)
	}
}

// regexClause lowers a $regex to a wildcard match. ^ and $ anchors keep
// their anchoring; everything between them matches as literal substring
// text, with escaped punctuation resolved. Flags and class escapes like
// \d have no literal reading and send the client to the document backend.
func (b *builder) regexClause(c *query.Condition) (string, error) {
	r, _ := c.Value.(query.Regex)
	if r.Options != "" {
		return "", apperr.Unsupported("$regex flags are not supported on the SQL backend")
	}
	raw := r.Pattern
	prefix := strings.HasPrefix(raw, "^")
	raw = strings.TrimPrefix(raw, "^")
	suffix := strings.HasSuffix(raw, "$") && !strings.HasSuffix(raw, `\$`)
	if suffix {
		raw = strings.TrimSuffix(raw, "$")
	}
	pat, err := regexLiteral(raw)
	if err != nil {
		return "", err
	}

	// field expression without casts: pattern match is textual
	expr := b.d.jsonExpr(c.Field)
	if b.cols[c.Field] {
		expr = quoteIdent(columnName(c.Field))
	}

	if b.d == SQLite {
		// GLOB is case sensitive, matching the regex semantics of the
		// other backends. LIKE in SQLite is not.
		glob := globEscape(pat)
		switch {
		case prefix && suffix:
		case prefix:
			glob += "*"
		case suffix:
			glob = "*" + glob
		default:
			glob = "*" + glob + "*"
		}
		return fmt.Sprintf("%s GLOB %s", expr, b.bindRaw(glob)), nil
	}

	like := likeEscape(pat)
	switch {
	case prefix && suffix:
	case prefix:
		like += "%"
	case suffix:
		like = "%" + like
	default:
		like = "%" + like + "%"
	}
	return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", expr, b.bindRaw(like)), nil
}

// regexLiteral resolves backslash escapes so the pattern text can be
// matched verbatim. Escaped punctuation becomes the character itself;
// class escapes (\d, \w, \s and friends) stay rejected.
func regexLiteral(pat string) (string, error) {
	if !strings.ContainsRune(pat, '\\') {
		return pat, nil
	}
	var out strings.Builder
	for i := 0; i < len(pat); i++ {
		ch := pat[i]
		if ch != '\\' {
			out.WriteByte(ch)
			continue
		}
		i++
		if i >= len(pat) {
			return "", apperr.Unsupported("$regex pattern ends in a bare backslash")
		}
		esc := pat[i]
		if esc >= 'a' && esc <= 'z' || esc >= 'A' && esc <= 'Z' || esc >= '0' && esc <= '9' {
			return "", apperr.Unsupported(`$regex class escape \%c is not translatable to SQL`, esc)
		}
		out.WriteByte(esc)
	}
	return out.String(), nil
}

func globEscape(s string) string {
	s = strings.ReplaceAll(s, "[", "[[]")
	s = strings.ReplaceAll(s, "*", "[*]")
	s = strings.ReplaceAll(s, "?", "[?]")
	return s
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// fieldExpr picks the promoted column or the JSON extraction for a field
// and reports the type used for casting and value binding.
func (b *builder) fieldExpr(field string, value interface{}) (string, schema.FieldType) {
	fieldType := b.declaredType(field)
	if fieldType == "" {
		fieldType = inferType(value)
	}
	if field == document.IDField {
		return quoteIdent("id"), schema.TypeString
	}
	if b.cols[field] {
		return quoteIdent(columnName(field)), fieldType
	}
	return b.d.castJSONExpr(field, fieldType), fieldType
}

func (b *builder) declaredType(field string) schema.FieldType {
	if b.col == nil {
		return ""
	}
	f, ok := b.col.Properties[field]
	if !ok {
		return ""
	}
	return f.Type
}

func inferType(v interface{}) schema.FieldType {
	switch v.(type) {
	case bool:
		return schema.TypeBoolean
	case float64, float32, int, int32, int64:
		return schema.TypeNumber
	case string:
		return schema.TypeString
	case []interface{}:
		// $in/$nin lists: look at the first element
		list := v.([]interface{})
		if len(list) > 0 {
			return inferType(list[0])
		}
	}
	return schema.TypeString
}

// bind registers a value converted for the field type and returns its
// placeholder.
func (b *builder) bind(t schema.FieldType, v interface{}) string {
	if t == schema.TypeDate {
		if ts, ok := document.AsTime(v); ok {
			v = ts
		}
	}
	return b.bindRaw(b.d.bindValue(v))
}

func (b *builder) bindRaw(v interface{}) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

// orderBy renders an ORDER BY clause body for the sort keys. Postgres
// defaults put NULLs opposite to SQLite and the in-memory ordering, so the
// placement is forced there.
func orderBy(d Dialect, col *schema.Collection, keys []query.SortField) string {
	if len(keys) == 0 {
		return ""
	}
	b := newBuilder(d, col)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		expr, _ := b.fieldExpr(k.Field, nil)
		dir := "ASC"
		nulls := ""
		if k.Desc {
			dir = "DESC"
		}
		if d == Postgres {
			if k.Desc {
				nulls = " NULLS LAST"
			} else {
				nulls = " NULLS FIRST"
			}
		}
		parts = append(parts, expr+" "+dir+nulls)
	}
	return strings.Join(parts, ", ")
}
