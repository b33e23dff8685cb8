// Package query parses MongoDB-style filter objects into a small AST that
// every storage backend consumes: the memory store evaluates it directly,
// the SQL store translates it to WHERE clauses and the document store maps
// it to driver filters. Parsing is strict: unknown $-operators are rejected
// so the backends never see shapes they cannot translate.
package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/platinummonkey/anvil/pkg/apperr"
)

// Op is a comparison operator.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpExists Op = "$exists"
	OpRegex  Op = "$regex"
)

var comparisonOps = map[string]Op{
	"$eq": OpEq, "$ne": OpNe,
	"$gt": OpGt, "$gte": OpGte, "$lt": OpLt, "$lte": OpLte,
	"$in": OpIn, "$nin": OpNin,
	"$exists": OpExists, "$regex": OpRegex,
}

// Regex carries a $regex pattern with its optional $options flags. Flags are
// honored by the in-memory matcher and the document backend; the SQL
// translator rejects them.
type Regex struct {
	Pattern string
	Options string
}

// Condition is one field comparison.
type Condition struct {
	Field string
	Op    Op
	Value interface{} // Regex for OpRegex, []interface{} for OpIn/OpNin, bool for OpExists

	re *regexp.Regexp // lazily compiled for Matches
}

// Query is a parsed filter. All parts conjoin: every Condition, every And
// subquery and at least one Or subquery (when present) must hold.
type Query struct {
	Conditions []Condition
	And        []*Query
	Or         []*Query

	raw map[string]interface{}
}

// New returns an empty query matching every document.
func New() *Query { return &Query{} }

// Parse builds a Query from a decoded filter object. Control keys ($sort,
// $limit and friends) must be split off beforehand; see ParseRequest.
func Parse(raw map[string]interface{}) (*Query, error) {
	q, err := parseLevel(raw)
	if err != nil {
		return nil, err
	}
	q.raw = raw
	return q, nil
}

func parseLevel(raw map[string]interface{}) (*Query, error) {
	q := &Query{}
	fields := make([]string, 0, len(raw))
	for k := range raw {
		fields = append(fields, k)
	}
	// Deterministic condition order keeps generated SQL stable.
	sort.Strings(fields)

	for _, field := range fields {
		value := raw[field]
		switch field {
		case "$and", "$or":
			subs, err := parseBoolList(field, value)
			if err != nil {
				return nil, err
			}
			if field == "$and" {
				q.And = append(q.And, subs...)
			} else {
				q.Or = append(q.Or, subs...)
			}
		default:
			if strings.HasPrefix(field, "$") {
				return nil, apperr.BadRequest("unknown query operator %q", field)
			}
			conds, err := parseFieldConditions(field, value)
			if err != nil {
				return nil, err
			}
			q.Conditions = append(q.Conditions, conds...)
		}
	}
	return q, nil
}

func parseBoolList(op string, value interface{}) ([]*Query, error) {
	list, ok := value.([]interface{})
	if !ok || len(list) == 0 {
		return nil, apperr.BadRequest("%s expects a non-empty array of filters", op)
	}
	subs := make([]*Query, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, apperr.BadRequest("%s entries must be filter objects", op)
		}
		sub, err := parseLevel(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseFieldConditions(field string, value interface{}) ([]Condition, error) {
	obj, ok := value.(map[string]interface{})
	if !ok || !isOperatorObject(obj) {
		// Bare value, including nested plain objects, means equality.
		return []Condition{{Field: field, Op: OpEq, Value: value}}, nil
	}

	ops := make([]string, 0, len(obj))
	for k := range obj {
		ops = append(ops, k)
	}
	sort.Strings(ops)

	var regexOptions string
	if v, ok := obj["$options"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, apperr.BadRequest("%s: $options must be a string", field)
		}
		if _, hasRegex := obj["$regex"]; !hasRegex {
			return nil, apperr.BadRequest("%s: $options requires $regex", field)
		}
		regexOptions = s
	}

	conds := make([]Condition, 0, len(ops))
	for _, opName := range ops {
		if opName == "$options" {
			continue
		}
		op, known := comparisonOps[opName]
		if !known {
			return nil, apperr.BadRequest("unknown query operator %q on field %q", opName, field)
		}
		opValue := obj[opName]
		switch op {
		case OpIn, OpNin:
			if _, ok := opValue.([]interface{}); !ok {
				return nil, apperr.BadRequest("%s: %s expects an array", field, opName)
			}
		case OpExists:
			b, ok := opValue.(bool)
			if !ok {
				return nil, apperr.BadRequest("%s: $exists expects a boolean", field)
			}
			opValue = b
		case OpRegex:
			pat, ok := opValue.(string)
			if !ok {
				return nil, apperr.BadRequest("%s: $regex expects a string pattern", field)
			}
			opValue = Regex{Pattern: pat, Options: regexOptions}
		}
		conds = append(conds, Condition{Field: field, Op: op, Value: opValue})
	}
	return conds, nil
}

// isOperatorObject reports whether the object is an operator set rather than
// a literal nested document. Mixing operators with plain keys is rejected by
// parseFieldConditions via the unknown-operator path.
func isOperatorObject(obj map[string]interface{}) bool {
	for k := range obj {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the query matches everything.
func (q *Query) IsEmpty() bool {
	return q == nil || (len(q.Conditions) == 0 && len(q.And) == 0 && len(q.Or) == 0)
}

// Raw returns the original filter object, for exposure to event scripts.
// Callers must not mutate it.
func (q *Query) Raw() map[string]interface{} {
	if q == nil || q.raw == nil {
		return map[string]interface{}{}
	}
	return q.raw
}

// IDEquals reports whether the query is exactly one equality on the id
// field, the fast path every backend special-cases.
func (q *Query) IDEquals() (string, bool) {
	if q == nil || len(q.Conditions) != 1 || len(q.And) != 0 || len(q.Or) != 0 {
		return "", false
	}
	c := q.Conditions[0]
	if c.Field != "id" || c.Op != OpEq {
		return "", false
	}
	id, ok := c.Value.(string)
	return id, ok
}

// WithID returns a copy of the query with an id equality conjoined. Used for
// /collection/{id} routes where a body filter may also be present.
func (q *Query) WithID(id string) *Query {
	out := &Query{raw: q.Raw()}
	if q != nil {
		out.Conditions = append(out.Conditions, q.Conditions...)
		out.And = q.And
		out.Or = q.Or
	}
	out.Conditions = append(out.Conditions, Condition{Field: "id", Op: OpEq, Value: id})
	return out
}

// UsesRegexOptions reports whether any $regex in the tree carries flags.
// The SQL backend refuses those.
func (q *Query) UsesRegexOptions() bool {
	if q == nil {
		return false
	}
	for _, c := range q.Conditions {
		if r, ok := c.Value.(Regex); ok && r.Options != "" {
			return true
		}
	}
	for _, sub := range q.And {
		if sub.UsesRegexOptions() {
			return true
		}
	}
	for _, sub := range q.Or {
		if sub.UsesRegexOptions() {
			return true
		}
	}
	return false
}

func (c *Condition) String() string {
	b, _ := json.Marshal(map[string]interface{}{c.Field: map[string]interface{}{string(c.Op): c.Value}})
	return string(b)
}

func (q *Query) String() string {
	if q.IsEmpty() {
		return "{}"
	}
	parts := make([]string, 0, len(q.Conditions)+2)
	for i := range q.Conditions {
		parts = append(parts, q.Conditions[i].String())
	}
	if len(q.And) > 0 {
		parts = append(parts, fmt.Sprintf("$and(%d)", len(q.And)))
	}
	if len(q.Or) > 0 {
		parts = append(parts, fmt.Sprintf("$or(%d)", len(q.Or)))
	}
	return strings.Join(parts, " ")
}
