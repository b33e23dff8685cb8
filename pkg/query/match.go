package query

import (
	"regexp"
	"time"

	"github.com/platinummonkey/anvil/pkg/document"
)

// Matches evaluates the query against a document in memory. The memory store
// is built on it and the property tests use it as the reference semantics
// for the SQL and document backends.
//
// Missing-field behavior mirrors MongoDB: $ne and $nin match documents where
// the field is absent, every other operator does not. $exists treats an
// explicit null like an absent field, which is the closest the SQL backend
// can get.
func (q *Query) Matches(doc document.Document) bool {
	if q == nil {
		return true
	}
	for i := range q.Conditions {
		if !q.Conditions[i].matches(doc) {
			return false
		}
	}
	for _, sub := range q.And {
		if !sub.Matches(doc) {
			return false
		}
	}
	if len(q.Or) > 0 {
		any := false
		for _, sub := range q.Or {
			if sub.Matches(doc) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func (c *Condition) matches(doc document.Document) bool {
	val, present := doc[c.Field]
	if present && val == nil {
		present = false
	}

	switch c.Op {
	case OpEq:
		return present && equalAligned(val, c.Value)
	case OpNe:
		return !present || !equalAligned(val, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !present {
			return false
		}
		return compareOrdered(c.Op, val, c.Value)
	case OpIn:
		if !present {
			return false
		}
		list, _ := c.Value.([]interface{})
		for _, item := range list {
			if equalAligned(val, item) {
				return true
			}
		}
		return false
	case OpNin:
		if !present {
			return true
		}
		list, _ := c.Value.([]interface{})
		for _, item := range list {
			if equalAligned(val, item) {
				return false
			}
		}
		return true
	case OpExists:
		want, _ := c.Value.(bool)
		return present == want
	case OpRegex:
		if !present {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		re := c.compiled()
		return re != nil && re.MatchString(s)
	default:
		return false
	}
}

// compareOrdered applies an ordering operator. Values that cannot be aligned
// into one comparable family never satisfy an ordering comparison, matching
// what typed SQL columns do.
func compareOrdered(op Op, docVal, queryVal interface{}) bool {
	a, b, ok := alignComparable(docVal, queryVal)
	if !ok {
		return false
	}
	cmp := document.Compare(a, b)
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// alignComparable coerces both sides into one family: numbers, times or
// strings. Schema-coerced date fields are time.Time while query literals
// arrive as RFC 3339 strings, so a time on either side pulls the other
// through document.AsTime.
func alignComparable(a, b interface{}) (interface{}, interface{}, bool) {
	if an, ok := document.AsNumber(a); ok {
		bn, bok := document.AsNumber(b)
		return an, bn, bok
	}
	if _, ok := a.(time.Time); ok {
		at, _ := document.AsTime(a)
		bt, bok := document.AsTime(b)
		return at, bt, bok
	}
	if _, ok := b.(time.Time); ok {
		bt, _ := document.AsTime(b)
		at, aok := document.AsTime(a)
		return at, bt, aok
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as, bs, true
	}
	return nil, nil, false
}

func equalAligned(docVal, queryVal interface{}) bool {
	_, aIsTime := docVal.(time.Time)
	_, bIsTime := queryVal.(time.Time)
	if aIsTime || bIsTime {
		a, b, ok := alignComparable(docVal, queryVal)
		return ok && document.Compare(a, b) == 0
	}
	return document.Equal(docVal, queryVal)
}

func (c *Condition) compiled() *regexp.Regexp {
	if c.re != nil {
		return c.re
	}
	r, ok := c.Value.(Regex)
	if !ok {
		return nil
	}
	pattern := r.Pattern
	if r.Options != "" {
		flags := ""
		for _, f := range r.Options {
			switch f {
			case 'i', 'm', 's':
				flags += string(f)
			}
		}
		if flags != "" {
			pattern = "(?" + flags + ")" + pattern
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	c.re = re
	return re
}
