// Package document defines the schemaless document envelope moved between
// the HTTP surface, event scripts and storage backends, together with the
// small set of value utilities (deep copy, projection, ordering) the rest of
// the system shares.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// IDField is the reserved primary key field present on every stored document.
const IDField = "id"

// Document is a JSON object. Values are the encoding/json runtime shapes
// (string, float64, bool, nil, map[string]interface{}, []interface{}) plus
// time.Time for schema-coerced dates.
type Document map[string]interface{}

// ID returns the document id, or "" when unset or not a string.
func (d Document) ID() string {
	v, ok := d[IDField].(string)
	if !ok {
		return ""
	}
	return v
}

// SetID stores the id field.
func (d Document) SetID(id string) { d[IDField] = id }

// Clone returns a deep copy. Scripts receive clones so a canceled request
// never leaves partial mutations behind.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Document:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Keys returns the field names in sorted order. Used by tests and logging.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON renders the document for logs and tests.
func (d Document) JSON() string {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(d))
	}
	return string(b)
}

// Projection selects fields for a response. Inclusion and exclusion are
// mutually exclusive; the id field is always kept.
type Projection struct {
	Include []string
	Exclude []string
}

// IsZero reports whether no projection was requested.
func (p Projection) IsZero() bool {
	return len(p.Include) == 0 && len(p.Exclude) == 0
}

// Apply returns a copy of doc with the projection applied. A zero projection
// returns the document unchanged (not copied).
func (p Projection) Apply(doc Document) Document {
	if p.IsZero() || doc == nil {
		return doc
	}
	if len(p.Include) > 0 {
		out := make(Document, len(p.Include)+1)
		if id, ok := doc[IDField]; ok {
			out[IDField] = id
		}
		for _, f := range p.Include {
			if v, ok := doc[f]; ok {
				out[f] = v
			}
		}
		return out
	}
	out := doc.Clone()
	for _, f := range p.Exclude {
		if f == IDField {
			continue
		}
		delete(out, f)
	}
	return out
}

// Compare orders two document values. Numbers order numerically, strings
// lexically, bools false<true, times chronologically; nil sorts first.
// Values of different families order by family (nil < bool < number <
// string < time < other) so sorting mixed data stays stable.
func Compare(a, b interface{}) int {
	fa, fb := family(a), family(b)
	if fa != fb {
		if fa < fb {
			return -1
		}
		return 1
	}
	switch fa {
	case famNil:
		return 0
	case famBool:
		ab, bb := a.(bool), b.(bool)
		if ab == bb {
			return 0
		}
		if !ab {
			return -1
		}
		return 1
	case famNumber:
		an, _ := AsNumber(a)
		bn, _ := AsNumber(b)
		if an < bn {
			return -1
		}
		if an > bn {
			return 1
		}
		return 0
	case famTime:
		at, _ := AsTime(a)
		bt, _ := AsTime(b)
		if at.Before(bt) {
			return -1
		}
		if at.After(bt) {
			return 1
		}
		return 0
	case famString:
		return strings.Compare(a.(string), b.(string))
	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

const (
	famNil = iota
	famBool
	famNumber
	famString
	famTime
	famOther
)

func family(v interface{}) int {
	switch v.(type) {
	case nil:
		return famNil
	case bool:
		return famBool
	case float64, float32, int, int32, int64, json.Number:
		return famNumber
	case time.Time:
		return famTime
	case string:
		return famString
	default:
		return famOther
	}
}

// AsNumber converts the numeric runtime shapes to float64.
func AsNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// AsTime converts a time.Time or an RFC 3339 string to a UTC time.
func AsTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// Equal reports deep equality under Compare semantics for scalars and
// structural equality for objects and arrays.
func Equal(a, b interface{}) bool {
	fa, fb := family(a), family(b)
	if fa != fb {
		return false
	}
	switch fa {
	case famOther:
		switch at := a.(type) {
		case []interface{}:
			bt, ok := b.([]interface{})
			if !ok || len(at) != len(bt) {
				return false
			}
			for i := range at {
				if !Equal(at[i], bt[i]) {
					return false
				}
			}
			return true
		case map[string]interface{}:
			bt, ok := b.(map[string]interface{})
			if !ok || len(at) != len(bt) {
				return false
			}
			for k, av := range at {
				bv, ok := bt[k]
				if !ok || !Equal(av, bv) {
					return false
				}
			}
			return true
		default:
			return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
		}
	default:
		return Compare(a, b) == 0
	}
}
