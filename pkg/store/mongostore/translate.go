package mongostore

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
)

// alwaysFalse is a filter no document satisfies; _id always exists.
var alwaysFalse = bson.M{"_id": bson.M{"$exists": false}}

// mongoField maps the public id field onto _id.
func mongoField(field string) string {
	if field == document.IDField {
		return "_id"
	}
	return field
}

// toFilter translates the query AST to a driver filter. Every condition
// becomes its own clause under $and, so repeated fields never collide.
func toFilter(q *query.Query) (bson.M, error) {
	if q.IsEmpty() {
		return bson.M{}, nil
	}
	var clauses []bson.M
	for i := range q.Conditions {
		cl := condFilter(&q.Conditions[i])
		if cl != nil {
			clauses = append(clauses, cl)
		}
	}
	for _, sub := range q.And {
		f, err := toFilter(sub)
		if err != nil {
			return nil, err
		}
		if len(f) > 0 {
			clauses = append(clauses, f)
		}
	}
	if len(q.Or) > 0 {
		ors := make([]bson.M, 0, len(q.Or))
		for _, sub := range q.Or {
			f, err := toFilter(sub)
			if err != nil {
				return nil, err
			}
			if len(f) == 0 {
				f = bson.M{}
			}
			ors = append(ors, f)
		}
		clauses = append(clauses, bson.M{"$or": ors})
	}
	switch len(clauses) {
	case 0:
		return bson.M{}, nil
	case 1:
		return clauses[0], nil
	default:
		return bson.M{"$and": clauses}, nil
	}
}

// condFilter translates one condition. The shared semantics treat null like
// an absent field, so the null edge cases are pinned here explicitly rather
// than left to MongoDB's null-equivalence rules.
func condFilter(c *query.Condition) bson.M {
	field := mongoField(c.Field)
	switch c.Op {
	case query.OpEq:
		if c.Value == nil {
			// equality on null never matches anywhere else
			return alwaysFalse
		}
		return bson.M{field: bson.M{"$eq": toBSONValue(c.Value)}}
	case query.OpNe:
		if c.Value == nil {
			// never excludes anything
			return nil
		}
		return bson.M{field: bson.M{"$ne": toBSONValue(c.Value)}}
	case query.OpGt, query.OpGte, query.OpLt, query.OpLte:
		if c.Value == nil {
			return alwaysFalse
		}
		return bson.M{field: bson.M{string(c.Op): toBSONValue(c.Value)}}
	case query.OpIn, query.OpNin:
		list, _ := c.Value.([]interface{})
		vals := make([]interface{}, 0, len(list))
		for _, item := range list {
			if item == nil {
				// null entries would pull in or exclude absent fields
				continue
			}
			vals = append(vals, toBSONValue(item))
		}
		if c.Op == query.OpIn {
			if len(vals) == 0 {
				return alwaysFalse
			}
			return bson.M{field: bson.M{"$in": vals}}
		}
		if len(vals) == 0 {
			return nil
		}
		return bson.M{field: bson.M{"$nin": vals}}
	case query.OpExists:
		want, _ := c.Value.(bool)
		if want {
			// present and non-null
			return bson.M{field: bson.M{"$ne": nil}}
		}
		// absent or null
		return bson.M{field: nil}
	case query.OpRegex:
		r, _ := c.Value.(query.Regex)
		return bson.M{field: primitive.Regex{Pattern: r.Pattern, Options: r.Options}}
	default:
		return alwaysFalse
	}
}

// toBSONDoc converts a document for insertion, moving id to _id.
func toBSONDoc(doc document.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if k == document.IDField {
			out["_id"] = v
			continue
		}
		out[k] = toBSONValue(v)
	}
	return out
}

// toBSONValue converts document values into driver-friendly shapes.
func toBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return primitive.NewDateTimeFromTime(t.UTC())
	case document.Document:
		return toBSONDoc(t)
	case map[string]interface{}:
		m := make(bson.M, len(t))
		for k, e := range t {
			m[k] = toBSONValue(e)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = toBSONValue(e)
		}
		return s
	default:
		return v
	}
}

// fromBSONDoc converts a decoded row back to the document shape: _id to id,
// BSON datetimes to time.Time, integers to float64 to match JSON decoding.
func fromBSONDoc(raw bson.M) document.Document {
	doc := make(document.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			if id, ok := v.(string); ok {
				doc[document.IDField] = id
			} else {
				doc[document.IDField] = v
			}
			continue
		}
		doc[k] = fromBSONValue(v)
	}
	return doc
}

func fromBSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.A:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = fromBSONValue(e)
		}
		return s
	case bson.M:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = fromBSONValue(e)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = fromBSONValue(e)
		}
		return m
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
