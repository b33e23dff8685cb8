package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
)

func mustParse(t *testing.T, src string) *Query {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(src), &raw))
	q, err := Parse(raw)
	require.NoError(t, err)
	return q
}

func TestParseBareValueIsEquality(t *testing.T) {
	q := mustParse(t, `{"done": true, "owner": "ann"}`)

	require.Len(t, q.Conditions, 2)
	// parse orders conditions by field name
	assert.Equal(t, Condition{Field: "done", Op: OpEq, Value: true}, q.Conditions[0])
	assert.Equal(t, Condition{Field: "owner", Op: OpEq, Value: "ann"}, q.Conditions[1])
}

func TestParseOperatorObject(t *testing.T) {
	q := mustParse(t, `{"qty": {"$gte": 2, "$lt": 10}}`)

	require.Len(t, q.Conditions, 2)
	assert.Equal(t, OpGte, q.Conditions[0].Op)
	assert.Equal(t, OpLt, q.Conditions[1].Op)
}

func TestParseNestedPlainObjectIsLiteral(t *testing.T) {
	q := mustParse(t, `{"meta": {"color": "red"}}`)

	require.Len(t, q.Conditions, 1)
	assert.Equal(t, OpEq, q.Conditions[0].Op)
}

func TestParseBoolOperators(t *testing.T) {
	q := mustParse(t, `{"$or": [{"a": 1}, {"b": 2}], "$and": [{"c": 3}]}`)

	assert.Len(t, q.Or, 2)
	assert.Len(t, q.And, 1)
	assert.Empty(t, q.Conditions)
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"a": {"$near": 1}}`), &raw))
	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	require.NoError(t, json.Unmarshal([]byte(`{"$where": "x"}`), &raw))
	_, err = Parse(raw)
	assert.Error(t, err)
}

func TestParseValidatesOperandShapes(t *testing.T) {
	for _, src := range []string{
		`{"a": {"$in": 5}}`,
		`{"a": {"$exists": "yes"}}`,
		`{"a": {"$regex": 7}}`,
		`{"a": {"$options": "i"}}`,
		`{"$or": []}`,
		`{"$and": "nope"}`,
	} {
		var raw map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(src), &raw))
		_, err := Parse(raw)
		assert.Error(t, err, src)
	}
}

func TestParseRegexWithOptions(t *testing.T) {
	q := mustParse(t, `{"name": {"$regex": "^a", "$options": "i"}}`)

	require.Len(t, q.Conditions, 1)
	assert.Equal(t, Regex{Pattern: "^a", Options: "i"}, q.Conditions[0].Value)
	assert.True(t, q.UsesRegexOptions())

	plain := mustParse(t, `{"name": {"$regex": "^a"}}`)
	assert.False(t, plain.UsesRegexOptions())
}

func TestIDEquals(t *testing.T) {
	id, ok := mustParse(t, `{"id": "abc123"}`).IDEquals()
	assert.True(t, ok)
	assert.Equal(t, "abc123", id)

	_, ok = mustParse(t, `{"id": "abc123", "done": true}`).IDEquals()
	assert.False(t, ok)
	_, ok = mustParse(t, `{"id": {"$ne": "abc"}}`).IDEquals()
	assert.False(t, ok)
	_, ok = New().IDEquals()
	assert.False(t, ok)
}

func TestWithID(t *testing.T) {
	q := mustParse(t, `{"done": true}`).WithID("x9")

	assert.Len(t, q.Conditions, 2)
	assert.True(t, q.Matches(document.Document{"id": "x9", "done": true}))
	assert.False(t, q.Matches(document.Document{"id": "x9", "done": false}))
	assert.False(t, q.Matches(document.Document{"id": "other", "done": true}))
}

func TestMatchesOperatorMatrix(t *testing.T) {
	doc := document.Document{
		"id":    "a1",
		"title": "grocery run",
		"qty":   float64(4),
		"done":  false,
		"tags":  []interface{}{"home", "errand"},
	}

	cases := []struct {
		filter string
		want   bool
	}{
		{`{"qty": 4}`, true},
		{`{"qty": {"$eq": 4}}`, true},
		{`{"qty": {"$ne": 4}}`, false},
		{`{"qty": {"$ne": 5}}`, true},
		{`{"missing": {"$ne": 5}}`, true},
		{`{"qty": {"$gt": 3}}`, true},
		{`{"qty": {"$gt": 4}}`, false},
		{`{"qty": {"$gte": 4}}`, true},
		{`{"qty": {"$lt": 5}}`, true},
		{`{"qty": {"$lte": 3}}`, false},
		{`{"missing": {"$gt": 1}}`, false},
		{`{"qty": {"$gt": "3"}}`, false},
		{`{"qty": {"$in": [1, 4, 9]}}`, true},
		{`{"qty": {"$in": [1, 9]}}`, false},
		{`{"missing": {"$in": [1]}}`, false},
		{`{"qty": {"$nin": [1, 9]}}`, true},
		{`{"qty": {"$nin": [4]}}`, false},
		{`{"missing": {"$nin": [1]}}`, true},
		{`{"title": {"$exists": true}}`, true},
		{`{"missing": {"$exists": true}}`, false},
		{`{"missing": {"$exists": false}}`, true},
		{`{"title": {"$regex": "^groc"}}`, true},
		{`{"title": {"$regex": "^GROC"}}`, false},
		{`{"title": {"$regex": "^GROC", "$options": "i"}}`, true},
		{`{"qty": {"$regex": "4"}}`, false},
		{`{"$or": [{"qty": 9}, {"done": false}]}`, true},
		{`{"$or": [{"qty": 9}, {"done": true}]}`, false},
		{`{"$and": [{"qty": 4}, {"done": false}]}`, true},
		{`{"$and": [{"qty": 4}, {"done": true}]}`, false},
		{`{"qty": {"$gte": 2, "$lt": 4}}`, false},
		{`{"qty": {"$gte": 2, "$lte": 4}}`, true},
		{`{}`, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mustParse(t, tc.filter).Matches(doc), tc.filter)
	}
}

func TestMatchesNullValueTreatedAsAbsent(t *testing.T) {
	doc := document.Document{"id": "a1", "note": nil}

	assert.False(t, mustParse(t, `{"note": {"$exists": true}}`).Matches(doc))
	assert.True(t, mustParse(t, `{"note": {"$exists": false}}`).Matches(doc))
}
