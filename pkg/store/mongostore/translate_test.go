package mongostore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/platinummonkey/anvil/pkg/document"
	"github.com/platinummonkey/anvil/pkg/query"
)

func parseQ(t *testing.T, src string) *query.Query {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(src), &raw))
	q, err := query.Parse(raw)
	require.NoError(t, err)
	return q
}

func TestToFilterBasics(t *testing.T) {
	f, err := toFilter(parseQ(t, `{"done": true}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"done": bson.M{"$eq": true}}, f)

	f, err = toFilter(parseQ(t, `{"id": "a1"}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": bson.M{"$eq": "a1"}}, f)

	f, err = toFilter(query.New())
	require.NoError(t, err)
	assert.Equal(t, bson.M{}, f)
}

func TestToFilterMultipleConditionsUseAnd(t *testing.T) {
	f, err := toFilter(parseQ(t, `{"qty": {"$gte": 2, "$lt": 9}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": []bson.M{
		{"qty": bson.M{"$gte": float64(2)}},
		{"qty": bson.M{"$lt": float64(9)}},
	}}, f)
}

func TestToFilterOr(t *testing.T) {
	f, err := toFilter(parseQ(t, `{"$or": [{"a": 1}, {"b": 2}]}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": []bson.M{
		{"a": bson.M{"$eq": float64(1)}},
		{"b": bson.M{"$eq": float64(2)}},
	}}, f)
}

func TestToFilterRegexPassThrough(t *testing.T) {
	f, err := toFilter(parseQ(t, `{"name": {"$regex": "^a", "$options": "i"}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"name": primitive.Regex{Pattern: "^a", Options: "i"}}, f)
}

func TestToFilterExistsSemantics(t *testing.T) {
	f, err := toFilter(parseQ(t, `{"note": {"$exists": true}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"note": bson.M{"$ne": nil}}, f)

	f, err = toFilter(parseQ(t, `{"note": {"$exists": false}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"note": nil}, f)
}

func TestToFilterNullEdgeCases(t *testing.T) {
	// equality on null matches nothing anywhere, so the filter must too
	f, err := toFilter(parseQ(t, `{"note": null}`))
	require.NoError(t, err)
	assert.Equal(t, alwaysFalse, f)

	// $ne null excludes nothing
	f, err = toFilter(parseQ(t, `{"note": {"$ne": null}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{}, f)

	// null entries are stripped from $in lists
	f, err = toFilter(parseQ(t, `{"n": {"$in": [1, null]}}`))
	require.NoError(t, err)
	assert.Equal(t, bson.M{"n": bson.M{"$in": []interface{}{float64(1)}}}, f)

	f, err = toFilter(parseQ(t, `{"n": {"$in": [null]}}`))
	require.NoError(t, err)
	assert.Equal(t, alwaysFalse, f)
}

func TestBSONDocRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	doc := document.Document{
		"id":   "a1",
		"due":  now,
		"tags": []interface{}{"x"},
		"meta": map[string]interface{}{"n": float64(2)},
	}

	b := toBSONDoc(doc)
	assert.Equal(t, "a1", b["_id"])
	assert.Equal(t, primitive.NewDateTimeFromTime(now), b["due"])

	back := fromBSONDoc(bson.M{
		"_id":  "a1",
		"due":  primitive.NewDateTimeFromTime(now),
		"tags": primitive.A{"x"},
		"meta": bson.M{"n": int32(2)},
		"n64":  int64(9),
	})
	assert.Equal(t, "a1", back.ID())
	assert.Equal(t, now, back["due"])
	assert.Equal(t, []interface{}{"x"}, back["tags"])
	assert.Equal(t, map[string]interface{}{"n": float64(2)}, back["meta"])
	assert.Equal(t, float64(9), back["n64"])
}
