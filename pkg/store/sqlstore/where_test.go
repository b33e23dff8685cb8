package sqlstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/query"
	"github.com/platinummonkey/anvil/pkg/schema"
)

func parseQ(t *testing.T, src string) *query.Query {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(src), &raw))
	q, err := query.Parse(raw)
	require.NoError(t, err)
	return q
}

func ordersCollection() *schema.Collection {
	return &schema.Collection{
		Name:       "orders",
		UseColumns: true,
		Properties: map[string]schema.Field{
			"sku": {Type: schema.TypeString, Index: true, Order: 1},
			"qty": {Type: schema.TypeNumber, Index: true, Order: 2},
			"due": {Type: schema.TypeDate, Order: 3},
		},
	}
}

func TestWhereSQLiteBasics(t *testing.T) {
	cases := []struct {
		filter string
		clause string
		args   []interface{}
	}{
		{`{"done": true}`, `json_extract(data, '$.done') = ?`, []interface{}{1}},
		{`{"qty": 4}`, `json_extract(data, '$.qty') = ?`, []interface{}{float64(4)}},
		{`{"id": "a1"}`, `"id" = ?`, []interface{}{"a1"}},
		{`{"qty": {"$gt": 2, "$lte": 9}}`, `json_extract(data, '$.qty') > ? AND json_extract(data, '$.qty') <= ?`, []interface{}{float64(2), float64(9)}},
		{`{"qty": {"$ne": 4}}`, `(json_extract(data, '$.qty') IS NULL OR json_extract(data, '$.qty') != ?)`, []interface{}{float64(4)}},
		{`{"qty": {"$in": [1, 2]}}`, `json_extract(data, '$.qty') IN (?, ?)`, []interface{}{float64(1), float64(2)}},
		{`{"qty": {"$nin": [1]}}`, `(json_extract(data, '$.qty') IS NULL OR json_extract(data, '$.qty') NOT IN (?))`, []interface{}{float64(1)}},
		{`{"qty": {"$in": []}}`, `1=0`, nil},
		{`{"qty": {"$nin": []}}`, `1=1`, nil},
		{`{"note": {"$exists": true}}`, `json_extract(data, '$.note') IS NOT NULL`, nil},
		{`{"note": {"$exists": false}}`, `json_extract(data, '$.note') IS NULL`, nil},
	}
	for _, tc := range cases {
		clause, args, err := buildWhere(SQLite, nil, parseQ(t, tc.filter))
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.clause, clause, tc.filter)
		if tc.args == nil {
			assert.Empty(t, args, tc.filter)
		} else {
			assert.Equal(t, tc.args, args, tc.filter)
		}
	}
}

func TestWherePostgresCasts(t *testing.T) {
	clause, args, err := buildWhere(Postgres, nil, parseQ(t, `{"qty": {"$gte": 2}, "name": "ann"}`))
	require.NoError(t, err)
	// fields sort alphabetically: name before qty
	assert.Equal(t, `data->>'name' = $1 AND (data->>'qty')::numeric >= $2`, clause)
	assert.Equal(t, []interface{}{"ann", float64(2)}, args)
}

func TestWherePromotedColumns(t *testing.T) {
	col := ordersCollection()
	clause, args, err := buildWhere(SQLite, col, parseQ(t, `{"sku": "x-1", "qty": {"$lt": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, `"f_qty" < ? AND "f_sku" = ?`, clause)
	assert.Equal(t, []interface{}{float64(10), "x-1"}, args)
}

func TestWhereDeclaredDateBinding(t *testing.T) {
	col := ordersCollection()
	clause, args, err := buildWhere(SQLite, col, parseQ(t, `{"due": {"$gt": "2026-01-02T15:04:05Z"}}`))
	require.NoError(t, err)
	// due is declared but not indexed, so it reads from JSON
	assert.Equal(t, `json_extract(data, '$.due') > ?`, clause)
	require.Len(t, args, 1)
	assert.Equal(t, "2026-01-02T15:04:05Z", args[0])

	_, pgArgs, err := buildWhere(Postgres, col, parseQ(t, `{"due": {"$gt": "2026-01-02T15:04:05Z"}}`))
	require.NoError(t, err)
	require.Len(t, pgArgs, 1)
	_, isTime := pgArgs[0].(time.Time)
	assert.True(t, isTime, "postgres binds real timestamps")
}

func TestWhereBoolOperators(t *testing.T) {
	clause, args, err := buildWhere(SQLite, nil, parseQ(t, `{"$or": [{"a": 1}, {"b": 2}]}`))
	require.NoError(t, err)
	assert.Equal(t, `((json_extract(data, '$.a') = ?) OR (json_extract(data, '$.b') = ?))`, clause)
	assert.Len(t, args, 2)

	clause, _, err = buildWhere(SQLite, nil, parseQ(t, `{"$and": [{"a": 1}, {"$or": [{"b": 2}, {"c": 3}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, `(json_extract(data, '$.a') = ?) AND (((json_extract(data, '$.b') = ?) OR (json_extract(data, '$.c') = ?)))`, clause)
}

func TestWhereRegexSQLiteGlob(t *testing.T) {
	cases := []struct {
		filter string
		clause string
		arg    string
	}{
		{`{"title": {"$regex": "^groc"}}`, `json_extract(data, '$.title') GLOB ?`, "groc*"},
		{`{"title": {"$regex": "run$"}}`, `json_extract(data, '$.title') GLOB ?`, "*run"},
		{`{"title": {"$regex": "^exact$"}}`, `json_extract(data, '$.title') GLOB ?`, "exact"},
		{`{"title": {"$regex": "mid"}}`, `json_extract(data, '$.title') GLOB ?`, "*mid*"},
	}
	for _, tc := range cases {
		clause, args, err := buildWhere(SQLite, nil, parseQ(t, tc.filter))
		require.NoError(t, err, tc.filter)
		assert.Equal(t, tc.clause, clause)
		assert.Equal(t, []interface{}{tc.arg}, args)
	}
}

func TestWhereRegexPostgresLike(t *testing.T) {
	clause, args, err := buildWhere(Postgres, nil, parseQ(t, `{"title": {"$regex": "^100%"}}`))
	require.NoError(t, err)
	assert.Equal(t, `data->>'title' LIKE $1 ESCAPE '\'`, clause)
	assert.Equal(t, []interface{}{`100\%%`}, args)
}

func TestWhereRegexMetacharactersMatchAsSubstring(t *testing.T) {
	// Unanchored patterns degrade to substring matches; metacharacters
	// lose their regex meaning and match verbatim.
	cases := []struct {
		filter string
		arg    string
	}{
		{`{"t": {"$regex": "a.*b"}}`, `*a.[*]b*`},
		{`{"t": {"$regex": "(group)"}}`, `*(group)*`},
		{`{"t": {"$regex": "a|b"}}`, `*a|b*`},
		{`{"t": {"$regex": "foo\\.bar"}}`, `*foo.bar*`},
		{`{"t": {"$regex": "^v1\\.2"}}`, `v1.2*`},
	}
	for _, tc := range cases {
		clause, args, err := buildWhere(SQLite, nil, parseQ(t, tc.filter))
		require.NoError(t, err, tc.filter)
		assert.Equal(t, `json_extract(data, '$.t') GLOB ?`, clause, tc.filter)
		assert.Equal(t, []interface{}{tc.arg}, args, tc.filter)
	}

	clause, args, err := buildWhere(Postgres, nil, parseQ(t, `{"t": {"$regex": "50%_off"}}`))
	require.NoError(t, err)
	assert.Equal(t, `data->>'t' LIKE $1 ESCAPE '\'`, clause)
	assert.Equal(t, []interface{}{`%50\%\_off%`}, args)
}

func TestWhereRegexRejectsUntranslatablePatterns(t *testing.T) {
	for _, filter := range []string{
		`{"t": {"$regex": "\\d+"}}`,
		`{"t": {"$regex": "a\\"}}`,
		`{"t": {"$regex": "^a", "$options": "i"}}`,
	} {
		_, _, err := buildWhere(SQLite, nil, parseQ(t, filter))
		require.Error(t, err, filter)
		assert.True(t, apperr.Is(err, apperr.KindUnsupported), filter)
	}
}

func TestWhereEmptyQuery(t *testing.T) {
	clause, args, err := buildWhere(SQLite, nil, query.New())
	require.NoError(t, err)
	assert.Empty(t, clause)
	assert.Empty(t, args)
}

func TestOrderBy(t *testing.T) {
	col := ordersCollection()

	assert.Equal(t, `"f_qty" DESC`, orderBy(SQLite, col, []query.SortField{{Field: "qty", Desc: true}}))
	assert.Equal(t, `json_extract(data, '$.created') ASC`, orderBy(SQLite, nil, []query.SortField{{Field: "created"}}))
	assert.Equal(t, `"f_qty" ASC NULLS FIRST, data->>'name' DESC NULLS LAST`,
		orderBy(Postgres, col, []query.SortField{{Field: "qty"}, {Field: "name", Desc: true}}))
	assert.Empty(t, orderBy(SQLite, nil, nil))
}
