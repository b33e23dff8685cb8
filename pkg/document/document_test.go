package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	orig := Document{
		"id":    "a1",
		"tags":  []interface{}{"x", "y"},
		"meta":  map[string]interface{}{"depth": float64(2)},
		"title": "hello",
	}
	cp := orig.Clone()
	cp["title"] = "changed"
	cp["tags"].([]interface{})[0] = "z"
	cp["meta"].(map[string]interface{})["depth"] = float64(9)

	assert.Equal(t, "hello", orig["title"])
	assert.Equal(t, "x", orig["tags"].([]interface{})[0])
	assert.Equal(t, float64(2), orig["meta"].(map[string]interface{})["depth"])
}

func TestProjectionInclude(t *testing.T) {
	doc := Document{"id": "a1", "title": "t", "secret": "s", "n": float64(1)}
	out := Projection{Include: []string{"title"}}.Apply(doc)

	assert.Equal(t, Document{"id": "a1", "title": "t"}, out)
	// original untouched
	assert.Contains(t, doc, "secret")
}

func TestProjectionExcludeKeepsID(t *testing.T) {
	doc := Document{"id": "a1", "title": "t", "secret": "s"}
	out := Projection{Exclude: []string{"secret", "id"}}.Apply(doc)

	assert.Equal(t, Document{"id": "a1", "title": "t"}, out)
}

func TestProjectionZeroPassesThrough(t *testing.T) {
	doc := Document{"id": "a1"}
	assert.Equal(t, doc, Projection{}.Apply(doc))
}

func TestCompareNumbers(t *testing.T) {
	assert.Negative(t, Compare(float64(1), float64(2)))
	assert.Positive(t, Compare(float64(3), int(2)))
	assert.Zero(t, Compare(int64(5), float64(5)))
}

func TestCompareMixedFamilies(t *testing.T) {
	// nil < bool < number < string < time
	assert.Negative(t, Compare(nil, false))
	assert.Negative(t, Compare(true, float64(0)))
	assert.Negative(t, Compare(float64(99), "a"))
	assert.Negative(t, Compare("zzz", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCompareTimes(t *testing.T) {
	early := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	late := "2021-06-01T00:00:00Z"

	lt, ok := AsTime(late)
	require.True(t, ok)
	assert.Negative(t, Compare(early, lt))
	assert.Zero(t, Compare(early, early))
}

func TestAsTimeFormats(t *testing.T) {
	for _, s := range []string{"2021-06-01T00:00:00Z", "2021-06-01T00:00:00.123Z", "2021-06-01"} {
		_, ok := AsTime(s)
		assert.True(t, ok, s)
	}
	_, ok := AsTime("not a date")
	assert.False(t, ok)
}

func TestEqualStructural(t *testing.T) {
	a := map[string]interface{}{"x": []interface{}{float64(1), "two"}}
	b := map[string]interface{}{"x": []interface{}{float64(1), "two"}}
	c := map[string]interface{}{"x": []interface{}{float64(1), "three"}}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.True(t, Equal(float64(2), int(2)))
	assert.False(t, Equal("2", float64(2)))
}

func TestIDHelpers(t *testing.T) {
	d := Document{}
	assert.Empty(t, d.ID())
	d.SetID("abc")
	assert.Equal(t, "abc", d.ID())

	weird := Document{"id": float64(4)}
	assert.Empty(t, weird.ID())
}
