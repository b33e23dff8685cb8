package query

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/document"
)

// SortField is one sort key. Desc false means ascending.
type SortField struct {
	Field string
	Desc  bool
}

// Options are the control parameters extracted from a request filter.
type Options struct {
	Sort       []SortField
	Limit      int64 // 0 means no limit
	Skip       int64
	Fields     document.Projection
	ForceMongo bool
	SkipEvents bool // honored for root only, stripped before scripts see the query
}

// controlKeys are the $-prefixed filter keys that configure the request
// instead of matching documents.
var controlKeys = map[string]bool{
	"$sort": true, "$limit": true, "$skip": true, "$fields": true,
	"$forceMongo": true, "$skipEvents": true,
}

// ParseRequest splits a decoded filter object into the match query and its
// options. rawJSON, when non-nil, is the original JSON text and is used to
// recover the key order of multi-field $sort objects, which Go maps lose.
func ParseRequest(raw map[string]interface{}, rawJSON []byte) (*Query, Options, error) {
	conditions := make(map[string]interface{}, len(raw))
	controls := make(map[string]interface{})
	for k, v := range raw {
		if controlKeys[k] {
			controls[k] = v
			continue
		}
		conditions[k] = v
	}

	opts, err := parseOptions(controls, rawJSON)
	if err != nil {
		return nil, Options{}, err
	}
	q, err := Parse(conditions)
	if err != nil {
		return nil, Options{}, err
	}
	return q, opts, nil
}

func parseOptions(controls map[string]interface{}, rawJSON []byte) (Options, error) {
	var opts Options
	var err error

	if v, ok := controls["$limit"]; ok {
		opts.Limit, err = asNonNegativeInt("$limit", v)
		if err != nil {
			return opts, err
		}
	}
	if v, ok := controls["$skip"]; ok {
		opts.Skip, err = asNonNegativeInt("$skip", v)
		if err != nil {
			return opts, err
		}
	}
	if v, ok := controls["$forceMongo"]; ok {
		opts.ForceMongo, err = asBool("$forceMongo", v)
		if err != nil {
			return opts, err
		}
	}
	if v, ok := controls["$skipEvents"]; ok {
		opts.SkipEvents, err = asBool("$skipEvents", v)
		if err != nil {
			return opts, err
		}
	}
	if v, ok := controls["$sort"]; ok {
		opts.Sort, err = parseSort(v, rawJSON)
		if err != nil {
			return opts, err
		}
	}
	if v, ok := controls["$fields"]; ok {
		opts.Fields, err = parseFields(v)
		if err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func parseSort(v interface{}, rawJSON []byte) ([]SortField, error) {
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) == 0 {
		return nil, apperr.BadRequest("$sort expects an object of field:direction pairs")
	}
	order := sortKeyOrder(rawJSON)
	if len(order) != len(obj) {
		order = order[:0]
		for k := range obj {
			order = append(order, k)
		}
		// No raw text to recover order from; fall back to name order so the
		// result is at least deterministic.
		if len(order) > 1 {
			sort.Strings(order)
		}
	}
	fields := make([]SortField, 0, len(obj))
	for _, field := range order {
		dir, ok := obj[field]
		if !ok {
			continue
		}
		n, numOK := document.AsNumber(dir)
		if s, isStr := dir.(string); isStr {
			parsed, err := strconv.ParseFloat(s, 64)
			if err == nil {
				n, numOK = parsed, true
			}
		}
		if !numOK || (n != 1 && n != -1) {
			return nil, apperr.BadRequest("$sort direction for %q must be 1 or -1", field)
		}
		fields = append(fields, SortField{Field: field, Desc: n == -1})
	}
	return fields, nil
}

func parseFields(v interface{}) (document.Projection, error) {
	obj, ok := v.(map[string]interface{})
	if !ok || len(obj) == 0 {
		return document.Projection{}, apperr.BadRequest("$fields expects an object of field:0|1 pairs")
	}
	var p document.Projection
	for field, dirVal := range obj {
		n, numOK := document.AsNumber(dirVal)
		if b, isBool := dirVal.(bool); isBool {
			if b {
				n = 1
			}
			numOK = true
		}
		if !numOK || (n != 0 && n != 1) {
			return document.Projection{}, apperr.BadRequest("$fields value for %q must be 0 or 1", field)
		}
		if n == 1 {
			p.Include = append(p.Include, field)
		} else {
			p.Exclude = append(p.Exclude, field)
		}
	}
	if len(p.Include) > 0 && len(p.Exclude) > 0 {
		return document.Projection{}, apperr.BadRequest("$fields cannot mix inclusion and exclusion")
	}
	sort.Strings(p.Include)
	sort.Strings(p.Exclude)
	return p, nil
}

func asNonNegativeInt(name string, v interface{}) (int64, error) {
	if s, ok := v.(string); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || n < 0 {
			return 0, apperr.BadRequest("%s must be a non-negative integer", name)
		}
		return n, nil
	}
	n, ok := document.AsNumber(v)
	if !ok || n < 0 || n != float64(int64(n)) {
		return 0, apperr.BadRequest("%s must be a non-negative integer", name)
	}
	return int64(n), nil
}

func asBool(name string, v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	}
	return false, apperr.BadRequest("%s must be a boolean", name)
}

// sortKeyOrder tokenizes the raw filter JSON and returns the key order of
// the top-level $sort object. Returns nil when the text is absent or does
// not contain a $sort object.
func sortKeyOrder(rawJSON []byte) []string {
	if len(rawJSON) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(rawJSON))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, _ := keyTok.(string)
		if key != "$sort" {
			if err := skipValue(dec); err != nil {
				return nil
			}
			continue
		}
		open, err := dec.Token()
		if err != nil {
			return nil
		}
		if d, ok := open.(json.Delim); !ok || d != '{' {
			return nil
		}
		var order []string
		for dec.More() {
			kTok, err := dec.Token()
			if err != nil {
				return nil
			}
			k, _ := kTok.(string)
			order = append(order, k)
			if err := skipValue(dec); err != nil {
				return nil
			}
		}
		return order
	}
	return nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(json.Delim); !ok {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
