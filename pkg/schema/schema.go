// Package schema manages collection definitions: the config.json files under
// the resources directory, the validation and coercion of documents against
// them, and the registry the rest of the server reads them through.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/platinummonkey/anvil/pkg/document"
)

// FieldType enumerates the declared field types.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

var validTypes = map[FieldType]bool{
	TypeString: true, TypeNumber: true, TypeBoolean: true,
	TypeDate: true, TypeObject: true, TypeArray: true,
}

// Field is one declared property of a collection.
type Field struct {
	Type     FieldType   `json:"type"`
	Required bool        `json:"required,omitempty"`
	Default  interface{} `json:"default,omitempty"` // literal, or "now" on date fields
	Unique   bool        `json:"unique,omitempty"`
	Index    bool        `json:"index,omitempty"`
	System   bool        `json:"system,omitempty"` // writable by root only
	Order    int         `json:"order,omitempty"`
}

// Collection is the persisted definition from resources/{name}/config.json.
type Collection struct {
	Name       string           `json:"-"`
	Properties map[string]Field `json:"properties"`

	// UseColumns promotes indexed primitive fields to typed SQL columns on
	// the hybrid backend. Ignored by the document backend.
	UseColumns bool `json:"useColumns,omitempty"`
	// NoStore collections skip persistence entirely; their responses come
	// from event scripts.
	NoStore bool `json:"noStore,omitempty"`
}

// Verb is the write operation being validated.
type Verb int

const (
	// VerbInsert validates a full document for creation.
	VerbInsert Verb = iota
	// VerbUpdate validates a partial patch for merging.
	VerbUpdate
)

var nameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// reservedNames are path segments owned by the server surface.
var reservedNames = map[string]bool{"auth": true, "ws": true, "metrics": true}

// ValidateName checks a collection name for URL and table safety.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	if reservedNames[name] {
		return fmt.Errorf("collection name %q is reserved", name)
	}
	return nil
}

// Validate checks a collection definition itself, before it is saved.
func (c *Collection) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	for name, f := range c.Properties {
		if name == document.IDField || name == "createdAt" || name == "updatedAt" {
			return fmt.Errorf("field %q is managed by the server", name)
		}
		if !validTypes[f.Type] {
			return fmt.Errorf("field %q has unknown type %q", name, f.Type)
		}
		if f.Unique && (f.Type == TypeObject || f.Type == TypeArray) {
			return fmt.Errorf("field %q: unique requires a primitive type", name)
		}
		if f.Default != nil {
			if _, _, err := coerce(f.Type, f.Default); err != nil && !(f.Type == TypeDate && f.Default == "now") {
				return fmt.Errorf("field %q: default does not match type %s", name, f.Type)
			}
		}
	}
	return nil
}

// FieldNames returns property names ordered by the Order attribute, then by
// name. Used for deterministic DDL and dashboard listings.
func (c *Collection) FieldNames() []string {
	names := make([]string, 0, len(c.Properties))
	for n := range c.Properties {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, oj := c.Properties[names[i]].Order, c.Properties[names[j]].Order
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})
	return names
}

// ApplyDefaults fills absent declared fields that carry defaults. Only used
// on insert.
func (c *Collection) ApplyDefaults(doc document.Document, now time.Time) {
	for name, f := range c.Properties {
		if _, present := doc[name]; present {
			continue
		}
		if f.Default == nil {
			continue
		}
		if f.Type == TypeDate && f.Default == "now" {
			doc[name] = now.UTC()
			continue
		}
		doc[name] = f.Default
	}
}

// ValidateDocument coerces and validates a document against the collection.
// The input is not mutated; the returned document carries the coerced
// values. Unknown fields pass through untouched. The errors map is nil when
// validation passed.
func (c *Collection) ValidateDocument(verb Verb, doc document.Document, isRoot bool) (document.Document, map[string]string) {
	out := doc.Clone()
	errs := map[string]string{}

	for name, f := range c.Properties {
		val, present := out[name]

		if f.System && present && !isRoot {
			errs[name] = "is reserved"
			continue
		}
		if !present {
			if verb == VerbInsert && f.Required && f.Default == nil {
				errs[name] = "is required"
			}
			continue
		}
		if val == nil {
			if f.Required {
				errs[name] = "is required"
			}
			continue
		}
		coerced, ok, err := coerce(f.Type, val)
		if err != nil {
			errs[name] = err.Error()
			continue
		}
		if ok {
			out[name] = coerced
		}
	}

	if len(errs) == 0 {
		return out, nil
	}
	return out, errs
}

// coerce converts val to the declared type. Returns the converted value,
// whether a conversion happened, and an error when the value cannot
// represent the type.
func coerce(t FieldType, val interface{}) (interface{}, bool, error) {
	switch t {
	case TypeString:
		if s, ok := val.(string); ok {
			return s, false, nil
		}
		return nil, false, fmt.Errorf("must be a string")
	case TypeNumber:
		if n, ok := document.AsNumber(val); ok {
			return n, true, nil
		}
		if s, ok := val.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, true, nil
			}
		}
		return nil, false, fmt.Errorf("must be a number")
	case TypeBoolean:
		if b, ok := val.(bool); ok {
			return b, false, nil
		}
		if s, ok := val.(string); ok {
			switch s {
			case "true":
				return true, true, nil
			case "false":
				return false, true, nil
			}
		}
		return nil, false, fmt.Errorf("must be a boolean")
	case TypeDate:
		if ts, ok := document.AsTime(val); ok {
			return ts, true, nil
		}
		return nil, false, fmt.Errorf("must be a date")
	case TypeObject:
		switch val.(type) {
		case map[string]interface{}, document.Document:
			return val, false, nil
		}
		return nil, false, fmt.Errorf("must be an object")
	case TypeArray:
		if _, ok := val.([]interface{}); ok {
			return val, false, nil
		}
		return nil, false, fmt.Errorf("must be an array")
	default:
		return val, false, nil
	}
}

// UniqueFields returns the names of unique-constrained fields.
func (c *Collection) UniqueFields() []string {
	var out []string
	for _, n := range c.FieldNames() {
		if c.Properties[n].Unique {
			out = append(out, n)
		}
	}
	return out
}

// IndexedFields returns names of fields carrying index or unique flags.
func (c *Collection) IndexedFields() []string {
	var out []string
	for _, n := range c.FieldNames() {
		f := c.Properties[n]
		if f.Index || f.Unique {
			out = append(out, n)
		}
	}
	return out
}

// ColumnFields returns the declared fields the hybrid SQL backend promotes
// to typed columns: indexed primitives, when UseColumns is on.
func (c *Collection) ColumnFields() []string {
	if !c.UseColumns {
		return nil
	}
	var out []string
	for _, n := range c.IndexedFields() {
		switch c.Properties[n].Type {
		case TypeString, TypeNumber, TypeBoolean, TypeDate:
			out = append(out, n)
		}
	}
	return out
}

// MarshalConfig renders the persisted config.json form.
func (c *Collection) MarshalConfig() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// UsersName is the reserved authentication collection.
const UsersName = "users"

// UsersCollection returns the implicit definition of the users collection.
// It exists whether or not a config.json was written for it; a persisted one
// may add properties but cannot remove the built-in fields.
func UsersCollection() *Collection {
	return &Collection{
		Name: UsersName,
		Properties: map[string]Field{
			"username": {Type: TypeString, Required: true, Unique: true, Order: 1},
			"email":    {Type: TypeString, Order: 2},
			"password": {Type: TypeString, Required: true, Order: 3},
			"role":     {Type: TypeString, Order: 4},
		},
		UseColumns: true,
	}
}
