package users

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType names the kind of a custom user field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	FieldDate   FieldType = "date"
	FieldList   FieldType = "list"
)

const dateLayout = "2006-01-02"

// FieldValue is a typed custom field value. The concrete types below are the
// only implementations.
type FieldValue interface {
	Type() FieldType
	isFieldValue()
}

type (
	StringValue string
	IntValue    int64
	BoolValue   bool
	DateValue   time.Time
	ListValue   []string
)

func (StringValue) Type() FieldType { return FieldString }
func (IntValue) Type() FieldType    { return FieldInt }
func (BoolValue) Type() FieldType   { return FieldBool }
func (DateValue) Type() FieldType   { return FieldDate }
func (ListValue) Type() FieldType   { return FieldList }

func (StringValue) isFieldValue() {}
func (IntValue) isFieldValue()    {}
func (BoolValue) isFieldValue()   {}
func (DateValue) isFieldValue()   {}
func (ListValue) isFieldValue()   {}

// ParseFieldValue converts a form or config string into a value of type t.
func ParseFieldValue(t FieldType, raw string) (FieldValue, error) {
	switch t {
	case FieldString:
		return StringValue(raw), nil
	case FieldInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field value %q is not an integer", raw)
		}
		return IntValue(n), nil
	case FieldBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("field value %q is not a boolean", raw)
		}
		return BoolValue(b), nil
	case FieldDate:
		d, err := time.Parse(dateLayout, strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("field value %q is not a date (YYYY-MM-DD)", raw)
		}
		return DateValue(d), nil
	case FieldList:
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return ListValue(items), nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

// ClaimValue returns the JSON-native form of v used in ID token claims.
func ClaimValue(v FieldValue) any {
	switch v := v.(type) {
	case StringValue:
		return string(v)
	case IntValue:
		return int64(v)
	case BoolValue:
		return bool(v)
	case DateValue:
		return time.Time(v).Format(dateLayout)
	case ListValue:
		return []string(v)
	}
	return nil
}

// Fields maps field names to typed values.
type Fields map[string]FieldValue

// Claims returns the fields as plain JSON values.
func (f Fields) Claims() map[string]any {
	out := make(map[string]any, len(f))
	for name, v := range f {
		out[name] = ClaimValue(v)
	}
	return out
}

type encodedField struct {
	Type  FieldType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (f Fields) MarshalJSON() ([]byte, error) {
	out := make(map[string]encodedField, len(f))
	for name, v := range f {
		raw, err := json.Marshal(ClaimValue(v))
		if err != nil {
			return nil, err
		}
		out[name] = encodedField{Type: v.Type(), Value: raw}
	}
	return json.Marshal(out)
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	var in map[string]encodedField
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := make(Fields, len(in))
	for name, enc := range in {
		v, err := decodeField(enc)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		out[name] = v
	}
	*f = out
	return nil
}

func decodeField(enc encodedField) (FieldValue, error) {
	switch enc.Type {
	case FieldString:
		var s string
		err := json.Unmarshal(enc.Value, &s)
		return StringValue(s), err
	case FieldInt:
		var n int64
		err := json.Unmarshal(enc.Value, &n)
		return IntValue(n), err
	case FieldBool:
		var b bool
		err := json.Unmarshal(enc.Value, &b)
		return BoolValue(b), err
	case FieldDate:
		var s string
		if err := json.Unmarshal(enc.Value, &s); err != nil {
			return nil, err
		}
		return ParseFieldValue(FieldDate, s)
	case FieldList:
		var items []string
		err := json.Unmarshal(enc.Value, &items)
		return ListValue(items), err
	}
	return nil, fmt.Errorf("unknown field type %q", enc.Type)
}

// FieldDefinition declares a custom field a tenant collects at registration.
type FieldDefinition struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Default  string    `json:"default,omitempty" yaml:"default,omitempty"`
}

// BuildFields parses submitted values against the tenant's definitions and
// fills registration-time defaults. Unknown submitted names are dropped.
func BuildFields(defs []FieldDefinition, submitted map[string]string) (Fields, error) {
	out := make(Fields, len(defs))
	for _, def := range defs {
		raw, ok := submitted[def.Name]
		if !ok || strings.TrimSpace(raw) == "" {
			if def.Default == "" {
				if def.Required {
					return nil, fmt.Errorf("%w: %s", ErrFieldRequired, def.Name)
				}
				continue
			}
			raw = def.Default
		}
		v, err := ParseFieldValue(def.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidField, def.Name, err)
		}
		out[def.Name] = v
	}
	return out, nil
}
