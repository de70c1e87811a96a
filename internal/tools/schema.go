package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/taskagent/internal/apperr"
	"github.com/xiaot623/taskagent/internal/domain"
)

// FieldType is the declared type of a tool argument.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInteger     FieldType = "integer"
	TypeBoolean     FieldType = "boolean"
	TypeStringList  FieldType = "string_list"
	TypeIntegerList FieldType = "integer_list"
)

// FormatDate restricts a string to YYYY-MM-DD.
const FormatDate = "date"

// Field declares one argument of a tool.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
	MaxLength   int       `json:"max_length,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	MaxItems    int       `json:"max_items,omitempty"`
	Format      string    `json:"format,omitempty"`
}

// Spec declares a tool.
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Fields      []Field `json:"fields"`
	// ReadOnly tools have no side effects and bypass deduplication.
	ReadOnly bool `json:"read_only,omitempty"`
	// Internal tools are only reachable as undo reversals.
	Internal bool `json:"-"`
}

// Validate checks raw arguments against the spec and returns them normalized.
// Unknown fields are dropped.
func (s Spec) Validate(raw map[string]any) (domain.Args, error) {
	out := make(domain.Args, len(s.Fields))
	for _, f := range s.Fields {
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, violation(s.Name, f.Name, "is required")
			}
			continue
		}
		norm, err := f.normalize(v)
		if err != nil {
			return nil, violation(s.Name, f.Name, err.Error())
		}
		if norm == nil {
			if f.Required {
				return nil, violation(s.Name, f.Name, "must not be empty")
			}
			continue
		}
		out[f.Name] = norm
	}
	return out, nil
}

func violation(tool, field, msg string) error {
	return apperr.Newf(apperr.KindSchemaViolation, "%s: argument %q %s", tool, field, msg)
}

// normalize returns nil for empty optional values.
func (f Field) normalize(v any) (any, error) {
	switch f.Type {
	case TypeString:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		if err := f.checkString(s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeInteger:
		return asInt(v)
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("must be a boolean")
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("must be a boolean")
	case TypeStringList:
		items := asList(v)
		if err := f.checkItems(len(items)); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, err := asString(item)
			if err != nil {
				return nil, err
			}
			if s == "" {
				continue
			}
			if err := f.checkString(s); err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case TypeIntegerList:
		items := asList(v)
		if err := f.checkItems(len(items)); err != nil {
			return nil, err
		}
		out := make([]int64, 0, len(items))
		for _, item := range items {
			n, err := asInt(item)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}
	return nil, fmt.Errorf("has unsupported type %q", f.Type)
}

func (f Field) checkString(s string) error {
	if f.MaxLength > 0 && len([]rune(s)) > f.MaxLength {
		return fmt.Errorf("exceeds max length %d", f.MaxLength)
	}
	if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
		return fmt.Errorf("must be one of %s", strings.Join(f.Enum, ", "))
	}
	if f.Format == FormatDate {
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return fmt.Errorf("must be a date (YYYY-MM-DD)")
		}
	}
	return nil
}

func (f Field) checkItems(n int) error {
	if f.MaxItems > 0 && n > f.MaxItems {
		return fmt.Errorf("exceeds max items %d", f.MaxItems)
	}
	return nil
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), nil
	case json.Number:
		return s.String(), nil
	}
	return "", fmt.Errorf("must be a string")
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("must be an integer")
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		if fl, err := n.Float64(); err == nil && fl == math.Trunc(fl) {
			return int64(fl), nil
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("must be an integer")
}

// asList accepts a single scalar where a list is declared.
func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	}
	return []any{v}
}
