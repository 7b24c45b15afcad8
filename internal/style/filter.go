package style

import (
	"fmt"
)

// Filter selects the features of a source layer that belong to a bucket.
// The pseudo key "$type" matches the feature's geometry type.
type Filter interface {
	Match(props map[string]any, geomType string) bool
}

// ParseFilter parses a legacy filter expression such as
// ["all", ["==", "class", "river"], ["!in", "$type", "Point"]].
func ParseFilter(expr any) (Filter, error) {
	list, ok := expr.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("filter must be a non-empty array")
	}
	op, ok := list[0].(string)
	if !ok {
		return nil, fmt.Errorf("filter operator must be a string")
	}
	args := list[1:]

	switch op {
	case "all", "any", "none":
		c := &combinator{op: op}
		for _, a := range args {
			f, err := ParseFilter(a)
			if err != nil {
				return nil, err
			}
			c.filters = append(c.filters, f)
		}
		return c, nil
	case "has", "!has":
		key, err := filterKey(op, args, 1)
		if err != nil {
			return nil, err
		}
		return &has{key: key, negate: op == "!has"}, nil
	case "in", "!in":
		key, err := filterKey(op, args, 1)
		if err != nil {
			return nil, err
		}
		return &membership{key: key, values: args[1:], negate: op == "!in"}, nil
	case "==", "!=", "<", "<=", ">", ">=":
		key, err := filterKey(op, args, 2)
		if err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("filter %q takes exactly two arguments", op)
		}
		return &comparison{op: op, key: key, value: args[1]}, nil
	default:
		return nil, fmt.Errorf("unknown filter operator %q", op)
	}
}

func filterKey(op string, args []any, min int) (string, error) {
	if len(args) < min {
		return "", fmt.Errorf("filter %q needs at least %d arguments", op, min)
	}
	key, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("filter %q key must be a string", op)
	}
	return key, nil
}

func lookup(key string, props map[string]any, geomType string) (any, bool) {
	if key == "$type" {
		return geomType, true
	}
	v, ok := props[key]
	return v, ok
}

type combinator struct {
	op      string
	filters []Filter
}

func (c *combinator) Match(props map[string]any, geomType string) bool {
	switch c.op {
	case "all":
		for _, f := range c.filters {
			if !f.Match(props, geomType) {
				return false
			}
		}
		return true
	case "any":
		for _, f := range c.filters {
			if f.Match(props, geomType) {
				return true
			}
		}
		return false
	default:
		for _, f := range c.filters {
			if f.Match(props, geomType) {
				return false
			}
		}
		return true
	}
}

type has struct {
	key    string
	negate bool
}

func (h *has) Match(props map[string]any, geomType string) bool {
	_, ok := lookup(h.key, props, geomType)
	return ok != h.negate
}

type membership struct {
	key    string
	values []any
	negate bool
}

func (m *membership) Match(props map[string]any, geomType string) bool {
	v, ok := lookup(m.key, props, geomType)
	found := false
	if ok {
		for _, want := range m.values {
			if c, ok := compare(v, want); ok && c == 0 {
				found = true
				break
			}
		}
	}
	return found != m.negate
}

type comparison struct {
	op    string
	key   string
	value any
}

func (c *comparison) Match(props map[string]any, geomType string) bool {
	v, ok := lookup(c.key, props, geomType)
	if !ok {
		return c.op == "!="
	}
	r, ok := compare(v, c.value)
	if !ok {
		return c.op == "!="
	}
	switch c.op {
	case "==":
		return r == 0
	case "!=":
		return r != 0
	case "<":
		return r < 0
	case "<=":
		return r <= 0
	case ">":
		return r > 0
	default:
		return r >= 0
	}
}

// compare orders two values of compatible kinds. Numbers compare across
// integer and float representations.
func compare(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch a := a.(type) {
	case string:
		s, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case a < s:
			return -1, true
		case a > s:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if a == bb {
			return 0, true
		}
		if !a {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
