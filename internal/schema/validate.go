package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/roach88/reactor/internal/message"
)

// ValidationError describes the first op that does not fit the schema.
type ValidationError struct {
	Index     int
	Namespace string
	Attr      string
	Message   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "op %d", e.Index)
	if e.Namespace != "" {
		fmt.Fprintf(&b, " (%s", e.Namespace)
		if e.Attr != "" {
			fmt.Fprintf(&b, ".%s", e.Attr)
		}
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Validate checks ops against the schema. A nil schema accepts everything.
func (s *Schema) Validate(ops []message.Op) error {
	if s == nil {
		return nil
	}
	if len(ops) == 0 {
		return &ValidationError{Message: "transaction has no ops"}
	}
	for i, op := range ops {
		if err := s.validateOp(i, op); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateOp(i int, op message.Op) error {
	fail := func(attr, format string, args ...any) error {
		return &ValidationError{Index: i, Namespace: op.Namespace, Attr: attr, Message: fmt.Sprintf(format, args...)}
	}

	ent, ok := s.Entities[op.Namespace]
	if !ok {
		return fail("", "unknown namespace")
	}
	if op.ID == "" {
		return fail("", "missing entity id")
	}

	switch op.Action {
	case message.OpDelete:
		return nil
	case message.OpCreate, message.OpUpdate:
		for name, value := range op.Attrs {
			if name == "id" {
				continue
			}
			attr, ok := ent.Attrs[name]
			if !ok {
				return fail(name, "unknown attribute")
			}
			if value == nil {
				if !attr.Optional {
					return fail(name, "required attribute cannot be null")
				}
				continue
			}
			if !kindMatches(attr.Kind, value) {
				return fail(name, "expected %s, got %T", attr.Kind, value)
			}
		}
		if op.Action == message.OpCreate {
			for name, attr := range ent.Attrs {
				if _, present := op.Attrs[name]; !present && !attr.Optional {
					return fail(name, "required attribute missing")
				}
			}
		}
		return nil
	case message.OpLink, message.OpUnlink:
		if len(op.Attrs) == 0 {
			return fail("", "%s needs at least one link", op.Action)
		}
		for label, target := range op.Attrs {
			if _, ok := ent.Links[label]; !ok {
				return fail(label, "unknown link")
			}
			if !linkTargetValid(target) {
				return fail(label, "link target must be an id or list of ids")
			}
		}
		return nil
	default:
		return fail("", "unknown action %q", op.Action)
	}
}

func kindMatches(kind Kind, v any) bool {
	switch kind {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case KindArray:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func linkTargetValid(v any) bool {
	switch t := v.(type) {
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	case []any:
		for _, e := range t {
			if s, ok := e.(string); !ok || s == "" {
				return false
			}
		}
		return len(t) > 0
	}
	return false
}
