// Package schema loads an application schema written in CUE and checks
// transaction ops against it before they are queued.
//
// A schema declares entity namespaces, their attributes and links:
//
//	entities: {
//		todos: {
//			attrs: {
//				title:     string
//				done:      bool
//				priority?: int
//			}
//			links: owner: "users"
//		}
//		users: attrs: email: string
//	}
//
// Optional attributes are marked with "?". Float kinds are rejected.
package schema

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Kind is an attribute's value type.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindArray  Kind = "array"
	KindObject Kind = "object"
	KindAny    Kind = "any"
)

// Attr describes one attribute.
type Attr struct {
	Name     string
	Kind     Kind
	Optional bool
}

// Entity describes one namespace.
type Entity struct {
	Name  string
	Attrs map[string]Attr
	// Links maps link labels to target namespaces.
	Links map[string]string
}

// Schema is a compiled application schema.
type Schema struct {
	Entities map[string]*Entity
}

// Namespaces returns the declared namespaces in sorted order.
func (s *Schema) Namespaces() []string {
	out := make([]string, 0, len(s.Entities))
	for ns := range s.Entities {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Load reads and compiles the schema file at path.
func Load(path string) (*Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles CUE source. filename is used in error positions.
func Parse(filename string, src []byte) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(v)
}

// Compile converts a CUE value holding an "entities" struct into a Schema.
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(err)
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entities"))
	if !entitiesVal.Exists() {
		return nil, &CompileError{Field: "entities", Message: "entities is required", Pos: v.Pos()}
	}

	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	s := &Schema{Entities: make(map[string]*Entity)}
	for iter.Next() {
		ent, err := compileEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		s.Entities[ent.Name] = ent
	}
	if len(s.Entities) == 0 {
		return nil, &CompileError{Field: "entities", Message: "at least one entity is required", Pos: entitiesVal.Pos()}
	}

	for _, ent := range s.Entities {
		for label, target := range ent.Links {
			if _, ok := s.Entities[target]; !ok {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entities.%s.links.%s", ent.Name, label),
					Message: fmt.Sprintf("unknown target namespace %q", target),
				}
			}
		}
	}
	return s, nil
}

func compileEntity(name string, v cue.Value) (*Entity, error) {
	ent := &Entity{
		Name:  name,
		Attrs: make(map[string]Attr),
		Links: make(map[string]string),
	}

	attrsVal := v.LookupPath(cue.ParsePath("attrs"))
	if attrsVal.Exists() {
		iter, err := attrsVal.Fields(cue.Optional(true))
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			label := iter.Label()
			kind, err := extractKind(iter.Value())
			if err != nil {
				return nil, err
			}
			ent.Attrs[label] = Attr{Name: label, Kind: kind, Optional: iter.IsOptional()}
		}
	}

	linksVal := v.LookupPath(cue.ParsePath("links"))
	if linksVal.Exists() {
		iter, err := linksVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			label := iter.Label()
			target, err := iter.Value().String()
			if err != nil {
				return nil, &CompileError{
					Field:   fmt.Sprintf("entities.%s.links.%s", name, label),
					Message: "link target must be a namespace name",
					Pos:     iter.Value().Pos(),
				}
			}
			ent.Links[label] = target
		}
	}

	return ent, nil
}

// extractKind maps a CUE type to an attribute kind.
func extractKind(v cue.Value) (Kind, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return KindString, nil
	case cue.IntKind:
		return KindInt, nil
	case cue.BoolKind:
		return KindBool, nil
	case cue.ListKind:
		return KindArray, nil
	case cue.StructKind:
		return KindObject, nil
	case cue.TopKind:
		return KindAny, nil
	case cue.FloatKind, cue.NumberKind:
		return "", &CompileError{
			Field:   "type",
			Message: "float types are not supported, use int",
			Pos:     v.Pos(),
		}
	default:
		return "", &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError is a schema error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
