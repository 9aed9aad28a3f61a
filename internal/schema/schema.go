// Package schema describes and validates the element vocabulary of rule bodies.
//
// Each operator contributes at most one global element declaration. The
// declarations are unioned into a Schema, which validates a serialized
// stream of sibling elements the way an XSD-validating reader would:
// undeclared elements, undeclared or ill-typed attributes, missing required
// attributes and out-of-range child counts are all rejected.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/solatis/serverrules/internal/types"
)

// AttrType is the lexical type of an attribute value.
type AttrType int

const (
	String AttrType = iota
	Boolean
	Integer
	PositiveInteger
	Decimal
)

func (t AttrType) String() string {
	switch t {
	case Boolean:
		return "boolean"
	case Integer:
		return "integer"
	case PositiveInteger:
		return "positiveInteger"
	case Decimal:
		return "decimal"
	default:
		return "string"
	}
}

// Content selects which child elements an element may contain.
type Content int

const (
	// ContentEmpty allows no child elements.
	ContentEmpty Content = iota
	// ContentGlobal allows any globally declared element (operators nest operators).
	ContentGlobal
	// ContentLocal allows only the element's own local declarations.
	ContentLocal
)

// AttributeDecl declares one attribute.
type AttributeDecl struct {
	Name     string
	Required bool
	Type     AttrType
	Enum     []string // allowed values, empty = unrestricted
}

// ElementDecl declares one element and its content model.
type ElementDecl struct {
	Name       string
	Attributes []AttributeDecl
	Content    Content
	MinOccurs  int            // minimum number of child elements
	MaxOccurs  int            // maximum number of child elements, 0 = unbounded
	Elements   []*ElementDecl // local declarations, used with ContentLocal
	Mixed      bool           // character data allowed
	Lax        bool           // attributes and content are not checked
}

// Attribute returns the declaration of the named attribute, or nil.
func (d *ElementDecl) Attribute(name string) *AttributeDecl {
	for i := range d.Attributes {
		if d.Attributes[i].Name == name {
			return &d.Attributes[i]
		}
	}
	return nil
}

func (d *ElementDecl) local(name string) *ElementDecl {
	for _, e := range d.Elements {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Schema is a compiled, immutable set of global element declarations.
type Schema struct {
	elements map[string]*ElementDecl
}

// Compile unions the given declarations into a Schema. Nil declarations are
// skipped, so operators without a schema contribution can be passed through.
func Compile(decls ...*ElementDecl) (*Schema, error) {
	s := &Schema{elements: make(map[string]*ElementDecl, len(decls))}
	for _, d := range decls {
		if d == nil {
			continue
		}
		if err := checkDecl(d, 0); err != nil {
			return nil, err
		}
		if _, exists := s.elements[d.Name]; exists {
			return nil, fmt.Errorf("%w: element %q declared twice", types.ErrInvalidSchema, d.Name)
		}
		s.elements[d.Name] = d
	}
	return s, nil
}

// checkDecl rejects declarations that could never validate anything.
func checkDecl(d *ElementDecl, depth int) error {
	if depth > types.MaxElementDepth {
		return fmt.Errorf("%w: declaration nesting too deep", types.ErrInvalidSchema)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: element without name", types.ErrInvalidSchema)
	}
	if d.MaxOccurs > 0 && d.MinOccurs > d.MaxOccurs {
		return fmt.Errorf("%w: element %q: minOccurs %d > maxOccurs %d", types.ErrInvalidSchema, d.Name, d.MinOccurs, d.MaxOccurs)
	}
	if d.Content == ContentEmpty && d.MinOccurs > 0 {
		return fmt.Errorf("%w: element %q: empty content cannot require children", types.ErrInvalidSchema, d.Name)
	}
	seen := make(map[string]bool, len(d.Attributes))
	for _, a := range d.Attributes {
		if a.Name == "" {
			return fmt.Errorf("%w: element %q: attribute without name", types.ErrInvalidSchema, d.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: element %q: attribute %q declared twice", types.ErrInvalidSchema, d.Name, a.Name)
		}
		seen[a.Name] = true
	}
	locals := make(map[string]bool, len(d.Elements))
	for _, e := range d.Elements {
		if locals[e.Name] {
			return fmt.Errorf("%w: element %q: local element %q declared twice", types.ErrInvalidSchema, d.Name, e.Name)
		}
		locals[e.Name] = true
		if err := checkDecl(e, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the global declaration for name, or nil.
func (s *Schema) Lookup(name string) *ElementDecl {
	return s.elements[name]
}

// Names returns the declared global element names in sorted order.
func (s *Schema) Names() []string {
	names := make([]string, 0, len(s.elements))
	for n := range s.elements {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// checkValue validates an attribute value against its declared type and enum.
func (a *AttributeDecl) checkValue(v string) error {
	switch a.Type {
	case Boolean:
		switch v {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("attribute %q: %q is not a valid boolean", a.Name, v)
		}
	case Integer:
		if _, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err != nil {
			return fmt.Errorf("attribute %q: %q is not a valid integer", a.Name, v)
		}
	case PositiveInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("attribute %q: %q is not a valid positive integer", a.Name, v)
		}
	case Decimal:
		if _, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return fmt.Errorf("attribute %q: %q is not a valid decimal", a.Name, v)
		}
	}
	if len(a.Enum) > 0 {
		for _, allowed := range a.Enum {
			if v == allowed {
				return nil
			}
		}
		return fmt.Errorf("attribute %q: %q is not one of %s", a.Name, v, strings.Join(a.Enum, ", "))
	}
	return nil
}
