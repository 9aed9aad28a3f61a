package actions

import (
	"bytes"
	"fmt"

	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/xmltree"
)

// Compiler turns action bodies into Sets using the operators of one
// registry.
type Compiler struct {
	registry *Registry
	cache    *SchemaCache
}

// NewCompiler returns a compiler over registry. cache may be shared between
// compilers as long as each schema context names one vocabulary; a nil cache
// gets a private one.
func NewCompiler(registry *Registry, cache *SchemaCache) *Compiler {
	if cache == nil {
		cache = NewSchemaCache()
	}
	return &Compiler{registry: registry, cache: cache}
}

// Compile compiles the child elements of el into a Set. When validate is
// set, the children are first validated against the union of operator
// schemas cached under schemaContext. Any failure aborts the compile.
// An unregistered top-level tag is reported as *UnknownActionTagError
// whether or not validation is on.
func (c *Compiler) Compile(el *xmltree.Element, schemaContext string, validate bool) (*Set, error) {
	if validate {
		for _, child := range el.Children {
			if _, err := c.registry.Resolve(child.Name); err != nil {
				return nil, &UnknownActionTagError{Tag: child.Name}
			}
		}
		if err := c.validate(el, schemaContext); err != nil {
			return nil, err
		}
	}
	return c.CompileChildren(el)
}

// CompileChildren compiles the child elements of el without validation.
// Operators with nested bodies use it; the top-level compile has already
// validated the whole tree.
func (c *Compiler) CompileChildren(el *xmltree.Element) (*Set, error) {
	units := make([]Unit, 0, len(el.Children))
	for _, child := range el.Children {
		op, err := c.registry.Resolve(child.Name)
		if err != nil {
			return nil, &UnknownActionTagError{Tag: child.Name}
		}
		u, err := op.Compile(child, c)
		if err != nil {
			return nil, fmt.Errorf("<%s>: %w", child.Name, err)
		}
		units = append(units, u)
	}
	return &Set{units: units}, nil
}

func (c *Compiler) validate(el *xmltree.Element, schemaContext string) error {
	s, err := c.cache.Get(schemaContext, func() (*schema.Schema, error) {
		return schema.Compile(c.registry.schemaDecls()...)
	})
	if err != nil {
		return fmt.Errorf("build schema %q: %w", schemaContext, err)
	}
	fragment, err := xmltree.MarshalChildren(el)
	if err != nil {
		return fmt.Errorf("serialize action body: %w", err)
	}
	return s.Validate(bytes.NewReader(fragment))
}
