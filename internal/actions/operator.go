package actions

import (
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/xmltree"
)

// Operator compiles one element tag into a Unit.
type Operator interface {
	// Tag is the element name the operator handles.
	Tag() string
	// Compile turns el into a Unit. Operators with nested action bodies
	// call c.CompileChildren.
	Compile(el *xmltree.Element, c *Compiler) (Unit, error)
	// Schema describes the element, or returns nil to contribute nothing.
	Schema() *schema.ElementDecl
}

// Definition is an Operator assembled from its parts.
type Definition struct {
	Name        string
	Declaration *schema.ElementDecl
	CompileFunc func(el *xmltree.Element, c *Compiler) (Unit, error)
}

func (d *Definition) Tag() string { return d.Name }

func (d *Definition) Schema() *schema.ElementDecl { return d.Declaration }

func (d *Definition) Compile(el *xmltree.Element, c *Compiler) (Unit, error) {
	return d.CompileFunc(el, c)
}
