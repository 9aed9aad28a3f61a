package schema

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/solatis/serverrules/internal/types"
)

// ValidationError reports the first violation found in a validated stream.
type ValidationError struct {
	Path   string // slash-separated element path from the fragment root
	Line   int
	Reason string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: line %d: %s", types.ErrSchemaValidation, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: line %d: <%s>: %s", types.ErrSchemaValidation, e.Line, e.Path, e.Reason)
}

// Unwrap returns ErrSchemaValidation so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error {
	return types.ErrSchemaValidation
}

type frame struct {
	decl     *ElementDecl
	name     string
	children int
}

// Validate reads an XML fragment (a sequence of sibling elements) from r and
// checks it against the schema. Top-level elements must be global declarations.
func (s *Schema) Validate(r io.Reader) error {
	dec := xml.NewDecoder(r)
	var stack []frame

	fail := func(reason string, args ...any) error {
		names := make([]string, len(stack))
		for i, f := range stack {
			names[i] = f.name
		}
		line, _ := dec.InputPos()
		return &ValidationError{
			Path:   strings.Join(names, "/"),
			Line:   line,
			Reason: fmt.Sprintf(reason, args...),
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail("malformed xml: %v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			var decl *ElementDecl
			if len(stack) == 0 {
				decl = s.elements[name]
			} else {
				parent := &stack[len(stack)-1]
				switch parent.decl.Content {
				case ContentEmpty:
					return fail("element <%s> not allowed here", name)
				case ContentGlobal:
					decl = s.elements[name]
				case ContentLocal:
					decl = parent.decl.local(name)
				}
				parent.children++
				if parent.decl.MaxOccurs > 0 && parent.children > parent.decl.MaxOccurs {
					return fail("at most %d child elements allowed", parent.decl.MaxOccurs)
				}
			}
			if decl == nil {
				return fail("element <%s> is not declared", name)
			}
			if decl.Lax {
				if err := dec.Skip(); err != nil {
					return fail("malformed xml: %v", err)
				}
				continue
			}
			stack = append(stack, frame{decl: decl, name: name})
			if err := checkAttributes(decl, t.Attr); err != nil {
				return fail("%v", err)
			}

		case xml.EndElement:
			top := stack[len(stack)-1]
			if top.children < top.decl.MinOccurs {
				return fail("at least %d child elements required, found %d", top.decl.MinOccurs, top.children)
			}
			stack = stack[:len(stack)-1]

		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			if len(stack) == 0 || !stack[len(stack)-1].decl.Mixed {
				return fail("character data not allowed")
			}
		}
	}
	return nil
}

func checkAttributes(decl *ElementDecl, attrs []xml.Attr) error {
	present := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		ad := decl.Attribute(a.Name.Local)
		if ad == nil {
			return fmt.Errorf("attribute %q is not declared", a.Name.Local)
		}
		if err := ad.checkValue(a.Value); err != nil {
			return err
		}
		present[a.Name.Local] = true
	}
	for _, ad := range decl.Attributes {
		if ad.Required && !present[ad.Name] {
			return fmt.Errorf("missing required attribute %q", ad.Name)
		}
	}
	return nil
}
