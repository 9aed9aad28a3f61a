// Package xmltree provides a minimal element tree over encoding/xml.
//
// Rule bodies are small documents that the compilers walk element by
// element in document order. Only elements, attributes and character data
// are kept; comments and processing instructions are dropped and names are
// reduced to their local part.
package xmltree

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/solatis/serverrules/internal/types"
)

// Attr is a single element attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is one XML element with its attributes and child elements.
// Elements are not mutated after parsing and may be shared between goroutines.
type Element struct {
	Name     string
	Attrs    []Attr
	Children []*Element
	Text     string
}

// Parse reads a single-rooted document from r.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	var root *Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if root != nil {
			return nil, errors.New("parse xml: multiple root elements")
		}
		root, err = parseElement(dec, start, 1)
		if err != nil {
			return nil, err
		}
	}
	if root == nil {
		return nil, errors.New("parse xml: no root element")
	}
	return root, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Element, error) {
	return Parse(strings.NewReader(s))
}

func parseElement(dec *xml.Decoder, start xml.StartElement, depth int) (*Element, error) {
	if depth > types.MaxElementDepth {
		return nil, types.ErrTooDeep
	}
	el := &Element{Name: start.Name.Local}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		el.Attrs = append(el.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: element <%s>: %w", el.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseElement(dec, t, depth+1)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			el.Text = strings.TrimSpace(text.String())
			return el, nil
		}
	}
}

// Attr returns the value of the named attribute and whether it is present.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the named attribute or def when it is absent.
func (e *Element) AttrOr(name, def string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return def
}

// Child returns the first child element with the given name, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Encode writes the element and its subtree to enc.
func (e *Element) Encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Name}}
	for _, a := range e.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := c.Encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// MarshalChildren serializes the child elements of e as an XML fragment,
// in document order and without the enclosing element.
func MarshalChildren(e *Element) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for _, c := range e.Children {
		if err := c.Encode(enc); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String renders the element subtree; intended for logs and error messages.
func (e *Element) String() string {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := e.Encode(enc); err != nil {
		return "<" + e.Name + ">"
	}
	_ = enc.Flush()
	return buf.String()
}
