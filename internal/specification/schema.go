package specification

import "github.com/solatis/serverrules/internal/schema"

// commonAttributes are accepted on every condition element.
var commonAttributes = []schema.AttributeDecl{
	{Name: "test"},
	{Name: "expressionLanguage"},
	{Name: "failMessage"},
}

func required(name string) schema.AttributeDecl {
	return schema.AttributeDecl{Name: name, Required: true}
}

func optional(name string, t schema.AttrType) schema.AttributeDecl {
	return schema.AttributeDecl{Name: name, Type: t}
}

func withCommon(attrs []schema.AttributeDecl) []schema.AttributeDecl {
	out := make([]schema.AttributeDecl, 0, len(attrs)+len(commonAttributes))
	out = append(out, commonAttributes...)
	return append(out, attrs...)
}

// decl declares an element without children.
func decl(name string, attrs ...schema.AttributeDecl) *schema.ElementDecl {
	return &schema.ElementDecl{Name: name, Attributes: withCommon(attrs)}
}

// container declares an element whose children are condition elements.
func container(name string, minChildren int, attrs ...schema.AttributeDecl) *schema.ElementDecl {
	return &schema.ElementDecl{
		Name:       name,
		Attributes: withCommon(attrs),
		Content:    schema.ContentGlobal,
		MinOccurs:  minChildren,
	}
}

func caseDecl() *schema.ElementDecl {
	return &schema.ElementDecl{
		Name:       "case",
		Attributes: withCommon(nil),
		Content:    schema.ContentLocal,
		MinOccurs:  1,
		Elements: []*schema.ElementDecl{
			{Name: "when", Content: schema.ContentGlobal, MinOccurs: 1},
			{Name: "then", Content: schema.ContentGlobal, MinOccurs: 1},
			{Name: "else", Content: schema.ContentGlobal, MinOccurs: 1, MaxOccurs: 1},
		},
	}
}
