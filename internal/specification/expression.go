package specification

import (
	"fmt"
	"strings"

	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/types"
)

// expressionLanguage is the only language accepted by the expressionLanguage
// attribute. An absent attribute selects it.
const expressionLanguage = "path"

// expression is either a literal or a field path rooted at the target.
type expression struct {
	literal string
	path    []types.PathSegment
	self    bool // bare "$"
	isPath  bool
}

func parseExpression(raw, language string) (*expression, error) {
	if language != "" && language != expressionLanguage {
		return nil, fmt.Errorf("%w: expressionLanguage %q is not supported", types.ErrInvalidAttribute, language)
	}
	if !strings.HasPrefix(raw, "$") {
		return &expression{literal: raw}, nil
	}
	if raw == "$" {
		return &expression{isPath: true, self: true}, nil
	}
	path, err := evalctx.ParsePath(raw[1:])
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", raw, err)
	}
	return &expression{isPath: true, path: path}, nil
}

// eval resolves the expression against v. Unresolvable paths yield nil.
func (e *expression) eval(v any) any {
	if !e.isPath {
		return e.literal
	}
	if e.self {
		return v
	}
	res, err := evalctx.Resolve(e.path, v)
	if err != nil || !res.Found {
		return nil
	}
	return res.Value
}
