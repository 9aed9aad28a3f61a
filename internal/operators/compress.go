package operators

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

const (
	TagCompress    = "compress"
	TagGrantAccess = "grant-access"
)

var codecs = []string{"jpeg-lossless", "jpeg2000-lossless", "jpeg2000-lossy", "rle"}

// Compress requests transcoding with one of the supported codecs. quality
// (1-100) is only meaningful for jpeg2000-lossy.
func Compress() actions.Operator {
	return &actions.Definition{
		Name: TagCompress,
		Declaration: &schema.ElementDecl{
			Name: TagCompress,
			Attributes: []schema.AttributeDecl{
				{Name: "codec", Required: true, Enum: codecs},
				{Name: "quality", Type: schema.PositiveInteger},
			},
		},
		CompileFunc: compileCompress,
	}
}

func compileCompress(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
	codec := el.AttrOr("codec", "")
	known := false
	for _, c := range codecs {
		if codec == c {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: codec=%q", types.ErrInvalidAttribute, codec)
	}

	params := map[string]string{"codec": codec}
	if raw, ok := el.Attr("quality"); ok {
		q, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || q < 1 || q > 100 {
			return nil, fmt.Errorf("%w: quality=%q", types.ErrInvalidAttribute, raw)
		}
		if codec != "jpeg2000-lossy" {
			return nil, fmt.Errorf("%w: quality only applies to jpeg2000-lossy", types.ErrInvalidAttribute)
		}
		params["quality"] = strconv.Itoa(q)
	}

	return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
		ctx.Record(TagCompress, copyParams(params))
		return actions.Succeeded()
	}), nil
}

// GrantAccess gives an authority group access to the subject.
func GrantAccess() actions.Operator {
	return &actions.Definition{
		Name: TagGrantAccess,
		Declaration: &schema.ElementDecl{
			Name:       TagGrantAccess,
			Attributes: []schema.AttributeDecl{{Name: "group", Required: true}},
		},
		CompileFunc: func(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
			group := strings.TrimSpace(el.AttrOr("group", ""))
			if group == "" {
				return nil, fmt.Errorf("%w: group is required", types.ErrInvalidAttribute)
			}
			return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
				ctx.Record(TagGrantAccess, map[string]string{"group": group})
				return actions.Succeeded()
			}), nil
		},
	}
}

// copyParams keeps recorded decisions independent of the compiled unit.
func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
