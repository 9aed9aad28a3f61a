package operators

import (
	"fmt"
	"strings"
	"time"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/xmltree"
)

const (
	TagStudyDelete     = "study-delete"
	TagTier1Retention  = "tier1-retention"
	TagOnlineRetention = "online-retention"
)

// StudyDelete schedules deletion of the study a period after a reference
// time. refValue names the reference ("$study.date"); without it, or when it
// does not resolve to a timestamp, the execution time is used.
func StudyDelete() actions.Operator {
	attrs := append(periodAttributes(), schema.AttributeDecl{Name: "refValue"})
	return &actions.Definition{
		Name:        TagStudyDelete,
		Declaration: &schema.ElementDecl{Name: TagStudyDelete, Attributes: attrs},
		CompileFunc: compileStudyDelete,
	}
}

func compileStudyDelete(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
	p, err := parsePeriod(el)
	if err != nil {
		return nil, err
	}
	ref := el.AttrOr("refValue", "")

	return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
		base := ctx.Now()
		if path, ok := strings.CutPrefix(ref, "$"); ok {
			v, found := ctx.Lookup(path)
			if !found {
				return actions.Failed("%s: reference %s not found", TagStudyDelete, ref)
			}
			t, ok := parseReference(v)
			if !ok {
				return actions.Failed("%s: reference %s is not a timestamp", TagStudyDelete, ref)
			}
			base = t
		} else if ref != "" {
			t, ok := parseReference(ref)
			if !ok {
				return actions.Failed("%s: %q is not a timestamp", TagStudyDelete, ref)
			}
			base = t
		}
		ctx.Record(TagStudyDelete, map[string]string{
			"period": p.String(),
			"due":    p.AddTo(base).Format(time.RFC3339),
		})
		return actions.Succeeded()
	}), nil
}

// Retention keeps the subject on a storage tier for a period after the
// execution time. tag is TagTier1Retention or TagOnlineRetention.
func Retention(tag string) actions.Operator {
	return &actions.Definition{
		Name:        tag,
		Declaration: &schema.ElementDecl{Name: tag, Attributes: periodAttributes()},
		CompileFunc: func(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
			p, err := parsePeriod(el)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tag, err)
			}
			return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
				ctx.Record(tag, map[string]string{
					"period": p.String(),
					"until":  p.AddTo(ctx.Now()).Format(time.RFC3339),
				})
				return actions.Succeeded()
			}), nil
		},
	}
}
