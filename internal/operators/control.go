package operators

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

const (
	TagLog   = "log"
	TagNoOp  = "no-op"
	TagGroup = "group"
	TagFail  = "fail"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Log writes message to logger and records it as a decision.
func Log(logger *slog.Logger) actions.Operator {
	return &actions.Definition{
		Name: TagLog,
		Declaration: &schema.ElementDecl{
			Name: TagLog,
			Attributes: []schema.AttributeDecl{
				{Name: "message", Required: true},
				{Name: "level", Enum: []string{"debug", "info", "warn", "error"}},
			},
		},
		CompileFunc: func(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
			message, ok := el.Attr("message")
			if !ok {
				return nil, fmt.Errorf("%w: message is required", types.ErrInvalidAttribute)
			}
			levelName := el.AttrOr("level", "info")
			level, ok := logLevels[levelName]
			if !ok {
				return nil, fmt.Errorf("%w: level=%q", types.ErrInvalidAttribute, levelName)
			}
			return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
				logger.Log(context.Background(), level, message, "action", TagLog)
				ctx.Record(TagLog, map[string]string{"message": message, "level": levelName})
				return actions.Succeeded()
			}), nil
		},
	}
}

// NoOp does nothing. It contributes no schema declaration, so any
// attributes are tolerated.
func NoOp() actions.Operator {
	return &actions.Definition{
		Name: TagNoOp,
		CompileFunc: func(*xmltree.Element, *actions.Compiler) (actions.Unit, error) {
			return actions.UnitFunc(func(*evalctx.Context) actions.Outcome {
				return actions.Succeeded()
			}), nil
		},
	}
}

// Group runs a nested action body as one unit.
func Group() actions.Operator {
	return &actions.Definition{
		Name:        TagGroup,
		Declaration: &schema.ElementDecl{Name: TagGroup, Content: schema.ContentGlobal, MinOccurs: 1},
		CompileFunc: func(el *xmltree.Element, c *actions.Compiler) (actions.Unit, error) {
			set, err := c.CompileChildren(el)
			if err != nil {
				return nil, err
			}
			return set.AsUnit(), nil
		},
	}
}

// Fail always fails with message. Used to exercise failure handling in dry
// runs.
func Fail() actions.Operator {
	return &actions.Definition{
		Name: TagFail,
		Declaration: &schema.ElementDecl{
			Name:       TagFail,
			Attributes: []schema.AttributeDecl{{Name: "message", Required: true}},
		},
		CompileFunc: func(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
			message, ok := el.Attr("message")
			if !ok {
				return nil, fmt.Errorf("%w: message is required", types.ErrInvalidAttribute)
			}
			return actions.UnitFunc(func(*evalctx.Context) actions.Outcome {
				return actions.Failed("%s", message)
			}), nil
		},
	}
}
