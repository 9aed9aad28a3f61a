package operators

import (
	"fmt"
	"strings"
	"time"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

const TagAutoRoute = "auto-route"

// AutoRoute forwards the subject to a device. With startTime and endTime the
// route is only sent inside the daily window; outside it the decision
// carries the time the next window opens.
func AutoRoute() actions.Operator {
	return &actions.Definition{
		Name: TagAutoRoute,
		Declaration: &schema.ElementDecl{
			Name: TagAutoRoute,
			Attributes: []schema.AttributeDecl{
				{Name: "device", Required: true},
				{Name: "startTime"},
				{Name: "endTime"},
			},
		},
		CompileFunc: compileAutoRoute,
	}
}

// window is a daily time range in minutes since midnight. start > end wraps
// past midnight.
type window struct {
	start, end int
}

func (w window) contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.start <= w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// nextOpen returns the next time at or after t when the window opens.
func (w window) nextOpen(t time.Time) time.Time {
	open := time.Date(t.Year(), t.Month(), t.Day(), w.start/60, w.start%60, 0, 0, t.Location())
	if open.Before(t) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not HH:MM", types.ErrInvalidAttribute, raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func compileAutoRoute(el *xmltree.Element, _ *actions.Compiler) (actions.Unit, error) {
	device := strings.TrimSpace(el.AttrOr("device", ""))
	if device == "" {
		return nil, fmt.Errorf("%w: device is required", types.ErrInvalidAttribute)
	}

	startRaw, hasStart := el.Attr("startTime")
	endRaw, hasEnd := el.Attr("endTime")
	if hasStart != hasEnd {
		return nil, fmt.Errorf("%w: startTime and endTime must be given together", types.ErrInvalidAttribute)
	}
	var w *window
	if hasStart {
		start, err := parseClock(startRaw)
		if err != nil {
			return nil, err
		}
		end, err := parseClock(endRaw)
		if err != nil {
			return nil, err
		}
		w = &window{start: start, end: end}
	}

	return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
		params := map[string]string{"device": device}
		if w != nil {
			now := ctx.Now()
			if !w.contains(now) {
				params["scheduled"] = w.nextOpen(now).Format(time.RFC3339)
			}
		}
		ctx.Record(TagAutoRoute, params)
		return actions.Succeeded()
	}), nil
}
