package operators

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

// Period units accepted by the unit attribute.
var periodUnits = []string{"minutes", "hours", "days", "weeks", "months", "years"}

// Period is a calendar-aware span such as "30 days" or "7 years".
type Period struct {
	N    int
	Unit string
}

// parsePeriod reads the time and unit attributes of el.
func parsePeriod(el *xmltree.Element) (Period, error) {
	rawTime, ok := el.Attr("time")
	if !ok {
		return Period{}, fmt.Errorf("%w: time is required", types.ErrInvalidAttribute)
	}
	n, err := strconv.Atoi(strings.TrimSpace(rawTime))
	if err != nil || n < 0 {
		return Period{}, fmt.Errorf("%w: time=%q", types.ErrInvalidAttribute, rawTime)
	}
	unit, ok := el.Attr("unit")
	if !ok {
		return Period{}, fmt.Errorf("%w: unit is required", types.ErrInvalidAttribute)
	}
	for _, u := range periodUnits {
		if unit == u {
			return Period{N: n, Unit: unit}, nil
		}
	}
	return Period{}, fmt.Errorf("%w: unit=%q", types.ErrInvalidAttribute, unit)
}

// AddTo returns t advanced by the period.
func (p Period) AddTo(t time.Time) time.Time {
	switch p.Unit {
	case "minutes":
		return t.Add(time.Duration(p.N) * time.Minute)
	case "hours":
		return t.Add(time.Duration(p.N) * time.Hour)
	case "days":
		return t.AddDate(0, 0, p.N)
	case "weeks":
		return t.AddDate(0, 0, 7*p.N)
	case "months":
		return t.AddDate(0, p.N, 0)
	case "years":
		return t.AddDate(p.N, 0, 0)
	default:
		return t
	}
}

func (p Period) String() string {
	return fmt.Sprintf("%d %s", p.N, p.Unit)
}

// periodAttributes declares time and unit.
func periodAttributes() []schema.AttributeDecl {
	return []schema.AttributeDecl{
		{Name: "time", Required: true, Type: schema.Integer},
		{Name: "unit", Required: true, Enum: periodUnits},
	}
}

// referenceLayouts are the timestamp forms accepted for reference times.
var referenceLayouts = []string{time.RFC3339, "2006-01-02", "20060102", "20060102150405"}

// parseReference interprets a subject value as a point in time.
func parseReference(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range referenceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
