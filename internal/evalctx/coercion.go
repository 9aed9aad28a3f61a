package evalctx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/solatis/serverrules/internal/types"
)

/*
 * Type coercion for condition evaluation.
 *
 * Condition literals arrive as XML attribute strings while subject values
 * arrive as decoded JSON, so every comparison first coerces both sides.
 *
 *   - Numeric: strict, strings are trimmed and parsed, booleans rejected
 *   - Text: lenient, every scalar is rendered as a string
 *   - Boolean: accepts bools and the literals "true"/"false"
 *   - Any: preserves the original value
 *
 * Null is reported separately from coercion failure; callers decide how a
 * missing value compares.
 */

// ValueType selects the coercion applied to a value.
type ValueType int

const (
	TypeAny ValueType = iota
	TypeNumeric
	TypeText
	TypeBoolean
)

// CoercionResult holds the coerced value or indicates null.
type CoercionResult struct {
	Value  any  // coerced value (valid only if !IsNull)
	IsNull bool // true if input was nil/null
}

// Coerce attempts to convert value to the requested type.
// Returns CoercionResult with IsNull=true for nil input.
// Returns ErrCoercionFailed for impossible coercions.
func Coerce(value any, t ValueType) (CoercionResult, error) {
	if value == nil {
		return CoercionResult{IsNull: true}, nil
	}

	switch t {
	case TypeNumeric:
		return coerceNumeric(value)
	case TypeText:
		return coerceText(value)
	case TypeBoolean:
		return coerceBoolean(value)
	case TypeAny:
		return CoercionResult{Value: value}, nil
	default:
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

// coerceNumeric converts value to float64.
// Whitespace-only strings return ErrCoercionFailed.
func coerceNumeric(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case float64:
		return CoercionResult{Value: v}, nil
	case int:
		return CoercionResult{Value: float64(v)}, nil
	case int64:
		return CoercionResult{Value: float64(v)}, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return CoercionResult{}, types.ErrCoercionFailed
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return CoercionResult{}, types.ErrCoercionFailed
		}
		return CoercionResult{Value: f}, nil
	default:
		return CoercionResult{}, types.ErrCoercionFailed
	}
}

func coerceText(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case string:
		return CoercionResult{Value: v}, nil
	case float64:
		return CoercionResult{Value: strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case int:
		return CoercionResult{Value: strconv.Itoa(v)}, nil
	case int64:
		return CoercionResult{Value: strconv.FormatInt(v, 10)}, nil
	case bool:
		return CoercionResult{Value: strconv.FormatBool(v)}, nil
	case map[string]any, []any:
		// Structured values never compare as text.
		return CoercionResult{}, types.ErrCoercionFailed
	default:
		return CoercionResult{Value: fmt.Sprintf("%v", v)}, nil
	}
}

func coerceBoolean(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case bool:
		return CoercionResult{Value: v}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return CoercionResult{Value: true}, nil
		case "false":
			return CoercionResult{Value: false}, nil
		}
	}
	return CoercionResult{}, types.ErrCoercionFailed
}

// Equal reports whether a and b are equal after coercion. Numbers compare
// numerically when both sides coerce, booleans as booleans, everything else
// as text. Two nulls are equal; a null never equals a non-null.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	if _, isBool := a.(bool); isBool {
		return equalAs(a, b, TypeBoolean)
	}
	if _, isBool := b.(bool); isBool {
		return equalAs(a, b, TypeBoolean)
	}
	return equalAs(a, b, TypeText)
}

func equalAs(a, b any, t ValueType) bool {
	ca, errA := Coerce(a, t)
	cb, errB := Coerce(b, t)
	if errA != nil || errB != nil {
		return false
	}
	return ca.Value == cb.Value
}

// Compare performs a three-way comparison of a and b (-1/0/1). Numbers
// compare numerically when both sides coerce, otherwise as text. ok is false
// when either side is null or cannot be rendered.
func Compare(a, b any) (cmp int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if na, nb, ok := asNumbers(a, b); ok {
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	ta, errA := Coerce(a, TypeText)
	tb, errB := Coerce(b, TypeText)
	if errA != nil || errB != nil {
		return 0, false
	}
	return strings.Compare(ta.Value.(string), tb.Value.(string)), true
}

// asNumbers coerces both values to float64.
func asNumbers(a, b any) (float64, float64, bool) {
	if _, isBool := a.(bool); isBool {
		return 0, 0, false
	}
	if _, isBool := b.(bool); isBool {
		return 0, 0, false
	}
	na, errA := Coerce(a, TypeNumeric)
	nb, errB := Coerce(b, TypeNumeric)
	if errA != nil || errB != nil {
		return 0, 0, false
	}
	return na.Value.(float64), nb.Value.(float64), true
}
