package evalctx

import (
	"math"
	"testing"

	"github.com/solatis/serverrules/internal/types"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		valueType ValueType
		wantValue any
		wantNull  bool
		wantErr   error
	}{
		{name: "numeric: string to float64", value: "25", valueType: TypeNumeric, wantValue: 25.0},
		{name: "numeric: string with whitespace", value: "  42  ", valueType: TypeNumeric, wantValue: 42.0},
		{name: "numeric: int to float64", value: 100, valueType: TypeNumeric, wantValue: 100.0},
		{name: "numeric: int64 to float64", value: int64(999), valueType: TypeNumeric, wantValue: 999.0},
		{name: "numeric: empty string", value: "   ", valueType: TypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "numeric: boolean rejected", value: true, valueType: TypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "numeric: mixed string", value: "123abc", valueType: TypeNumeric, wantErr: types.ErrCoercionFailed},
		{name: "text: float64", value: 1.5, valueType: TypeText, wantValue: "1.5"},
		{name: "text: whole float64", value: float64(30), valueType: TypeText, wantValue: "30"},
		{name: "text: bool", value: false, valueType: TypeText, wantValue: "false"},
		{name: "text: object rejected", value: map[string]any{}, valueType: TypeText, wantErr: types.ErrCoercionFailed},
		{name: "boolean: literal", value: " TRUE ", valueType: TypeBoolean, wantValue: true},
		{name: "boolean: number rejected", value: 1.0, valueType: TypeBoolean, wantErr: types.ErrCoercionFailed},
		{name: "any: passthrough", value: "x", valueType: TypeAny, wantValue: "x"},
		{name: "null", value: nil, valueType: TypeNumeric, wantNull: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Coerce(tt.value, tt.valueType)
			if err != tt.wantErr {
				t.Fatalf("Coerce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if result.IsNull != tt.wantNull {
				t.Errorf("Coerce() IsNull = %v, want %v", result.IsNull, tt.wantNull)
			}
			if !tt.wantNull && result.Value != tt.wantValue {
				t.Errorf("Coerce() Value = %v, want %v", result.Value, tt.wantValue)
			}
		})
	}
}

func TestCoerceNumericEdgeCases(t *testing.T) {
	result, err := Coerce("+Inf", TypeNumeric)
	if err != nil {
		t.Fatalf("Coerce() unexpected error = %v", err)
	}
	if !math.IsInf(result.Value.(float64), 1) {
		t.Errorf("Coerce() Value = %v, want +Inf", result.Value)
	}

	if _, err := Coerce("1.2.3", TypeNumeric); err != types.ErrCoercionFailed {
		t.Errorf("Coerce() error = %v, want ErrCoercionFailed", err)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{float64(30), "30", true},
		{float64(30), "30.0", true},
		{int64(7), 7, true},
		{"CT", "CT", true},
		{"CT", "ct", false},
		{true, "true", true},
		{true, float64(1), false},
		{nil, nil, true},
		{nil, "", false},
		{"", nil, false},
		{map[string]any{}, "x", false},
	}

	for _, tt := range tests {
		if got := Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("Equal(%#v, %#v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b   any
		want   int
		wantOK bool
	}{
		{float64(45), "30", 1, true},
		{"9", "10", -1, true}, // numeric, not lexical
		{"abc", "abd", -1, true},
		{"2024-01-02", "2024-01-01", 1, true},
		{float64(30), 30, 0, true},
		{nil, "30", 0, false},
		{[]any{1}, "30", 0, false},
	}

	for _, tt := range tests {
		got, ok := Compare(tt.a, tt.b)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Compare(%#v, %#v) = (%d, %v), want (%d, %v)", tt.a, tt.b, got, ok, tt.want, tt.wantOK)
		}
	}
}
