package calc

import (
	"errors"
	"math"
	"testing"
)

func TestEval(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 / 4", 2.5},
		{"10 % 4", 2},
		{"2 ^ 3 ^ 2", 512},
		{"-2 ^ 2", -4},
		{"(-2) ^ 2", 4},
		{"--3", 3},
		{"2 * -3", -6},
		{"1.5e3 + 1", 1501},
		{".5 * 4", 2},
		{"sqrt(16) + abs(-2)", 6},
		{"max(1, 7, 3) - min(4, 2)", 5},
		{"pow(2, 10)", 1024},
		{"round(2.5) + floor(1.9) + ceil(1.1)", 6},
		{"log(1000)", 3},
		{"ln(e)", 1},
		{"SQRT(9)", 3},
		{"2 * pi", 2 * math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Eval(tt.expr)
			if err != nil {
				t.Fatalf("Eval(%q): %v", tt.expr, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	tests := []struct {
		expr   string
		syntax bool
	}{
		{"", true},
		{"1 +", true},
		{"(1 + 2", true},
		{"1 2", true},
		{"2 $ 3", true},
		{"max(1,", true},
		{"os.exit(1)", false},
		{"system(1)", false},
		{"x + 1", false},
		{"pow(2)", false},
		{"sqrt(-1)", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Eval(tt.expr)
			if err == nil {
				t.Fatalf("Eval(%q) should fail", tt.expr)
			}
			var syntaxErr *SyntaxError
			if got := errors.As(err, &syntaxErr); got != tt.syntax {
				t.Fatalf("Eval(%q) syntax error = %v, want %v (%v)", tt.expr, got, tt.syntax, err)
			}
		})
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	for _, expr := range []string{"1 / 0", "5 % (2 - 2)"} {
		if _, err := Eval(expr); !errors.Is(err, ErrDivisionByZero) {
			t.Fatalf("Eval(%q) err = %v, want ErrDivisionByZero", expr, err)
		}
	}
}
