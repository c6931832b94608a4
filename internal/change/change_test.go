package change

import (
	"math"
	"testing"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "nil", in: nil, want: ""},
		{name: "string", in: "abc", want: "abc"},
		{name: "integral float", in: float64(42), want: "42"},
		{name: "negative float", in: float64(-7), want: "-7"},
		{name: "fractional float", in: 1.5, want: "1.5"},
		{name: "int", in: 3, want: "3"},
		{name: "int64", in: int64(9), want: "9"},
		{name: "inside int64 range", in: float64(1 << 62), want: "4611686018427387904"},
		{name: "above int64", in: math.Ldexp(1, 64), want: "18446744073709552000"},
		{name: "below int64", in: -math.Ldexp(1, 70), want: "-1180591620717411300000"},
		{name: "infinity", in: math.Inf(1), want: "+Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyString(tt.in); got != tt.want {
				t.Errorf("KeyString(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeyStringLargeIDsStayDistinct(t *testing.T) {
	a := KeyString(math.Ldexp(1, 64))
	b := KeyString(math.Ldexp(1, 65))
	if a == b {
		t.Errorf("distinct ids share key %q", a)
	}
}

func TestEventKey(t *testing.T) {
	added := Event{Kind: Added, Model: "todo", New: Record{"id": "1"}}
	if got := added.Key(); got != "1" {
		t.Errorf("Key() = %q, want 1", got)
	}
	removed := Event{Kind: Removed, Model: "todo", Old: Record{"id": float64(2)}}
	if got := removed.String(); got != "remove todo/2" {
		t.Errorf("String() = %q", got)
	}
}
