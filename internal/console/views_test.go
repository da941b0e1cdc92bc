package console

import "testing"

func TestDisplayLabel(t *testing.T) {
	cases := map[string]string{
		"":                       "Unspecified Accident",
		"road traffic collision": "Road Traffic Collision",
		"FALL_FROM-height":       "Fall From Height",
		"  burn\tinjury ":        "Burn Injury",
	}
	for in, want := range cases {
		if got := displayLabel(in); got != want {
			t.Errorf("displayLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
