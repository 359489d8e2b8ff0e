package orchestrator

import "testing"

func TestParseCPUToNanoCPUs(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"500m", 500_000_000},
		{"2000m", 2_000_000_000},
		{"1", 1_000_000_000},
		{"1.5", 1_500_000_000},
		{"0.25", 250_000_000},
	}
	for _, c := range cases {
		if got := parseCPUToNanoCPUs(c.in); got != c.want {
			t.Errorf("parseCPUToNanoCPUs(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
