package fees

import (
	"math"
	"testing"
)

func TestKalshiFee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		qty  float64
		p    float64
		want float64
	}{
		// 0.07 * 10 * 0.48 * 0.52 = 0.17472 -> 0.18
		{"ten at 48c", 10, 0.48, 0.18},
		// 0.07 * 1 * 0.50 * 0.50 = 0.0175 -> 0.02
		{"one at 50c", 1, 0.50, 0.02},
		// 0.07 * 25 * 0.10 * 0.90 = 0.1575 -> 0.16
		{"twenty-five at 10c", 25, 0.10, 0.16},
		// exact cent stays: 0.07 * 100 * 0.50 * 0.50 = 1.75
		{"exact cent", 100, 0.50, 1.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Kalshi(tt.qty, tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Kalshi(%v, %v) = %v, want %v", tt.qty, tt.p, got, tt.want)
			}
		})
	}
}

func TestPolymarketFee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		qty  float64
		p    float64
		want float64
	}{
		// 10 * 0.47 * 0.25 * (0.47*0.53)^2 = 1.175 * 0.06204729... = 0.072905...
		{"ten at 47c", 10, 0.47, 0.0730},
		// 1 * 0.50 * 0.25 * 0.0625 = 0.0078125 -> 0.0079
		{"one at 50c", 1, 0.50, 0.0079},
		// qty 0 is free
		{"zero qty", 0, 0.50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Polymarket(tt.qty, tt.p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Polymarket(%v, %v) = %v, want %v", tt.qty, tt.p, got, tt.want)
			}
		})
	}
}

func TestBoxBuffer(t *testing.T) {
	t.Parallel()

	qty := 10.0
	got := BoxBuffer(qty, 0.48, 0.47)
	want := Kalshi(qty, 0.48) + Polymarket(qty, 0.47)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("BoxBuffer = %v, want sum of legs %v", got, want)
	}
}

func TestCeilRoundingModes(t *testing.T) {
	t.Parallel()

	if got := CeilCents(0.1701); got != 0.18 {
		t.Errorf("CeilCents(0.1701) = %v, want 0.18", got)
	}
	if got := CeilCents(0.17); got != 0.17 {
		t.Errorf("CeilCents(0.17) = %v, want 0.17", got)
	}
	if got := Ceil4dp(0.00781); got != 0.0079 {
		t.Errorf("Ceil4dp(0.00781) = %v, want 0.0079", got)
	}
	if got := Ceil4dp(0.0078); got != 0.0078 {
		t.Errorf("Ceil4dp(0.0078) = %v, want 0.0078", got)
	}
}
