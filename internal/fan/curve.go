package fan

import (
	"fmt"
	"sort"
)

// Point is a single curve entry: at Temp degrees Celsius the fan runs at Ratio.
type Point struct {
	Temp  int
	Ratio float64
}

// Curve maps temperature to a fan ratio in [0,1]. Points are kept sorted
// by strictly increasing temperature.
type Curve []Point

// NewCurve builds a sorted curve from a temperature -> ratio map.
// Ratios are clamped to [0,1].
func NewCurve(points map[int]float64) Curve {
	curve := make(Curve, 0, len(points))
	for temp, ratio := range points {
		curve = append(curve, Point{Temp: temp, Ratio: clampRatio(ratio)})
	}
	sort.Slice(curve, func(i, j int) bool { return curve[i].Temp < curve[j].Temp })

	return curve
}

// DefaultCurve is used whenever a configured curve is empty.
func DefaultCurve() Curve {
	return NewCurve(map[int]float64{
		40: 0.3,
		50: 0.35,
		60: 0.5,
		70: 0.75,
		80: 1.0,
	})
}

// OrDefault returns c, or the default curve when c is empty.
func (c Curve) OrDefault() Curve {
	if len(c) == 0 {
		return DefaultCurve()
	}
	return c
}

// Map returns the curve as a temperature -> ratio map.
func (c Curve) Map() map[int]float64 {
	out := make(map[int]float64, len(c))
	for _, p := range c {
		out[p.Temp] = p.Ratio
	}
	return out
}

// Validate checks the curve invariants.
func (c Curve) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("curve has no points")
	}
	for i, p := range c {
		if p.Ratio < 0 || p.Ratio > 1 {
			return fmt.Errorf("ratio %v at %d°C out of range", p.Ratio, p.Temp)
		}
		if i > 0 && c[i-1].Temp >= p.Temp {
			return fmt.Errorf("temperatures not strictly increasing at %d°C", p.Temp)
		}
	}
	return nil
}

// RatioAt evaluates the curve at temp. Temperatures outside the curve clamp
// to the first or last ratio; anything in between is interpolated linearly.
func (c Curve) RatioAt(temp int) float64 {
	if len(c) == 0 {
		return 1.0
	}

	first, last := c[0], c[len(c)-1]
	if temp <= first.Temp {
		return first.Ratio
	}
	if temp >= last.Temp {
		return last.Ratio
	}

	// index of the first point strictly above temp
	upper := sort.Search(len(c), func(i int) bool { return c[i].Temp > temp })
	low, high := c[upper-1], c[upper]

	span := float64(high.Temp - low.Temp)
	offset := float64(temp - low.Temp)

	return low.Ratio + (high.Ratio-low.Ratio)*offset/span
}

func clampRatio(ratio float64) float64 {
	return max(0, min(ratio, 1))
}
