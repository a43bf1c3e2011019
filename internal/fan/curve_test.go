package fan_test

import (
	"testing"

	"codeberg.org/mutker/gpuctl/internal/fan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurveInterpolation(t *testing.T) {
	curve := fan.NewCurve(map[int]float64{30: 0.2, 50: 0.5, 70: 1.0})

	assert.InDelta(t, 0.35, curve.RatioAt(40), 1e-9, "Expected interpolated ratio at 40°C")
	assert.InDelta(t, 0.5, curve.RatioAt(50), 1e-9, "Expected exact point ratio at 50°C")
	assert.InDelta(t, 0.75, curve.RatioAt(60), 1e-9, "Expected interpolated ratio at 60°C")
	assert.InDelta(t, 0.2, curve.RatioAt(20), 1e-9, "Expected clamp to lowest ratio")
	assert.InDelta(t, 1.0, curve.RatioAt(70), 1e-9, "Expected highest ratio at last point")
	assert.InDelta(t, 1.0, curve.RatioAt(90), 1e-9, "Expected clamp to highest ratio")
}

func TestCurveSinglePoint(t *testing.T) {
	curve := fan.NewCurve(map[int]float64{60: 0.4})

	for _, temp := range []int{-10, 0, 59, 60, 61, 120} {
		assert.InDelta(t, 0.4, curve.RatioAt(temp), 1e-9, "temperature %d", temp)
	}
}

func TestNewCurveSortsAndClamps(t *testing.T) {
	curve := fan.NewCurve(map[int]float64{70: 1.4, 30: -0.1, 50: 0.5})

	require.Len(t, curve, 3)
	assert.Equal(t, []fan.Point{{Temp: 30, Ratio: 0}, {Temp: 50, Ratio: 0.5}, {Temp: 70, Ratio: 1}}, []fan.Point(curve))
	require.NoError(t, curve.Validate())
}

func TestCurveOrDefault(t *testing.T) {
	var empty fan.Curve
	assert.Error(t, empty.Validate())
	assert.Equal(t, fan.DefaultCurve(), empty.OrDefault())

	custom := fan.NewCurve(map[int]float64{40: 0.5})
	assert.Equal(t, custom, custom.OrDefault())
}

func TestCurveValidateRejectsUnsorted(t *testing.T) {
	curve := fan.Curve{{Temp: 50, Ratio: 0.5}, {Temp: 40, Ratio: 0.6}}
	assert.Error(t, curve.Validate())

	curve = fan.Curve{{Temp: 40, Ratio: 1.5}}
	assert.Error(t, curve.Validate())
}

func TestParseMode(t *testing.T) {
	mode, err := fan.ParseMode("Static")
	require.NoError(t, err)
	assert.Equal(t, fan.ModeStatic, mode)

	mode, err = fan.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, fan.ModeCurve, mode)

	_, err = fan.ParseMode("turbo")
	assert.Error(t, err)
}
