package kinematics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = Limits{MaxVelocity: 300, MaxAccel: 3000, JunctionDeviation: JunctionDeviation(5, 3000)}

func TestNewMoveTravel(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{30, 40, 0, 2}, 100, testLimits)

	assert.True(t, mv.IsKinematicMove)
	assert.InDelta(t, 50.0, mv.MoveD, 1e-12)
	assert.InDelta(t, 0.04, mv.ExtrudeRatio(), 1e-12)
	assert.InDelta(t, 100.0*100.0, mv.MaxCruiseV2, 1e-9)
	assert.InDelta(t, 0.5, mv.MinMoveT, 1e-12)
	assert.InDelta(t, 2*50.0*3000.0, mv.DeltaV2, 1e-6)
	assert.True(t, mv.HasTravel())
}

func TestNewMoveSpeedCappedByLimits(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 0}, 1000, testLimits)
	assert.InDelta(t, 300.0*300.0, mv.MaxCruiseV2, 1e-9)
}

func TestNewMoveExtrudeOnly(t *testing.T) {
	mv := NewMove([]float64{5, 5, 1, 0}, []float64{5, 5, 1, -3}, 40, testLimits)

	assert.False(t, mv.IsKinematicMove)
	assert.False(t, mv.HasTravel())
	assert.InDelta(t, 3.0, mv.MoveD, 1e-12)
	assert.InDelta(t, -1.0, mv.ExtrudeRatio(), 1e-12)
	assert.Equal(t, extrudeOnlyAccel, mv.Accel)
	assert.Equal(t, []float64{5, 5, 1, -3}, mv.EndPos)
}

func TestLimitSpeedOnlyLowers(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 1}, 50, testLimits)

	mv.LimitSpeed(100, 5000)
	assert.InDelta(t, 2500.0, mv.MaxCruiseV2, 1e-9, "raising the speed cap must be ignored")
	assert.Equal(t, 3000.0, mv.Accel, "raising the accel cap must be ignored")

	mv.LimitSpeed(20, 1000)
	assert.InDelta(t, 400.0, mv.MaxCruiseV2, 1e-9)
	assert.Equal(t, 1000.0, mv.Accel)
	assert.InDelta(t, 0.5, mv.MinMoveT, 1e-12)
	assert.InDelta(t, 2*10.0*1000.0, mv.DeltaV2, 1e-9)
}

func TestCloneIsDeep(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 1}, 50, testLimits)
	c := mv.Clone()
	c.LimitSpeed(1, 1)
	c.AxesR[ExtrudeAxis] = 9

	assert.InDelta(t, 2500.0, mv.MaxCruiseV2, 1e-9)
	assert.InDelta(t, 0.1, mv.AxesR[ExtrudeAxis], 1e-12)
}

func TestSetJunctionTrapezoid(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{100, 0, 0, 0}, 100, testLimits)
	mv.SetJunction(0, 100*100, 0)

	// 100mm/s at 3000mm/s^2 takes 1/30s and 1.667mm each way.
	require.InDelta(t, 1.0/30.0, mv.AccelT, 1e-9)
	require.InDelta(t, 1.0/30.0, mv.DecelT, 1e-9)
	accelD := 100.0 * 100.0 / (2 * 3000.0)
	assert.InDelta(t, (100.0-2*accelD)/100.0, mv.CruiseT, 1e-9)
	assert.InDelta(t, mv.AccelT+mv.CruiseT+mv.DecelT, mv.TotalTime(), 1e-12)
}

func TestCalcJunctionStraightLine(t *testing.T) {
	prev := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 0}, 100, testLimits)
	mv := NewMove([]float64{10, 0, 0, 0}, []float64{20, 0, 0, 0}, 100, testLimits)
	mv.CalcJunction(prev)
	assert.InDelta(t, math.Min(100*100, prev.DeltaV2), mv.MaxStartV2, 1e-6)

	mv.CalcJunction(prev, 25)
	assert.Equal(t, 25.0, mv.MaxStartV2, "extra axis caps combine by minimum")
}

func TestCalcJunctionReversalStops(t *testing.T) {
	prev := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 0}, 100, testLimits)
	mv := NewMove([]float64{10, 0, 0, 0}, []float64{0, 0, 0, 0}, 100, testLimits)
	mv.CalcJunction(prev)
	assert.InDelta(t, 0.0, mv.MaxStartV2, 1e-9)
}

func TestCalcJunctionSkipsExtrudeOnly(t *testing.T) {
	prev := NewMove([]float64{0, 0, 0, 0}, []float64{10, 0, 0, 1}, 100, testLimits)
	mv := NewMove([]float64{10, 0, 0, 1}, []float64{10, 0, 0, 0}, 30, testLimits)
	mv.CalcJunction(prev)
	assert.Equal(t, 0.0, mv.MaxStartV2)
}

func TestMoveString(t *testing.T) {
	mv := NewMove([]float64{0, 0, 0, 0}, []float64{1, 2, 3, 4}, 10, testLimits)
	assert.Equal(t, "1.000 2.000 3.000 [4.000]", mv.String())
}
