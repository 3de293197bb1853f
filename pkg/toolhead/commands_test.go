package toolhead

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/gcode"
)

func TestMoveCommands(t *testing.T) {
	th := newTestToolhead(t)
	d := gcode.NewDispatcher()
	require.NoError(t, th.RegisterCommands(d))

	_, err := d.Run("G1 X10 F6000")
	require.NoError(t, err)
	_, err = d.Run("M400")
	require.NoError(t, err)
	// The flush generates steps kin_flush_delay past the move end and new
	// motion starts another kin_flush_delay after that.
	assert.InDelta(t, 0.2+2*sdsCheckTime, th.PrintTime(), 1e-9)

	_, err = d.Run("G4 P500")
	require.NoError(t, err)
	assert.InDelta(t, 0.7+2*sdsCheckTime, th.PrintTime(), 1e-9)

	// The feed rate is remembered.
	_, err = d.Run("G0 X0")
	require.NoError(t, err)
	pt, err := th.GetLastMoveTime()
	require.NoError(t, err)
	assert.InDelta(t, 0.9+2*sdsCheckTime, pt, 1e-9)
	assert.Equal(t, []float64{0, 0, 0, 0}, th.GetPosition())
}

func TestMoveCommandErrors(t *testing.T) {
	th := newTestToolhead(t)
	d := gcode.NewDispatcher()
	require.NoError(t, th.RegisterCommands(d))

	_, err := d.Run("G1 X10 E1")
	assert.True(t, errors.Is(err, errors.ErrNoExtruder))
	_, err = d.Run("G1 X10 F0")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	_, err = d.Run("G1 Xabc")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	_, err = d.Run("G4 P-1")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
	assert.Equal(t, []float64{0, 0, 0, 0}, th.GetPosition())

	assert.Error(t, th.RegisterCommands(d), "commands register once")
}

func TestToolheadGetStatus(t *testing.T) {
	th := newTestToolhead(t)
	th.SetExtruder(&fakeExtruder{name: "extruder", junctionV2: -1}, 0)
	require.NoError(t, th.Move([]float64{10, 0, 0, 0}, 100))
	_, err := th.GetLastMoveTime()
	require.NoError(t, err)

	st := th.GetStatus(0)
	assert.Equal(t, "extruder", st["extruder"])
	assert.Equal(t, []float64{10, 0, 0, 0}, st["position"])
	assert.InDelta(t, 0.2, st["print_time"].(float64), 1e-9)
	assert.Equal(t, 300.0, st["max_velocity"])
}
