package extruder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/gcode"
	"klipper-go-extruder/pkg/heater"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/toolhead"
)

func TestLoadBuildsObjects(t *testing.T) {
	r := newRig(t, testConfig)
	require.Len(t, r.set.Extruders, 2)
	require.Len(t, r.set.Steppers, 1)
	assert.Equal(t, "extruder", r.set.Extruders[0].Name())
	assert.Equal(t, "extruder1", r.set.Extruders[1].Name())
	assert.Equal(t, "belted", r.set.Steppers[0].Name())
	assert.Nil(t, r.extruder(t, "extruder1").Stepper())

	e, err := printer.Lookup[*PrinterExtruder](r.printer, "extruder")
	require.NoError(t, err)
	assert.Same(t, r.set.Extruders[0], e)
	assert.Equal(t, toolhead.Extruder(e), r.th.GetExtruder())

	assert.Equal(t, []string{"extruder", "extruder1"}, r.heaters.Names())
	assert.Empty(t, r.cfg.UnusedSections())
	assert.Contains(t, r.gcode.Commands(), "SYNC_STEPPER_TO_EXTRUDER")
	assert.Contains(t, r.gcode.Commands(), "ACTIVATE_EXTRUDER")
}

func TestLoadStopsAtFirstGap(t *testing.T) {
	r := newRig(t, `
[extruder]
nozzle_diameter: 0.4
filament_diameter: 1.75
initial_temperature: 210

[extruder2]
nozzle_diameter: 0.4
filament_diameter: 1.75
`)
	assert.Len(t, r.set.Extruders, 1)
	assert.Equal(t, []string{"extruder2"}, r.cfg.UnusedSections())
	assert.Error(t, r.cfg.CheckUnused())
}

func TestLoadWithoutExtruderInstallsDummy(t *testing.T) {
	r := newRig(t, "[printer]\nmax_velocity: 300\n")
	assert.Empty(t, r.set.Extruders)
	assert.Equal(t, toolhead.Extruder(DummyExtruder{}), r.th.GetExtruder())

	err := r.th.Move([]float64{0, 0, 0, 1}, 10)
	assert.True(t, errors.Is(err, errors.ErrNoExtruder))
	assert.NoError(t, r.th.Move([]float64{10, 0, 0, 0}, 10))
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		code errors.ErrorCode
	}{
		{"missing nozzle", "[extruder]\nfilament_diameter: 1.75\n", errors.ErrConfigOption},
		{"filament below nozzle", "[extruder]\nnozzle_diameter: 0.4\nfilament_diameter: 0.2\n", errors.ErrConfigValidation},
		{"bad smooth time", "[extruder]\nnozzle_diameter: 0.4\nfilament_diameter: 1.75\n" +
			"step_pin: PA5\ndir_pin: PA4\nrotation_distance: 32\nmicrosteps: 16\n" +
			"pressure_advance_smooth_time: 0.5\n", errors.ErrConfigValidation},
		{"stepper missing dir pin", "[extruder]\nnozzle_diameter: 0.4\nfilament_diameter: 1.75\n" +
			"step_pin: PA5\nrotation_distance: 32\nmicrosteps: 16\n", errors.ErrConfigOption},
		{"unknown shared heater", "[extruder]\nnozzle_diameter: 0.4\nfilament_diameter: 1.75\n" +
			"shared_heater: nope\n", errors.ErrConfigValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.LoadString(tt.text)
			require.NoError(t, err)
			th, err := toolhead.New(toolhead.Config{MaxVelocity: 300, MaxAccel: 3000}, nil)
			require.NoError(t, err)
			_, err = Load(cfg, printer.New(), th, heater.NewHeaters(), gcode.NewDispatcher(), nil)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestExtruderStepperBadSyncTargetFailsConnect(t *testing.T) {
	cfg, err := config.LoadString(`
[extruder_stepper belted]
step_pin: PB1
dir_pin: PB2
rotation_distance: 8
microsteps: 16
extruder: extruder3
`)
	require.NoError(t, err)
	th, err := toolhead.New(toolhead.Config{MaxVelocity: 300, MaxAccel: 3000}, nil)
	require.NoError(t, err)
	p := printer.New()
	_, err = Load(cfg, p, th, heater.NewHeaters(), gcode.NewDispatcher(), nil)
	require.NoError(t, err)
	err = p.SendEvent(printer.EventConnect)
	assert.True(t, errors.Is(err, errors.ErrUnknownMotionQueue))
}

func TestSharedHeater(t *testing.T) {
	r := newRig(t, `
[extruder]
nozzle_diameter: 0.4
filament_diameter: 1.75

[extruder1]
nozzle_diameter: 0.4
filament_diameter: 1.75
shared_heater: extruder
`)
	h, err := r.heaters.Lookup("extruder")
	require.NoError(t, err)
	assert.Same(t, h, r.extruder(t, "extruder1").Heater())
	assert.Equal(t, []string{"extruder"}, r.heaters.Names())
}

func TestActivateExtruder(t *testing.T) {
	r := newRig(t, testConfig)
	var activated []any
	r.printer.RegisterEventHandler(printer.EventActivateExtruder, func(args ...any) error {
		activated = append(activated, args...)
		return nil
	})

	assert.Equal(t, []string{"Extruder extruder already active"},
		r.run(t, "ACTIVATE_EXTRUDER EXTRUDER=extruder"))
	assert.Empty(t, activated)

	require.NoError(t, r.th.Move([]float64{10, 0, 0, 0.5}, 100))
	assert.Equal(t, []string{"Activating extruder extruder1"},
		r.run(t, "ACTIVATE_EXTRUDER EXTRUDER=extruder1"))
	assert.Equal(t, "extruder1", r.th.GetExtruder().Name())
	assert.Equal(t, 0.0, r.th.GetPosition()[3], "extruder1 continues from its own position")
	assert.Equal(t, 0.5, r.extruder(t, "extruder").LastPosition())

	require.NoError(t, r.th.Move([]float64{20, 0, 0, 0.25}, 100))
	r.run(t, "ACTIVATE_EXTRUDER EXTRUDER=extruder")
	assert.Equal(t, 0.5, r.th.GetPosition()[3])
	assert.Equal(t, 0.25, r.extruder(t, "extruder1").LastPosition())
	assert.Equal(t, []any{"extruder1", "extruder"}, activated)
	assert.Equal(t, "extruder", r.th.Status().Extruder)

	err := r.runErr("ACTIVATE_EXTRUDER EXTRUDER=extruder7")
	assert.True(t, errors.Is(err, errors.ErrInvalidParam))
}

func TestDummyExtruder(t *testing.T) {
	var d DummyExtruder
	assert.Equal(t, "", d.Name())
	assert.Equal(t, 0.0, d.LastPosition())
	assert.Empty(t, d.GetStatus(0))
	assert.Equal(t, 0.0, d.FindPastPosition(1))
}
