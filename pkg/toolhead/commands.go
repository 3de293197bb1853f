package toolhead

import (
	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/gcode"
	"klipper-go-extruder/pkg/kinematics"
)

// defaultSpeed is the feed rate in mm/s until a command sets F.
const defaultSpeed = 25.0

// GetStatus returns the object status published to status clients.
func (th *Toolhead) GetStatus(eventtime float64) map[string]any {
	st := th.Status()
	return map[string]any{
		"print_time":      st.PrintTime,
		"position":        st.Position,
		"extruder":        st.Extruder,
		"kin_flush_delay": st.KinFlushDelay,
		"max_velocity":    th.limits.MaxVelocity,
		"max_accel":       th.limits.MaxAccel,
	}
}

// RegisterCommands adds the motion commands to d. Coordinates are
// absolute for every axis and F is in mm/min.
func (th *Toolhead) RegisterCommands(d *gcode.Dispatcher) error {
	move := &moveCommands{th: th, speed: defaultSpeed}
	for name, h := range map[string]gcode.Handler{
		"G0":   move.cmdG1,
		"G1":   move.cmdG1,
		"G4":   move.cmdG4,
		"M400": move.cmdM400,
	} {
		if err := d.RegisterCommand(name, h); err != nil {
			return err
		}
	}
	return nil
}

type moveCommands struct {
	th    *Toolhead
	speed float64
}

var axisNames = [kinematics.NumAxes]string{"X", "Y", "Z", "E"}

func (m *moveCommands) cmdG1(cmd *gcode.Command) error {
	pos := m.th.GetPosition()
	for i, axis := range axisNames {
		v, ok, err := cmd.GetFloatOptional(axis, config.FloatBounds{})
		if err != nil {
			return err
		}
		if ok {
			pos[i] = v
		}
	}
	speed := m.speed
	f, ok, err := cmd.GetFloatOptional("F", config.FloatBounds{Above: config.Bound(0)})
	if err != nil {
		return err
	}
	if ok {
		speed = f / 60
	}
	if err := m.th.Move(pos, speed); err != nil {
		return err
	}
	m.speed = speed
	return nil
}

func (m *moveCommands) cmdG4(cmd *gcode.Command) error {
	ms, err := cmd.GetFloat("P", 0, config.FloatBounds{MinVal: config.Bound(0)})
	if err != nil {
		return err
	}
	return m.th.Dwell(ms / 1000)
}

func (m *moveCommands) cmdM400(cmd *gcode.Command) error {
	if _, err := m.th.GetLastMoveTime(); err != nil {
		return err
	}
	return m.th.FlushStepGeneration()
}
