package extruder

import (
	"fmt"

	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/gcode"
)

func (es *ExtruderStepper) registerCommands(d *gcode.Dispatcher) error {
	for _, c := range []struct {
		name, key string
		h         gcode.Handler
	}{
		{"SET_PRESSURE_ADVANCE", "EXTRUDER", es.cmdSetPressureAdvance},
		{"SET_EXTRUDER_ROTATION_DISTANCE", "EXTRUDER", es.cmdSetRotationDistance},
		{"SYNC_EXTRUDER_MOTION", "EXTRUDER", es.cmdSyncExtruderMotion},
		{"SET_EXTRUDER_STEP_DISTANCE", "EXTRUDER", es.cmdSetStepDistance},
		{"SYNC_STEPPER_TO_EXTRUDER", "STEPPER", es.cmdSyncStepperToExtruder},
	} {
		if err := d.RegisterMuxCommand(c.name, c.key, es.name, c.h); err != nil {
			return err
		}
	}
	return nil
}

func (es *ExtruderStepper) cmdSetPressureAdvance(cmd *gcode.Command) error {
	curPA, curSmooth := es.PressureAdvance()
	pa, err := cmd.GetFloat("ADVANCE", curPA, config.FloatBounds{MinVal: config.Bound(0)})
	if err != nil {
		return err
	}
	smooth, err := cmd.GetFloat("SMOOTH_TIME", curSmooth,
		config.FloatBounds{MinVal: config.Bound(0), MaxVal: config.Bound(MaxSmoothTime)})
	if err != nil {
		return err
	}
	if err := es.SetPressureAdvance(pa, smooth); err != nil {
		return err
	}
	msg := fmt.Sprintf("pressure_advance: %.6f\npressure_advance_smooth_time: %.6f", pa, smooth)
	es.printer.SetRolloverInfo(es.name, fmt.Sprintf("%s: %s", es.name, msg))
	cmd.RespondInfo(msg)
	return nil
}

func (es *ExtruderStepper) cmdSetRotationDistance(cmd *gcode.Command) error {
	dist, ok, err := cmd.GetFloatOptional("DISTANCE", config.FloatBounds{})
	if err != nil {
		return err
	}
	if ok {
		if dist == 0 {
			return errors.InvalidParamError(cmd.Name, "DISTANCE", "Rotation distance can not be zero")
		}
		if err := es.SetRotationDistance(dist); err != nil {
			return err
		}
	}
	cmd.RespondInfo(fmt.Sprintf("Extruder '%s' rotation distance set to %0.6f", es.name, es.RotationDistance()))
	return nil
}

func (es *ExtruderStepper) cmdSyncExtruderMotion(cmd *gcode.Command) error {
	queue, err := cmd.GetString("MOTION_QUEUE")
	if err != nil {
		return err
	}
	if err := es.SyncToExtruder(queue); err != nil {
		return err
	}
	cmd.RespondInfo(fmt.Sprintf("Extruder '%s' now syncing with '%s'", es.name, queue))
	return nil
}

func (es *ExtruderStepper) cmdSetStepDistance(cmd *gcode.Command) error {
	dist, ok, err := cmd.GetFloatOptional("DISTANCE", config.FloatBounds{Above: config.Bound(0)})
	if err != nil {
		return err
	}
	if ok {
		if err := es.SetStepDistance(dist); err != nil {
			return err
		}
	}
	cmd.RespondInfo(fmt.Sprintf("Extruder '%s' step distance set to %0.6f", es.name, es.StepDistance()))
	return nil
}

func (es *ExtruderStepper) cmdSyncStepperToExtruder(cmd *gcode.Command) error {
	queue, err := cmd.GetString("EXTRUDER")
	if err != nil {
		return err
	}
	if err := es.SyncToExtruder(queue); err != nil {
		return err
	}
	cmd.RespondInfo(fmt.Sprintf("Extruder stepper now syncing with '%s'", queue))
	return nil
}

func (e *PrinterExtruder) registerCommands(d *gcode.Dispatcher) error {
	if e.name == "extruder" {
		if err := d.RegisterMuxCommand("SET_PRESSURE_ADVANCE", "EXTRUDER", "",
			e.cmdDefaultSetPressureAdvance); err != nil {
			return err
		}
	}
	return d.RegisterMuxCommand("ACTIVATE_EXTRUDER", "EXTRUDER", e.name, e.cmdActivateExtruder)
}

// cmdDefaultSetPressureAdvance applies to the stepper of the active
// extruder, provided that stepper is still following it.
func (e *PrinterExtruder) cmdDefaultSetPressureAdvance(cmd *gcode.Command) error {
	active, ok := e.sched.GetExtruder().(*PrinterExtruder)
	if !ok || active.stepper == nil {
		return errors.NoStepperError("Active extruder does not have a stepper")
	}
	target := active.stepper
	if b := target.stepper.Binding(); !b.IsBound() || b.Handle() != active.trapq {
		return errors.AmbiguousStepperError("Unable to infer active extruder stepper")
	}
	return target.cmdSetPressureAdvance(cmd)
}

func (e *PrinterExtruder) cmdActivateExtruder(cmd *gcode.Command) error {
	activated, err := e.Activate()
	if err != nil {
		return err
	}
	if !activated {
		cmd.RespondInfo(fmt.Sprintf("Extruder %s already active", e.name))
		return nil
	}
	cmd.RespondInfo(fmt.Sprintf("Activating extruder %s", e.name))
	return nil
}
