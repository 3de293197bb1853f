package extruder

import (
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/toolhead"
)

// Activate makes e the scheduler's current extruder, continuing from its
// own last position. It reports false when e was already current.
func (e *PrinterExtruder) Activate() (bool, error) {
	if e.sched.GetExtruder() == toolhead.Extruder(e) {
		return false, nil
	}
	if err := e.sched.FlushStepGeneration(); err != nil {
		return false, err
	}
	e.sched.SetExtruder(e, e.lastPosition)
	e.metrics.RecordActivation(e.name)
	e.logger.WithField("position", e.lastPosition).Info("extruder activated")
	announce(e.printer, e.logger, printer.EventActivateExtruder, e.name)
	return true, nil
}
