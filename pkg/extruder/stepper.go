package extruder

import (
	"math"
	"sync"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/stepper"
	"klipper-go-extruder/pkg/trapq"
)

// MaxSmoothTime is the largest accepted pressure advance smooth time.
const MaxSmoothTime = 0.200

// ExtruderStepper drives one actuator from whichever extruder queue it is
// synced to, applying pressure advance. Every change to its transform or
// binding happens only after the scheduler has flushed.
type ExtruderStepper struct {
	name    string
	stepper *stepper.Stepper
	sched   Scheduler
	printer *printer.Printer

	configPressureAdvance float64
	configSmoothTime      float64

	// Guards the applied state below for status readers.
	mu              sync.RWMutex
	pressureAdvance float64
	smoothTime      float64
	motionQueue     string

	metrics *metrics.ExtruderMetrics
	logger  *log.Logger
}

// NewExtruderStepper creates an unbound stepper. The configured pressure
// advance is applied on klippy:connect, together with step generator
// registration.
func NewExtruderStepper(name string, cfg stepper.Config, pressureAdvance, smoothTime float64,
	p *printer.Printer, sched Scheduler, m *metrics.ExtruderMetrics) (*ExtruderStepper, error) {
	if pressureAdvance < 0 {
		return nil, errors.ConfigValidationError(name, "pressure_advance", "must have minimum of 0")
	}
	if smoothTime <= 0 || smoothTime > MaxSmoothTime {
		return nil, errors.ConfigValidationError(name, "pressure_advance_smooth_time",
			"must be above 0 and at most 0.2")
	}
	st, err := stepper.New(cfg, sched.Queues())
	if err != nil {
		return nil, err
	}
	es := &ExtruderStepper{
		name:                  name,
		stepper:               st,
		sched:                 sched,
		printer:               p,
		configPressureAdvance: pressureAdvance,
		configSmoothTime:      smoothTime,
		metrics:               m,
		logger:                log.GetLogger("extruder_stepper").With(log.Fields{"stepper": name}),
	}
	p.RegisterEventHandler(printer.EventConnect, func(...any) error {
		return es.handleConnect()
	})
	return es, nil
}

func (es *ExtruderStepper) handleConnect() error {
	es.sched.RegisterStepGenerator(es.generateSteps)
	return es.SetPressureAdvance(es.configPressureAdvance, es.configSmoothTime)
}

func (es *ExtruderStepper) generateSteps(stepGenTime, clearHistoryTime float64) error {
	if err := es.stepper.GenerateSteps(stepGenTime); err != nil {
		return err
	}
	es.stepper.ExpireHistory(clearHistoryTime)
	return nil
}

// bindInitial attaches the stepper to its owning extruder's queue at setup.
func (es *ExtruderStepper) bindInitial(queue string, h trapq.Handle) {
	es.stepper.SetBinding(stepper.Bound(queue, h))
	es.mu.Lock()
	es.motionQueue = queue
	es.mu.Unlock()
}

// Name returns the stepper name used by commands.
func (es *ExtruderStepper) Name() string {
	return es.name
}

// Stepper returns the underlying actuator.
func (es *ExtruderStepper) Stepper() *stepper.Stepper {
	return es.stepper
}

// PressureAdvance returns the applied pressure advance and smooth time.
func (es *ExtruderStepper) PressureAdvance() (float64, float64) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.pressureAdvance, es.smoothTime
}

// MotionQueue returns the queue the stepper follows; ok is false when unbound.
func (es *ExtruderStepper) MotionQueue() (string, bool) {
	return es.stepper.Binding().Queue()
}

func halfWindow(pressureAdvance, smoothTime float64) float64 {
	if pressureAdvance == 0 {
		return 0
	}
	return smoothTime * 0.5
}

// SetPressureAdvance installs a new transform. The scheduler is told about
// the new scan window first, the transform is swapped, and only then is the
// old window released. Invalid values are rejected before anything changes.
func (es *ExtruderStepper) SetPressureAdvance(pressureAdvance, smoothTime float64) error {
	if pressureAdvance < 0 {
		return errors.InvalidParamError("SET_PRESSURE_ADVANCE", "ADVANCE", "must have minimum of 0")
	}
	if smoothTime < 0 || smoothTime > MaxSmoothTime {
		return errors.InvalidParamError("SET_PRESSURE_ADVANCE", "SMOOTH_TIME", "must be between 0 and 0.2")
	}
	oldPA, oldSmooth := es.PressureAdvance()
	oldDelay := halfWindow(oldPA, oldSmooth)
	newDelay := halfWindow(pressureAdvance, smoothTime)

	change, err := es.sched.NoteStepGenerationScanTime(newDelay, oldDelay)
	if err != nil {
		return err
	}
	es.stepper.Kinematics().SetTransform(pressureAdvance, newDelay)
	change.Commit()

	es.mu.Lock()
	es.pressureAdvance = pressureAdvance
	es.smoothTime = smoothTime
	es.mu.Unlock()

	es.metrics.RecordPressureAdvance(es.name, pressureAdvance, smoothTime)
	es.logger.WithFields(log.Fields{
		"pressure_advance": pressureAdvance,
		"smooth_time":      smoothTime,
	}).Info("pressure advance applied")
	announce(es.printer, es.logger, printer.EventPressureAdvance, es.name)
	return nil
}

// SyncToExtruder binds the stepper to the named extruder's queue, starting
// from that extruder's last position, or unbinds it when name is empty.
func (es *ExtruderStepper) SyncToExtruder(name string) error {
	var target *PrinterExtruder
	if name != "" {
		obj, _ := es.printer.LookupObject(name)
		ext, ok := obj.(*PrinterExtruder)
		if !ok {
			return errors.UnknownMotionQueueError(name)
		}
		target = ext
	}
	if err := es.sched.FlushStepGeneration(); err != nil {
		return err
	}
	if target == nil {
		es.stepper.SetBinding(stepper.Unbound())
	} else {
		es.stepper.SetPosition(target.LastPosition())
		es.stepper.SetBinding(stepper.Bound(name, target.TrapQ()))
	}

	es.mu.Lock()
	es.motionQueue = name
	es.mu.Unlock()

	es.metrics.RecordSync(es.name, name)
	entry := es.logger.WithField("motion_queue", name)
	if name == "" {
		entry.Info("stepper unsynced")
	} else {
		entry.WithField("position", target.LastPosition()).Info("stepper synced")
	}
	announce(es.printer, es.logger, printer.EventSync, es.name, name)
	return nil
}

// FindPastPosition returns the commanded position step generation had
// reached at printTime.
func (es *ExtruderStepper) FindPastPosition(printTime float64) float64 {
	mcuPos := es.stepper.GetPastMCUPosition(printTime)
	return es.stepper.MCUToCommandedPosition(mcuPos)
}

// RotationDistance returns the rotation distance, negative when the
// direction is inverted from its configured setting.
func (es *ExtruderStepper) RotationDistance() float64 {
	rd, _ := es.stepper.GetRotationDistance()
	invert, origInvert := es.stepper.GetDirInverted()
	if invert != origInvert {
		rd = -rd
	}
	return rd
}

// SetRotationDistance changes the rotation distance after a flush. A
// negative distance inverts the configured direction.
func (es *ExtruderStepper) SetRotationDistance(dist float64) error {
	if dist == 0 {
		return errors.ConfigValidationError(es.name, "rotation_distance", "Rotation distance can not be zero")
	}
	_, origInvert := es.stepper.GetDirInverted()
	nextInvert := origInvert
	if dist < 0 {
		nextInvert = !origInvert
		dist = -dist
	}
	if err := es.sched.FlushStepGeneration(); err != nil {
		return err
	}
	es.stepper.SetRotationDistance(dist)
	es.stepper.SetDirInverted(nextInvert)
	es.logger.WithFields(log.Fields{
		"rotation_distance": dist,
		"invert_dir":        nextInvert,
	}).Info("rotation distance changed")
	return nil
}

// StepDistance returns the distance of one microstep.
func (es *ExtruderStepper) StepDistance() float64 {
	return es.stepper.GetStepDist()
}

// SetStepDistance sets the rotation distance from a step distance, keeping
// the direction.
func (es *ExtruderStepper) SetStepDistance(dist float64) error {
	if dist <= 0 || math.IsNaN(dist) {
		return errors.InvalidParamError("SET_EXTRUDER_STEP_DISTANCE", "DISTANCE", "must be above 0")
	}
	if err := es.sched.FlushStepGeneration(); err != nil {
		return err
	}
	_, stepsPerRotation := es.stepper.GetRotationDistance()
	es.stepper.SetRotationDistance(dist * float64(stepsPerRotation))
	es.logger.WithField("step_distance", dist).Info("step distance changed")
	return nil
}

// GetStatus returns the last applied pressure advance and motion queue.
func (es *ExtruderStepper) GetStatus(eventtime float64) map[string]any {
	es.mu.RLock()
	defer es.mu.RUnlock()
	var queue any
	if es.motionQueue != "" {
		queue = es.motionQueue
	}
	return map[string]any{
		"pressure_advance": es.pressureAdvance,
		"smooth_time":      es.smoothTime,
		"motion_queue":     queue,
	}
}
