// Package extruder implements the extrude axis: per-move physical limit
// checks, the extruder's share of junction speed, shaping accepted moves
// into its motion queue, and the stepper that follows that queue with
// pressure advance.
package extruder

import (
	"math"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/kinematics"
	"klipper-go-extruder/pkg/log"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/printer"
	"klipper-go-extruder/pkg/toolhead"
	"klipper-go-extruder/pkg/trapq"
)

// Heater gates extrusion on temperature.
type Heater interface {
	CanExtrude() bool
}

// Scheduler is the part of the toolhead the extruder drives.
type Scheduler interface {
	FlushStepGeneration() error
	NoteStepGenerationScanTime(newDelay, oldDelay float64) (*toolhead.ScanTimeChange, error)
	RegisterStepGenerator(gen toolhead.StepGenerator)
	GetExtruder() toolhead.Extruder
	SetExtruder(e toolhead.Extruder, basePos float64)
	Queues() *trapq.Registry
	Limits() kinematics.Limits
}

// Geometry is fixed at setup and never recomputed per move.
type Geometry struct {
	NozzleDiameter  float64
	FilamentArea    float64
	MaxExtrudeRatio float64
}

// NewGeometry derives the extrude ratio cap from the nozzle, the filament
// and the max cross section. A zero maxCrossSection selects the default
// of four nozzle diameters squared.
func NewGeometry(nozzleDiameter, filamentDiameter, maxCrossSection float64) (Geometry, error) {
	if nozzleDiameter <= 0 {
		return Geometry{}, errors.New(errors.ErrConfigValidation, "nozzle_diameter must be above 0").
			SetOption("nozzle_diameter")
	}
	if filamentDiameter < nozzleDiameter {
		return Geometry{}, errors.New(errors.ErrConfigValidation,
			"filament_diameter must be at least nozzle_diameter").SetOption("filament_diameter")
	}
	if maxCrossSection < 0 {
		return Geometry{}, errors.New(errors.ErrConfigValidation,
			"max_extrude_cross_section must be above 0").SetOption("max_extrude_cross_section")
	}
	if maxCrossSection == 0 {
		maxCrossSection = DefaultMaxCrossSection(nozzleDiameter)
	}
	area := math.Pi * (filamentDiameter * 0.5) * (filamentDiameter * 0.5)
	return Geometry{
		NozzleDiameter:  nozzleDiameter,
		FilamentArea:    area,
		MaxExtrudeRatio: maxCrossSection / area,
	}, nil
}

// DefaultMaxCrossSection is the cross section allowed when none is configured.
func DefaultMaxCrossSection(nozzleDiameter float64) float64 {
	return 4.0 * nozzleDiameter * nozzleDiameter
}

// Limits are the extrude-only motion limits and the junction tolerance.
type Limits struct {
	MaxEVelocity   float64
	MaxEAccel      float64
	MaxEDist       float64
	InstantCornerV float64
}

// PrinterExtruder is one configured extruder: its geometry, limits, motion
// queue handle and optional stepper. Only the scheduler goroutine may call
// its mutating methods.
type PrinterExtruder struct {
	name     string
	geometry Geometry
	limits   Limits

	sched  Scheduler
	trapq  trapq.Handle
	heater Heater

	lastPosition float64
	stepper      *ExtruderStepper

	printer *printer.Printer
	metrics *metrics.ExtruderMetrics
	logger  *log.Logger
}

// NewPrinterExtruder allocates the extruder's motion queue from the
// scheduler's registry.
func NewPrinterExtruder(name string, geom Geometry, limits Limits, heater Heater,
	p *printer.Printer, sched Scheduler, m *metrics.ExtruderMetrics) (*PrinterExtruder, error) {
	h, err := sched.Queues().Allocate(name)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigValidation, err.Error()).SetSection(name)
	}
	e := &PrinterExtruder{
		name:     name,
		geometry: geom,
		limits:   limits,
		sched:    sched,
		trapq:    h,
		heater:   heater,
		printer:  p,
		metrics:  m,
		logger:   log.GetLogger("extruder").With(log.Fields{"extruder": name}),
	}
	e.logger.Info("max_extrude_ratio=%.6f", geom.MaxExtrudeRatio)
	return e, nil
}

// Name returns the config section name.
func (e *PrinterExtruder) Name() string {
	return e.name
}

// LastPosition is the extrude coordinate at the end of the newest segment
// appended to the queue.
func (e *PrinterExtruder) LastPosition() float64 {
	return e.lastPosition
}

// TrapQ returns the handle of the extruder's motion queue.
func (e *PrinterExtruder) TrapQ() trapq.Handle {
	return e.trapq
}

// Geometry returns the fixed geometry constants.
func (e *PrinterExtruder) Geometry() Geometry {
	return e.geometry
}

// Limits returns the extrude-only limits.
func (e *PrinterExtruder) Limits() Limits {
	return e.limits
}

// Heater returns the heater gating this extruder.
func (e *PrinterExtruder) Heater() Heater {
	return e.heater
}

// Stepper returns the extruder's own stepper, or nil.
func (e *PrinterExtruder) Stepper() *ExtruderStepper {
	return e.stepper
}

// attachStepper makes es the extruder's own stepper, following its queue.
func (e *PrinterExtruder) attachStepper(es *ExtruderStepper) {
	e.stepper = es
	es.bindInitial(e.name, e.trapq)
}

// Move appends the extrude part of mv, shaped by its extrude ratio, to the
// extruder's queue starting at printTime. Pressure advance applies only to
// forward extrusion during travel.
func (e *PrinterExtruder) Move(printTime float64, mv *kinematics.Move) error {
	axisR := mv.ExtrudeRatio()
	accel := mv.Accel * axisR
	startV := mv.StartV * axisR
	cruiseV := mv.CruiseV * axisR
	canPressureAdvance := 0.0
	if axisR > 0 && mv.HasTravel() {
		canPressureAdvance = 1.0
	}
	q := e.sched.Queues().Get(e.trapq)
	// X carries extruder motion, Y flags pressure advance.
	err := q.Append(printTime, mv.AccelT, mv.CruiseT, mv.DecelT,
		trapq.Coord{X: mv.StartPos[kinematics.ExtrudeAxis]},
		trapq.Coord{X: 1, Y: canPressureAdvance},
		startV, cruiseV, accel)
	if err != nil {
		return err
	}
	e.lastPosition = mv.EndPos[kinematics.ExtrudeAxis]
	e.metrics.RecordAppend(e.name, mv.AxesD[kinematics.ExtrudeAxis])
	if e.logger.Enabled(log.DEBUG) {
		e.logger.WithFields(log.Fields{
			"print_time": printTime,
			"axis_r":     axisR,
			"pa":         canPressureAdvance != 0,
			"end":        e.lastPosition,
		}).Debug("queued extrude segment")
	}
	return nil
}

// FindPastPosition returns the stepper position at a past print time, or 0
// when the extruder has no stepper.
func (e *PrinterExtruder) FindPastPosition(printTime float64) float64 {
	if e.stepper == nil {
		return 0
	}
	return e.stepper.FindPastPosition(printTime)
}

// GetStatus returns a fresh snapshot of the heater and, when present, the
// extruder's stepper.
func (e *PrinterExtruder) GetStatus(eventtime float64) map[string]any {
	status := map[string]any{}
	if hs, ok := e.heater.(interface {
		Temperature() float64
		Target() float64
	}); ok {
		status["temperature"] = hs.Temperature()
		status["target"] = hs.Target()
	}
	status["can_extrude"] = e.heater == nil || e.heater.CanExtrude()
	if e.stepper != nil {
		for k, v := range e.stepper.GetStatus(eventtime) {
			status[k] = v
		}
	}
	return status
}

// announce sends event once a change is committed. A listener cannot undo
// the change, so its failure is logged instead of returned.
func announce(p *printer.Printer, logger *log.Logger, event string, args ...any) {
	if err := p.SendEvent(event, args...); err != nil {
		logger.WithError(err).WithField("event", event).Warn("event listener failed")
	}
}
