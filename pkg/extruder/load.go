package extruder

import (
	"fmt"
	"strings"

	"klipper-go-extruder/pkg/config"
	"klipper-go-extruder/pkg/gcode"
	"klipper-go-extruder/pkg/heater"
	"klipper-go-extruder/pkg/metrics"
	"klipper-go-extruder/pkg/printer"
)

// Config option defaults.
const (
	DefaultMaxExtrudeOnlyDistance = 50.0
	DefaultInstantCornerVelocity  = 1.0
	DefaultSmoothTime             = 0.040
	maxNumberedExtruders          = 99
)

// Set is everything built from the extruder config sections.
type Set struct {
	Extruders []*PrinterExtruder
	Steppers  []*ExtruderStepper
}

// Lookup returns the extruder named name.
func (s *Set) Lookup(name string) (*PrinterExtruder, bool) {
	for _, e := range s.Extruders {
		if e.name == name {
			return e, true
		}
	}
	return nil, false
}

type loader struct {
	printer *printer.Printer
	sched   Scheduler
	heaters *heater.Heaters
	gcode   *gcode.Dispatcher
	metrics *metrics.ExtruderMetrics
	set     *Set
}

// Load builds [extruder], [extruder1].. up to the first gap, and every
// [extruder_stepper NAME]. The first extruder becomes current; with none
// configured a DummyExtruder is installed instead. Steppers are connected
// and synced when klippy:connect is sent.
func Load(cfg *config.Config, p *printer.Printer, sched Scheduler, heaters *heater.Heaters,
	d *gcode.Dispatcher, m *metrics.ExtruderMetrics) (*Set, error) {
	l := &loader{printer: p, sched: sched, heaters: heaters, gcode: d, metrics: m, set: &Set{}}
	reg := config.NewRegistry()
	for i := 0; i < maxNumberedExtruders; i++ {
		name := "extruder"
		if i > 0 {
			name = fmt.Sprintf("extruder%d", i)
		}
		if !cfg.HasSection(name) {
			break
		}
		reg.Register(name, l.loadExtruder)
	}
	reg.RegisterPrefix("extruder_stepper ", l.loadExtruderStepper)
	if _, err := reg.LoadModules(cfg); err != nil {
		return nil, err
	}
	if len(l.set.Extruders) == 0 {
		sched.SetExtruder(DummyExtruder{}, 0)
	}
	return l.set, nil
}

func (l *loader) loadExtruder(sec *config.Section) (config.Module, error) {
	name := sec.GetName()
	nozzle, err := sec.GetFloatWithBounds("nozzle_diameter", config.FloatBounds{Above: config.Bound(0)})
	if err != nil {
		return nil, err
	}
	filament, err := sec.GetFloatWithBounds("filament_diameter",
		config.FloatBounds{MinVal: config.Bound(nozzle)})
	if err != nil {
		return nil, err
	}
	defCross := DefaultMaxCrossSection(nozzle)
	cross, err := sec.GetFloatWithBounds("max_extrude_cross_section",
		config.FloatBounds{Above: config.Bound(0)}, defCross)
	if err != nil {
		return nil, err
	}
	geom, err := NewGeometry(nozzle, filament, cross)
	if err != nil {
		return nil, err
	}

	// Extrude-only defaults scale the toolhead limits by the default ratio.
	defRatio := defCross / geom.FilamentArea
	th := l.sched.Limits()
	var limits Limits
	for _, opt := range []struct {
		name   string
		dst    *float64
		bounds config.FloatBounds
		def    float64
	}{
		{"max_extrude_only_velocity", &limits.MaxEVelocity, config.FloatBounds{Above: config.Bound(0)}, th.MaxVelocity * defRatio},
		{"max_extrude_only_accel", &limits.MaxEAccel, config.FloatBounds{Above: config.Bound(0)}, th.MaxAccel * defRatio},
		{"max_extrude_only_distance", &limits.MaxEDist, config.FloatBounds{MinVal: config.Bound(0)}, DefaultMaxExtrudeOnlyDistance},
		{"instantaneous_corner_velocity", &limits.InstantCornerV, config.FloatBounds{MinVal: config.Bound(0)}, DefaultInstantCornerVelocity},
	} {
		if *opt.dst, err = sec.GetFloatWithBounds(opt.name, opt.bounds, opt.def); err != nil {
			return nil, err
		}
	}

	h, err := l.setupHeater(sec)
	if err != nil {
		return nil, err
	}
	e, err := NewPrinterExtruder(name, geom, limits, h, l.printer, l.sched, l.metrics)
	if err != nil {
		return nil, err
	}

	if hasStepper(sec) {
		es, err := l.newStepper(sec, name)
		if err != nil {
			return nil, err
		}
		e.attachStepper(es)
		if err := es.registerCommands(l.gcode); err != nil {
			return nil, err
		}
	}
	if err := l.printer.AddObject(name, e); err != nil {
		return nil, err
	}
	if err := e.registerCommands(l.gcode); err != nil {
		return nil, err
	}
	if name == "extruder" {
		l.sched.SetExtruder(e, 0)
	}
	l.set.Extruders = append(l.set.Extruders, e)
	return e, nil
}

func (l *loader) setupHeater(sec *config.Section) (*heater.Heater, error) {
	shared, err := sec.Get("shared_heater", "")
	if err != nil {
		return nil, err
	}
	if shared != "" {
		return l.heaters.Lookup(shared)
	}
	hc := heater.DefaultConfig(sec.GetName())
	for _, opt := range []struct {
		name string
		dst  *float64
	}{
		{"min_temp", &hc.MinTemp},
		{"max_temp", &hc.MaxTemp},
		{"min_extrude_temp", &hc.MinExtrudeTemp},
		{"initial_temperature", &hc.InitialTemperature},
	} {
		if *opt.dst, err = sec.GetFloat(opt.name, *opt.dst); err != nil {
			return nil, err
		}
	}
	return l.heaters.Setup(hc)
}

// hasStepper reports whether an [extruder] section configures its own
// actuator. Extruders without one rely on an extruder_stepper.
func hasStepper(sec *config.Section) bool {
	return sec.HasOption("step_pin") || sec.HasOption("dir_pin") || sec.HasOption("rotation_distance")
}

func (l *loader) newStepper(sec *config.Section, name string) (*ExtruderStepper, error) {
	sc, err := config.ReadStepperConfig(sec, name)
	if err != nil {
		return nil, err
	}
	pa, err := sec.GetFloatWithBounds("pressure_advance", config.FloatBounds{MinVal: config.Bound(0)}, 0)
	if err != nil {
		return nil, err
	}
	smooth, err := sec.GetFloatWithBounds("pressure_advance_smooth_time",
		config.FloatBounds{Above: config.Bound(0), MaxVal: config.Bound(MaxSmoothTime)}, DefaultSmoothTime)
	if err != nil {
		return nil, err
	}
	return NewExtruderStepper(name, sc, pa, smooth, l.printer, l.sched, l.metrics)
}

func (l *loader) loadExtruderStepper(sec *config.Section) (config.Module, error) {
	fields := strings.Fields(sec.GetName())
	name := fields[len(fields)-1]
	es, err := l.newStepper(sec, name)
	if err != nil {
		return nil, err
	}
	syncTo, err := sec.Get("extruder", "")
	if err != nil {
		return nil, err
	}
	if err := l.printer.AddObject(sec.GetName(), es); err != nil {
		return nil, err
	}
	if err := es.registerCommands(l.gcode); err != nil {
		return nil, err
	}
	// Registered after the stepper's own connect handler, so the
	// transform is in place before the first sync.
	l.printer.RegisterEventHandler(printer.EventConnect, func(...any) error {
		if syncTo == "" {
			return nil
		}
		return es.SyncToExtruder(syncTo)
	})
	l.set.Steppers = append(l.set.Steppers, es)
	return es, nil
}
