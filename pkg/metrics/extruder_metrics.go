// Extruder motion metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

// ExtruderMetrics holds the metrics of the extruder motion host. A nil
// *ExtruderMetrics is valid and records nothing.
type ExtruderMetrics struct {
	Registry *Registry

	MovesAppended      *Counter
	ExtrudedDistance   *Counter
	MoveRejections     *Counter
	PressureAdvanceSet *Counter
	Syncs              *Counter
	Activations        *Counter
	Flushes            *Counter
	FlushDuration      *Histogram

	PressureAdvance *Gauge
	SmoothTime      *Gauge
	KinFlushDelay   *Gauge
	PrintTime       *Gauge
}

// NewExtruderMetrics creates and registers every extruder metric in reg.
func NewExtruderMetrics(reg *Registry) *ExtruderMetrics {
	m := &ExtruderMetrics{
		Registry: reg,
		MovesAppended: NewCounter("extruder_moves_appended_total",
			"Moves appended to an extruder motion queue"),
		ExtrudedDistance: NewCounter("extruder_extruded_mm_total",
			"Filament pushed by appended moves in mm"),
		MoveRejections: NewCounter("extruder_move_rejections_total",
			"Moves rejected by the extruder constraint checker"),
		PressureAdvanceSet: NewCounter("extruder_pressure_advance_changes_total",
			"Pressure advance changes applied"),
		Syncs: NewCounter("extruder_stepper_syncs_total",
			"Stepper to motion queue binding changes"),
		Activations: NewCounter("extruder_activations_total",
			"Active extruder switches"),
		Flushes: NewCounter("toolhead_step_flushes_total",
			"Step generation flushes"),
		FlushDuration: NewHistogram("toolhead_step_flush_seconds",
			"Host time spent in step generation flushes",
			ExponentialBuckets(0.00001, 4, 8)),
		PressureAdvance: NewGauge("extruder_pressure_advance",
			"Applied pressure advance"),
		SmoothTime: NewGauge("extruder_pressure_advance_smooth_time_seconds",
			"Applied pressure advance smooth time"),
		KinFlushDelay: NewGauge("toolhead_kin_flush_delay_seconds",
			"Scheduler look-ahead reserved for step generation"),
		PrintTime: NewGauge("toolhead_print_time_seconds",
			"Current toolhead print time"),
	}
	for _, metric := range []Metric{
		m.MovesAppended, m.ExtrudedDistance, m.MoveRejections, m.PressureAdvanceSet,
		m.Syncs, m.Activations, m.Flushes, m.FlushDuration,
		m.PressureAdvance, m.SmoothTime, m.KinFlushDelay, m.PrintTime,
	} {
		reg.MustRegister(metric)
	}
	return m
}

// RecordAppend notes one move appended to extruder's queue.
func (m *ExtruderMetrics) RecordAppend(extruder string, extrudeDist float64) {
	if m == nil {
		return
	}
	l := Labels{"extruder": extruder}
	m.MovesAppended.Inc(l)
	if extrudeDist > 0 {
		m.ExtrudedDistance.Add(l, extrudeDist)
	}
}

// RecordRejection notes a move rejected with the given error code.
func (m *ExtruderMetrics) RecordRejection(extruder, code string) {
	if m == nil {
		return
	}
	m.MoveRejections.Inc(Labels{"extruder": extruder, "reason": code})
}

// RecordPressureAdvance notes an applied pressure advance pair.
func (m *ExtruderMetrics) RecordPressureAdvance(stepper string, advance, smoothTime float64) {
	if m == nil {
		return
	}
	l := Labels{"stepper": stepper}
	m.PressureAdvanceSet.Inc(l)
	m.PressureAdvance.Set(l, advance)
	m.SmoothTime.Set(l, smoothTime)
}

// RecordSync notes a stepper binding change; queue is "" when unbound.
func (m *ExtruderMetrics) RecordSync(stepper, queue string) {
	if m == nil {
		return
	}
	if queue == "" {
		queue = "none"
	}
	m.Syncs.Inc(Labels{"stepper": stepper, "queue": queue})
}

// RecordActivation notes the active extruder changing.
func (m *ExtruderMetrics) RecordActivation(extruder string) {
	if m == nil {
		return
	}
	m.Activations.Inc(Labels{"extruder": extruder})
}

// RecordFlush notes one step generation flush.
func (m *ExtruderMetrics) RecordFlush(seconds, printTime, kinFlushDelay float64) {
	if m == nil {
		return
	}
	m.Flushes.Inc(nil)
	m.FlushDuration.Observe(nil, seconds)
	m.PrintTime.Set(nil, printTime)
	m.KinFlushDelay.Set(nil, kinFlushDelay)
}
