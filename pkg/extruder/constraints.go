package extruder

import (
	"math"

	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/kinematics"
	"klipper-go-extruder/pkg/log"
)

// CheckMove validates mv against the extruder's limits. It returns a copy
// whose velocity and acceleration caps may be lowered; mv itself is never
// modified. Rejections leave all extruder state untouched.
func (e *PrinterExtruder) CheckMove(mv *kinematics.Move) (*kinematics.Move, error) {
	if e.heater != nil && !e.heater.CanExtrude() {
		return nil, e.reject(errors.ColdExtrudeError(e.name))
	}
	axisR := mv.ExtrudeRatio()
	extrudeD := mv.AxesD[kinematics.ExtrudeAxis]
	if !mv.HasTravel() || axisR < 0 {
		// Extrude only move (or retraction): limit accel and velocity.
		if math.Abs(extrudeD) > e.limits.MaxEDist {
			return nil, e.reject(errors.ExtrudeTooLongError(e.name, extrudeD, e.limits.MaxEDist))
		}
		invExtrudeR := 1.0 / math.Abs(axisR)
		checked := mv.Clone()
		checked.LimitSpeed(e.limits.MaxEVelocity*invExtrudeR, e.limits.MaxEAccel*invExtrudeR)
		return checked, nil
	}
	if axisR > e.geometry.MaxExtrudeRatio {
		if extrudeD <= e.geometry.NozzleDiameter*e.geometry.MaxExtrudeRatio {
			// Permit extrusion if amount extruded is tiny.
			e.logger.WithFields(log.Fields{
				"axis_r":  axisR,
				"extrude": extrudeD,
				"move":    mv.String(),
			}).Debug("tiny over-ratio extrusion permitted")
			return mv.Clone(), nil
		}
		area := axisR * e.geometry.FilamentArea
		e.logger.WithFields(log.Fields{
			"axis_r": axisR,
			"area":   area,
			"move_d": mv.MoveD,
		}).Debug("overextrude")
		return nil, e.reject(errors.OverExtrusionError(e.name, area,
			e.geometry.MaxExtrudeRatio*e.geometry.FilamentArea))
	}
	return mv.Clone(), nil
}

func (e *PrinterExtruder) reject(err *errors.HostError) error {
	e.metrics.RecordRejection(e.name, string(err.Code))
	e.logger.WithField("code", string(err.Code)).Info("move rejected")
	return err
}

// CalcJunction returns the squared speed the extruder allows at the junction
// of prev and mv. An unchanged extrude ratio adds no cap.
func (e *PrinterExtruder) CalcJunction(prev, mv *kinematics.Move) float64 {
	diffR := mv.ExtrudeRatio() - prev.ExtrudeRatio()
	if diffR != 0 {
		v := e.limits.InstantCornerV / math.Abs(diffR)
		return v * v
	}
	return mv.MaxCruiseV2
}
