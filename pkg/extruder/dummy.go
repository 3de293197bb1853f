package extruder

import (
	"klipper-go-extruder/pkg/errors"
	"klipper-go-extruder/pkg/kinematics"
)

// DummyExtruder stands in when no extruder is configured. Every extrude
// request fails, and it never limits junction speed.
type DummyExtruder struct{}

// Name is empty.
func (DummyExtruder) Name() string { return "" }

// LastPosition is always zero.
func (DummyExtruder) LastPosition() float64 { return 0 }

// CheckMove rejects any extrusion.
func (DummyExtruder) CheckMove(mv *kinematics.Move) (*kinematics.Move, error) {
	return nil, errors.NoExtruderError()
}

// CalcJunction leaves the move's own cruise cap in place.
func (DummyExtruder) CalcJunction(prev, mv *kinematics.Move) float64 {
	return mv.MaxCruiseV2
}

// Move fails; CheckMove never admits an extruding move.
func (DummyExtruder) Move(printTime float64, mv *kinematics.Move) error {
	return errors.NoExtruderError()
}

// FindPastPosition is always zero.
func (DummyExtruder) FindPastPosition(printTime float64) float64 { return 0 }

// GetStatus is empty.
func (DummyExtruder) GetStatus(eventtime float64) map[string]any {
	return map[string]any{}
}
