// Package kinematics provides the planned move descriptor shared by the
// toolhead planner and the extra (extruder) axes.
package kinematics

import (
	"fmt"
	"math"
)

const (
	// ExtrudeAxis is the index of the extrude coordinate in a position vector.
	ExtrudeAxis = 3

	// NumAxes is the length of a toolhead position: X, Y, Z, E.
	NumAxes = 4

	extrudeOnlyAccel = 99999999.9
	minMoveDistance  = 0.000000001
)

// Limits are the toolhead-wide caps a new move starts from.
type Limits struct {
	MaxVelocity       float64
	MaxAccel          float64
	JunctionDeviation float64
}

// JunctionDeviation derives the junction deviation from square_corner_velocity.
func JunctionDeviation(squareCornerVelocity, maxAccel float64) float64 {
	scv2 := squareCornerVelocity * squareCornerVelocity
	return scv2 * (math.Sqrt(2.0) - 1.0) / maxAccel
}

// Move is one planned line segment. The planner owns it; extra axes may only
// lower its velocity and acceleration caps through LimitSpeed.
type Move struct {
	StartPos []float64 // Starting position [x, y, z, e]
	EndPos   []float64 // Ending position [x, y, z, e]
	AxesD    []float64 // Distance moved per axis
	AxesR    []float64 // Per axis fraction of MoveD
	MoveD    float64   // Total move distance (XYZ, or |E| for extrude only moves)

	IsKinematicMove   bool
	Accel             float64
	JunctionDeviation float64

	MinMoveT       float64
	MaxStartV2     float64
	MaxCruiseV2    float64
	DeltaV2        float64
	NextJunctionV2 float64

	StartV  float64
	CruiseV float64
	EndV    float64

	AccelT  float64
	CruiseT float64
	DecelT  float64
}

// NewMove builds a move from start to end at the requested speed.
func NewMove(startPos, endPos []float64, speed float64, limits Limits) *Move {
	sp := append([]float64{}, startPos...)
	ep := append([]float64{}, endPos...)
	mv := &Move{
		StartPos:          sp,
		EndPos:            ep,
		Accel:             limits.MaxAccel,
		JunctionDeviation: limits.JunctionDeviation,
		NextJunctionV2:    999999999.9,
		IsKinematicMove:   true,
	}
	velocity := math.Min(speed, limits.MaxVelocity)

	mv.AxesD = make([]float64, len(ep))
	for i := 0; i < len(ep) && i < len(sp); i++ {
		mv.AxesD[i] = ep[i] - sp[i]
	}
	mv.MoveD = math.Sqrt(mv.AxesD[0]*mv.AxesD[0] + mv.AxesD[1]*mv.AxesD[1] + mv.AxesD[2]*mv.AxesD[2])
	if mv.MoveD < minMoveDistance {
		// Extrude only move: keep XYZ where it was and time it by |E|.
		copy(mv.EndPos[:3], sp[:3])
		mv.AxesD[0], mv.AxesD[1], mv.AxesD[2] = 0, 0, 0
		mv.MoveD = 0
		for _, d := range mv.AxesD[ExtrudeAxis:] {
			mv.MoveD = math.Max(mv.MoveD, math.Abs(d))
		}
		mv.Accel = extrudeOnlyAccel
		velocity = speed
		mv.IsKinematicMove = false
	}
	invMoveD := 0.0
	if mv.MoveD > 0 {
		invMoveD = 1.0 / mv.MoveD
	}
	mv.AxesR = make([]float64, len(mv.AxesD))
	for i, d := range mv.AxesD {
		mv.AxesR[i] = d * invMoveD
	}
	if velocity > 0 {
		mv.MinMoveT = mv.MoveD / velocity
	}
	mv.MaxCruiseV2 = velocity * velocity
	mv.DeltaV2 = 2.0 * mv.MoveD * mv.Accel
	return mv
}

// Clone returns a deep copy of the move.
func (m *Move) Clone() *Move {
	c := *m
	c.StartPos = append([]float64{}, m.StartPos...)
	c.EndPos = append([]float64{}, m.EndPos...)
	c.AxesD = append([]float64{}, m.AxesD...)
	c.AxesR = append([]float64{}, m.AxesR...)
	return &c
}

// LimitSpeed lowers the cruise velocity and acceleration caps. It never raises them.
func (m *Move) LimitSpeed(speed, accel float64) {
	speed2 := speed * speed
	if speed2 < m.MaxCruiseV2 {
		m.MaxCruiseV2 = speed2
		m.MinMoveT = m.MoveD / speed
	}
	if accel < m.Accel {
		m.Accel = accel
	}
	m.DeltaV2 = 2.0 * m.MoveD * m.Accel
}

// HasTravel reports whether the move displaces either travel axis.
func (m *Move) HasTravel() bool {
	return m.AxesD[0] != 0 || m.AxesD[1] != 0
}

// ExtrudeRatio returns AxesR for the extrude axis.
func (m *Move) ExtrudeRatio() float64 {
	return m.AxesR[ExtrudeAxis]
}

// CalcJunction sets MaxStartV2 from the previous move, the cornering limits
// and the squared caps contributed by extra axes.
func (m *Move) CalcJunction(prev *Move, extraV2 ...float64) {
	if prev == nil || !m.IsKinematicMove || !prev.IsKinematicMove {
		return
	}
	maxStartV2 := math.Min(m.MaxCruiseV2, prev.MaxCruiseV2)
	maxStartV2 = math.Min(maxStartV2, prev.NextJunctionV2)
	maxStartV2 = math.Min(maxStartV2, prev.MaxStartV2+prev.DeltaV2)
	for _, v2 := range extraV2 {
		maxStartV2 = math.Min(maxStartV2, v2)
	}

	junctionCosTheta := -(m.AxesR[0]*prev.AxesR[0] + m.AxesR[1]*prev.AxesR[1] + m.AxesR[2]*prev.AxesR[2])
	sinThetaD2 := math.Sqrt(math.Max(0.5*(1.0-junctionCosTheta), 0.0))
	cosThetaD2 := math.Sqrt(math.Max(0.5*(1.0+junctionCosTheta), 0.0))
	oneMinusSinThetaD2 := 1.0 - sinThetaD2
	if oneMinusSinThetaD2 > 0.0 && cosThetaD2 > 0.0 {
		rJD := sinThetaD2 / oneMinusSinThetaD2
		quarterTanThetaD2 := 0.25 * sinThetaD2 / cosThetaD2
		maxStartV2 = math.Min(maxStartV2, rJD*m.JunctionDeviation*m.Accel)
		maxStartV2 = math.Min(maxStartV2, rJD*prev.JunctionDeviation*prev.Accel)
		maxStartV2 = math.Min(maxStartV2, m.DeltaV2*quarterTanThetaD2)
		maxStartV2 = math.Min(maxStartV2, prev.DeltaV2*quarterTanThetaD2)
	}
	m.MaxStartV2 = maxStartV2
}

// SetJunction fixes the trapezoid from the chosen start, cruise and end speeds.
func (m *Move) SetJunction(startV2, cruiseV2, endV2 float64) {
	halfInvAccel := 0.5 / m.Accel
	accelD := (cruiseV2 - startV2) * halfInvAccel
	decelD := (cruiseV2 - endV2) * halfInvAccel
	cruiseD := m.MoveD - accelD - decelD
	m.StartV = math.Sqrt(startV2)
	m.CruiseV = math.Sqrt(cruiseV2)
	m.EndV = math.Sqrt(endV2)
	m.AccelT = accelD / ((m.StartV + m.CruiseV) * 0.5)
	m.CruiseT = cruiseD / m.CruiseV
	m.DecelT = decelD / ((m.EndV + m.CruiseV) * 0.5)
}

// TotalTime is the duration of the shaped move.
func (m *Move) TotalTime() float64 {
	return m.AccelT + m.CruiseT + m.DecelT
}

// String describes the move end point the way move errors report it.
func (m *Move) String() string {
	ep := m.EndPos
	if len(ep) > ExtrudeAxis {
		return fmt.Sprintf("%.3f %.3f %.3f [%.3f]", ep[0], ep[1], ep[2], ep[ExtrudeAxis])
	}
	return fmt.Sprintf("%.3f %.3f %.3f", ep[0], ep[1], ep[2])
}
