package stepper

import (
	"sync/atomic"

	"klipper-go-extruder/pkg/trapq"
)

// smoothIntervals is the Simpson rule resolution for each side of the window.
const smoothIntervals = 16

// Transform is the pressure advance shaping applied to extruder motion.
type Transform struct {
	Advance        float64 // mm of extra filament per mm/s of extrude speed
	HalfSmoothTime float64 // seconds on each side of the smoothing window
}

// ExtruderKinematics maps an extruder queue to actuator position. The
// transform is swapped in a single atomic store so step generation never
// observes a half-updated pair.
type ExtruderKinematics struct {
	transform atomic.Pointer[Transform]
}

// NewExtruderKinematics starts with pressure advance disabled.
func NewExtruderKinematics() *ExtruderKinematics {
	k := &ExtruderKinematics{}
	k.transform.Store(&Transform{})
	return k
}

// SetTransform installs a new pressure advance transform.
func (k *ExtruderKinematics) SetTransform(advance, halfSmoothTime float64) {
	k.transform.Store(&Transform{Advance: advance, HalfSmoothTime: halfSmoothTime})
}

// Transform returns the active transform.
func (k *ExtruderKinematics) Transform() Transform {
	return *k.transform.Load()
}

// ScanWindow is how far either side of a print time CalcPosition reads the queue.
func (k *ExtruderKinematics) ScanWindow() float64 {
	return k.Transform().HalfSmoothTime
}

// CalcPosition returns the actuator position at printTime. The extrude
// coordinate lives in X and the pressure advance enable flag in AxesR.Y, so
// Y velocity is the extrude speed of pressure advance eligible segments.
// With a zero window the plain extrude coordinate is used.
func (k *ExtruderKinematics) CalcPosition(q *trapq.TrapQ, printTime float64) float64 {
	tf := k.Transform()
	if tf.HalfSmoothTime == 0 {
		return q.CoordAt(printTime).X
	}
	hst := tf.HalfSmoothTime
	at := func(t float64) float64 {
		return q.CoordAt(t).X + tf.Advance*q.VelocityAt(t).Y
	}
	// Triangular weight over [t-hst, t+hst]; each half is integrated
	// separately so the kink at the centre falls on a node.
	h := hst / smoothIntervals
	sum := 0.0
	for side := -1.0; side <= 1.0; side += 2.0 {
		for i := 0; i <= smoothIntervals; i++ {
			off := float64(i) * h
			w := hst - off
			coef := 2.0
			if i == 0 || i == smoothIntervals {
				coef = 1.0
			} else if i%2 == 1 {
				coef = 4.0
			}
			sum += coef * w * at(printTime+side*off)
		}
	}
	return sum * h / 3.0 / (hst * hst)
}
