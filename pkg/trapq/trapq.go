// Package trapq implements the trapezoid motion queue consumed by step
// generation: an append-only, time ordered list of constant acceleration
// segments with a finalized history.
package trapq

import (
	"math"
	"sort"

	"klipper-go-extruder/pkg/errors"
)

// NeverTime finalizes every pending segment.
const NeverTime = 9999999999999999.9

// timeEpsilon absorbs floating point jitter at segment boundaries.
const timeEpsilon = 0.000000001

// Coord is a three component position or direction.
type Coord struct {
	X, Y, Z float64
}

// Segment is one constant acceleration piece of a shaped move.
type Segment struct {
	PrintTime float64
	MoveT     float64
	StartV    float64
	HalfAccel float64
	StartPos  Coord
	AxesR     Coord
}

// EndTime returns the print time at which the segment completes.
func (s Segment) EndTime() float64 {
	return s.PrintTime + s.MoveT
}

// Distance travelled along AxesR after moveTime seconds into the segment.
func (s Segment) Distance(moveTime float64) float64 {
	return (s.StartV + s.HalfAccel*moveTime) * moveTime
}

// Speed along AxesR after moveTime seconds into the segment.
func (s Segment) Speed(moveTime float64) float64 {
	return s.StartV + 2.0*s.HalfAccel*moveTime
}

// Coord returns the position after moveTime seconds into the segment.
func (s Segment) Coord(moveTime float64) Coord {
	d := s.Distance(moveTime)
	return Coord{
		X: s.StartPos.X + s.AxesR.X*d,
		Y: s.StartPos.Y + s.AxesR.Y*d,
		Z: s.StartPos.Z + s.AxesR.Z*d,
	}
}

// TrapQ holds pending segments and the finalized history behind them.
type TrapQ struct {
	name          string
	moves         []Segment
	history       []Segment
	finalizedTime float64
}

// New creates an empty queue.
func New(name string) *TrapQ {
	return &TrapQ{name: name}
}

// Name returns the queue name.
func (q *TrapQ) Name() string {
	return q.name
}

// Append adds a trapezoid move as up to three segments (accel, cruise, decel).
func (q *TrapQ) Append(printTime, accelT, cruiseT, decelT float64,
	startPos, axesR Coord, startV, cruiseV, accel float64) error {
	if printTime < q.finalizedTime-timeEpsilon {
		return errors.RuntimeErrorQueue("append", "segment starts inside the finalized region").
			SetSection(q.name).
			SetContext("print_time", printTime).
			SetContext("finalized_time", q.finalizedTime)
	}
	if n := len(q.moves); n > 0 && printTime < q.moves[n-1].EndTime()-timeEpsilon {
		return errors.RuntimeErrorQueue("append", "segment overlaps the previous move").
			SetSection(q.name).
			SetContext("print_time", printTime)
	}
	if accelT > 0 {
		seg := Segment{PrintTime: printTime, MoveT: accelT, StartV: startV,
			HalfAccel: 0.5 * accel, StartPos: startPos, AxesR: axesR}
		q.moves = append(q.moves, seg)
		printTime += accelT
		startPos = seg.Coord(accelT)
	}
	if cruiseT > 0 {
		seg := Segment{PrintTime: printTime, MoveT: cruiseT, StartV: cruiseV,
			StartPos: startPos, AxesR: axesR}
		q.moves = append(q.moves, seg)
		printTime += cruiseT
		startPos = seg.Coord(cruiseT)
	}
	if decelT > 0 {
		q.moves = append(q.moves, Segment{PrintTime: printTime, MoveT: decelT, StartV: cruiseV,
			HalfAccel: -0.5 * accel, StartPos: startPos, AxesR: axesR})
	}
	return nil
}

// FinalizeMoves moves every segment that ends by printTime into history and
// expires history that ended before clearHistoryTime. Finalized segments are
// never modified again.
func (q *TrapQ) FinalizeMoves(printTime, clearHistoryTime float64) {
	n := 0
	for n < len(q.moves) && q.moves[n].EndTime() <= printTime+timeEpsilon {
		n++
	}
	if n > 0 {
		q.history = append(q.history, q.moves[:n]...)
		q.moves = append(q.moves[:0], q.moves[n:]...)
	}
	if printTime > q.finalizedTime && printTime < NeverTime {
		q.finalizedTime = printTime
	}
	drop := 0
	for drop < len(q.history)-1 && q.history[drop].EndTime() < clearHistoryTime {
		drop++
	}
	if drop > 0 {
		q.history = append(q.history[:0], q.history[drop:]...)
	}
}

// SetPosition finalizes all pending segments, discards history after
// printTime and records a zero length marker at pos.
func (q *TrapQ) SetPosition(printTime float64, pos Coord) {
	if n := len(q.moves); n > 0 {
		q.history = append(q.history, q.moves...)
		q.moves = q.moves[:0]
	}
	kept := q.history[:0]
	for _, s := range q.history {
		if s.PrintTime >= printTime {
			continue
		}
		if s.EndTime() > printTime {
			s.MoveT = printTime - s.PrintTime
		}
		kept = append(kept, s)
	}
	q.history = append(kept, Segment{PrintTime: printTime, StartPos: pos})
	q.finalizedTime = math.Max(q.finalizedTime, printTime)
}

// Pending returns a copy of the segments not yet finalized.
func (q *TrapQ) Pending() []Segment {
	return append([]Segment(nil), q.moves...)
}

// History returns a copy of the finalized segments, oldest first.
func (q *TrapQ) History() []Segment {
	return append([]Segment(nil), q.history...)
}

// LastEndTime returns the end time of the newest segment, or 0 when empty.
func (q *TrapQ) LastEndTime() float64 {
	if n := len(q.moves); n > 0 {
		return q.moves[n-1].EndTime()
	}
	if n := len(q.history); n > 0 {
		return q.history[n-1].EndTime()
	}
	return 0
}

// FinalizedTime is the horizon up to which segments are immutable.
func (q *TrapQ) FinalizedTime() float64 {
	return q.finalizedTime
}

// SegmentAt returns the segment in effect at printTime: the last segment
// starting at or before it. ok is false when the queue holds nothing that early.
func (q *TrapQ) SegmentAt(printTime float64) (Segment, bool) {
	if s, ok := lastStartingBy(q.moves, printTime); ok {
		return s, true
	}
	return lastStartingBy(q.history, printTime)
}

func lastStartingBy(segs []Segment, printTime float64) (Segment, bool) {
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].PrintTime > printTime+timeEpsilon
	})
	if i == 0 {
		return Segment{}, false
	}
	return segs[i-1], true
}

// CoordAt evaluates the queued position at printTime. Between segments the
// position holds at the previous segment's end.
func (q *TrapQ) CoordAt(printTime float64) Coord {
	s, ok := q.SegmentAt(printTime)
	if !ok {
		return Coord{}
	}
	return s.Coord(clampMoveTime(s, printTime))
}

// VelocityAt returns the signed velocity vector at printTime.
func (q *TrapQ) VelocityAt(printTime float64) Coord {
	s, ok := q.SegmentAt(printTime)
	if !ok || printTime > s.EndTime() {
		return Coord{}
	}
	v := s.Speed(clampMoveTime(s, printTime))
	return Coord{X: s.AxesR.X * v, Y: s.AxesR.Y * v, Z: s.AxesR.Z * v}
}

func clampMoveTime(s Segment, printTime float64) float64 {
	return math.Min(math.Max(printTime-s.PrintTime, 0), s.MoveT)
}
