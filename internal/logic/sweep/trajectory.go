package sweep

import (
	"math"
	"time"

	"github.com/cjeanneret/GoLegs/internal/hw/servo"
)

// Phase names one leg of a sweep.
type Phase int

const (
	Neutral Phase = iota
	Rising
	ReturnFromUpper
	Falling
	ReturnFromLower
)

func (p Phase) String() string {
	switch p {
	case Neutral:
		return "neutral"
	case Rising:
		return "rising"
	case ReturnFromUpper:
		return "return-from-upper"
	case Falling:
		return "falling"
	case ReturnFromLower:
		return "return-from-lower"
	default:
		return "unknown"
	}
}

// Move is one phase of a sweep: every angle is written then followed by
// Delay.
type Move struct {
	Phase  Phase
	Angles []float64
	Delay  time.Duration
}

// Trajectory returns the angles visited going from -> to in steps of step.
// Points are computed as from ± i*step and the last one is exactly to, so
// the walk never overshoots the bound. from == to yields a single point.
func Trajectory(from, to, step float64) []float64 {
	span := math.Abs(to - from)
	if span == 0 {
		return []float64{from}
	}
	if step <= 0 || step >= span {
		return []float64{from, to}
	}
	dir := 1.0
	if to < from {
		dir = -1
	}
	// Tolerance keeps 45/1.5 from becoming 31 steps through FP noise.
	n := int(math.Ceil(span/step - 1e-9))
	points := make([]float64, 0, n+1)
	for i := 0; i < n; i++ {
		points = append(points, from+dir*float64(i)*step)
	}
	return append(points, to)
}

// Plan lists the moves of one sweep over r:
// neutral, up to Max, back, down to Min, back.
func Plan(r servo.Range, p Params) []Move {
	return []Move{
		{Phase: Neutral, Angles: []float64{r.Neutral}, Delay: p.SettleDelay},
		{Phase: Rising, Angles: Trajectory(r.Neutral, r.Max, p.Step), Delay: p.StepDelay},
		{Phase: ReturnFromUpper, Angles: Trajectory(r.Max, r.Neutral, p.Step), Delay: p.StepDelay},
		{Phase: Falling, Angles: Trajectory(r.Neutral, r.Min, p.Step), Delay: p.StepDelay},
		{Phase: ReturnFromLower, Angles: Trajectory(r.Min, r.Neutral, p.Step), Delay: p.StepDelay},
	}
}

// Duration is the time one sweep over r takes, ignoring write latency.
func Duration(r servo.Range, p Params) time.Duration {
	var d time.Duration
	for _, m := range Plan(r, p) {
		d += time.Duration(len(m.Angles)) * m.Delay
	}
	return d
}
