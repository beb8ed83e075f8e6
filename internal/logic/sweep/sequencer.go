package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
)

// Params controls the sweep pattern.
type Params struct {
	Step              float64       // degrees per step
	StepDelay         time.Duration // after each step
	SettleDelay       time.Duration // after the initial neutral write
	InterChannelDelay time.Duration // after each channel in RunAll
}

// DefaultParams are the bench values: 2° steps, 200ms per step,
// 200ms settle and 500ms between channels.
var DefaultParams = Params{
	Step:              2,
	StepDelay:         200 * time.Millisecond,
	SettleDelay:       200 * time.Millisecond,
	InterChannelDelay: 500 * time.Millisecond,
}

// Validate rejects a zero or negative step and negative delays.
func (p Params) Validate() error {
	if !(p.Step > 0) {
		return fmt.Errorf("sweep step must be positive, got %v", p.Step)
	}
	if p.StepDelay < 0 || p.SettleDelay < 0 || p.InterChannelDelay < 0 {
		return fmt.Errorf("sweep delays must not be negative")
	}
	return nil
}

// Target is a servo the sequencer can drive.
type Target interface {
	Name() string
	Range() servo.Range
	SetAngle(angle float64) error
}

// Sequencer runs sweeps one channel at a time. Delays block the calling
// goroutine and end early when the context is cancelled.
type Sequencer struct {
	params Params
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewSequencer validates p and returns a sequencer.
func NewSequencer(p Params) (*Sequencer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Sequencer{params: p, sleep: sleepCtx}, nil
}

func (s *Sequencer) Params() Params { return s.params }

// Sweep moves t through neutral, upper bound, neutral, lower bound and back
// to neutral. It stops at the first write error or when ctx is done.
func (s *Sequencer) Sweep(ctx context.Context, t Target) error {
	debug.Verbose("Sweep %s over %+v", t.Name(), t.Range())
	for _, m := range Plan(t.Range(), s.params) {
		debug.Phase(t.Name(), m.Phase.String(), len(m.Angles))
		for _, a := range m.Angles {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.SetAngle(a); err != nil {
				return fmt.Errorf("sweep %s (%s): %w", t.Name(), m.Phase, err)
			}
			if err := s.sleep(ctx, m.Delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunAll sweeps every target in order, waiting InterChannelDelay after
// each one.
func (s *Sequencer) RunAll(ctx context.Context, targets []Target) error {
	debug.Section("All-channel sweep")
	for i, t := range targets {
		debug.Step(i+1, fmt.Sprintf("Channel %s", t.Name()))
		if err := s.Sweep(ctx, t); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.params.InterChannelDelay); err != nil {
			return err
		}
	}
	debug.Live("All-channel sweep complete (%d channels)", len(targets))
	return nil
}

// Estimate is the expected duration of RunAll over n channels sharing r.
func (s *Sequencer) Estimate(r servo.Range, n int) time.Duration {
	return time.Duration(n) * (Duration(r, s.params) + s.params.InterChannelDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
