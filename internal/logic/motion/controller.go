package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/power"
	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"github.com/cjeanneret/GoLegs/internal/logic/sweep"
)

var (
	// ErrUnknownServo is returned when a name or output is not in the bank.
	ErrUnknownServo = errors.New("unknown servo")
	// ErrBusy is returned while another motion owns the servos.
	ErrBusy = errors.New("motion in progress")
)

// Controller orchestrates the servo bank: single moves, sweeps and the
// all-channel test. It's an intermediate layer between entry points
// (CLI, web, serial link) and low-level PWM.
// Only one motion runs at a time.
type Controller struct {
	servos []*servo.Servo
	byName map[string]*servo.Servo
	byOut  map[pwm.Output]*servo.Servo
	seq    *sweep.Sequencer
	rail   *power.Rail

	mu sync.Mutex
}

// NewController builds a bank from servos, in table order. Names and
// outputs must be unique. rail may be nil.
func NewController(servos []*servo.Servo, seq *sweep.Sequencer, rail *power.Rail) (*Controller, error) {
	c := &Controller{
		byName: make(map[string]*servo.Servo, len(servos)),
		byOut:  make(map[pwm.Output]*servo.Servo, len(servos)),
		seq:    seq,
		rail:   rail,
	}
	for _, s := range servos {
		if _, dup := c.byName[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate servo name %q", s.Name())
		}
		if prev, dup := c.byOut[s.Output()]; dup {
			return nil, fmt.Errorf("servos %q and %q share output %s", prev.Name(), s.Name(), s.Output())
		}
		c.byName[s.Name()] = s
		c.byOut[s.Output()] = s
		c.servos = append(c.servos, s)
	}
	return c, nil
}

// Servos returns the bank in table order.
func (c *Controller) Servos() []*servo.Servo {
	return append([]*servo.Servo(nil), c.servos...)
}

// Lookup finds a servo by name, or by output name ("T3C2").
func (c *Controller) Lookup(name string) (*servo.Servo, error) {
	if s, ok := c.byName[name]; ok {
		return s, nil
	}
	if out, err := pwm.ParseOutput(name); err == nil {
		if s, ok := c.byOut[out]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownServo, name)
}

// ByOutput finds the servo wired to out.
func (c *Controller) ByOutput(out pwm.Output) (*servo.Servo, error) {
	if s, ok := c.byOut[out]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no servo on %s", ErrUnknownServo, out)
}

func (c *Controller) acquire(ctx context.Context) error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	if err := c.EnableServos(ctx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("enable servo power: %w", err)
	}
	return nil
}

// SetAngle moves one servo.
func (c *Controller) SetAngle(name string, angle float64) error {
	s, err := c.Lookup(name)
	if err != nil {
		return err
	}
	if err := c.acquire(context.Background()); err != nil {
		return err
	}
	defer c.mu.Unlock()
	return s.SetAngle(angle)
}

// Sweep runs the sweep pattern on one servo.
func (c *Controller) Sweep(ctx context.Context, name string) error {
	s, err := c.Lookup(name)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()
	return c.seq.Sweep(ctx, s)
}

// SweepAll runs the sweep on every servo, in table order.
func (c *Controller) SweepAll(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	targets := make([]sweep.Target, len(c.servos))
	for i, s := range c.servos {
		targets[i] = s
	}
	return c.seq.RunAll(ctx, targets)
}

// CenterAll moves every servo to neutral. It keeps going after a failure
// and returns all errors joined.
func (c *Controller) CenterAll() error {
	if err := c.acquire(context.Background()); err != nil {
		return err
	}
	defer c.mu.Unlock()

	var errs []error
	for _, s := range c.servos {
		if err := s.Center(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnableServos powers the servo rail (no-op without one).
func (c *Controller) EnableServos(ctx context.Context) error {
	return c.rail.Enable(ctx)
}

// DisableServos cuts the servo rail (no-op without one).
func (c *Controller) DisableServos() error {
	debug.Verbose("Motion: servos unpowered")
	return c.rail.Disable()
}

// Estimate is the expected duration of SweepAll.
func (c *Controller) Estimate() time.Duration {
	p := c.seq.Params()
	var d time.Duration
	for _, s := range c.servos {
		d += sweep.Duration(s.Range(), p) + p.InterChannelDelay
	}
	return d
}
