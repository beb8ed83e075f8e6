package power

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/gpio"
)

// Rail switches the servo supply through a GPIO-driven MOSFET or relay.
// The rail is left off at construction so servos never twitch while the
// PWM outputs are still floating.
type Rail struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool
	settle    time.Duration
	on        bool
}

// NewRail configures pin as an output and drives it to the "off" level.
// A pin <= 0 gives a rail that is always on and never touches GPIO,
// for benches where the servos are powered directly.
func NewRail(g gpio.Driver, pin int, activeLow bool, settle time.Duration) (*Rail, error) {
	r := &Rail{gpio: g, pin: pin, activeLow: activeLow, settle: settle}
	if !r.switched() {
		r.on = true
		return r, nil
	}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("power rail pin %d: %w", pin, err)
	}
	if err := g.WritePin(pin, r.level(false)); err != nil {
		return nil, fmt.Errorf("power rail pin %d: %w", pin, err)
	}
	return r, nil
}

func (r *Rail) switched() bool { return r != nil && r.gpio != nil && r.pin > 0 }

func (r *Rail) level(on bool) gpio.Level {
	if r.activeLow {
		return gpio.Level(!on)
	}
	return gpio.Level(on)
}

// Enable powers the servos and waits for the supply to settle. A cancelled
// ctx cuts the wait short; the rail stays on and ctx.Err() is returned.
func (r *Rail) Enable(ctx context.Context) error {
	if !r.switched() || r.on {
		return nil
	}
	debug.Verbose("Power: enabling servo rail (pin %d)", r.pin)
	if err := r.gpio.WritePin(r.pin, r.level(true)); err != nil {
		return err
	}
	r.on = true
	if r.settle <= 0 {
		return nil
	}
	timer := time.NewTimer(r.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Disable cuts the servo supply.
func (r *Rail) Disable() error {
	if !r.switched() || !r.on {
		return nil
	}
	debug.Verbose("Power: disabling servo rail (pin %d)", r.pin)
	if err := r.gpio.WritePin(r.pin, r.level(false)); err != nil {
		return err
	}
	r.on = false
	return nil
}

// On reports whether the servos are powered.
func (r *Rail) On() bool {
	if !r.switched() {
		return true
	}
	return r.on
}
