//go:build !tinygo

package pwm

import (
	"fmt"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/gpio"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver drives servos from the Raspberry Pi hardware PWM block using go-rpio.
// Each output is bound to a PWM-capable BCM pin (12, 13, 18, 19).
// The PWM clock runs at TickHz and the cycle is PeriodTicks long, so a compare
// value is directly a pulse width in microseconds.
type RPiDriver struct {
	pins map[Output]rpio.Pin
}

// NewRPiDriver maps the given outputs to BCM pins and switches them to PWM mode.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiDriver(pins map[Output]int) (*RPiDriver, error) {
	debug.Info("Initializing real PWM driver (go-rpio)")

	if len(pins) == 0 {
		return nil, fmt.Errorf("rpio pwm: no output pins configured")
	}
	if err := gpio.AcquireRPIO(); err != nil {
		return nil, err
	}

	d := &RPiDriver{pins: make(map[Output]rpio.Pin, len(pins))}
	for out, bcm := range pins {
		if _, ok := RPiPWMChannel(bcm); !ok {
			_ = gpio.ReleaseRPIO()
			return nil, fmt.Errorf("rpio pwm: output %s: BCM pin %d has no hardware PWM (use 12, 13, 18 or 19)", out, bcm)
		}
		p := rpio.Pin(bcm)
		p.Pwm()
		p.Freq(TickHz)
		p.DutyCycle(0, PeriodTicks)
		d.pins[out] = p
		debug.Verbose("PWM %s on BCM pin %d", out, bcm)
	}
	return d, nil
}

func (d *RPiDriver) SetCompare(out Output, ticks uint32) error {
	debug.PWM(out.Timer, out.Channel, ticks)

	p, ok := d.pins[out]
	if !ok {
		return fmt.Errorf("rpio pwm: output %s not configured", out)
	}
	if ticks > PeriodTicks {
		return fmt.Errorf("rpio pwm: compare %d exceeds period %d", ticks, PeriodTicks)
	}
	p.DutyCycle(ticks, PeriodTicks)
	return nil
}

func (d *RPiDriver) Close() error {
	debug.Trace("PWM Close (real driver)")

	// Stop pulses, then hand the pins back as inputs (safe state)
	for out, p := range d.pins {
		debug.Verbose("Releasing %s", out)
		p.DutyCycle(0, PeriodTicks)
		p.Input()
	}
	return gpio.ReleaseRPIO()
}
