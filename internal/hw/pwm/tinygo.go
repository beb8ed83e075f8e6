//go:build tinygo

package pwm

import (
	"fmt"
	"machine"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"tinygo.org/x/drivers/servo"
)

// TimerPins binds a hardware timer to the pins of its used channels.
type TimerPins struct {
	PWM  servo.PWM
	Pins map[int]machine.Pin // channel -> pin
}

// TinyGoDriver writes pulse widths straight into the MCU timers.
type TinyGoDriver struct {
	servos map[Output]servo.Servo
}

// NewTinyGoDriver configures every timer for 50Hz servo frames and attaches
// its channel pins.
func NewTinyGoDriver(timers map[int]TimerPins) (*TinyGoDriver, error) {
	d := &TinyGoDriver{servos: make(map[Output]servo.Servo)}
	for id, t := range timers {
		array, err := servo.NewArray(t.PWM)
		if err != nil {
			return nil, fmt.Errorf("timer %d: %w", id, err)
		}
		for ch, pin := range t.Pins {
			s, err := array.Add(pin)
			if err != nil {
				return nil, fmt.Errorf("timer %d channel %d: %w", id, ch, err)
			}
			d.servos[Output{Timer: id, Channel: ch}] = s
		}
	}
	return d, nil
}

func (d *TinyGoDriver) SetCompare(out Output, ticks uint32) error {
	debug.PWM(out.Timer, out.Channel, ticks)

	s, ok := d.servos[out]
	if !ok {
		return fmt.Errorf("output %s not configured", out)
	}
	if ticks > PeriodTicks {
		return fmt.Errorf("compare %d exceeds period %d", ticks, PeriodTicks)
	}
	s.SetMicroseconds(int16(ticks))
	return nil
}

func (d *TinyGoDriver) Close() error {
	for _, s := range d.servos {
		s.SetMicroseconds(0)
	}
	return nil
}
