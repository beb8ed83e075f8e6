//go:build !tinygo

package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// The go-rpio memory map is process-wide and shared with the PWM driver,
// so it is opened on first use and closed with the last user.
var (
	rpioMu    sync.Mutex
	rpioUsers int
)

// AcquireRPIO maps the GPIO registers if nobody did yet.
func AcquireRPIO() error {
	rpioMu.Lock()
	defer rpioMu.Unlock()
	if rpioUsers == 0 {
		if err := rpio.Open(); err != nil {
			return fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
		}
		debug.Verbose("GPIO memory mapped successfully")
	}
	rpioUsers++
	return nil
}

// ReleaseRPIO unmaps the GPIO registers once the last user is done.
func ReleaseRPIO() error {
	rpioMu.Lock()
	defer rpioMu.Unlock()
	if rpioUsers == 0 {
		return nil
	}
	rpioUsers--
	if rpioUsers > 0 {
		return nil
	}
	return rpio.Close()
}

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := AcquireRPIO(); err != nil {
		return nil, err
	}
	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}
	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}
	return ReleaseRPIO()
}
