//go:build !tinygo

package gpio

import (
	"fmt"

	"github.com/cjeanneret/GoLegs/internal/debug"
)

// Driver kinds accepted by NewDriver.
const (
	KindMock  = "mock"
	KindRPIO  = "rpio"
	KindGPIOD = "gpiod"
)

// NewDriver creates a GPIO driver of the given kind:
// "mock" (dev/test), "rpio" (memory-mapped, Raspberry Pi up to 4) or
// "gpiod" (Linux GPIO character device, works on Pi 5).
func NewDriver(kind string) (Driver, error) {
	switch kind {
	case KindMock, "":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	case KindRPIO:
		d, err := NewRPiRealDriver()
		if err != nil {
			return nil, err
		}
		return d, nil
	case KindGPIOD:
		d, err := NewGPIODDriver("golegs")
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", kind)
	}
}
