//go:build linux && !tinygo

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// GPIODDriver drives BCM GPIOs through the Linux GPIO character device.
// Lines are looked up by name ("GPIO17") across every /dev/gpiochip*,
// which keeps working on a Pi 5 where memory-mapped access does not.
type GPIODDriver struct {
	consumer string
	chips    []*gpiocdev.Chip
	lines    map[int]*gpiocdev.Line
}

// NewGPIODDriver opens every GPIO chip found under /dev.
func NewGPIODDriver(consumer string) (*GPIODDriver, error) {
	debug.Info("Initializing GPIO driver (gpiocdev)")

	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("gpiod: read /dev: %w", err)
	}
	d := &GPIODDriver{consumer: consumer, lines: make(map[int]*gpiocdev.Line)}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "gpiochip") {
			continue
		}
		chip, err := gpiocdev.NewChip(filepath.Join("/dev", e.Name()))
		if err != nil {
			continue
		}
		d.chips = append(d.chips, chip)
	}
	if len(d.chips) == 0 {
		return nil, fmt.Errorf("gpiod: no usable gpiochip found")
	}
	return d, nil
}

func (d *GPIODDriver) request(pin int, mode PinMode) error {
	if l, ok := d.lines[pin]; ok {
		_ = l.Close()
		delete(d.lines, pin)
	}

	lineName := fmt.Sprintf("GPIO%d", pin)
	opt := gpiocdev.LineReqOption(gpiocdev.AsInput)
	if mode == Output {
		opt = gpiocdev.AsOutput(0)
	}
	for _, chip := range d.chips {
		offset, err := chip.FindLine(lineName)
		if err != nil {
			continue
		}
		line, err := chip.RequestLine(offset, opt, gpiocdev.WithConsumer(d.consumer))
		if err != nil {
			return fmt.Errorf("gpiod: request %s: %w", lineName, err)
		}
		d.lines[pin] = line
		return nil
	}
	return fmt.Errorf("gpiod: line %q not found", lineName)
}

func (d *GPIODDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if mode != Input && mode != Output {
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	return d.request(pin, mode)
}

func (d *GPIODDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	l, ok := d.lines[pin]
	if !ok {
		if err := d.request(pin, Output); err != nil {
			return err
		}
		l = d.lines[pin]
	}
	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

func (d *GPIODDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)

	l, ok := d.lines[pin]
	if !ok {
		if err := d.request(pin, Input); err != nil {
			return Low, err
		}
		l = d.lines[pin]
	}
	v, err := l.Value()
	if err != nil {
		return Low, err
	}
	return Level(v != 0), nil
}

func (d *GPIODDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")

	var firstErr error
	for pin, l := range d.lines {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gpiod: release pin %d: %w", pin, err)
		}
	}
	d.lines = make(map[int]*gpiocdev.Line)
	for _, c := range d.chips {
		_ = c.Close()
	}
	d.chips = nil
	return firstErr
}
