//go:build !tinygo

package pwm

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/proto"
	"go.bug.st/serial"
)

// SerialConfig describes the link to a microcontroller running the firmware.
type SerialConfig struct {
	Device       string
	BaudRate     int
	ReplyTimeout time.Duration
}

// SerialDriver forwards compare writes to the firmware over a serial link
// and waits for the "ok" acknowledgement of each one.
type SerialDriver struct {
	mu      sync.Mutex
	link    io.ReadWriteCloser
	timeout time.Duration
}

// NewSerialDriver opens the serial port described by cfg.
func NewSerialDriver(cfg SerialConfig) (*SerialDriver, error) {
	debug.Info("Initializing serial PWM driver (%s @ %d baud)", cfg.Device, cfg.BaudRate)

	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	// Short reads let readReply check its own deadline.
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return newLinkDriver(port, cfg.ReplyTimeout), nil
}

func newLinkDriver(link io.ReadWriteCloser, timeout time.Duration) *SerialDriver {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &SerialDriver{link: link, timeout: timeout}
}

func (d *SerialDriver) SetCompare(out Output, ticks uint32) error {
	debug.PWM(out.Timer, out.Channel, ticks)

	d.mu.Lock()
	defer d.mu.Unlock()

	line := proto.Compare(out.Timer, out.Channel, ticks).Encode()
	if _, err := io.WriteString(d.link, line); err != nil {
		return fmt.Errorf("serial pwm: write %s: %w", out, err)
	}
	reply, err := d.readReply()
	if err != nil {
		return fmt.Errorf("serial pwm: %s: %w", out, err)
	}
	return proto.ParseReply(reply)
}

var errReplyTimeout = errors.New("timed out waiting for reply")

// readReply reads one line. A read returning no data counts as a timeout tick
// of the port, not as EOF.
func (d *SerialDriver) readReply() (string, error) {
	deadline := time.Now().Add(d.timeout)
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := d.link.Read(b)
		if err != nil {
			return "", err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return "", errReplyTimeout
			}
			continue
		}
		switch b[0] {
		case '\r':
		case '\n':
			if len(line) > 0 {
				return string(line), nil
			}
		default:
			if len(line) >= proto.MaxLineLen*4 {
				return "", fmt.Errorf("reply too long")
			}
			line = append(line, b[0])
		}
	}
}

func (d *SerialDriver) Close() error {
	debug.Trace("PWM Close (serial)")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link.Close()
}
