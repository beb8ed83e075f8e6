package pwm

import (
	"fmt"

	"github.com/cjeanneret/GoLegs/internal/debug"
)

// Timer calibration shared by every back-end: one tick is one microsecond
// and a servo frame is 20ms (50Hz).
const (
	TickHz      = 1_000_000
	PeriodTicks = 20_000
)

// rpiPWMChannels maps the BCM pins wired to the Raspberry Pi PWM block to
// its two channels. Pins on the same channel output the same signal.
var rpiPWMChannels = map[int]int{12: 0, 18: 0, 13: 1, 19: 1}

// RPiPWMChannel returns the hardware PWM channel behind a BCM pin, and false
// for pins the PWM block cannot drive.
func RPiPWMChannel(bcm int) (int, bool) {
	ch, ok := rpiPWMChannels[bcm]
	return ch, ok
}

// Output identifies one compare register: a channel of a hardware timer.
// Timers and channels are 1-based, as printed on the board (TIM3 CH2).
type Output struct {
	Timer   int
	Channel int
}

// String returns the short name used in config and logs, e.g. "T3C2".
func (o Output) String() string {
	return fmt.Sprintf("T%dC%d", o.Timer, o.Channel)
}

// ParseOutput parses a "T<timer>C<channel>" name.
func ParseOutput(name string) (Output, error) {
	var o Output
	var rest string
	n, _ := fmt.Sscanf(name, "T%dC%d%s", &o.Timer, &o.Channel, &rest)
	if n != 2 || o.String() != name {
		return Output{}, fmt.Errorf("invalid output name %q (want T<timer>C<channel>)", name)
	}
	if o.Timer <= 0 || o.Channel <= 0 {
		return Output{}, fmt.Errorf("invalid output name %q: timer and channel start at 1", name)
	}
	return o, nil
}

// Driver is the abstract interface over the PWM peripheral.
// A real implementation writes a compare register (hardware timer, sysfs,
// remote MCU); the mock simply logs.
type Driver interface {
	// SetCompare sets the pulse width of out, in ticks.
	SetCompare(out Output, ticks uint32) error
	Close() error
}

// MockDriver is a test implementation that simply logs compare writes.
// Used for development on PC.
type MockDriver struct{}

// NewMockDriver returns a logging driver.
func NewMockDriver() *MockDriver {
	debug.Info("Using MOCK PWM driver (development mode)")
	return &MockDriver{}
}

func (m *MockDriver) SetCompare(out Output, ticks uint32) error {
	debug.PWM(out.Timer, out.Channel, ticks)
	return nil
}

func (m *MockDriver) Close() error {
	debug.Trace("PWM Close (mock)")
	return nil
}
