package servo

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/GoLegs/internal/debug"
	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
)

// Servo is one hobby servo wired to a PWM output.
type Servo struct {
	name    string
	drv     pwm.Driver
	out     pwm.Output
	profile Profile

	mu    sync.Mutex
	angle float64
	set   bool
}

// New binds a servo to out. The name defaults to the output name.
func New(name string, drv pwm.Driver, out pwm.Output, profile Profile) *Servo {
	if name == "" {
		name = out.String()
	}
	return &Servo{name: name, drv: drv, out: out, profile: profile}
}

func (s *Servo) Name() string { return s.name }

func (s *Servo) Output() pwm.Output { return s.out }

func (s *Servo) Range() Range { return s.profile.Range }

func (s *Servo) Profile() Profile { return s.profile }

// SetAngle maps angle to a pulse width and writes it. Out-of-range angles
// are rejected before anything reaches the driver.
func (s *Servo) SetAngle(angle float64) error {
	ticks, err := s.profile.PulseTicks(angle)
	if err != nil {
		return fmt.Errorf("servo %s: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.drv.SetCompare(s.out, ticks); err != nil {
		return fmt.Errorf("servo %s: write %s: %w", s.name, s.out, err)
	}
	s.angle = angle
	s.set = true
	debug.Angle(s.name, angle)
	return nil
}

// Center moves the servo to its neutral angle.
func (s *Servo) Center() error {
	return s.SetAngle(s.profile.Range.Neutral)
}

// Angle returns the last angle written and whether one was written at all.
func (s *Servo) Angle() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angle, s.set
}
