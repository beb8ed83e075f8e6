package servo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
)

// ErrAngleOutOfRange is returned for any angle outside the active range,
// including NaN and infinities.
var ErrAngleOutOfRange = errors.New("angle out of range")

// Range is the mechanical travel allowed for a servo, in degrees.
type Range struct {
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Neutral float64 `yaml:"neutral" json:"neutral"`
}

// Validate checks that Min <= Neutral <= Max.
func (r Range) Validate() error {
	for _, v := range []float64{r.Min, r.Max, r.Neutral} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("range bounds must be finite numbers")
		}
	}
	if r.Min > r.Max {
		return fmt.Errorf("range min (%.1f) is above max (%.1f)", r.Min, r.Max)
	}
	if r.Neutral < r.Min || r.Neutral > r.Max {
		return fmt.Errorf("neutral %.1f is outside [%.1f, %.1f]", r.Neutral, r.Min, r.Max)
	}
	return nil
}

// Check returns an error wrapping ErrAngleOutOfRange unless angle is in
// [Min, Max].
func (r Range) Check(angle float64) error {
	if math.IsNaN(angle) || angle < r.Min || angle > r.Max {
		return fmt.Errorf("%w: %v not in [%.1f, %.1f]", ErrAngleOutOfRange, angle, r.Min, r.Max)
	}
	return nil
}

// Calibration maps the full mechanical span of the servo onto a pulse
// width window. One PWM tick is one microsecond.
type Calibration struct {
	MinPulseUs float64 `yaml:"min_pulse_us" json:"min_pulse_us"`
	MaxPulseUs float64 `yaml:"max_pulse_us" json:"max_pulse_us"`
	SpanDeg    float64 `yaml:"span_deg" json:"span_deg"`
}

// DefaultCalibration is the SG90 convention: 0° is 0.5ms, 180° is 2.5ms.
var DefaultCalibration = Calibration{MinPulseUs: 500, MaxPulseUs: 2500, SpanDeg: 180}

// Validate checks that the pulse window fits in one PWM period.
func (c Calibration) Validate() error {
	if c.SpanDeg <= 0 {
		return fmt.Errorf("calibration span_deg must be positive, got %v", c.SpanDeg)
	}
	if c.MinPulseUs < 0 || c.MaxPulseUs <= c.MinPulseUs {
		return fmt.Errorf("calibration pulse window [%v, %v] is invalid", c.MinPulseUs, c.MaxPulseUs)
	}
	if c.MaxPulseUs > pwm.PeriodTicks {
		return fmt.Errorf("calibration max pulse %vus exceeds the %dus period", c.MaxPulseUs, pwm.PeriodTicks)
	}
	return nil
}

// Ticks converts an angle to a compare value:
// round(angle/span * (max-min) + min).
func (c Calibration) Ticks(angle float64) uint32 {
	return uint32(math.Round(angle/c.SpanDeg*(c.MaxPulseUs-c.MinPulseUs) + c.MinPulseUs))
}

// Profile is a named servo configuration.
type Profile struct {
	Name        string      `json:"name"`
	Range       Range       `json:"range"`
	Calibration Calibration `json:"calibration"`
}

// Built-in profiles. The legs only travel 45° either side of center; the
// full profile exposes the whole SG90 span.
var (
	SG90Leg = Profile{
		Name:        "sg90_leg",
		Range:       Range{Min: 45, Max: 135, Neutral: 90},
		Calibration: DefaultCalibration,
	}
	SG90Full = Profile{
		Name:        "sg90_full",
		Range:       Range{Min: 0, Max: 180, Neutral: 90},
		Calibration: DefaultCalibration,
	}
)

// DefaultProfile is used when the configuration names none.
const DefaultProfile = "sg90_leg"

var profiles = map[string]Profile{
	SG90Leg.Name:  SG90Leg,
	SG90Full.Name: SG90Full,
}

// LookupProfile returns the built-in profile with the given name.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown servo profile %q (available: %v)", name, ProfileNames())
	}
	return p, nil
}

// ProfileNames lists the built-in profiles, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks both the range and the calibration, and that the range
// lies inside [0, SpanDeg] so every allowed angle maps into the pulse window.
func (p Profile) Validate() error {
	if err := p.Range.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if err := p.Calibration.Validate(); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	if p.Range.Min < 0 || p.Range.Max > p.Calibration.SpanDeg {
		return fmt.Errorf("profile %s: range [%.1f, %.1f] exceeds the calibrated span [0, %.1f]",
			p.Name, p.Range.Min, p.Range.Max, p.Calibration.SpanDeg)
	}
	return nil
}

// PulseTicks validates angle against the profile range and maps it.
func (p Profile) PulseTicks(angle float64) (uint32, error) {
	if err := p.Range.Check(angle); err != nil {
		return 0, err
	}
	return p.Calibration.Ticks(angle), nil
}
