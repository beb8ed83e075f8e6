package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/GoLegs/internal/hw/pwm"
	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// PWM back-ends accepted in pwm.driver.
const (
	DriverMock   = "mock"
	DriverRPIO   = "rpio"
	DriverSysfs  = "sysfs"
	DriverSerial = "serial"
)

// ServoConfig selects the servo profile. Range and Calibration, when set,
// override the profile values.
type ServoConfig struct {
	Profile     string             `yaml:"profile"` // "sg90_leg" (default) or "sg90_full"
	Range       *servo.Range       `yaml:"range,omitempty"`
	Calibration *servo.Calibration `yaml:"calibration,omitempty"`
}

// SweepConfig holds the sweep pattern.
type SweepConfig struct {
	StepDeg             float64 `yaml:"step_deg"`               // degrees per step
	StepDelayMs         int     `yaml:"step_delay_ms"`          // delay after each step
	SettleDelayMs       int     `yaml:"settle_delay_ms"`        // delay after the initial neutral write
	InterChannelDelayMs int     `yaml:"inter_channel_delay_ms"` // delay between channels
}

// ChannelConfig is one entry of the channel table. Entries run in file
// order during the all-channel test.
type ChannelConfig struct {
	Name    string `yaml:"name"`              // defaults to "T<timer>C<channel>"
	Timer   int    `yaml:"timer"`             // 1-based hardware timer
	Channel int    `yaml:"channel"`           // 1-based compare channel
	Pin     int    `yaml:"pin,omitempty"`     // BCM pin, rpio driver only
	Profile string `yaml:"profile,omitempty"` // per-channel profile override
}

// Output returns the PWM output of the channel.
func (c ChannelConfig) Output() pwm.Output {
	return pwm.Output{Timer: c.Timer, Channel: c.Channel}
}

// PWMConfig selects and configures the PWM back-end.
type PWMConfig struct {
	Driver         string `yaml:"driver"`           // mock, rpio, sysfs, serial
	SysfsBase      string `yaml:"sysfs_base"`       // default /sys/class/pwm
	SerialPort     string `yaml:"serial_port"`      // e.g. /dev/ttyACM0
	BaudRate       int    `yaml:"baud_rate"`        // default 115200
	ReplyTimeoutMs int    `yaml:"reply_timeout_ms"` // serial reply timeout
}

// PowerConfig describes the optional GPIO that switches the servo supply.
type PowerConfig struct {
	Pin        int    `yaml:"pin"`         // BCM pin, 0 = not switched
	ActiveLow  bool   `yaml:"active_low"`  // relay boards are often active LOW
	SettleMs   int    `yaml:"settle_ms"`   // wait after power-on
	GPIODriver string `yaml:"gpio_driver"` // mock, rpio, gpiod
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Servo    ServoConfig     `yaml:"servo"`
	Sweep    SweepConfig     `yaml:"sweep"`
	Channels []ChannelConfig `yaml:"channels"`
	PWM      PWMConfig       `yaml:"pwm"`
	Power    PowerConfig     `yaml:"power"`
	Defaults DefaultsConfig  `yaml:"defaults"`
}

// DefaultChannels is the bench wiring: TIM1 CH1, TIM2 CH2, all of TIM3,
// then TIM4 CH3 and CH4.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "T1C1", Timer: 1, Channel: 1},
		{Name: "T2C2", Timer: 2, Channel: 2},
		{Name: "T3C1", Timer: 3, Channel: 1},
		{Name: "T3C2", Timer: 3, Channel: 2},
		{Name: "T3C3", Timer: 3, Channel: 3},
		{Name: "T3C4", Timer: 3, Channel: 4},
		{Name: "T4C3", Timer: 4, Channel: 3},
		{Name: "T4C4", Timer: 4, Channel: 4},
	}
}

// ValidateConfigPath only accepts *.yaml files sitting directly in a
// directory named "configs", without ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration, with defaults
// applied and validated.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Servo.Profile == "" {
		c.Servo.Profile = servo.DefaultProfile
	}
	if c.Sweep.StepDeg == 0 {
		c.Sweep.StepDeg = 2
	}
	if c.Sweep.StepDelayMs == 0 {
		c.Sweep.StepDelayMs = 200
	}
	if c.Sweep.SettleDelayMs == 0 {
		c.Sweep.SettleDelayMs = 200
	}
	if c.Sweep.InterChannelDelayMs == 0 {
		c.Sweep.InterChannelDelayMs = 500
	}
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels()
	}
	for i := range c.Channels {
		if c.Channels[i].Name == "" {
			c.Channels[i].Name = c.Channels[i].Output().String()
		}
	}
	if c.PWM.Driver == "" {
		c.PWM.Driver = DriverMock
	}
	if c.PWM.SysfsBase == "" {
		c.PWM.SysfsBase = "/sys/class/pwm"
	}
	if c.PWM.BaudRate == 0 {
		c.PWM.BaudRate = 115200
	}
	if c.PWM.ReplyTimeoutMs == 0 {
		c.PWM.ReplyTimeoutMs = 500
	}
	if c.Power.GPIODriver == "" {
		c.Power.GPIODriver = "mock"
	}
	if c.Power.SettleMs == 0 && c.Power.Pin > 0 {
		c.Power.SettleMs = 100
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("servo: %w", err)
	}
	if !(c.Sweep.StepDeg > 0) {
		return fmt.Errorf("sweep.step_deg must be > 0, got %v", c.Sweep.StepDeg)
	}
	if c.Sweep.StepDelayMs < 0 || c.Sweep.SettleDelayMs < 0 || c.Sweep.InterChannelDelayMs < 0 {
		return fmt.Errorf("sweep delays must not be negative")
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	switch c.PWM.Driver {
	case DriverMock, DriverRPIO, DriverSysfs:
	case DriverSerial:
		if c.PWM.SerialPort == "" {
			return fmt.Errorf("pwm.serial_port is required for the serial driver")
		}
		if c.PWM.BaudRate < 0 {
			return fmt.Errorf("pwm.baud_rate must be > 0, got %d", c.PWM.BaudRate)
		}
	default:
		return fmt.Errorf("unknown pwm.driver %q (want mock, rpio, sysfs or serial)", c.PWM.Driver)
	}
	if c.PWM.ReplyTimeoutMs < 0 {
		return fmt.Errorf("pwm.reply_timeout_ms must not be negative")
	}

	names := make(map[string]bool, len(c.Channels))
	outputs := make(map[pwm.Output]string, len(c.Channels))
	pins := make(map[int]string, len(c.Channels))
	for i, ch := range c.Channels {
		if ch.Timer <= 0 || ch.Channel <= 0 {
			return fmt.Errorf("channels[%d]: timer and channel must be >= 1", i)
		}
		if names[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, ch.Name)
		}
		names[ch.Name] = true
		if prev, dup := outputs[ch.Output()]; dup {
			return fmt.Errorf("channels[%d]: output %s already used by %q", i, ch.Output(), prev)
		}
		outputs[ch.Output()] = ch.Name
		if _, err := c.ChannelProfile(ch); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if c.PWM.Driver == DriverRPIO {
			if ch.Pin <= 0 {
				return fmt.Errorf("channels[%d]: pin is required for the rpio driver", i)
			}
			if _, ok := pwm.RPiPWMChannel(ch.Pin); !ok {
				return fmt.Errorf("channels[%d]: BCM pin %d has no hardware PWM (use 12, 13, 18 or 19)", i, ch.Pin)
			}
			if prev, dup := pins[ch.Pin]; dup {
				return fmt.Errorf("channels[%d]: pin %d already used by %q", i, ch.Pin, prev)
			}
			pins[ch.Pin] = ch.Name
		}
	}

	switch c.Power.GPIODriver {
	case "mock", "rpio", "gpiod":
	default:
		return fmt.Errorf("unknown power.gpio_driver %q (want mock, rpio or gpiod)", c.Power.GPIODriver)
	}
	if c.Power.Pin < 0 || c.Power.SettleMs < 0 {
		return fmt.Errorf("power.pin and power.settle_ms must not be negative")
	}
	if owner, clash := pins[c.Power.Pin]; clash && c.Power.Pin > 0 {
		return fmt.Errorf("power.pin %d is already used by channel %q", c.Power.Pin, owner)
	}
	return nil
}

// Warnings lists settings that load fine but probably do not do what the
// user wants.
func (c *Config) Warnings() []string {
	var warns []string
	if c.PWM.Driver == DriverRPIO {
		byChannel := make(map[int]string)
		for _, ch := range c.Channels {
			pc, ok := pwm.RPiPWMChannel(ch.Pin)
			if !ok {
				continue
			}
			if prev, shared := byChannel[pc]; shared {
				warns = append(warns, fmt.Sprintf("channels %q and %q share Pi PWM channel %d and will move together", prev, ch.Name, pc))
				continue
			}
			byChannel[pc] = ch.Name
		}
	}
	return warns
}

// Profile resolves the global servo profile with its overrides applied.
func (c *Config) Profile() (servo.Profile, error) {
	return c.resolveProfile(c.Servo.Profile)
}

// ChannelProfile resolves the profile of one channel.
func (c *Config) ChannelProfile(ch ChannelConfig) (servo.Profile, error) {
	if ch.Profile == "" {
		return c.Profile()
	}
	return c.resolveProfile(ch.Profile)
}

func (c *Config) resolveProfile(name string) (servo.Profile, error) {
	p, err := servo.LookupProfile(name)
	if err != nil {
		return servo.Profile{}, err
	}
	if c.Servo.Range != nil {
		p.Range = *c.Servo.Range
	}
	if c.Servo.Calibration != nil {
		p.Calibration = *c.Servo.Calibration
	}
	if err := p.Validate(); err != nil {
		return servo.Profile{}, err
	}
	return p, nil
}

// StepDelay returns the delay after each sweep step.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Sweep.StepDelayMs) * time.Millisecond
}

// SettleDelay returns the delay after the initial neutral write.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Sweep.SettleDelayMs) * time.Millisecond
}

// InterChannelDelay returns the delay between two channels.
func (c *Config) InterChannelDelay() time.Duration {
	return time.Duration(c.Sweep.InterChannelDelayMs) * time.Millisecond
}

// ReplyTimeout returns the serial reply timeout.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.PWM.ReplyTimeoutMs) * time.Millisecond
}

// PowerSettle returns the wait after powering the servos.
func (c *Config) PowerSettle() time.Duration {
	return time.Duration(c.Power.SettleMs) * time.Millisecond
}

// RPIOPins maps each output to its BCM pin.
func (c *Config) RPIOPins() map[pwm.Output]int {
	pins := make(map[pwm.Output]int, len(c.Channels))
	for _, ch := range c.Channels {
		pins[ch.Output()] = ch.Pin
	}
	return pins
}
