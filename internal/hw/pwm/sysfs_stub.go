//go:build !linux || tinygo

package pwm

import "fmt"

// SysfsBase is the Linux PWM class directory.
var SysfsBase = "/sys/class/pwm"

// SysfsDriver is unavailable outside Linux.
type SysfsDriver struct{}

// NewSysfsDriver always fails on this platform.
func NewSysfsDriver(base string) (*SysfsDriver, error) {
	return nil, fmt.Errorf("sysfs pwm: unsupported on this platform")
}

func (d *SysfsDriver) SetCompare(out Output, ticks uint32) error {
	return fmt.Errorf("sysfs pwm: unsupported")
}

func (d *SysfsDriver) Close() error { return nil }
