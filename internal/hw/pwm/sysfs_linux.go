//go:build linux && !tinygo

package pwm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cjeanneret/GoLegs/internal/debug"
)

// SysfsBase is the Linux PWM class directory.
var SysfsBase = "/sys/class/pwm"

// SysfsDriver drives hardware PWM channels via /sys/class/pwm.
//
// Timer N maps to pwmchip(N-1) and channel M to pwm(M-1), so TIM1 CH1 is
// pwmchip0/pwm0. Each channel is exported on first use with a 20ms period;
// a compare value in ticks becomes a duty_cycle in nanoseconds.
type SysfsDriver struct {
	base     string
	exported map[Output]string
}

// NewSysfsDriver creates a driver rooted at base (SysfsBase when empty).
func NewSysfsDriver(base string) (*SysfsDriver, error) {
	if base == "" {
		base = SysfsBase
	}
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("sysfs pwm: %w (is a pwm overlay enabled?)", err)
	}
	debug.Info("Initializing sysfs PWM driver (%s)", base)
	return &SysfsDriver{base: base, exported: make(map[Output]string)}, nil
}

func (d *SysfsDriver) chipPath(out Output) string {
	return filepath.Join(d.base, fmt.Sprintf("pwmchip%d", out.Timer-1))
}

func (d *SysfsDriver) SetCompare(out Output, ticks uint32) error {
	debug.PWM(out.Timer, out.Channel, ticks)

	if ticks > PeriodTicks {
		return fmt.Errorf("sysfs pwm: compare %d exceeds period %d", ticks, PeriodTicks)
	}
	pwmPath, err := d.ensureExported(out)
	if err != nil {
		return err
	}
	return writeSysfs(filepath.Join(pwmPath, "duty_cycle"), strconv.FormatUint(uint64(ticks)*1000, 10))
}

func (d *SysfsDriver) ensureExported(out Output) (string, error) {
	if p, ok := d.exported[out]; ok {
		return p, nil
	}

	chip := d.chipPath(out)
	n, err := readInt(filepath.Join(chip, "npwm"))
	if err != nil {
		return "", fmt.Errorf("sysfs pwm: %s: %w", out, err)
	}
	if out.Channel > n {
		return "", fmt.Errorf("sysfs pwm: %s: chip has %d channels", out, n)
	}

	pwmPath := filepath.Join(chip, fmt.Sprintf("pwm%d", out.Channel-1))
	if _, err := os.Stat(pwmPath); err != nil {
		if err := writeSysfs(filepath.Join(chip, "export"), strconv.Itoa(out.Channel-1)); err != nil {
			return "", fmt.Errorf("sysfs pwm: export %s: %w", out, err)
		}
		if err := waitForPath(pwmPath, 500*time.Millisecond); err != nil {
			return "", fmt.Errorf("sysfs pwm: %s not created after export: %w", out, err)
		}
	}

	// Disable before changing the period (common sysfs requirement).
	_ = writeSysfs(filepath.Join(pwmPath, "enable"), "0")
	if err := writeSysfs(filepath.Join(pwmPath, "period"), strconv.FormatUint(PeriodTicks*1000, 10)); err != nil {
		return "", fmt.Errorf("sysfs pwm: period %s: %w", out, err)
	}
	if err := writeSysfs(filepath.Join(pwmPath, "enable"), "1"); err != nil {
		return "", fmt.Errorf("sysfs pwm: enable %s: %w", out, err)
	}

	debug.Verbose("PWM %s exported at %s", out, pwmPath)
	d.exported[out] = pwmPath
	return pwmPath, nil
}

func (d *SysfsDriver) Close() error {
	debug.Trace("PWM Close (sysfs)")

	var errs []error
	for out, p := range d.exported {
		if err := writeSysfs(filepath.Join(p, "enable"), "0"); err != nil {
			errs = append(errs, fmt.Errorf("disable %s: %w", out, err))
		}
	}
	d.exported = make(map[Output]string)
	return errors.Join(errs...)
}

func waitForPath(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// writeSysfs opens without O_TRUNC/O_CREATE: some sysfs attributes reject them.
// Freshly exported nodes may briefly return EACCES or ENOENT while udev fixes
// permissions, so those errors are retried for a short while.
func writeSysfs(path string, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			_, werr := f.WriteString(value)
			cerr := f.Close()
			if werr == nil && cerr == nil {
				return nil
			}
			err = errors.Join(werr, cerr)
		}
		if time.Now().After(deadline) || !isRetryableSysfsErr(err) {
			return err
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty %s", filepath.Base(path))
	}
	return strconv.Atoi(s)
}
