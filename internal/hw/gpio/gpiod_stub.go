//go:build !linux && !tinygo

package gpio

import "errors"

// GPIODDriver is only available on Linux.
type GPIODDriver struct{ MockDriver }

func NewGPIODDriver(consumer string) (*GPIODDriver, error) {
	return nil, errors.New("gpiod: GPIO character device requires Linux")
}
