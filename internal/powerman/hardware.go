/*
powerman - Battery monitor and power control
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package powerman

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
)

// DigitalOutput drives the power enable and beeper lines.
type DigitalOutput interface {
	SetOutput(pin int, value bool) error
}

// Channel is one ADC input, returning the raw count.
type Channel interface {
	Read() (int, error)
}

// PCA9534 compatible port expander registers.
const (
	gpioBankPins      = 8
	gpioOutputReg     = 0x01
	gpioConfigReg     = 0x03
	gpioAllOutputsVal = 0x00
)

// gpioBank is an 8 bit I2C port expander. The output latch is shadowed so
// single pins can be changed with one write.
type gpioBank struct {
	mu    sync.Mutex
	dev   *i2c.Dev
	state byte
}

// newGPIOBank reads the current output latch before switching the pins to
// outputs, so starting the service doesn't change the power line.
func newGPIOBank(bus i2c.Bus, address uint16) (*gpioBank, error) {
	dev := &i2c.Dev{Bus: bus, Addr: address}
	state, err := readByte(dev, gpioOutputReg)
	if err != nil {
		return nil, fmt.Errorf("failed to read GPIO bank at 0x%X: %w", address, err)
	}
	if err := writeByte(dev, gpioConfigReg, gpioAllOutputsVal); err != nil {
		return nil, fmt.Errorf("failed to configure GPIO bank at 0x%X: %w", address, err)
	}
	log.Debugf("GPIO bank at 0x%X, output latch 0x%02X", address, state)
	return &gpioBank{dev: dev, state: state}, nil
}

func (b *gpioBank) SetOutput(pin int, value bool) error {
	if pin < 0 || pin >= gpioBankPins {
		return fmt.Errorf("invalid GPIO pin %d", pin)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.state
	if value {
		next |= 1 << pin
	} else {
		next &^= 1 << pin
	}
	if err := writeByte(b.dev, gpioOutputReg, next); err != nil {
		return err
	}
	b.state = next
	return nil
}

// Output returns the last written value of a pin.
func (b *gpioBank) Output(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state&(1<<pin) != 0
}

// i2cChannel reads a 16 bit big endian result register from an I2C ADC.
type i2cChannel struct {
	dev *i2c.Dev
	reg byte
}

func (c *i2cChannel) Read() (int, error) {
	data := make([]byte, 2)
	if err := readBytes(c.dev, c.reg, data); err != nil {
		return 0, err
	}
	return int(data[0])<<8 | int(data[1]), nil
}

// sysfsChannel reads an IIO raw value, e.g. /sys/bus/iio/devices/iio:device0/in_voltage3_raw
type sysfsChannel struct {
	path string
}

func (c *sysfsChannel) Read() (int, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, err
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid ADC value in '%s': %w", c.path, err)
	}
	return raw, nil
}

// newChannel builds a channel from its config value. Absolute paths are
// sysfs files, anything else is a register on the I2C ADC.
func newChannel(id string, bus i2c.Bus, adcAddress uint16) (Channel, error) {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "/") {
		if _, err := os.Stat(id); err != nil {
			return nil, err
		}
		return &sysfsChannel{path: id}, nil
	}
	reg, err := strconv.ParseUint(id, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid ADC channel '%s'", id)
	}
	return &i2cChannel{dev: &i2c.Dev{Bus: bus, Addr: adcAddress}, reg: byte(reg)}, nil
}

// readBytes reads bytes from the I2C device starting from a given register.
func readBytes(dev *i2c.Dev, register byte, data []byte) error {
	return dev.Tx([]byte{register}, data)
}

// readByte reads a byte from the I2C device from a given register.
func readByte(dev *i2c.Dev, register byte) (byte, error) {
	data := make([]byte, 1)
	if err := dev.Tx([]byte{register}, data); err != nil {
		return 0, err
	}
	return data[0], nil
}

// writeByte writes a byte to the I2C device at a given register.
func writeByte(dev *i2c.Dev, register byte, data byte) error {
	_, err := dev.Write([]byte{register, data})
	return err
}
