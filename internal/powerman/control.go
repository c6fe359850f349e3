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
	"sync"
	"time"

	"github.com/TheCacophonyProject/powerman/powerproto"
)

// ControlState is the state of the power enable line.
type ControlState uint8

const (
	PoweredOff ControlState = iota
	PoweredOn
	// StandPendingOff is powered on with a shutdown deadline armed.
	StandPendingOff
)

func (s ControlState) String() string {
	switch s {
	case PoweredOff:
		return "Powered Off"
	case PoweredOn:
		return "Powered On"
	case StandPendingOff:
		return "Stand, Pending Off"
	default:
		return "Unknown"
	}
}

type stopper interface {
	Stop() bool
}

// afterFunc matches time.AfterFunc, swapped out in tests.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// deadline is an armed power off. A deadline is invalidated by clearing it
// from the controller, so a timer that fires after being stopped does nothing.
type deadline struct {
	at    time.Time
	timer stopper
}

// Controller is the power control state machine. It owns the power enable
// output.
type Controller struct {
	mu        sync.Mutex
	output    DigitalOutput
	pin       int
	critical  func() bool
	timeout   time.Duration
	afterFunc afterFunc

	powerEnabled bool
	pending      *deadline
}

// NewController returns a controller. powerEnabled is the current state of
// the power line, the controller doesn't write it until a request arrives.
func NewController(output DigitalOutput, pin int, critical func() bool, timeout time.Duration, powerEnabled bool) *Controller {
	return &Controller{
		output:       output,
		pin:          pin,
		critical:     critical,
		timeout:      timeout,
		afterFunc:    realAfterFunc,
		powerEnabled: powerEnabled,
	}
}

func (c *Controller) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Controller) state() ControlState {
	switch {
	case !c.powerEnabled:
		return PoweredOff
	case c.pending != nil:
		return StandPendingOff
	default:
		return PoweredOn
	}
}

func (c *Controller) PowerEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powerEnabled
}

// PendingDeadline returns when power will be cut, if a stand mode deadline is armed.
func (c *Controller) PendingDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return time.Time{}, false
	}
	return c.pending.at, true
}

// HandlePayload decodes and handles an encoded request. Requests that fail
// to decode get a syntax error and don't touch the state.
func (c *Controller) HandlePayload(payload []byte) powerproto.Reply {
	req, err := powerproto.UnmarshalRequest(payload)
	if err != nil {
		log.Warnf("Bad power request: %v", err)
		return powerproto.Reply{Status: powerproto.StatusSyntaxError}
	}
	return c.Handle(req)
}

// Handle runs a request. Any pending power off is cancelled first.
func (c *Controller) Handle(req powerproto.Request) powerproto.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelPending()

	switch req.Command {
	case powerproto.StandPower:
		c.armPowerOff()
		return powerproto.Reply{Status: powerproto.StatusOK}

	case powerproto.FlightPower:
		if c.critical() {
			log.Warn("Flight power denied, battery is critical")
			return powerproto.Reply{Status: powerproto.StatusPowerDenied}
		}
		if err := c.output.SetOutput(c.pin, true); err != nil {
			log.Errorf("Failed to enable flight power: %v", err)
			return powerproto.Reply{Status: powerproto.StatusOutputError}
		}
		if !c.powerEnabled {
			log.Info("Flight power enabled")
		}
		c.powerEnabled = true
		return powerproto.Reply{Status: powerproto.StatusOK}
	}

	// UnmarshalRequest only returns known commands.
	log.Errorf("Unhandled command %s", req.Command)
	return powerproto.Reply{Status: powerproto.StatusSyntaxError}
}

func (c *Controller) cancelPending() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
	log.Debug("Cancelled pending power off")
}

func (c *Controller) armPowerOff() {
	d := &deadline{at: time.Now().Add(c.timeout)}
	d.timer = c.afterFunc(c.timeout, func() { c.expire(d) })
	c.pending = d
	log.Infof("Stand mode, powering off in %s", c.timeout)
}

func (c *Controller) expire(d *deadline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != d {
		return
	}
	c.pending = nil
	if err := c.output.SetOutput(c.pin, false); err != nil {
		log.Errorf("Failed to power off: %v", err)
		return
	}
	c.powerEnabled = false
	log.Info("Stand mode timeout, power off")
}
