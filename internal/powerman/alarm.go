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
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
)

const (
	criticalWarning = "CRITICAL WARNING: SYSTEM BATTERY VOLTAGE IS LOW; IMMEDIATE SHUTDOWN REQUIRED OR SYSTEM WILL BE DAMAGED"

	beeperToggleInterval = 100 * time.Millisecond
	beeperIdleInterval   = time.Second
)

// Alarm beeps until the process exits. It is started once, the first time
// the battery goes critical.
type Alarm struct {
	output  DigitalOutput
	pin     int
	enabled func() bool
	state   func() *SampledState

	toggle time.Duration
	idle   time.Duration

	broadcast func(msg string) error
	addEvent  func(event eventclient.Event) error
}

func NewAlarm(output DigitalOutput, pin int, enabled func() bool, state func() *SampledState) *Alarm {
	return &Alarm{
		output:    output,
		pin:       pin,
		enabled:   enabled,
		state:     state,
		toggle:    beeperToggleInterval,
		idle:      beeperIdleInterval,
		broadcast: wallBroadcast,
		addEvent:  eventclient.AddEvent,
	}
}

// Run only returns when ctx is done.
func (a *Alarm) Run(ctx context.Context) {
	log.Warn(criticalWarning)
	if err := a.broadcast(criticalWarning); err != nil {
		log.Errorf("Failed to broadcast battery warning: %v", err)
	}
	if err := a.addEvent(a.criticalEvent()); err != nil {
		log.Errorf("Error adding event: %v", err)
	}

	for {
		if a.enabled() {
			// Beeper is active low.
			a.set(false)
			if !sleepCtx(ctx, a.toggle) {
				a.set(true)
				return
			}
			a.set(true)
			if !sleepCtx(ctx, a.toggle) {
				return
			}
		} else if !sleepCtx(ctx, a.idle) {
			return
		}
	}
}

func (a *Alarm) set(value bool) {
	if err := a.output.SetOutput(a.pin, value); err != nil {
		log.Debugf("Failed to set beeper pin: %v", err)
	}
}

func (a *Alarm) criticalEvent() eventclient.Event {
	details := map[string]interface{}{
		"message": criticalWarning,
	}
	if s := a.state(); s != nil {
		details["voltage"] = s.Voltage
		details["current"] = s.Current
		details["consumed"] = s.Consumed
	}
	return eventclient.Event{
		Timestamp: time.Now(),
		Type:      "batteryCritical",
		Details:   details,
	}
}

// wallBroadcast sends msg to every logged in terminal.
func wallBroadcast(msg string) error {
	cmd := exec.Command("wall")
	cmd.Stdin = strings.NewReader(msg + "\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("wall failed: %v\n%s", err, out)
	}
	return nil
}

// sleepCtx sleeps for d, returning false if ctx finished first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
