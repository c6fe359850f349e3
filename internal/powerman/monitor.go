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
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/powerman/calibration"
	"github.com/TheCacophonyProject/powerman/hysteresis"
)

// SampledState is one sampling cycle. A new value is stored every cycle and
// never modified afterwards.
type SampledState struct {
	Voltage float64
	Current float64
	// Consumed is the charge drawn since the service started, in amp hours.
	Consumed float64
	Critical bool
	Time     time.Time
}

// SensorError is a failed read or conversion of one channel.
type SensorError struct {
	Channel string
	Err     error
}

func (e *SensorError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Voltage            Channel
	Current            Channel
	VoltageCalibration calibration.Func
	CurrentCalibration calibration.Func
	LowBatteryVoltage  float64
	Hysteresis         int
	Interval           time.Duration
}

// Monitor samples the battery. It is the only writer of SampledState.
type Monitor struct {
	voltage, current Channel
	toVolts, toAmps  calibration.Func
	lowVoltage       float64
	interval         time.Duration
	gate             *hysteresis.Gate

	state      atomic.Pointer[SampledState]
	alarmOnce  sync.Once
	onCritical func()
}

// NewMonitor returns a monitor. onCritical is started in its own goroutine
// the first time the battery goes critical, and never again.
func NewMonitor(conf MonitorConfig, onCritical func()) *Monitor {
	return &Monitor{
		voltage:    conf.Voltage,
		current:    conf.Current,
		toVolts:    conf.VoltageCalibration,
		toAmps:     conf.CurrentCalibration,
		lowVoltage: conf.LowBatteryVoltage,
		interval:   conf.Interval,
		gate:       hysteresis.NewGate(conf.Hysteresis),
		onCritical: onCritical,
	}
}

// Snapshot returns the latest sample, nil until the first successful sample.
func (m *Monitor) Snapshot() *SampledState {
	return m.state.Load()
}

func (m *Monitor) Critical() bool {
	s := m.state.Load()
	return s != nil && s.Critical
}

// Run samples every interval until ctx is done. Failed samples are logged
// and skipped.
func (m *Monitor) Run(ctx context.Context) {
	log.Infof("Sampling battery every %s, low battery voltage %.2fV", m.interval, m.lowVoltage)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sample(); err != nil {
				log.Errorf("Skipping battery sample: %v", err)
			}
		}
	}
}

func (m *Monitor) read(name string, ch Channel, convert calibration.Func) (float64, error) {
	raw, err := ch.Read()
	if err != nil {
		return 0, &SensorError{Channel: name, Err: err}
	}
	v := convert(raw)
	if !calibration.Valid(v) {
		return 0, &SensorError{Channel: name, Err: fmt.Errorf("calibration gave %v for raw value %d", v, raw)}
	}
	return v, nil
}

// Sample runs one sampling cycle. On error nothing is updated.
func (m *Monitor) Sample() error {
	voltage, err := m.read("voltage", m.voltage, m.toVolts)
	if err != nil {
		return err
	}
	current, err := m.read("current", m.current, m.toAmps)
	if err != nil {
		return err
	}

	prev := m.state.Load()
	next := &SampledState{
		Voltage: voltage,
		Current: current,
		Time:    time.Now(),
	}
	if prev != nil {
		next.Consumed = prev.Consumed
	}
	// One sample per second, so amp seconds / 3600 gives amp hours.
	// Charging current is ignored, consumed never goes down.
	if current > 0 {
		next.Consumed += current / 3600
	}
	next.Critical = m.gate.Evaluate(voltage < m.lowVoltage)
	m.state.Store(next)

	wasCritical := prev != nil && prev.Critical
	switch {
	case next.Critical && !wasCritical:
		log.Warnf("Battery critical, %.2fV below %.2fV for %d samples", voltage, m.lowVoltage, m.gate.Threshold())
		m.alarmOnce.Do(func() {
			if m.onCritical != nil {
				go m.onCritical()
			}
		})
	case !next.Critical && wasCritical:
		log.Infof("Battery no longer critical, %.2fV", voltage)
	}
	log.Debugf("Sampled %.3fV %.3fA, consumed %.4fAh", voltage, current, next.Consumed)
	return nil
}
