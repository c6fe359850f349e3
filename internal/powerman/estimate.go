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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/powerman/calibration"
	"github.com/TheCacophonyProject/powerman/powerproto"
)

const (
	// Published current is floored below this, to keep observers dividing
	// by it away from zero. Not a calibration correction.
	currentFloorBelow = 4.0
	currentFloor      = 0.5
)

var (
	ErrNoSample = errors.New("no battery sample yet")
	errPublish  = errors.New("publish failed")
)

// EstimateError is returned when the state can't be derived from a sample.
type EstimateError struct {
	Reason string
}

func (e *EstimateError) Error() string {
	return "estimate failed: " + e.Reason
}

// Estimate builds the published state from a sample. The time estimate
// uses the measured current, the floor only applies to the published value.
func Estimate(s *SampledState, capacity float64) (powerproto.PowerState, error) {
	if s == nil {
		return powerproto.PowerState{}, ErrNoSample
	}
	state := powerproto.PowerState{
		Voltage:   s.Voltage,
		Current:   s.Current,
		Capacity:  capacity,
		Consumed:  s.Consumed,
		Remaining: max(0, capacity-s.Consumed),
		Critical:  s.Critical,
	}
	if state.Current < currentFloorBelow {
		state.Current = currentFloor
	}
	state.Estimate = state.Remaining / s.Current * 3600
	if !calibration.Valid(state.Estimate) {
		return powerproto.PowerState{}, &EstimateError{
			Reason: fmt.Sprintf("remaining %.3fAh at %.3fA", state.Remaining, s.Current),
		}
	}
	return state, nil
}

// Sink receives every published state.
type Sink interface {
	Publish(state powerproto.PowerState) error
}

type stateSource interface {
	Snapshot() *SampledState
}

// Publisher derives the power state from the latest sample on its own
// interval and sends it to every sink.
type Publisher struct {
	source   stateSource
	capacity float64
	interval time.Duration
	logRate  time.Duration
	sinks    []Sink

	latest  atomic.Pointer[powerproto.PowerState]
	lastLog time.Time
}

func NewPublisher(source stateSource, capacity float64, interval, logRate time.Duration, sinks ...Sink) *Publisher {
	return &Publisher{
		source:   source,
		capacity: capacity,
		interval: interval,
		logRate:  logRate,
		sinks:    sinks,
	}
}

func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Latest returns the last published state.
func (p *Publisher) Latest() (powerproto.PowerState, bool) {
	s := p.latest.Load()
	if s == nil {
		return powerproto.PowerState{}, false
	}
	return *s, true
}

// PublishOnce runs one publish cycle. A sink failing doesn't stop the
// others, the first sink error is returned.
func (p *Publisher) PublishOnce() error {
	state, err := Estimate(p.source.Snapshot(), p.capacity)
	if err != nil {
		return err
	}
	p.latest.Store(&state)

	if time.Since(p.lastLog) > p.logRate {
		log.Infof("Power state: %s", state)
		p.lastLog = time.Now()
	} else {
		log.Debugf("Power state: %s", state)
	}

	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Publish(state); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %w", errPublish, err)
		}
	}
	return firstErr
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.PublishOnce()
			var estimateErr *EstimateError
			switch {
			case err == nil, errors.Is(err, ErrNoSample):
			case errors.As(err, &estimateErr):
				log.Warn(err)
			case errors.Is(err, errPublish):
				// Sinks reconnect on their own.
				log.Debug(err)
			default:
				log.Errorf("Publishing power state: %v", err)
			}
		}
	}
}
