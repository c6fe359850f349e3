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

// Package hysteresis debounces a boolean condition over consecutive samples.
package hysteresis

// Gate is set once its condition has held for Threshold consecutive
// evaluations. A single false evaluation clears it.
type Gate struct {
	threshold int
	count     int
}

// NewGate returns a gate that sets after threshold consecutive true
// evaluations. Thresholds below 1 are treated as 1.
func NewGate(threshold int) *Gate {
	if threshold < 1 {
		threshold = 1
	}
	return &Gate{threshold: threshold}
}

// Evaluate records one sample of the condition and returns whether the gate is set.
func (g *Gate) Evaluate(condition bool) bool {
	if !condition {
		g.count = 0
		return false
	}
	// Saturate so a long run can't overflow.
	if g.count < g.threshold {
		g.count++
	}
	return g.count >= g.threshold
}

// Set reports the current state without recording a sample.
func (g *Gate) Set() bool {
	return g.count >= g.threshold
}

// Count is the number of consecutive true evaluations, capped at the threshold.
func (g *Gate) Count() int {
	return g.count
}

func (g *Gate) Threshold() int {
	return g.threshold
}

// Reset clears the consecutive count.
func (g *Gate) Reset() {
	g.count = 0
}
