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

// Package powerproto holds the messages exchanged with powerman.
//
// Requests and replies are 4 byte frames:
//
//	| magic 0x50 | version | command or status | CRC-8 of the first 3 bytes |
//
// Power state updates are JSON.
package powerproto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	frameMagic   = 0x50
	frameVersion = 1
	frameLen     = 4
)

// ErrSyntax is wrapped by every request or reply decoding error.
var ErrSyntax = errors.New("syntax error")

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x07,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

type Command uint8

const (
	StandPower Command = iota
	FlightPower
)

func (c Command) String() string {
	switch c {
	case StandPower:
		return "StandPower"
	case FlightPower:
		return "FlightPower"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

func (c Command) valid() bool {
	return c == StandPower || c == FlightPower
}

type Status uint8

const (
	StatusOK Status = iota
	StatusSyntaxError
	StatusPowerDenied
	// StatusOutputError is returned when the power enable line could not be written.
	StatusOutputError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusSyntaxError:
		return "SyntaxError"
	case StatusPowerDenied:
		return "PowerDenied"
	case StatusOutputError:
		return "OutputError"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) valid() bool {
	return s <= StatusOutputError
}

// Request asks powerman to change the power state.
type Request struct {
	Command Command
}

// Reply is the answer to a Request.
type Reply struct {
	Status Status
}

func encodeFrame(v byte) []byte {
	frame := []byte{frameMagic, frameVersion, v, 0}
	frame[3] = crc8.Checksum(frame[:3], crcTable)
	return frame
}

func decodeFrame(data []byte) (byte, error) {
	if len(data) != frameLen {
		return 0, fmt.Errorf("%w: frame length %d, expected %d", ErrSyntax, len(data), frameLen)
	}
	if data[0] != frameMagic {
		return 0, fmt.Errorf("%w: bad magic 0x%X", ErrSyntax, data[0])
	}
	if data[1] != frameVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrSyntax, data[1])
	}
	crc := crc8.Checksum(data[:3], crcTable)
	if crc != data[3] {
		return 0, fmt.Errorf("%w: CRC mismatch: received 0x%X, calculated 0x%X", ErrSyntax, data[3], crc)
	}
	return data[2], nil
}

func (r Request) Marshal() []byte {
	return encodeFrame(byte(r.Command))
}

// UnmarshalRequest decodes a request frame. Errors wrap ErrSyntax.
func UnmarshalRequest(data []byte) (Request, error) {
	v, err := decodeFrame(data)
	if err != nil {
		return Request{}, err
	}
	cmd := Command(v)
	if !cmd.valid() {
		return Request{}, fmt.Errorf("%w: unknown command %d", ErrSyntax, v)
	}
	return Request{Command: cmd}, nil
}

func (r Reply) Marshal() []byte {
	return encodeFrame(byte(r.Status))
}

// UnmarshalReply decodes a reply frame. Errors wrap ErrSyntax.
func UnmarshalReply(data []byte) (Reply, error) {
	v, err := decodeFrame(data)
	if err != nil {
		return Reply{}, err
	}
	status := Status(v)
	if !status.valid() {
		return Reply{}, fmt.Errorf("%w: unknown status %d", ErrSyntax, v)
	}
	return Reply{Status: status}, nil
}

// PowerState is the battery state published once per second.
type PowerState struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Capacity  float64 `json:"capacity"`
	Consumed  float64 `json:"consumed"`
	Remaining float64 `json:"remaining"`
	Critical  bool    `json:"critical"`
	// Estimate is the estimated seconds until the battery is empty.
	Estimate float64 `json:"estimate"`
}

func (s PowerState) String() string {
	return fmt.Sprintf("voltage: %.2fV current: %.2fA capacity: %.2fAh consumed: %.3fAh remaining: %.3fAh critical: %t estimate: %.0fs",
		s.Voltage, s.Current, s.Capacity, s.Consumed, s.Remaining, s.Critical, s.Estimate)
}

func (s PowerState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalPowerState(data []byte) (PowerState, error) {
	var s PowerState
	if err := json.Unmarshal(data, &s); err != nil {
		return PowerState{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return s, nil
}
