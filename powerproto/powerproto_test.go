package powerproto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFrame(t *testing.T) {
	data := Request{Command: FlightPower}.Marshal()
	require.Len(t, data, frameLen)
	assert.Equal(t, byte(frameMagic), data[0])

	req, err := UnmarshalRequest(data)
	require.NoError(t, err)
	assert.Equal(t, FlightPower, req.Command)
}

func TestMalformedRequests(t *testing.T) {
	good := Request{Command: StandPower}.Marshal()

	badCRC := append([]byte{}, good...)
	badCRC[3] ^= 0xFF

	badMagic := append([]byte{}, good...)
	badMagic[0] = 0x00

	badVersion := encodeFrame(byte(StandPower))
	badVersion[1] = 9

	unknownCommand := encodeFrame(7)

	for name, data := range map[string][]byte{
		"empty":           {},
		"nil":             nil,
		"short":           good[:3],
		"long":            append(append([]byte{}, good...), 0x00),
		"bad crc":         badCRC,
		"bad magic":       badMagic,
		"bad version":     badVersion,
		"unknown command": unknownCommand,
		"text":            []byte("fly!"),
	} {
		_, err := UnmarshalRequest(data)
		assert.True(t, errors.Is(err, ErrSyntax), name)
	}
}

func TestReplyFrame(t *testing.T) {
	reply, err := UnmarshalReply(Reply{Status: StatusPowerDenied}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, StatusPowerDenied, reply.Status)

	_, err = UnmarshalReply(encodeFrame(42))
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestPowerStateJSON(t *testing.T) {
	state := PowerState{Voltage: 12, Current: 2, Capacity: 5, Consumed: 1, Remaining: 4, Estimate: 7200}
	data, err := state.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"voltage":12,"current":2,"capacity":5,"consumed":1,"remaining":4,"critical":false,"estimate":7200}`, string(data))

	_, err = UnmarshalPowerState([]byte("{"))
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "FlightPower", FlightPower.String())
	assert.Equal(t, "PowerDenied", StatusPowerDenied.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
