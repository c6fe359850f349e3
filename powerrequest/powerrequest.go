// Package powerrequest is the D-Bus client for the powerman service.
package powerrequest

import (
	"fmt"

	"github.com/TheCacophonyProject/powerman/powerproto"
	"github.com/godbus/dbus"
)

const (
	dbusName = "org.cacophony.powerman"
	dbusPath = "/org/cacophony/powerman"
)

// call is swapped out in tests.
var call = func(method string, out interface{}, args ...interface{}) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	obj := conn.Object(dbusName, dbusPath)
	return obj.Call(dbusName+"."+method, 0, args...).Store(out)
}

// SendRaw sends an encoded request and returns the encoded reply.
func SendRaw(payload []byte) ([]byte, error) {
	var response []byte
	if err := call("Request", &response, payload); err != nil {
		return nil, err
	}
	return response, nil
}

// Send asks powerman to run cmd and returns the reply status.
func Send(cmd powerproto.Command) (powerproto.Status, error) {
	response, err := SendRaw(powerproto.Request{Command: cmd}.Marshal())
	if err != nil {
		return 0, err
	}
	reply, err := powerproto.UnmarshalReply(response)
	if err != nil {
		return 0, fmt.Errorf("bad reply from powerman: %w", err)
	}
	return reply.Status, nil
}

// Stand puts the vehicle in stand mode, power is cut after the power save timeout.
func Stand() (powerproto.Status, error) {
	return Send(powerproto.StandPower)
}

// Flight enables flight power. Denied while the battery is critical.
func Flight() (powerproto.Status, error) {
	return Send(powerproto.FlightPower)
}

// GetState returns the latest published power state.
func GetState() (powerproto.PowerState, error) {
	var response string
	if err := call("GetState", &response); err != nil {
		return powerproto.PowerState{}, err
	}
	return powerproto.UnmarshalPowerState([]byte(response))
}
