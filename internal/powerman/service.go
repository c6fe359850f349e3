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
	"time"

	"github.com/TheCacophonyProject/powerman/powerproto"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.powerman"
	dbusPath = "/org/cacophony/powerman"

	requestQueueLen = 10
	receiveTimeout  = time.Minute
	replyTimeout    = 10 * time.Second
)

type service struct {
	requests  chan Exchange // Requests are handled one at a time by serveRequests
	publisher *Publisher
}

func startService(conn *dbus.Conn, publisher *Publisher) (*service, error) {
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, errors.New("name already taken")
	}

	s := newService(publisher)
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return nil, err
	}
	if err := conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, err
	}
	return s, nil
}

func newService(publisher *Publisher) *service {
	return &service{
		requests:  make(chan Exchange, requestQueueLen),
		publisher: publisher,
	}
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Request takes an encoded power request and returns the encoded reply.
func (s *service) Request(payload []byte) ([]byte, *dbus.Error) {
	replyChan := make(chan []byte, 1)
	ex := Exchange{
		Payload: payload,
		Reply:   func(reply []byte) { replyChan <- reply },
	}
	select {
	case s.requests <- ex:
	default:
		return nil, dbus.NewError(dbusName+".Busy", []interface{}{"request queue full"})
	}

	select {
	case reply := <-replyChan:
		return reply, nil
	case <-time.After(replyTimeout):
		return nil, dbus.NewError(dbusName+".Timeout", []interface{}{"no reply from power controller"})
	}
}

// GetState returns the latest power state as JSON.
func (s *service) GetState() (string, *dbus.Error) {
	state, ok := s.publisher.Latest()
	if !ok {
		return "", dbus.NewError(dbusName+".NoState", []interface{}{ErrNoSample.Error()})
	}
	data, err := state.Marshal()
	if err != nil {
		return "", dbusErr(".GetState", err)
	}
	return string(data), nil
}

// Receive waits for the next request. It gives up after receiveTimeout so
// the handler loop can log that it is still alive.
func (s *service) Receive(ctx context.Context) (Exchange, error) {
	select {
	case <-ctx.Done():
		return Exchange{}, ctx.Err()
	case ex := <-s.requests:
		return ex, nil
	case <-time.After(receiveTimeout):
		return Exchange{}, &ReceiveError{Timeout: true}
	}
}

// dbusSink emits every power state as a signal.
type dbusSink struct {
	conn *dbus.Conn
}

func (d *dbusSink) Publish(state powerproto.PowerState) error {
	data, err := state.Marshal()
	if err != nil {
		return err
	}
	return d.conn.Emit(dbusPath, dbusName+".PowerState", string(data))
}

func dbusErr(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
