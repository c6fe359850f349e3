package powerman

import (
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/powerman/powerproto"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeClient only implements the methods mqttSink uses.
type fakeClient struct {
	mqtt.Client
	connected bool
	err       error
	published []published
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.published = append(c.published, published{topic, payload.([]byte)})
	return &fakeToken{err: c.err}
}

func TestMQTTSinkPublish(t *testing.T) {
	client := &fakeClient{}
	sink := &mqttSink{client: client, topic: "powerman/state"}
	state := powerproto.PowerState{Voltage: 12.0, Current: 2.0, Capacity: 5.0, Consumed: 1.0, Remaining: 4.0, Estimate: 7200}

	assert.ErrorIs(t, sink.Publish(state), errMQTTNotConnected)
	assert.Empty(t, client.published)

	client.connected = true
	require.NoError(t, sink.Publish(state))
	require.Len(t, client.published, 1)
	assert.Equal(t, "powerman/state", client.published[0].topic)
	got, err := powerproto.UnmarshalPowerState(client.published[0].payload)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	client.err = errors.New("broker gone")
	assert.Error(t, sink.Publish(state))
}
