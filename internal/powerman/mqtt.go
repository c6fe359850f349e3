package powerman

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TheCacophonyProject/powerman/powerproto"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttPublishTimeout = time.Second

var errMQTTNotConnected = errors.New("not connected to MQTT broker")

// mqttSink publishes power states to a broker. Credentials come from
// MQTT_USERNAME and MQTT_PASSWORD.
type mqttSink struct {
	client mqtt.Client
	topic  string
}

func newMQTTSink(broker, clientID, topic string) *mqttSink {
	if !strings.Contains(broker, "://") {
		broker = fmt.Sprintf("tcp://%s:1883", broker)
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(os.Getenv("MQTT_USERNAME"))
	opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warnf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("Connected to MQTT broker at %s", broker)
	})

	client := mqtt.NewClient(opts)
	log.Infof("Connecting to MQTT broker at %s", broker)
	// With connect retry enabled this keeps trying in the background.
	client.Connect()
	return &mqttSink{client: client, topic: topic}
}

func (m *mqttSink) Publish(state powerproto.PowerState) error {
	if !m.client.IsConnected() {
		return errMQTTNotConnected
	}
	payload, err := state.Marshal()
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("timed out publishing to '%s'", m.topic)
	}
	return token.Error()
}

func (m *mqttSink) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
		log.Info("Disconnected from MQTT broker")
	}
}
