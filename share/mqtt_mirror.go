package drshare

import (
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttDisconnectQuiesce = 250 // milliseconds
)

// MQTTMirror is an Observer that republishes every Event as JSON to an MQTT broker, on
// topic <prefix>/<deviceId>/<kind>. Publishing never blocks the Hub loop; failures are
// logged.
type MQTTMirror struct {
	Logger
	cfg    MQTTConfig
	client pahomqtt.Client
}

// NewMQTTMirror creates an unconnected mirror
func NewMQTTMirror(logger Logger, cfg MQTTConfig) *MQTTMirror {
	m := &MQTTMirror{
		Logger: logger.Fork("MQTTMirror"),
		cfg:    cfg,
	}
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		m.ILogf("Connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.WLogf("Connection to %s lost: %s", cfg.Broker, err)
	})
	m.client = pahomqtt.NewClient(opts)
	return m
}

// Connect starts the broker connection. With connect retry enabled, a broker that is
// not yet reachable is not an error; the client keeps trying in the background.
func (m *MQTTMirror) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		m.WLogf("Broker %s not reachable yet; will keep retrying", m.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return m.Errorf("connect to %s: %s", m.cfg.Broker, err)
	}
	return nil
}

// Observe implements Observer
func (m *MQTTMirror) Observe(ev *Event) error {
	payload, err := devproto.ToCompactJsonString(ev)
	if err != nil {
		return err
	}
	topic := MirrorTopic(m.cfg.TopicPrefix, ev)
	token := m.client.Publish(topic, byte(m.cfg.QoS), false, payload)
	go func() {
		if !token.WaitTimeout(mqttPublishTimeout) {
			m.DLogf("Publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			m.DLogf("Publish to %s failed: %s", topic, err)
		}
	}()
	return nil
}

// Close disconnects from the broker
func (m *MQTTMirror) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(mqttDisconnectQuiesce)
	}
}

// MirrorTopic returns the topic an Event is published on. Events from unregistered
// sessions use the device segment "_unregistered".
func MirrorTopic(prefix string, ev *Event) string {
	deviceID := ev.DeviceID
	if deviceID == "" {
		deviceID = "_unregistered"
	}
	// MQTT wildcards and separators cannot appear inside a topic level
	deviceID = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(deviceID)
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(prefix, "/"), deviceID, ev.Kind)
}
