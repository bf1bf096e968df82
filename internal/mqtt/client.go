package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/voicehome/intenthub/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
)

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("intenthub_%d", rand.Intn(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = hubStateTopic(cfg.MQTT.BaseTopic)
	opts.WillQos = 0

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &MQTTClient{
		client:           mqtt.NewClient(opts),
		cfg:              cfg.MQTT,
		stateTopicRegexp: stateTopicExtractor(cfg.MQTT.BaseTopic),
	}
}

type MQTTClient struct {
	client           mqtt.Client
	cfg              config.MQTTConfig
	stateTopicRegexp *regexp.Regexp
}

// DeviceStateReport is a state payload a device published on its state
// topic, zigbee2mqtt style: a flat JSON attribute map.
type DeviceStateReport struct {
	DeviceId string
	Attrs    map[string]any
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

func (c *MQTTClient) HubStateTopic() string {
	return hubStateTopic(c.baseTopic())
}

// DeviceCommandTopic is where the MQTT adapter publishes actions for one
// device. The device id segment comes from the device's opaque address,
// so a device bridged by zigbee2mqtt can use its friendly name.
func (c *MQTTClient) DeviceCommandTopic(deviceAddress string) string {
	return fmt.Sprintf("%s/device/%s/set", c.baseTopic(), deviceAddress)
}

func (c *MQTTClient) DeviceStateTopic(deviceAddress string) string {
	return fmt.Sprintf("%s/device/%s/state", c.baseTopic(), deviceAddress)
}

func (c *MQTTClient) deviceStateWildcardTopic() string {
	return fmt.Sprintf("%s/device/+/state", c.baseTopic())
}

// ParseDeviceState extracts the device address and attribute map from a
// message on a device state topic.
func (c *MQTTClient) ParseDeviceState(msg mqtt.Message) (*DeviceStateReport, error) {
	matches := c.stateTopicRegexp.FindAllStringSubmatch(msg.Topic(), 1)
	if len(matches) == 0 || len(matches[0]) != 2 {
		return nil, errors.New("not a device state topic")
	}
	var attrs map[string]any
	if err := json.Unmarshal(msg.Payload(), &attrs); err != nil {
		return nil, err
	}
	return &DeviceStateReport{
		DeviceId: matches[0][1],
		Attrs:    attrs,
	}, nil
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	token := c.client.Publish(topic, qos, retain, payload)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT publish timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

// PublishSync publishes and waits for broker acknowledgement within the
// timeout. Used by the adapter's Execute path where the dispatcher
// already runs the call on a background task.
func (c *MQTTClient) PublishSync(topic string, payload any, qos byte, retain bool, timeout time.Duration) error {
	token := c.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(timeout) {
		return errors.New("MQTT publish timed out")
	}
	return token.Error()
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	token := c.client.Subscribe(topic, qos, handler)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT subscribe timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

// SubscribeToDeviceStates subscribes to every device state topic under
// the base topic.
func (c *MQTTClient) SubscribeToDeviceStates(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.deviceStateWildcardTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) Unsubscribe(topic string, continuation func(error), timeout time.Duration) {
	token := c.client.Unsubscribe(topic)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT unsubscribe timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	token := c.client.Connect()
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT connect timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func hubStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

func stateTopicExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/device/([a-zA-Z0-9_-]+)/state$", baseTopic))
}
