package platform

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"modbus-bridge/internal/logger"
)

// Topic scheme of the platform session. Device-to-platform messages go out
// under d2p/, platform-to-device messages arrive under p2d/.
const (
	topicFeedsOut        = "d2p/%s/feeds"
	topicAttributesOut   = "d2p/%s/attributes"
	topicRegistrationOut = "d2p/registration"
	topicFeedsIn         = "p2d/+/feeds"
	topicParametersIn    = "p2d/+/parameters"
	topicRegistrationAck = "p2d/registration/ack"
)

// MQTTConfig parameterizes the platform session.
type MQTTConfig struct {
	Host     string // broker URL, e.g. tcp://localhost:1883
	Username string
	Password string
	ClientID string // optional; a uuid suffix is appended when empty
}

// MQTTClient is the paho-backed platform session.
type MQTTClient struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu            sync.RWMutex
	onFeedUpdate  func(deviceKey string, readings []Reading)
	onParameters  func(deviceKey string, parameters []Parameter)
	onStatus      func(connected bool)
	onRegAck      func(deviceKeys []string)
}

// NewMQTTClient prepares a platform session. Connect establishes it.
func NewMQTTClient(cfg MQTTConfig) *MQTTClient {
	if cfg.ClientID == "" {
		cfg.ClientID = "modbus-bridge-" + uuid.NewString()[:8]
	}
	return &MQTTClient{cfg: cfg}
}

// Connect opens the session and installs the subscriptions. Reconnects
// are automatic; every reconnect re-fires the status callback.
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Host)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.subscribe(client)
		c.fireStatus(true)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("platform session lost", zap.Error(err))
		c.fireStatus(false)
	})

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("connect to platform: %w", token.Error())
	}
	return nil
}

// Disconnect tears the session down.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// IsConnected reports the session state.
func (c *MQTTClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// PublishReadings sends a batch of feed values for one device.
func (c *MQTTClient) PublishReadings(deviceKey string, readings []Reading) error {
	return c.publishJSON(fmt.Sprintf(topicFeedsOut, deviceKey), readings)
}

// PublishAttribute sends one attribute value for one device.
func (c *MQTTClient) PublishAttribute(deviceKey string, attribute Attribute) error {
	return c.publishJSON(fmt.Sprintf(topicAttributesOut, deviceKey), []Attribute{attribute})
}

// RegisterDevices announces the logical devices and their feeds.
func (c *MQTTClient) RegisterDevices(registrations []DeviceRegistration) error {
	return c.publishJSON(topicRegistrationOut, registrations)
}

func (c *MQTTClient) publishJSON(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}
	token := c.client.Publish(topic, 1, false, data)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (c *MQTTClient) OnFeedUpdate(fn func(deviceKey string, readings []Reading)) {
	c.mu.Lock()
	c.onFeedUpdate = fn
	c.mu.Unlock()
}

func (c *MQTTClient) OnParameterUpdate(fn func(deviceKey string, parameters []Parameter)) {
	c.mu.Lock()
	c.onParameters = fn
	c.mu.Unlock()
}

func (c *MQTTClient) OnStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *MQTTClient) OnRegistrationAck(fn func(deviceKeys []string)) {
	c.mu.Lock()
	c.onRegAck = fn
	c.mu.Unlock()
}

func (c *MQTTClient) subscribe(client mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		topicFeedsIn:         c.handleFeeds,
		topicParametersIn:    c.handleParameters,
		topicRegistrationAck: c.handleRegistrationAck,
	}
	for topic, handler := range subs {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			logger.Error("failed to subscribe",
				zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func (c *MQTTClient) handleFeeds(_ mqtt.Client, msg mqtt.Message) {
	deviceKey := deviceKeyFromTopic(msg.Topic())
	var readings []Reading
	if err := json.Unmarshal(msg.Payload(), &readings); err != nil {
		logger.Warn("malformed feed update",
			zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	c.mu.RLock()
	fn := c.onFeedUpdate
	c.mu.RUnlock()
	if fn != nil {
		fn(deviceKey, readings)
	}
}

func (c *MQTTClient) handleParameters(_ mqtt.Client, msg mqtt.Message) {
	deviceKey := deviceKeyFromTopic(msg.Topic())
	var parameters []Parameter
	if err := json.Unmarshal(msg.Payload(), &parameters); err != nil {
		logger.Warn("malformed parameter update",
			zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	c.mu.RLock()
	fn := c.onParameters
	c.mu.RUnlock()
	if fn != nil {
		fn(deviceKey, parameters)
	}
}

func (c *MQTTClient) handleRegistrationAck(_ mqtt.Client, msg mqtt.Message) {
	var keys []string
	if err := json.Unmarshal(msg.Payload(), &keys); err != nil {
		logger.Warn("malformed registration ack", zap.Error(err))
		return
	}
	c.mu.RLock()
	fn := c.onRegAck
	c.mu.RUnlock()
	if fn != nil {
		fn(keys)
	}
}

func (c *MQTTClient) fireStatus(connected bool) {
	c.mu.RLock()
	fn := c.onStatus
	c.mu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

// deviceKeyFromTopic extracts the device key from p2d/{key}/... topics.
func deviceKeyFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
