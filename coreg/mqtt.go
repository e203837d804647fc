package coreg

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DigitizationHandler is called when a digitization arrives for a subject.
// err is set when the payload could not be parsed.
type DigitizationHandler func(subjectID string, dig *Digitization, err error)

// MQTTClient manages the broker connection and the per-subject
// digitization subscriptions.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handler     DigitizationHandler
	log         *zap.SugaredLogger
	isConnected bool
	mu          sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
	retrying    sync.WaitGroup
}

// DigitizationTopic is where digitizations for a subject are received.
func DigitizationTopic(prefix, subjectID string) string {
	return fmt.Sprintf("%s/%s/digitization", prefix, subjectID)
}

// NewMQTTClient builds a client for config.MQTT. When no broker is
// configured MQTT is disabled and it returns nil, nil. Call Connect to start.
func NewMQTTClient(config *Config, handler DigitizationHandler, log *zap.SugaredLogger) (*MQTTClient, error) {
	log = orNop(log)
	if config == nil || config.MQTT.Broker == "" {
		log.Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if len(config.Subjects) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no subjects configured")
	}

	c := &MQTTClient{
		config:  config,
		handler: handler,
		log:     log.Named("mqtt"),
		stop:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(config.MQTT.ClientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithClient wraps an existing mqtt.Client, used by tests.
func newMQTTClientWithClient(client mqtt.Client, config *Config, handler DigitizationHandler, log *zap.SugaredLogger) *MQTTClient {
	return &MQTTClient{
		client:  client,
		config:  config,
		handler: handler,
		log:     orNop(log).Named("mqtt"),
		stop:    make(chan struct{}),
	}
}

// Connect starts connecting in the background with exponential backoff.
// Retrying stops at Disconnect.
func (c *MQTTClient) Connect() {
	c.retrying.Add(1)
	go func() {
		defer c.retrying.Done()
		c.connectWithRetry()
	}()
}

func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		select {
		case <-c.stop:
			return
		default:
		}
		c.log.Infow("connecting to broker", "broker", c.config.MQTT.Broker)

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("connected to broker")
				c.setConnected(true)
				return
			}
			c.log.Warnw("connection failed", "error", token.Error())
		} else {
			c.log.Warn("connection timeout")
		}

		c.log.Infow("retrying connection", "delay", retryDelay)
		select {
		case <-c.stop:
			c.log.Info("connection retry stopped")
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	for _, s := range c.config.Subjects {
		topic := DigitizationTopic(c.config.MQTT.TopicPrefix, s.ID)
		token := client.Subscribe(topic, 1, c.createMessageHandler(s.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			c.log.Errorw("subscribe failed", "topic", topic, "error", token.Error())
			continue
		}
		c.log.Infow("subscribed", "topic", topic, "subject", s.ID)
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.log.Warnw("connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.log.Info("reconnecting")
}

func (c *MQTTClient) createMessageHandler(subjectID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.log.Debugw("digitization received", "subject", subjectID, "topic", msg.Topic(), "bytes", len(payload))

		dig, err := ParseDigitizationJSON(payload)
		if err != nil {
			c.log.Warnw("bad digitization payload", "subject", subjectID, "error", err)
		} else if dig.Subject == "" {
			dig.Subject = subjectID
		}
		if c.handler != nil {
			c.handler(subjectID, dig, err)
		}
	}
}

// SubjectForTopic maps a digitization topic back to its subject.
func (c *MQTTClient) SubjectForTopic(topic string) (string, bool) {
	prefix := c.config.MQTT.TopicPrefix + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/digitization") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/digitization")
	if c.config.GetSubjectByID(id) == nil {
		return "", false
	}
	return id, true
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops any connection retries and gracefully closes the MQTT
// connection.
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.retrying.Wait()
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("disconnecting from broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}
