package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"message-macro/internal/config"
	"message-macro/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	iterationSuffix = "iteration"
	resultSuffix    = "result"
	cancelSuffix    = "cancel"

	publishTimeout = 5 * time.Second
)

// Client publishes run progress and listens for cancel requests.
type Client struct {
	client mqtt.Client
	config config.MQTTConfig
	logger *logrus.Logger

	mutex   sync.Mutex
	cancels map[string]map[uint64]context.CancelFunc // scenario -> scope id
	scopeID uint64

	onIteration func(ev models.IterationEvent)
	onResult    func(summary models.RunSummary)
}

type CancelMessage struct {
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func IterationTopic(prefix, scenario string) string {
	return prefix + "/" + scenario + "/" + iterationSuffix
}

func ResultTopic(prefix, scenario string) string {
	return prefix + "/" + scenario + "/" + resultSuffix
}

func CancelTopic(prefix, scenario string) string {
	return prefix + "/" + scenario + "/" + cancelSuffix
}

// ParseTopic splits <prefix>/<scenario>/<kind>.
func ParseTopic(prefix, topic string) (scenario, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func NewClient(cfg config.MQTTConfig, logger *logrus.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}

	c := &Client{
		config:  cfg,
		logger:  logger,
		cancels: make(map[string]map[uint64]context.CancelFunc),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	// several runs may share a broker
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.New().String()[:8]))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker...")

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	c.client.Disconnect(250)
}

// SetCallbacks subscribes the client to progress published by other runs.
// Must be called before Connect.
func (c *Client) SetCallbacks(onIteration func(models.IterationEvent), onResult func(models.RunSummary)) {
	c.onIteration = onIteration
	c.onResult = onResult
}

// Scope returns a context cancelled by a message on the scenario's cancel
// topic. Runs sharing a scenario name are all cancelled by that message. The
// returned cancel func must be called when the run ends.
func (c *Client) Scope(ctx context.Context, scenario string) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mutex.Lock()
	c.scopeID++
	id := c.scopeID
	if c.cancels[scenario] == nil {
		c.cancels[scenario] = make(map[uint64]context.CancelFunc)
	}
	c.cancels[scenario][id] = cancel
	c.mutex.Unlock()

	return runCtx, func() {
		c.mutex.Lock()
		delete(c.cancels[scenario], id)
		if len(c.cancels[scenario]) == 0 {
			delete(c.cancels, scenario)
		}
		c.mutex.Unlock()
		cancel()
	}
}

func (c *Client) OnIteration(ev models.IterationEvent) {
	c.publish(IterationTopic(c.config.Prefix, ev.Scenario), 0, false, ev)
}

func (c *Client) OnFinish(summary models.RunSummary) {
	c.publish(ResultTopic(c.config.Prefix, summary.Scenario), 1, true, summary)
}

// RequestCancel asks the run of scenario to stop after its current iteration.
func (c *Client) RequestCancel(scenario, reason string) error {
	payload, err := json.Marshal(CancelMessage{Reason: reason, Timestamp: time.Now()})
	if err != nil {
		return err
	}
	token := c.client.Publish(CancelTopic(c.config.Prefix, scenario), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timeout publishing cancel for %s", scenario)
	}
	return token.Error()
}

func (c *Client) publish(topic string, qos byte, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Errorf("Failed to encode MQTT payload for %s: %v", topic, err)
		return
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.Warnf("Timeout publishing to %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Errorf("Failed to publish to %s: %v", topic, err)
	}
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to topics...")

	c.subscribe(client, CancelTopic(c.config.Prefix, "+"), c.handleCancelMessage)

	if c.onIteration != nil {
		c.subscribe(client, IterationTopic(c.config.Prefix, "+"), c.handleIterationMessage)
	}
	if c.onResult != nil {
		c.subscribe(client, ResultTopic(c.config.Prefix, "+"), c.handleResultMessage)
	}
}

func (c *Client) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
	} else {
		c.logger.Infof("Subscribed to topic: %s", topic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handleCancelMessage(client mqtt.Client, msg mqtt.Message) {
	scenario, _, ok := ParseTopic(c.config.Prefix, msg.Topic())
	if !ok {
		c.logger.Warnf("Ignoring cancel on unexpected topic %s", msg.Topic())
		return
	}

	var cancelMsg CancelMessage
	if json.Valid(msg.Payload()) {
		_ = json.Unmarshal(msg.Payload(), &cancelMsg)
	} else {
		cancelMsg.Reason = string(msg.Payload())
	}

	c.mutex.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.cancels[scenario]))
	for _, cancel := range c.cancels[scenario] {
		cancels = append(cancels, cancel)
	}
	c.mutex.Unlock()

	if len(cancels) == 0 {
		c.logger.Debugf("Cancel for %s ignored: no run in progress", scenario)
		return
	}

	c.logger.Infof("Cancel requested for %d run(s) of %s: %s", len(cancels), scenario, cancelMsg.Reason)
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) handleIterationMessage(client mqtt.Client, msg mqtt.Message) {
	var ev models.IterationEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		c.logger.Errorf("Failed to parse iteration event: %v", err)
		return
	}
	if c.onIteration != nil {
		c.onIteration(ev)
	}
}

func (c *Client) handleResultMessage(client mqtt.Client, msg mqtt.Message) {
	var summary models.RunSummary
	if err := json.Unmarshal(msg.Payload(), &summary); err != nil {
		c.logger.Errorf("Failed to parse run summary: %v", err)
		return
	}
	if c.onResult != nil {
		c.onResult(summary)
	}
}
