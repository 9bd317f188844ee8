// Package status reports controller lifecycle events to an MQTT broker.
package status

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"pixelnode/internal/config"
	"pixelnode/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind of event.
type Kind string

const (
	Online    Kind = "online"
	Announced Kind = "announced"
	Timeout   Kind = "timeout"
	Offline   Kind = "offline"
)

// Event is published as JSON on <prefix>/<name>/status.
type Event struct {
	Kind       Kind      `json:"event"`
	Controller string    `json:"controller"`
	Session    string    `json:"session,omitempty"`
	IP         string    `json:"ip,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	NumAddrs   int       `json:"numAddrs,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher never blocks the caller.
type Publisher interface {
	Publish(e Event)
	Stop() error
}

// Nop is used when MQTT is disabled.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Stop() error   { return nil }

// tokenPublisher is the part of mqtt.Client used after connecting.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Client структура клиента MQTT.
type Client struct {
	ctx    context.Context
	log    *logger.Log
	cfg    config.MQTTConf
	name   string
	topic  string
	client mqtt.Client
	pub    tokenPublisher
}

// NewClient конструктор.
func NewClient(log *logger.Log, cfg config.MQTTConf, name string) *Client {
	return &Client{
		log:   log.Module("status"),
		cfg:   cfg,
		name:  name,
		topic: Topic(cfg.TopicPrefix, name),
	}
}

// Topic returns the status topic of controller name.
func Topic(prefix, name string) string {
	return fmt.Sprintf("%s/%s/status", prefix, name)
}

// Start begins connecting to the broker in the background and returns
// immediately. Events published before the connection is up are queued by
// the client. The retained last will marks the controller offline if the
// connection drops.
func (c *Client) Start(ctx context.Context) error {
	if c.log.GetLevel() == "debug" || c.log.GetLevel() == "trace" {
		mqtt.ERROR = log.New(os.Stdout, "[ERROR] ", 0)
		mqtt.CRITICAL = log.New(os.Stdout, "[CRIT] ", 0)
		mqtt.WARN = log.New(os.Stdout, "[WARN]  ", 0)
	}
	c.ctx = ctx

	will, err := json.Marshal(Event{Kind: Offline, Controller: c.name})
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", c.cfg.Host, c.cfg.Port)).
		SetUsername(c.cfg.User).
		SetPassword(c.cfg.Password).
		SetClientID(c.clientID()).
		SetOnConnectHandler(c.connectHandler).
		SetConnectionLostHandler(c.connectLostHandler).
		SetBinaryWill(c.topic, will, c.cfg.Qos, true).
		SetOrderMatters(false).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	c.client = mqtt.NewClient(opts)

	// With connect retry the token completes only once the broker is reached.
	token := c.client.Connect()
	go func() {
		select {
		case <-ctx.Done():
		case <-token.Done():
			if token.Error() != nil {
				c.log.Errorf("failed to connect to server: %v", token.Error())
			}
		}
	}()
	c.pub = c.client

	c.log.Infof("Status: connecting to %s:%s, topic %s", c.cfg.Host, c.cfg.Port, c.topic)
	return nil
}

func (c *Client) clientID() string {
	if c.cfg.ClientID != "" {
		return c.cfg.ClientID
	}
	return "pixelnode-" + c.name
}

// Stop publishes the offline event and disconnects.
func (c *Client) Stop() error {
	if c.client == nil {
		return nil
	}
	if c.client.IsConnectionOpen() {
		token := c.send(Event{Kind: Offline})
		if token != nil && !token.WaitTimeout(time.Second) {
			c.log.Warn("offline event not acknowledged before disconnect")
		}
	}
	// Also ends a connect retry loop that never reached the broker.
	c.client.Disconnect(500)
	return nil
}

// Publish sends e without waiting for the broker.
func (c *Client) Publish(e Event) {
	token := c.send(e)
	if token == nil {
		return
	}
	go func() {
		select {
		case <-c.ctx.Done():
		case <-token.Done():
			if token.Error() != nil {
				c.log.Errorf("error publish %s event: %v", e.Kind, token.Error())
			}
		}
	}()
}

func (c *Client) send(e Event) mqtt.Token {
	if c.pub == nil {
		return nil
	}
	e.Controller = c.name
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		c.log.Errorf("status event %s: %v", e.Kind, err)
		return nil
	}
	c.log.Debugf("publish %s to %s", e.Kind, c.topic)
	return c.pub.Publish(c.topic, c.cfg.Qos, true, payload)
}

func (c *Client) connectHandler(_ mqtt.Client) {
	c.log.Infof("client connected to server %s:%s", c.cfg.Host, c.cfg.Port)
}

func (c *Client) connectLostHandler(_ mqtt.Client, err error) {
	c.log.Errorf("server connect lost: %v", err)
}
