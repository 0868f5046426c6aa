// Package telemetry publishes the stabilizer status to an MQTT broker
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nanodriftguard/internal/models"
)

// Client is the part of mqtt.Client the publisher uses
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the broker connection
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Snapshot is the JSON status message
type Snapshot struct {
	Cycle      int         `json:"cycle"`
	Drift      models.Vec3 `json:"drift"`
	Std        models.Vec3 `json:"std"`
	Target     models.Vec3 `json:"target"`
	Position   models.Vec3 `json:"position"`
	FPS        float64     `json:"fps"`
	ZHeld      bool        `json:"zHeld"`
	Degenerate bool        `json:"degenerate"`
	Timestamp  int64       `json:"timestamp"`
}

// Publisher sends snapshots to <prefix>/status. A publisher without a
// client is disabled and drops every snapshot.
type Publisher struct {
	client Client
	prefix string
	qos    byte
	retain bool
}

// NewPublisher creates a publisher; a nil client disables publishing
func NewPublisher(client Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "nanodriftguard"
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,
		retain: true,
	}
}

// Connect dials the broker. An empty broker returns a disabled publisher.
func Connect(opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return NewPublisher(nil, opts.Prefix), nil
	}
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "nanodriftguard"
	}
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Println("MQTT connection pending; publishing once the broker answers")
	} else if token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", opts.Broker, token.Error())
	}
	return NewPublisher(client, opts.Prefix), nil
}

// Enabled reports whether the publisher has a client
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

// Topic returns the status topic
func (p *Publisher) Topic() string {
	return p.prefix + "/status"
}

// Publish sends a snapshot. A disabled publisher returns nil.
func (p *Publisher) Publish(s Snapshot) error {
	if !p.Enabled() {
		return nil
	}
	if !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	token := p.client.Publish(p.Topic(), p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", p.Topic(), token.Error())
	}
	return nil
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	if p.Enabled() {
		p.client.Disconnect(250)
	}
}
