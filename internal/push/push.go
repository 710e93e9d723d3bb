// Package push provides the Sender abstraction spec.md treats as a
// blind send(token, title, body) sink, plus two concrete implementations —
// HTTP webhook and MQTT — grounded on the teacher's internal/notify package
// (webhook.go, mqtt.go), adapted from "docker image update events" to
// "per-user alert dispatch".
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SendTimeout matches spec.md §5 ("Push: 10 s").
const SendTimeout = 10 * time.Second

// Notification is the payload dispatched for a single alert (spec §4.9:
// "(user_id, title, body, data={alert_type})").
type Notification struct {
	UserID string
	Title  string
	Body   string
	Type   string // alert_type, may be empty
}

// Sender is the blind push sink contract. Implementations must not block
// past SendTimeout.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Webhook posts the notification as JSON to a configured URL, the same
// shape as the teacher's notify.Webhook.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook push sender.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: SendTimeout}}
}

type webhookPayload struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Type   string `json:"type,omitempty"`
}

// Send posts the notification as JSON to the configured URL.
func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{UserID: n.UserID, Title: n.Title, Body: n.Body, Type: n.Type})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook returned %s", resp.Status)
	}
	return nil
}

// MQTT publishes notifications as JSON messages to a broker topic, the same
// shape as the teacher's notify.MQTT.
type MQTT struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
}

// NewMQTT creates an MQTT push sender.
func NewMQTT(broker, topic, username, password string) *MQTT {
	return &MQTT{broker: broker, topic: topic, clientID: "clawbowl-orchestrator", username: username, password: password}
}

type mqttPayload struct {
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Send publishes the notification to the configured MQTT topic.
func (m *MQTT) Send(ctx context.Context, n Notification) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.clientID).
		AddBroker(m.broker).
		SetConnectTimeout(SendTimeout).
		SetWriteTimeout(SendTimeout)
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	deadline := time.Now().Add(SendTimeout)
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(SendTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	payload := mqttPayload{
		UserID:    n.UserID,
		Title:     n.Title,
		Body:      n.Body,
		Type:      n.Type,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	pub := client.Publish(m.topic, 0, false, body)
	if !pub.WaitTimeout(time.Until(deadline)) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}

// New builds a Sender from orchestrator configuration: "webhook" or "mqtt".
func New(sink, webhookURL, mqttBroker, mqttTopic, mqttUsername, mqttPassword string) (Sender, error) {
	switch sink {
	case "webhook":
		return NewWebhook(webhookURL), nil
	case "mqtt":
		return NewMQTT(mqttBroker, mqttTopic, mqttUsername, mqttPassword), nil
	default:
		return nil, fmt.Errorf("push: unknown sink %q", sink)
	}
}
