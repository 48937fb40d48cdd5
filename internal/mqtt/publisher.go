package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/companion-agent/internal/config"
	"github.com/nugget/companion-agent/internal/proactive"
)

// ErrNotStarted is returned when publishing before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// connectTimeout bounds the wait for the first broker connection.
const connectTimeout = 30 * time.Second

// client is the subset of the autopaho connection manager the
// publisher uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and publishes suggestion
// batches. It implements proactive.Notifier.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	client client
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to open the connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "companion-" + uuid.NewString()[:8]
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the broker. It waits up to 30 seconds for the
// first connection; after that autopaho keeps retrying in the
// background until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, connectTimeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes "offline" and closes the connection. ctx bounds the
// publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// Ping blocks until the broker connection is up or ctx expires.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.cm == nil {
		return ErrNotStarted
	}
	return p.cm.AwaitConnection(ctx)
}

// NotifySuggestions publishes a daily check to the user's suggestion
// topic. Empty checks are not published.
func (p *Publisher) NotifySuggestions(ctx context.Context, check proactive.DailyCheck) error {
	if p.client == nil {
		return ErrNotStarted
	}
	if check.Count == 0 {
		return nil
	}

	payload, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}
	topic := p.suggestionTopic(check.UserID)
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Debug("mqtt suggestions published", "topic", topic, "count", check.Count)
	return nil
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) suggestionTopic(userID string) string {
	return p.cfg.TopicPrefix + "/users/" + topicLevel(userID) + "/suggestions"
}

// topicLevel makes s safe to use as a single topic level.
func topicLevel(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, s)
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
