// Package mqttclient fans lifecycle events out to an MQTT broker so other
// services can follow a user's memories without holding their websocket.
package mqttclient

import (
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/listen-engine/internal/metrics"
)

type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.Trim(opts.TopicPrefix, "/"),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic_prefix", c.prefix).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends a user's lifecycle event at QoS 0 without waiting for the
// broker. Events published while disconnected are dropped.
func (c *Client) Publish(uid, eventType string, payload []byte) {
	token := c.conn.Publish(EventTopic(c.prefix, uid), 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("uid", uid).Str("event_type", eventType).Msg("mqtt publish failed")
			return
		}
	default:
	}
	metrics.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// EventTopic is the topic carrying uid's lifecycle events.
func EventTopic(prefix, uid string) string {
	if prefix == "" {
		return uid + "/events"
	}
	return prefix + "/" + uid + "/events"
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
