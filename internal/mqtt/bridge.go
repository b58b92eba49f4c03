//go:build !no_mqtt

// Package mqtt receives real-time shadow pushes from the X-Sense broker
// over a SigV4 presigned websocket connection.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Presigner returns a broker URL signed with the current delegated
// credentials.
type Presigner interface {
	PresignedBrokerURL(ctx context.Context, region string) (string, error)
}

// Handler consumes messages and connection status.
type Handler interface {
	HandleMessage(topic string, payload []byte) error
	ReportMQTT(connected bool, msg string)
}

// Config holds MQTT bridge configuration.
type Config struct {
	Region         string // "" uses the session region
	ClientIDPrefix string
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "xsense-go-home"
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

const (
	qos          = 1
	tokenTimeout = 10 * time.Second
)

// Bridge keeps one broker connection alive and subscribed to the desired
// topic set. Paho's own reconnect is off because the presigned URL
// expires; every reconnect signs a fresh one.
type Bridge struct {
	presign Presigner
	handler Handler
	cfg     Config
	logger  *slog.Logger

	newClient func(*pahomqtt.ClientOptions) client

	mu         sync.Mutex
	client     client
	topics     []string
	subscribed map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge. Call Start to connect.
func NewBridge(p Presigner, h Handler, cfg Config, logger *slog.Logger) *Bridge {
	cfg.defaults()
	return &Bridge{
		presign:    p,
		handler:    h,
		cfg:        cfg,
		logger:     logger.With("component", "mqtt"),
		newClient:  func(o *pahomqtt.ClientOptions) client { return pahomqtt.NewClient(o) },
		subscribed: make(map[string]bool),
	}
}

// Start runs the connection supervisor until Stop.
func (b *Bridge) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
	b.logger.Info("MQTT bridge started", "region", b.cfg.Region)
}

// Stop disconnects and waits for the supervisor to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.logger.Info("MQTT bridge stopped")
}

// SetTopics replaces the desired subscriptions. A connected client is
// updated right away; otherwise the set is applied on the next connect.
func (b *Bridge) SetTopics(topics []string) {
	b.mu.Lock()
	b.topics = slices.Clone(topics)
	c := b.client
	b.mu.Unlock()
	if c != nil && c.IsConnected() {
		b.syncSubscriptions(c)
	}
}

// Topics returns the desired subscriptions.
func (b *Bridge) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.topics)
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	backoff := b.cfg.MinBackoff
	for {
		lost := make(chan error, 1)
		c, err := b.connect(ctx, lost)
		if err == nil {
			backoff = b.cfg.MinBackoff
			b.handler.ReportMQTT(true, "connected")

			select {
			case <-ctx.Done():
				c.Disconnect(250)
				b.setClient(nil)
				return
			case err = <-lost:
			}
			b.setClient(nil)
			b.logger.Warn("MQTT connection lost", "err", err)
			b.handler.ReportMQTT(false, "connection lost: "+err.Error())
		} else {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("MQTT connect failed", "err", err, "retry", backoff)
			b.handler.ReportMQTT(false, "connect: "+err.Error())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, b.cfg.MaxBackoff)
	}
}

func (b *Bridge) connect(ctx context.Context, lost chan<- error) (client, error) {
	url, err := b.presign.PresignedBrokerURL(ctx, b.cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(b.cfg.ClientIDPrefix + "-" + uuid.NewString()).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			if err == nil {
				err = errors.New("connection closed")
			}
			select {
			case lost <- err:
			default:
			}
		})

	c := b.newClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		c.Disconnect(0)
		return nil, errors.New("connect timeout")
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.client = c
	b.subscribed = make(map[string]bool)
	b.mu.Unlock()
	b.logger.Info("MQTT connected", "client_id", opts.ClientID)
	b.syncSubscriptions(c)
	return c, nil
}

func (b *Bridge) setClient(c client) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}

// syncSubscriptions subscribes missing topics and drops stale ones.
func (b *Bridge) syncSubscriptions(c client) {
	b.mu.Lock()
	want := make(map[string]bool, len(b.topics))
	add := make(map[string]byte)
	for _, t := range b.topics {
		want[t] = true
		if !b.subscribed[t] {
			add[t] = qos
			b.subscribed[t] = true
		}
	}
	var drop []string
	for t := range b.subscribed {
		if !want[t] {
			drop = append(drop, t)
			delete(b.subscribed, t)
		}
	}
	b.mu.Unlock()

	if len(add) > 0 {
		tok := c.SubscribeMultiple(add, b.onMessage)
		if err := wait(tok); err != nil {
			b.logger.Error("MQTT subscribe", "topics", len(add), "err", err)
			b.mu.Lock()
			for t := range add {
				delete(b.subscribed, t)
			}
			b.mu.Unlock()
		} else {
			b.logger.Info("MQTT subscribed", "topics", len(add))
		}
	}
	if len(drop) > 0 {
		slices.Sort(drop)
		if err := wait(c.Unsubscribe(drop...)); err != nil {
			b.logger.Warn("MQTT unsubscribe", "topics", drop, "err", err)
		}
	}
}

func (b *Bridge) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	if err := b.handler.HandleMessage(msg.Topic(), msg.Payload()); err != nil {
		b.logger.Debug("MQTT message dropped", "topic", msg.Topic(), "err", err)
	}
}

func wait(tok pahomqtt.Token) error {
	if !tok.WaitTimeout(tokenTimeout) {
		return errors.New("timeout")
	}
	return tok.Error()
}

func nextBackoff(d, maxDelay time.Duration) time.Duration {
	return min(d*2, maxDelay)
}
