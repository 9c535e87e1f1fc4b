package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

var (
	// ErrConnection is returned when the broker cannot be reached.
	ErrConnection = errors.New("couldn't connect to the MQTT broker")
	// ErrSubscription is returned when the broker rejects or times out a subscribe request.
	ErrSubscription = errors.New("couldn't subscribe to topic")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("MQTT client is not connected")
	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("timed out waiting for MQTT broker")
)

// subscribeFailure is the SUBACK return code for a rejected subscription.
const subscribeFailure = 0x80

// ClientFactory creates the underlying Paho client. It is replaced in tests.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option configures a BrokerClient.
type Option func(*BrokerClient)

// WithClientFactory overrides how the Paho client is constructed.
func WithClientFactory(f ClientFactory) Option {
	return func(c *BrokerClient) {
		c.newClient = f
	}
}

// WithRegistry shares an existing handler registry with the client.
func WithRegistry(r *HandlerRegistry) Option {
	return func(c *BrokerClient) {
		c.registry = r
	}
}

// BrokerClient owns one MQTT connection. Callers subscribe to topics and register
// handlers; a single dispatch goroutine reads every inbound notification and
// invokes the matching handler, one message at a time.
type BrokerClient struct {
	cfg       *MQTTClientConfig
	logger    zerolog.Logger
	newClient ClientFactory
	registry  *HandlerRegistry

	mu     sync.Mutex
	client mqtt.Client

	topicsMu sync.Mutex
	topics   map[string]struct{}

	// inbound is written by Paho callbacks and drained by the dispatch goroutine.
	inboundMu sync.RWMutex
	inbound   chan Notification
	stopped   bool
	stopping  chan struct{}

	dispatchOnce sync.Once
	stopOnce     sync.Once
	doneChan     chan struct{}
}

// NewBrokerClient creates a BrokerClient. It does not connect until Connect is called.
func NewBrokerClient(cfg *MQTTClientConfig, logger zerolog.Logger, opts ...Option) (*BrokerClient, error) {
	if cfg == nil {
		return nil, errors.New("MQTT client config cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("MQTT broker URL is required")
	}
	bufferSize := cfg.InboundBufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	c := &BrokerClient{
		cfg:       cfg,
		logger:    logger.With().Str("component", "BrokerClient").Str("broker", cfg.BrokerURL).Logger(),
		newClient: mqtt.NewClient,
		topics:    make(map[string]struct{}),
		inbound:   make(chan Notification, bufferSize),
		stopping:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewHandlerRegistry()
	}
	return c, nil
}

// Connect makes a single attempt to connect to the broker, bounded by the
// configured ConnectTimeout. Once connected, Paho reconnects automatically and
// every subscribed topic is subscribed again on each reconnection.
func (c *BrokerClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		return nil
	}

	client := c.newClient(c.createMqttOptions())
	c.logger.Info().Msg("Attempting to connect to MQTT broker...")
	if err := waitToken(ctx, client.Connect(), c.cfg.ConnectTimeout); err != nil {
		// A timed-out attempt may still complete in the background and would then
		// auto-reconnect under our client ID alongside the next attempt.
		client.Disconnect(0)
		return fmt.Errorf("%w at %s: %w", ErrConnection, c.cfg.BrokerURL, err)
	}
	c.client = client
	c.logger.Info().Msg("Connected to MQTT broker.")
	return nil
}

// IsConnected returns the connection status of the underlying Paho client.
func (c *BrokerClient) IsConnected() bool {
	client := c.currentClient()
	return client != nil && client.IsConnected()
}

// Registry returns the handler registry used for dispatch.
func (c *BrokerClient) Registry() *HandlerRegistry {
	return c.registry
}

// Subscribe asks the broker to deliver every message published to topic, using the
// configured QoS. Messages for the topic reach whatever handler is registered for
// it; subscribing does not register one.
func (c *BrokerClient) Subscribe(ctx context.Context, topic string) error {
	client := c.currentClient()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("%w %q: %w", ErrSubscription, topic, ErrNotConnected)
	}

	token := client.Subscribe(topic, c.cfg.QoS, c.onPublish)
	if err := waitToken(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSubscription, topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subscribeFailure {
			return fmt.Errorf("%w %q: rejected by broker", ErrSubscription, topic)
		}
	}

	c.topicsMu.Lock()
	c.topics[topic] = struct{}{}
	c.topicsMu.Unlock()

	c.logger.Info().Str("topic", topic).Uint8("qos", c.cfg.QoS).Msg("Subscribed to MQTT topic.")
	return nil
}

// RegisterHandler installs or replaces the handler for topic.
func (c *BrokerClient) RegisterHandler(topic string, h Handler) {
	c.registry.Register(topic, h)
}

// StartDispatch starts the dispatch goroutine. It runs until Stop is called or
// ctx is cancelled. Calling it again has no effect.
func (c *BrokerClient) StartDispatch(ctx context.Context) {
	c.dispatchOnce.Do(func() {
		go c.dispatch(ctx)
	})
}

// Stop unsubscribes, disconnects and waits for the dispatch goroutine to deliver
// any notifications already received. It is safe to call more than once.
func (c *BrokerClient) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping BrokerClient...")
		// Release any Paho callback blocked on a full inbound channel before disconnecting.
		close(c.stopping)
		if client := c.currentClient(); client != nil && client.IsConnected() {
			if topics := c.subscribedTopics(); len(topics) > 0 {
				if err := waitToken(ctx, client.Unsubscribe(topics...), 2*time.Second); err != nil {
					c.logger.Warn().Err(err).Strs("topics", topics).Msg("Failed to unsubscribe from MQTT topics.")
				}
			}
			client.Disconnect(250)
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}

		c.inboundMu.Lock()
		c.stopped = true
		close(c.inbound)
		c.inboundMu.Unlock()

		// If dispatch never started there is nothing to wait for.
		c.dispatchOnce.Do(func() { close(c.doneChan) })
	})

	select {
	case <-c.doneChan:
		c.logger.Info().Msg("BrokerClient stopped.")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed when the dispatch goroutine has exited.
func (c *BrokerClient) Done() <-chan struct{} {
	return c.doneChan
}

// GetMessageHandlerForTest returns the Paho message callback for unit testing.
func (c *BrokerClient) GetMessageHandlerForTest() mqtt.MessageHandler {
	return c.onPublish
}

func (c *BrokerClient) currentClient() mqtt.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *BrokerClient) subscribedTopics() []string {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// onPublish is the Paho callback for every subscribed topic.
func (c *BrokerClient) onPublish(_ mqtt.Client, msg mqtt.Message) {
	now := time.Now().UTC()
	c.notify(Notification{
		Kind:       NotificationPublish,
		Message:    ToMessage(msg, now),
		ReceivedAt: now,
	})
}

// notify hands a notification to the dispatch goroutine. After Stop it is a no-op.
func (c *BrokerClient) notify(n Notification) {
	c.inboundMu.RLock()
	defer c.inboundMu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.inbound <- n:
		return
	default:
	}
	select {
	case c.inbound <- n:
	case <-c.stopping:
		c.logger.Warn().Str("kind", n.Kind.String()).Str("topic", n.Message.Topic).Msg("BrokerClient is shutting down, dropping notification.")
	}
}

// dispatch is the single consumer of inbound notifications.
func (c *BrokerClient) dispatch(ctx context.Context) {
	defer close(c.doneChan)
	c.logger.Info().Msg("Dispatch loop started.")
	for {
		select {
		case n, ok := <-c.inbound:
			if !ok {
				c.logger.Info().Msg("Inbound channel closed, dispatch loop exiting.")
				return
			}
			c.handleNotification(n)
		case <-ctx.Done():
			c.logger.Info().Msg("Dispatch loop shutting down due to context cancellation.")
			return
		}
	}
}

func (c *BrokerClient) handleNotification(n Notification) {
	switch n.Kind {
	case NotificationConnected:
		c.logger.Info().Msg("MQTT connection (re)established.")
	case NotificationConnectionLost:
		c.logger.Error().Err(n.Err).Msg("MQTT connection lost.")
	case NotificationPublish:
		c.dispatchMessage(n.Message)
	}
}

func (c *BrokerClient) dispatchMessage(msg messagepipeline.Message) {
	if !utf8.Valid(msg.Payload) {
		c.logger.Error().Str("topic", msg.Topic).Str("msg_id", msg.ID).Int("payload_bytes", len(msg.Payload)).
			Msg("Payload is not valid UTF-8, skipping message.")
		return
	}
	h, ok := c.registry.Lookup(msg.Topic)
	if !ok {
		c.logger.Debug().Str("topic", msg.Topic).Msg("No handler registered for topic, dropping message.")
		return
	}
	c.invoke(h, msg)
}

// invoke runs a handler, keeping the dispatch loop alive if it panics.
func (c *BrokerClient) invoke(h Handler, msg messagepipeline.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("Handler panicked, message dropped.")
		}
	}()
	h(msg)
}

// createMqttOptions assembles the Paho client options from the config.
func (c *BrokerClient) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.cfg.EffectiveClientID())
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.notify(Notification{Kind: NotificationConnected, ReceivedAt: time.Now().UTC()})
		c.resubscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.notify(Notification{Kind: NotificationConnectionLost, Err: err, ReceivedAt: time.Now().UTC()})
	})

	if c.cfg.usesTLS() {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// resubscribe restores subscriptions after a reconnect; a clean session drops them.
func (c *BrokerClient) resubscribe(client mqtt.Client) {
	topics := c.subscribedTopics()
	if len(topics) == 0 {
		return
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = c.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, c.onPublish)
	go func() {
		if err := waitToken(context.Background(), token, c.cfg.ConnectTimeout); err != nil {
			c.logger.Error().Err(err).Strs("topics", topics).Msg("Failed to resubscribe to MQTT topics.")
			return
		}
		c.logger.Info().Strs("topics", topics).Msg("Resubscribed to MQTT topics.")
	}()
}

// waitToken waits for a Paho token, a timeout, or ctx, whichever comes first.
// A zero timeout waits without limit.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-timer:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
