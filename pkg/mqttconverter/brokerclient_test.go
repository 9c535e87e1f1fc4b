// mqttconverter/brokerclient_test.go
package mqttconverter_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/clima-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/clima-dataflow/pkg/mqttconverter"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks for Paho MQTT Client ---
type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

// pendingToken never completes, like a CONNECT the broker never answers.
type pendingToken struct{ done chan struct{} }

func newPendingToken() *pendingToken {
	return &pendingToken{done: make(chan struct{})}
}

func (p *pendingToken) Wait() bool {
	<-p.done
	return true
}

func (p *pendingToken) WaitTimeout(_ time.Duration) bool { return false }

func (p *pendingToken) Done() <-chan struct{} { return p.done }

func (p *pendingToken) Error() error { return nil }

type mockMqttMessage struct {
	topic     string
	payload   []byte
	messageID uint16
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return m.messageID }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

type mockMqttClient struct {
	mu                 sync.Mutex
	opts               *mqtt.ClientOptions
	isConnected        bool
	connectErr         error
	connectHangs       bool
	subscribeErr       error
	disconnectCalled   bool
	subscribedTopics   []string
	unsubscribedTopics []string
	multiFilters       map[string]byte
	messageHandler     mqtt.MessageHandler
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectHangs {
		return newPendingToken()
	}
	if m.connectErr != nil {
		return &mockToken{err: m.connectErr}
	}
	m.isConnected = true
	return &mockToken{}
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isConnected = false
	m.disconnectCalled = true
}
func (m *mockMqttClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return &mockToken{err: m.subscribeErr}
	}
	m.subscribedTopics = append(m.subscribedTopics, topic)
	m.messageHandler = callback
	return &mockToken{}
}
func (m *mockMqttClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.multiFilters = filters
	m.messageHandler = callback
	return &mockToken{}
}
func (m *mockMqttClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribedTopics = append(m.unsubscribedTopics, topics...)
	return &mockToken{}
}

// Add stubs for unused methods to satisfy the interface
func (m *mockMqttClient) Publish(_ string, _ byte, _ bool, _ interface{}) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) deliver(topic string, payload []byte, id uint16) {
	m.mu.Lock()
	h := m.messageHandler
	m.mu.Unlock()
	h(m, &mockMqttMessage{topic: topic, payload: payload, messageID: id})
}

// --- Helpers ---

func newTestConfig() *mqttconverter.MQTTClientConfig {
	return &mqttconverter.MQTTClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "clima-test",
		QoS:            1,
		ConnectTimeout: time.Second,
	}
}

func newTestBrokerClient(t *testing.T, mock *mockMqttClient) *mqttconverter.BrokerClient {
	t.Helper()
	factory := func(o *mqtt.ClientOptions) mqtt.Client {
		mock.mu.Lock()
		mock.opts = o
		mock.mu.Unlock()
		return mock
	}
	client, err := mqttconverter.NewBrokerClient(newTestConfig(), zerolog.Nop(), mqttconverter.WithClientFactory(factory))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Stop(ctx)
	})
	return client
}

// messageSink collects handler invocations.
type messageSink struct {
	mu   sync.Mutex
	msgs []messagepipeline.Message
}

func (s *messageSink) handle(msg messagepipeline.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *messageSink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

// --- Test Cases ---

func TestNewBrokerClient_Validation(t *testing.T) {
	_, err := mqttconverter.NewBrokerClient(nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = mqttconverter.NewBrokerClient(&mqttconverter.MQTTClientConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBrokerClient_Connect(t *testing.T) {
	t.Run("Options are built from config", func(t *testing.T) {
		// Arrange
		mock := &mockMqttClient{}
		client := newTestBrokerClient(t, mock)

		// Act
		err := client.Connect(context.Background())

		// Assert
		require.NoError(t, err)
		assert.True(t, client.IsConnected())
		require.NotNil(t, mock.opts)
		assert.Equal(t, "clima-test", mock.opts.ClientID)
		require.Len(t, mock.opts.Servers, 1)
		assert.Equal(t, "localhost:1883", mock.opts.Servers[0].Host)
		assert.True(t, mock.opts.Order, "messages must be handed over in arrival order")
		assert.True(t, mock.opts.AutoReconnect)
	})

	t.Run("Failure is a connection error", func(t *testing.T) {
		// Arrange
		mock := &mockMqttClient{connectErr: errors.New("connection refused")}
		client := newTestBrokerClient(t, mock)

		// Act
		err := client.Connect(context.Background())

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, mqttconverter.ErrConnection)
		assert.Contains(t, err.Error(), "connection refused")
		assert.False(t, client.IsConnected())
		assert.True(t, mock.disconnectCalled, "a failed attempt should release its client")
	})

	t.Run("Unanswered attempts are abandoned cleanly", func(t *testing.T) {
		// Arrange
		var mu sync.Mutex
		var created []*mockMqttClient
		factory := func(_ *mqtt.ClientOptions) mqtt.Client {
			mu.Lock()
			defer mu.Unlock()
			m := &mockMqttClient{connectHangs: true}
			created = append(created, m)
			return m
		}
		cfg := newTestConfig()
		cfg.ConnectTimeout = 20 * time.Millisecond
		client, err := mqttconverter.NewBrokerClient(cfg, zerolog.Nop(), mqttconverter.WithClientFactory(factory))
		require.NoError(t, err)

		// Act
		for i := 0; i < 3; i++ {
			err := client.Connect(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, mqttconverter.ErrConnection)
			assert.ErrorIs(t, err, mqttconverter.ErrTimeout)
		}

		// Assert
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, created, 3, "every attempt should build a fresh client")
		for i, m := range created {
			m.mu.Lock()
			assert.True(t, m.disconnectCalled, "client from attempt %d was left running", i+1)
			m.mu.Unlock()
		}
		assert.False(t, client.IsConnected())
	})

	t.Run("Cancelled attempt is abandoned cleanly", func(t *testing.T) {
		mock := &mockMqttClient{connectHangs: true}
		client := newTestBrokerClient(t, mock)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := client.Connect(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, mock.disconnectCalled)
	})
}

func TestBrokerClient_Subscribe(t *testing.T) {
	t.Run("Not connected", func(t *testing.T) {
		client := newTestBrokerClient(t, &mockMqttClient{})

		err := client.Subscribe(context.Background(), "weather")

		assert.ErrorIs(t, err, mqttconverter.ErrSubscription)
		assert.ErrorIs(t, err, mqttconverter.ErrNotConnected)
	})

	t.Run("Rejected by transport", func(t *testing.T) {
		mock := &mockMqttClient{subscribeErr: errors.New("connection lost")}
		client := newTestBrokerClient(t, mock)
		require.NoError(t, client.Connect(context.Background()))

		err := client.Subscribe(context.Background(), "weather")

		assert.ErrorIs(t, err, mqttconverter.ErrSubscription)
	})

	t.Run("Success", func(t *testing.T) {
		mock := &mockMqttClient{}
		client := newTestBrokerClient(t, mock)
		require.NoError(t, client.Connect(context.Background()))

		err := client.Subscribe(context.Background(), "weather")

		require.NoError(t, err)
		assert.Equal(t, []string{"weather"}, mock.subscribedTopics)
		assert.NotNil(t, mock.messageHandler)
	})
}

func TestBrokerClient_Dispatch(t *testing.T) {
	// Arrange
	mock := &mockMqttClient{}
	client := newTestBrokerClient(t, mock)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Subscribe(context.Background(), "weather"))

	sink := &messageSink{}
	client.RegisterHandler("weather", sink.handle)
	client.StartDispatch(context.Background())
	client.StartDispatch(context.Background()) // second call is a no-op

	// Act
	original := []byte(`{"temp": 21.5, "hum": 55.125}`)
	mock.deliver("weather", original, 7)
	original[0] = 'X' // the client must have copied the payload

	// Assert
	require.Eventually(t, func() bool {
		return len(sink.payloads()) == 1
	}, time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	got := sink.msgs[0]
	sink.mu.Unlock()
	assert.Equal(t, "weather", got.Topic)
	assert.Equal(t, `{"temp": 21.5, "hum": 55.125}`, string(got.Payload))
	assert.Equal(t, "7", got.ID)
	assert.False(t, got.PublishTime.IsZero())
}

func TestBrokerClient_DispatchSkipsBadInput(t *testing.T) {
	// Arrange
	mock := &mockMqttClient{}
	client := newTestBrokerClient(t, mock)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Subscribe(context.Background(), "#"))

	sink := &messageSink{}
	client.RegisterHandler("weather", sink.handle)
	client.RegisterHandler("explode", func(messagepipeline.Message) { panic("handler bug") })
	client.StartDispatch(context.Background())

	// Act
	mock.deliver("weather", []byte("first"), 1)
	mock.deliver("weather", []byte{0xff, 0xfe, 0xfd}, 2) // invalid UTF-8
	mock.deliver("unregistered", []byte("ignored"), 3)
	mock.deliver("explode", []byte("boom"), 4)
	mock.deliver("weather", []byte("last"), 5)

	// Assert
	require.Eventually(t, func() bool {
		return len(sink.payloads()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "last"}, sink.payloads())
}

func TestBrokerClient_DispatchPreservesOrder(t *testing.T) {
	// Arrange
	mock := &mockMqttClient{}
	client := newTestBrokerClient(t, mock)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Subscribe(context.Background(), "weather"))
	sink := &messageSink{}
	client.RegisterHandler("weather", sink.handle)
	client.StartDispatch(context.Background())

	// Act
	want := make([]string, 100)
	for i := range want {
		want[i] = fmt.Sprintf("m%d", i)
		mock.deliver("weather", []byte(want[i]), uint16(i))
	}

	// Assert
	require.Eventually(t, func() bool {
		return len(sink.payloads()) == len(want)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, want, sink.payloads())
}

func TestBrokerClient_Stop(t *testing.T) {
	// Arrange
	mock := &mockMqttClient{}
	client := newTestBrokerClient(t, mock)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Subscribe(context.Background(), "weather"))
	sink := &messageSink{}
	client.RegisterHandler("weather", sink.handle)

	// Messages received before dispatch starts are delivered before Stop returns.
	mock.deliver("weather", []byte("buffered"), 1)
	client.StartDispatch(context.Background())

	// Act
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	err := client.Stop(stopCtx)

	// Assert
	require.NoError(t, err)
	assert.True(t, mock.disconnectCalled, "Disconnect should have been called on the client")
	assert.Equal(t, []string{"weather"}, mock.unsubscribedTopics)
	assert.Equal(t, []string{"buffered"}, sink.payloads())
	select {
	case <-client.Done():
	default:
		t.Fatal("Done() channel should be closed after Stop()")
	}

	// Late callbacks after Stop are ignored rather than panicking.
	assert.NotPanics(t, func() { mock.deliver("weather", []byte("late"), 2) })
	require.NoError(t, client.Stop(stopCtx))
}

func TestBrokerClient_StopWithoutDispatch(t *testing.T) {
	client := newTestBrokerClient(t, &mockMqttClient{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	require.NoError(t, client.Stop(ctx))
}

func TestBrokerClient_SharedRegistry(t *testing.T) {
	// Arrange
	registry := mqttconverter.NewHandlerRegistry()
	sink := &messageSink{}
	registry.Register("weather", sink.handle)

	client, err := mqttconverter.NewBrokerClient(newTestConfig(), zerolog.Nop(),
		mqttconverter.WithClientFactory(func(_ *mqtt.ClientOptions) mqtt.Client { return &mockMqttClient{} }),
		mqttconverter.WithRegistry(registry))
	require.NoError(t, err)
	require.Same(t, registry, client.Registry())
	client.StartDispatch(context.Background())

	// Act: hand a message straight to the Paho callback.
	handler := client.GetMessageHandlerForTest()
	handler(nil, &mockMqttMessage{topic: "weather", payload: []byte(`{"temp": 1, "hum": 2}`), messageID: 7})

	// Assert
	require.Eventually(t, func() bool { return len(sink.payloads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"temp": 1, "hum": 2}`}, sink.payloads())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	require.NoError(t, client.Stop(ctx))
}

func TestBrokerClient_ResubscribesOnReconnect(t *testing.T) {
	// Arrange
	mock := &mockMqttClient{}
	client := newTestBrokerClient(t, mock)
	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Subscribe(context.Background(), "weather"))
	require.NotNil(t, mock.opts.OnConnect)

	// Act: simulate Paho calling the on-connect hook after an automatic reconnect.
	mock.opts.OnConnect(mock)

	// Assert
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, map[string]byte{"weather": 1}, mock.multiFilters)
}
