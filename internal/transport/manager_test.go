package transport

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErrs []error // consumed one per Connect call; nil entry means success
	published   []published
	subs        map[string]mqtt.MessageHandler
}

func newFakeClient(connectErrs ...error) *fakeClient {
	return &fakeClient{connectErrs: connectErrs, subs: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if len(c.connectErrs) > 0 {
		err = c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
	}
	if err == nil {
		c.connected = true
	}
	return &fakeToken{err: err}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	cb, ok := c.subs[topic]
	c.mu.Unlock()
	if ok {
		cb(nil, &fakeMessage{topic: topic, payload: payload})
	}
}

func (c *fakeClient) publishedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.published))
	for i, p := range c.published {
		out[i] = p.topic
	}
	return out
}

func testManager(t *testing.T, client *fakeClient) *Manager {
	t.Helper()
	m := New(Config{
		BrokerURL:   "tcp://localhost:1883",
		ClientID:    "test-pad",
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	m.newClient = func(*mqtt.ClientOptions) pahoClient { return client }
	return m
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestPublishWhileDisconnected(t *testing.T) {
	m := testManager(t, newFakeClient())
	err := m.Publish("salon/s/station/st/pad/tip", []byte(`{}`))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectNotifiesAfterReplayHook(t *testing.T) {
	client := newFakeClient()
	m := testManager(t, client)

	var order []string
	var mu sync.Mutex
	m.SetOnConnected(func() {
		mu.Lock()
		order = append(order, "replay")
		mu.Unlock()
	})
	m.OnStateChange(func(s State) {
		mu.Lock()
		order = append(order, string(s))
		mu.Unlock()
	})

	require.NoError(t, m.Connect())
	require.Equal(t, StateConnected, m.State())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"connecting", "replay", "connected"}, order)
}

func TestSubscriptionSurvivesReconnect(t *testing.T) {
	client := newFakeClient()
	m := testManager(t, client)

	received := make(chan []byte, 4)
	m.Subscribe("salon/s/station/st/pad/transaction", func(_ string, payload []byte) {
		received <- payload
	})

	require.NoError(t, m.Connect())
	client.deliver("salon/s/station/st/pad/transaction", []byte(`{"transaction_id":"t1"}`))
	require.Equal(t, []byte(`{"transaction_id":"t1"}`), <-received)

	// drop the connection; the retry loop should reconnect and resubscribe
	client.mu.Lock()
	client.connected = false
	client.subs = make(map[string]mqtt.MessageHandler)
	client.mu.Unlock()

	m.onConnectionLost(errors.New("broken pipe"))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)

	client.deliver("salon/s/station/st/pad/transaction", []byte(`{"transaction_id":"t2"}`))
	require.Equal(t, []byte(`{"transaction_id":"t2"}`), <-received)
}

func TestReconnectBackoffRetriesUntilSuccess(t *testing.T) {
	client := newFakeClient(errors.New("refused"), errors.New("refused"), nil)
	m := testManager(t, client)

	states := make(chan State, 8)
	m.OnStateChange(func(s State) { states <- s })

	require.NoError(t, m.Connect())
	require.Equal(t, StateConnecting, <-states)
	require.Equal(t, StateReconnecting, <-states)

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	client := newFakeClient()
	m := testManager(t, client)

	received := make(chan []byte, 1)
	unsubscribe := m.Subscribe("salon/s/station/st/pad/cancel", func(_ string, payload []byte) {
		received <- payload
	})
	require.NoError(t, m.Connect())

	unsubscribe()
	client.deliver("salon/s/station/st/pad/cancel", []byte(`{}`))

	select {
	case <-received:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterConnect(t *testing.T) {
	client := newFakeClient()
	m := testManager(t, client)
	require.NoError(t, m.Connect())

	require.NoError(t, m.Publish("salon/s/station/st/pad/help", []byte(`{}`)))
	require.Equal(t, []string{"salon/s/station/st/pad/help"}, client.publishedTopics())

	m.Disconnect()
	require.Equal(t, StateDisconnected, m.State())
	require.ErrorIs(t, m.Publish("salon/s/station/st/pad/help", []byte(`{}`)), ErrNotConnected)
}
