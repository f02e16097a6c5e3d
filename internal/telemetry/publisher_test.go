package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/pay-kiosk/internal/config"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/hardware"
)

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient 只实现发布器用到的方法
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connectCalls int
	disconnected bool
	messages     []published
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return &doneToken{err: err}
	}
	c.connected = true
	return &doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	case []byte:
		body = string(v)
	}
	c.messages = append(c.messages, published{topic: topic, retained: retained, payload: body})
	return &doneToken{}
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

type fakeSource struct {
	mu        sync.Mutex
	listeners []hardware.Listener
	unsubbed  int
}

func (s *fakeSource) Subscribe(l hardware.Listener) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.listeners = nil
		s.unsubbed++
		s.mu.Unlock()
	}
}

func (s *fakeSource) emit(ev hardware.Event) {
	s.mu.Lock()
	ls := append([]hardware.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		ClientID:    "k1",
		QoS:         1,
		RetryDelay:  time.Millisecond,
		TopicPrefix: "kiosk/{client_id}",
	}
}

func TestTopics(t *testing.T) {
	p := newPublisher(&fakeClient{}, testMQTTConfig())
	assert.Equal(t, "kiosk/k1/status", p.StatusTopic())
	assert.Equal(t, "kiosk/k1/events/coinInserted", p.EventTopic("coinInserted"))
}

func TestConnectRetries(t *testing.T) {
	client := &fakeClient{connectErrs: []error{errors.New("refused"), errors.New("refused")}}
	p := newPublisher(client, testMQTTConfig())

	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, 3, client.connectCalls)
	assert.True(t, client.IsConnected())
}

func TestConnectCanceled(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errors.New("refused")
	}
	client := &fakeClient{connectErrs: errs}
	cfg := testMQTTConfig()
	cfg.RetryDelay = time.Hour
	p := newPublisher(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Connect(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
}

func TestPublishEvents(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testMQTTConfig())
	src := &fakeSource{}
	p.Attach(src)

	src.emit(hardware.CoinEvent{CoinName: "KZ100A", CoinCode: 4, CoinValue: 100})
	src.emit(hardware.DeviceError{Source: hardware.DeviceCardReader, Op: "sale", Err: errors.New("boom")})

	msgs := client.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, "kiosk/k1/events/coinInserted", msgs[0].topic)
	assert.False(t, msgs[0].retained)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msgs[0].payload), &body))
	assert.Equal(t, "coinInserted", body["type"])
	assert.Equal(t, "coin_acceptor", body["device"])
	assert.Equal(t, float64(100), body["data"].(map[string]interface{})["CoinValue"])

	assert.Equal(t, "kiosk/k1/events/cardReaderError", msgs[1].topic)
	assert.Contains(t, msgs[1].payload, `"error":"boom"`)
}

func TestPublishSkippedWhenOffline(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, testMQTTConfig())
	p.PublishEvent(hardware.BillReceived{Status: hardware.BillAccepted, Value: 1000})
	assert.Empty(t, client.sent())
}

func TestCloseAnnouncesOffline(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(client, testMQTTConfig())
	src := &fakeSource{}
	p.Attach(src)

	require.NoError(t, p.PublishStatus(true))
	p.Close()
	p.Close()

	msgs := client.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, published{topic: "kiosk/k1/status", retained: true, payload: "online"}, msgs[0])
	assert.Equal(t, published{topic: "kiosk/k1/status", retained: true, payload: "offline"}, msgs[1])
	assert.True(t, client.disconnected)
	assert.Equal(t, 1, src.unsubbed)

	src.emit(hardware.CoinEvent{CoinValue: 100})
	assert.Len(t, client.sent(), 2)
}
