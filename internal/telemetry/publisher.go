// Package telemetry 通过MQTT发布硬件事件和在线状态
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/pay-kiosk/internal/config"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/hardware"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	publishTimeout = 5 * time.Second
)

// Subscriber 可订阅硬件事件的对象
type Subscriber interface {
	Subscribe(l hardware.Listener) func()
}

// Message 事件消息体
type Message struct {
	Type      string         `json:"type"`
	Device    string         `json:"device"`
	Timestamp time.Time      `json:"timestamp"`
	Data      hardware.Event `json:"data"`
	Error     string         `json:"error,omitempty"`
}

// Publisher MQTT事件发布器
type Publisher struct {
	client paho.Client
	cfg    config.MQTTConfig
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// NewPublisher 按配置创建发布器，遗嘱消息将状态置为 offline
func NewPublisher(cfg config.MQTTConfig) *Publisher {
	p := newPublisher(nil, cfg)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	opts.SetKeepAlive(keepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(p.StatusTopic(), statusOffline, cfg.QoS, true)

	opts.SetOnConnectHandler(func(client paho.Client) {
		p.log.Info("MQTT已连接", zap.String("broker", cfg.Broker))
		// 每次(重)连后重新声明在线
		if err := p.publish(p.StatusTopic(), true, statusOnline); err != nil {
			p.log.Warn("发布在线状态失败", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(client paho.Client, err error) {
		p.log.Warn("MQTT连接断开", zap.Error(err))
	})

	p.client = paho.NewClient(opts)
	return p
}

func newPublisher(client paho.Client, cfg config.MQTTConfig) *Publisher {
	return &Publisher{
		client: client,
		cfg:    cfg,
		prefix: cfg.ResolvedTopicPrefix(),
		log:    logger.GetModuleLogger("mqtt"),
	}
}

// StatusTopic 在线状态主题
func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

// EventTopic 事件主题
func (p *Publisher) EventTopic(name string) string {
	return p.prefix + "/events/" + name
}

// Connect 连接代理，失败后按 retry_delay 无限重试直到 ctx 取消
func (p *Publisher) Connect(ctx context.Context) error {
	retryDelay := p.cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	for attempt := 1; ; attempt++ {
		token := p.client.Connect()
		err := waitToken(ctx, token)
		if err == nil {
			p.log.Info("MQTT连接成功", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled, "MQTT连接已取消")
		}

		p.log.Warn("MQTT连接失败，稍后重试",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", retryDelay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrCanceled, "MQTT连接已取消")
		case <-time.After(retryDelay):
		}
	}
}

// Attach 订阅事件源，事件发布到 <prefix>/events/<name>
func (p *Publisher) Attach(s Subscriber) {
	unsub := s.Subscribe(p.PublishEvent)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		unsub()
		return
	}
	p.unsubs = append(p.unsubs, unsub)
}

// PublishEvent 发布一个硬件事件，未连接时丢弃
func (p *Publisher) PublishEvent(ev hardware.Event) {
	if !p.client.IsConnected() {
		p.log.Debug("MQTT未连接，跳过事件", zap.String("type", string(ev.Type())))
		return
	}

	name := hardware.RelayName(ev)
	msg := Message{
		Type:      name,
		Device:    string(ev.Device()),
		Timestamp: time.Now(),
		Data:      ev,
	}
	if e, ok := ev.(hardware.DeviceError); ok {
		msg.Error = e.Message()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("事件序列化失败", zap.String("type", name), zap.Error(err))
		return
	}

	topic := p.EventTopic(name)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	logger.LogMQTTMessage(topic, "publish", string(payload))

	// 不阻塞事件分发
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			p.log.Warn("MQTT发布超时", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("MQTT发布失败", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// PublishStatus 发布保留的在线状态
func (p *Publisher) PublishStatus(online bool) error {
	status := statusOffline
	if online {
		status = statusOnline
	}
	return p.publish(p.StatusTopic(), true, status)
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, p.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return apperrors.Newf(apperrors.ErrMQTTPublish, "发布超时: %s", topic)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrMQTTPublish, topic)
	}
	logger.LogMQTTMessage(topic, "publish", payload)
	return nil
}

// Close 取消订阅，发布 offline 后断开
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsubs := p.unsubs
	p.unsubs = nil
	p.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	if p.client.IsConnected() {
		if err := p.PublishStatus(false); err != nil {
			p.log.Warn("发布离线状态失败", zap.Error(err))
		}
		p.client.Disconnect(250)
	}
	p.log.Info("MQTT发布器已关闭")
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return apperrors.Wrap(err, apperrors.ErrMQTTConnect)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
