// Package journal 将硬件管理器转发的事件异步写入数据库
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/hardware"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"github.com/wfunc/pay-kiosk/internal/models"
	"github.com/wfunc/pay-kiosk/internal/repository"
	"go.uber.org/zap"
)

// Subscriber 可订阅硬件事件的对象
type Subscriber interface {
	Subscribe(l hardware.Listener) func()
}

// Options 记录器参数
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		BatchSize:     50,
		FlushInterval: time.Second,
	}
}

// Recorder 事件记录器
type Recorder struct {
	repo      repository.DeviceEventRepository
	sessionID string
	opts      Options
	log       *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *models.DeviceEvent
	unsubs []func()

	done    chan struct{}
	dropped atomic.Int64
	written atomic.Int64
}

// NewRecorder 创建记录器并启动后台写入
func NewRecorder(repo repository.DeviceEventRepository, opts Options) *Recorder {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	r := &Recorder{
		repo:      repo,
		sessionID: uuid.NewString(),
		opts:      opts,
		log:       logger.GetModuleLogger("journal"),
		queue:     make(chan *models.DeviceEvent, opts.BufferSize),
		done:      make(chan struct{}),
	}
	go r.run()

	r.log.Info("事件记录器已启动",
		zap.String("session_id", r.sessionID),
		zap.Int("buffer", opts.BufferSize),
	)
	return r
}

// SessionID 本次运行的会话ID
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Attach 订阅事件源
func (r *Recorder) Attach(s Subscriber) {
	unsub := s.Subscribe(r.Record)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		unsub()
		return
	}
	r.unsubs = append(r.unsubs, unsub)
}

// Record 记录一个事件，队列满时丢弃
func (r *Recorder) Record(ev hardware.Event) {
	rec := ToRecord(r.sessionID, ev)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		n := r.dropped.Add(1)
		r.log.Warn("事件队列已满，丢弃事件",
			zap.String("type", rec.Type),
			zap.Int64("dropped", n),
		)
	}
}

// Dropped 被丢弃的事件数
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Written 已写入的事件数
func (r *Recorder) Written() int64 {
	return r.written.Load()
}

// Close 取消订阅并写完队列中的事件
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	close(r.queue)
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	<-r.done

	r.log.Info("事件记录器已关闭",
		zap.Int64("written", r.written.Load()),
		zap.Int64("dropped", r.dropped.Load()),
	)
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.DeviceEvent, 0, r.opts.BatchSize)
	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []*models.DeviceEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.BatchCreate(ctx, batch); err != nil {
		r.dropped.Add(int64(len(batch)))
		logger.LogError(err, "写入事件日志失败", zap.Int("count", len(batch)))
		return
	}
	r.written.Add(int64(len(batch)))
}

// ToRecord 将硬件事件转换为数据库记录
func ToRecord(sessionID string, ev hardware.Event) *models.DeviceEvent {
	rec := &models.DeviceEvent{
		CreatedAt: time.Now(),
		SessionID: sessionID,
		Device:    string(ev.Device()),
		Type:      hardware.RelayName(ev),
		Payload:   payloadOf(ev),
	}

	switch e := ev.(type) {
	case hardware.CoinEvent:
		rec.Amount = int64(e.CoinValue)
	case hardware.BillReceived:
		rec.Amount = int64(e.Value)
	case hardware.SaleStarted:
		rec.SaleID = e.SaleID
	case hardware.PaymentSucceeded:
		rec.Amount = e.Transaction.Amount
		rec.SaleID = e.Transaction.SaleID
	case hardware.PaymentFailed:
		rec.SaleID = e.Transaction.SaleID
	case hardware.DeviceError:
		rec.ErrorCode = int(apperrors.GetCode(e.Err))
		rec.ErrorMessage = e.Message()
	}
	return rec
}

func payloadOf(ev hardware.Event) models.JSONData {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	var data models.JSONData
	if err := json.Unmarshal(b, &data); err != nil {
		return nil
	}
	return data
}
