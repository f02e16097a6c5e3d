package hardware

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// CardReaderDeviceConfig 读卡器设备配置
type CardReaderDeviceConfig struct {
	Driver               CardReaderConfig
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

// DefaultCardReaderDeviceConfig 默认配置（最多重连5次，间隔5秒）
func DefaultCardReaderDeviceConfig(port string) CardReaderDeviceConfig {
	return CardReaderDeviceConfig{
		Driver:               DefaultCardReaderConfig(port),
		MaxReconnectAttempts: 5,
		ReconnectInterval:    5 * time.Second,
	}
}

// CardReaderDevice 读卡器设备：初始化、意外断开后的有限重连、复位与累计金额
type CardReaderDevice struct {
	*emitter
	driver *CardReader
	config CardReaderDeviceConfig
	log    *zap.Logger

	mu           sync.Mutex
	initialized  bool
	total        int64
	lastError    error
	attempts     int
	reconnecting bool
	disposed     bool
	stopCh       chan struct{}

	unsubscribe func()
}

// NewCardReaderDevice 创建读卡器设备
func NewCardReaderDevice(config CardReaderDeviceConfig) *CardReaderDevice {
	if config.MaxReconnectAttempts < 0 {
		config.MaxReconnectAttempts = 0
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	d := &CardReaderDevice{
		emitter: newEmitter(string(DeviceCardReader)),
		driver:  NewCardReader(config.Driver),
		config:  config,
		log:     logger.GetModuleLogger("card"),
		stopCh:  make(chan struct{}),
	}
	d.unsubscribe = d.driver.Subscribe(d.onDriverEvent)
	return d
}

// Driver 底层驱动
func (d *CardReaderDevice) Driver() *CardReader {
	return d.driver
}

// onDriverEvent 转发驱动事件并维护设备状态
func (d *CardReaderDevice) onDriverEvent(ev Event) {
	switch e := ev.(type) {
	case CardDisconnected:
		d.mu.Lock()
		d.initialized = false
		disposed := d.disposed
		d.mu.Unlock()
		if e.Unexpected && !disposed {
			go d.tryReconnect()
		}
	case DeviceError:
		d.mu.Lock()
		d.lastError = e.Err
		d.mu.Unlock()
	case PaymentSucceeded:
		d.mu.Lock()
		d.total += e.Transaction.Amount
		d.mu.Unlock()
	}
	d.emit(ev)
}

// Init 打开串口并完成首次同步
func (d *CardReaderDevice) Init() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return apperrors.New(apperrors.ErrPrecondition, "card reader disposed")
	}
	d.mu.Unlock()

	if err := d.driver.OpenPort(); err != nil {
		return d.initFailed(err)
	}
	if err := d.driver.Sync(); err != nil {
		_ = d.driver.ClosePort()
		return d.initFailed(err)
	}

	d.mu.Lock()
	d.initialized = true
	d.attempts = 0
	d.mu.Unlock()
	d.log.Info("读卡器初始化完成")
	d.emit(DeviceInitialized{Source: DeviceCardReader})
	return nil
}

func (d *CardReaderDevice) initFailed(err error) error {
	d.mu.Lock()
	d.lastError = err
	d.mu.Unlock()
	d.log.Error("读卡器初始化失败", zap.Error(err))
	return err
}

// tryReconnect 有限次数的顺序重连，同一时间只运行一个
func (d *CardReaderDevice) tryReconnect() {
	d.mu.Lock()
	if d.reconnecting || d.disposed {
		d.mu.Unlock()
		return
	}
	d.reconnecting = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.reconnecting = false
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		if d.disposed {
			d.mu.Unlock()
			return
		}
		if d.attempts >= d.config.MaxReconnectAttempts {
			err := apperrors.Newf(apperrors.ErrReconnectExhausted, "%d attempts", d.config.MaxReconnectAttempts)
			d.lastError = err
			d.mu.Unlock()
			d.log.Error("读卡器重连次数已用完", zap.Int("max_attempts", d.config.MaxReconnectAttempts))
			d.emit(DeviceError{Source: DeviceCardReader, Op: "reconnect", Err: err})
			return
		}
		d.attempts++
		attempt := d.attempts
		d.mu.Unlock()

		d.log.Info("尝试重连读卡器", zap.Int("attempt", attempt))
		err := d.Init()
		if err == nil {
			d.log.Info("读卡器重连成功", zap.Int("attempt", attempt))
			return
		}
		d.log.Warn("读卡器重连失败，等待重试",
			zap.Int("attempt", attempt),
			zap.Duration("interval", d.config.ReconnectInterval),
			zap.Error(err))

		select {
		case <-d.stopCh:
			return
		case <-time.After(d.config.ReconnectInterval):
		}
	}
}

// Reconnecting 是否正在重连
func (d *CardReaderDevice) Reconnecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconnecting
}

// Initialized 是否已初始化
func (d *CardReaderDevice) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initialized
}

// StartSale 发起交易并等待结果
func (d *CardReaderDevice) StartSale(ctx context.Context, amount int64) (CardTransaction, error) {
	if !d.Initialized() {
		return CardTransaction{}, apperrors.New(apperrors.ErrNotInitialized, "card reader")
	}

	tx, err := d.driver.Sale(ctx, amount)
	if err != nil {
		d.mu.Lock()
		d.lastError = err
		d.mu.Unlock()
		d.log.Error("刷卡交易出错", zap.Int64("amount", amount), zap.Error(err))
		return tx, err
	}
	return tx, nil
}

// LastError 最近一次错误
func (d *CardReaderDevice) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastError
}

// Total 读卡器累计成功支付金额
func (d *CardReaderDevice) Total() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Reset 清零累计金额与错误，关闭串口后重新初始化
func (d *CardReaderDevice) Reset() error {
	d.mu.Lock()
	d.total = 0
	d.lastError = nil
	d.initialized = false
	d.mu.Unlock()

	if err := d.driver.ClosePort(); err != nil {
		d.log.Warn("复位时关闭串口失败", zap.Error(err))
	}
	return d.Init()
}

// Dispose 关闭串口并停止重连，可重复调用
func (d *CardReaderDevice) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}
	d.disposed = true
	d.initialized = false
	close(d.stopCh)
	d.mu.Unlock()

	err := d.driver.ClosePort()
	d.unsubscribe()
	d.log.Info("读卡器已释放")
	return err
}
