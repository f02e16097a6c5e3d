package hardware

import (
	"sync"
	"time"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// CoinAcceptorConfig 投币器配置
type CoinAcceptorConfig struct {
	Port            PortConfig
	Address         byte
	PollInterval    time.Duration
	ResponseTimeout time.Duration
	SettleDelay     time.Duration // 复位后的等待时间
	Opener          PortOpener
}

// DefaultCoinAcceptorConfig 默认配置（地址2，9600 8N1，200ms轮询）
func DefaultCoinAcceptorConfig(port string) CoinAcceptorConfig {
	return CoinAcceptorConfig{
		Port:            PortConfig{Name: port, BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"},
		Address:         2,
		PollInterval:    200 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		SettleDelay:     time.Second,
	}
}

// CoinAcceptor ccTalk 投币器驱动
type CoinAcceptor struct {
	*emitter
	config CoinAcceptorConfig
	log    *zap.Logger

	xmu  sync.Mutex
	mu   sync.Mutex
	link *frameLink

	state       DeviceState
	initialized bool
	poll        *Task

	lastCounter byte
	hasBaseline bool
	total       int
}

// NewCoinAcceptor 创建投币器驱动
func NewCoinAcceptor(config CoinAcceptorConfig) *CoinAcceptor {
	if config.Opener == nil {
		config.Opener = OpenSerialPort
	}
	if config.Address == 0 {
		config.Address = 2
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 100 * time.Millisecond
	}
	return &CoinAcceptor{
		emitter: newEmitter(string(DeviceCoinAcceptor)),
		config:  config,
		log:     logger.GetModuleLogger("coin"),
		state:   StateDisconnected,
	}
}

// State 当前状态
func (c *CoinAcceptor) State() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Total 本驱动累计金额（fullReset 清零）
func (c *CoinAcceptor) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Init 打开串口、完整复位、简单轮询、打开全部通道
func (c *CoinAcceptor) Init() error {
	if err := c.open(); err != nil {
		return err
	}
	if err := c.FullReset(); err != nil {
		return err
	}
	if _, err := c.exchange(NewCommand(CoinHeaderSimplePoll)); err != nil {
		return err
	}
	if _, err := c.exchange(NewCommand(CoinHeaderModifyInhibit, 0xFF, 0xFF)); err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.state = StateEnabled
	c.mu.Unlock()
	c.log.Info("投币器初始化完成", zap.String("port", c.config.Port.Name))
	return nil
}

func (c *CoinAcceptor) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil && c.link.Alive() {
		return nil
	}
	if c.link != nil {
		_ = c.link.Close()
	}
	port, err := c.config.Opener(c.config.Port)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortOpen, c.config.Port.Name)
	}
	c.link = newFrameLink(string(DeviceCoinAcceptor), port, c.handleLinkLost).start()
	c.state = StateConnected
	return nil
}

// FullReset 禁止、复位、等待、允许、清空事件缓冲区并记录计数器基线
func (c *CoinAcceptor) FullReset() error {
	if _, err := c.exchange(NewCommand(CoinHeaderModifyMasterInhibit, 1)); err != nil {
		return err
	}
	if _, err := c.exchange(NewCommand(CoinHeaderResetDevice)); err != nil {
		return err
	}
	time.Sleep(c.config.SettleDelay)
	if _, err := c.exchange(NewCommand(CoinHeaderModifyMasterInhibit, 0)); err != nil {
		return err
	}
	if err := c.clearEventBuffer(); err != nil {
		return err
	}

	c.mu.Lock()
	c.total = 0
	c.state = StatePoweredUp
	c.mu.Unlock()
	return nil
}

// clearEventBuffer 读取一次缓冲区，当前计数器作为基线
func (c *CoinAcceptor) clearEventBuffer() error {
	data, err := c.exchange(NewCommand(CoinHeaderReadBufferedCredit))
	if err != nil {
		return err
	}
	counter, _, err := ParseCreditBuffer(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastCounter = counter
	c.hasBaseline = true
	c.mu.Unlock()
	c.log.Debug("事件缓冲区已清空", zap.Uint8("counter", counter))
	return nil
}

// StartPoll 开始周期轮询
func (c *CoinAcceptor) StartPoll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return apperrors.New(apperrors.ErrNotInitialized, string(DeviceCoinAcceptor))
	}
	if c.poll != nil {
		return apperrors.New(apperrors.ErrAlreadyRunning, "coin acceptor polling")
	}
	c.poll = Every(c.config.PollInterval, func() {
		if err := c.Poll(); err != nil {
			c.reportError("poll", err)
		}
	})
	c.state = StateListening
	c.log.Info("投币器开始轮询", zap.Duration("interval", c.config.PollInterval))
	return nil
}

// StopPoll 停止轮询，可重复调用
func (c *CoinAcceptor) StopPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poll == nil {
		return
	}
	c.poll.Stop()
	c.poll = nil
	if c.state == StateListening {
		c.state = StateEnabled
	}
}

// Polling 是否正在轮询
func (c *CoinAcceptor) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poll != nil
}

// Poll 读取缓冲区并发出新的投币事件
func (c *CoinAcceptor) Poll() error {
	data, err := c.exchange(NewCommand(CoinHeaderReadBufferedCredit))
	if err != nil {
		return err
	}
	for _, ev := range c.processCredit(data) {
		c.log.Info("收到硬币", zap.String("coin", ev.CoinName), zap.Int("value", ev.CoinValue))
		c.emit(ev)
	}
	return nil
}

// processCredit 按计数器差值取出新事件，未知或为0的代码跳过
func (c *CoinAcceptor) processCredit(data []byte) []CoinEvent {
	counter, slots, err := ParseCreditBuffer(data)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasBaseline {
		c.lastCounter = counter
		c.hasBaseline = true
		return nil
	}

	pending := EventDelta(c.lastCounter, counter)
	c.lastCounter = counter
	if pending == 0 {
		return nil
	}
	if pending > len(slots) {
		c.log.Warn("事件数超过缓冲区槽数，部分硬币事件丢失",
			zap.Int("pending", pending), zap.Int("slots", len(slots)))
		pending = len(slots)
	}

	var events []CoinEvent
	for _, slot := range slots[:pending] {
		if slot.Code == 0 {
			continue
		}
		info, ok := LookupCoin(slot.Code)
		if !ok {
			c.log.Debug("未知硬币代码", zap.Uint8("code", slot.Code))
			continue
		}
		c.total += info.Value
		events = append(events, CoinEvent{
			CoinName:   info.Name,
			CoinCode:   slot.Code,
			CoinValue:  info.Value,
			SorterPath: slot.SorterPath,
		})
	}
	return events
}

// exchange 发送命令并校验应答
func (c *CoinAcceptor) exchange(cmd Command) ([]byte, error) {
	c.xmu.Lock()
	defer c.xmu.Unlock()

	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return nil, apperrors.New(apperrors.ErrTransportNotOpen, string(DeviceCoinAcceptor))
	}

	start := time.Now()
	raw, err := link.Exchange(EncodeCoinFrame(c.config.Address, cmd), c.config.ResponseTimeout, splitCoinFrame)
	if err == nil {
		var frame CoinFrame
		frame, err = DecodeCoinFrame(raw)
		if err == nil && frame.Header != CoinHeaderReply {
			err = apperrors.Newf(apperrors.ErrUnexpectedResponse, "%s reply header %d", CoinHeaderName(cmd.Opcode), frame.Header)
		}
		logger.LogSerialCommand(string(DeviceCoinAcceptor), CoinHeaderName(cmd.Opcode), time.Since(start), err)
		if err != nil {
			return nil, err
		}
		return frame.Data, nil
	}
	logger.LogSerialCommand(string(DeviceCoinAcceptor), CoinHeaderName(cmd.Opcode), time.Since(start), err)
	return nil, err
}

func (c *CoinAcceptor) handleLinkLost(cause error) {
	c.mu.Lock()
	if c.poll != nil {
		c.poll.Stop()
		c.poll = nil
	}
	c.state = StateDisconnected
	c.initialized = false
	c.mu.Unlock()
	c.reportError("transport", apperrors.New(apperrors.ErrTransportClosed, string(DeviceCoinAcceptor)).WithCause(cause))
}

func (c *CoinAcceptor) reportError(op string, err error) {
	c.log.Error("投币器错误", zap.String("op", op), zap.Error(err))
	c.emit(DeviceError{Source: DeviceCoinAcceptor, Op: op, Err: err})
}

// Dispose 停止轮询并关闭串口，可重复调用
func (c *CoinAcceptor) Dispose() error {
	c.StopPoll()

	c.xmu.Lock()
	defer c.xmu.Unlock()
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.state = StateDisconnected
	c.initialized = false
	c.hasBaseline = false
	c.mu.Unlock()

	if link == nil {
		return nil
	}
	if err := link.Close(); err != nil {
		return err
	}
	c.log.Info("投币器已释放")
	return nil
}
