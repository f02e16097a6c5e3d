package hardware

import (
	"sync"
	"time"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// BillAcceptorConfig 纸币识别器配置
type BillAcceptorConfig struct {
	Port            PortConfig
	PollInterval    time.Duration
	ResponseTimeout time.Duration
	StrictCRC       bool    // CRC错误时是否拒绝响应
	BillTypes       [6]byte // ENABLE_BILL_TYPES 掩码
	Opener          PortOpener
}

// DefaultBillAcceptorConfig 默认配置（9600 8N1，500ms轮询，允许全部纸币）
func DefaultBillAcceptorConfig(port string) BillAcceptorConfig {
	return BillAcceptorConfig{
		Port:            PortConfig{Name: port, BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "none"},
		PollInterval:    500 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		BillTypes:       [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
}

// BillAcceptor CashCode CCNET 纸币识别器驱动
type BillAcceptor struct {
	*emitter
	config BillAcceptorConfig
	log    *zap.Logger

	xmu  sync.Mutex // 串行化命令/响应
	mu   sync.Mutex
	link *frameLink

	state     DeviceState
	poweredUp bool
	cassette  CassetteStatus
	escrow    int
	poll      *Task
}

// NewBillAcceptor 创建纸币识别器驱动
func NewBillAcceptor(config BillAcceptorConfig) *BillAcceptor {
	if config.Opener == nil {
		config.Opener = OpenSerialPort
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 100 * time.Millisecond
	}
	return &BillAcceptor{
		emitter:  newEmitter(string(DeviceBillAcceptor)),
		config:   config,
		log:      logger.GetModuleLogger("bill"),
		state:    StateDisconnected,
		cassette: CassetteInplace,
	}
}

// State 当前状态
func (b *BillAcceptor) State() DeviceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cassette 当前钞箱状态
func (b *BillAcceptor) Cassette() CassetteStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cassette
}

// Init 连接、上电并使能
func (b *BillAcceptor) Init() error {
	if err := b.Connect(); err != nil {
		return err
	}
	if err := b.PowerUp(); err != nil {
		return err
	}
	return b.Enable()
}

// Connect 打开串口
func (b *BillAcceptor) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.link != nil && b.link.Alive() {
		return nil
	}
	if b.link != nil {
		_ = b.link.Close()
	}

	port, err := b.config.Opener(b.config.Port)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortOpen, b.config.Port.Name)
	}
	b.link = newFrameLink(string(DeviceBillAcceptor), port, b.handleLinkLost).start()
	b.state = StateConnected
	b.poweredUp = false
	b.log.Info("纸币识别器串口已打开", zap.String("port", b.config.Port.Name))
	return nil
}

// PowerUp 上电初始化序列
func (b *BillAcceptor) PowerUp() error {
	steps := []Command{
		NewCommand(BillCmdPoll),
		NewCommand(BillCmdACK),
		NewCommand(BillCmdReset),
		NewCommand(BillCmdPoll),
		NewCommand(BillCmdACK),
		NewCommand(BillCmdGetStatus),
		NewCommand(BillCmdACK),
		NewCommand(BillCmdSetSecurity, 0x00, 0x00, 0x00),
		NewCommand(BillCmdIdentification),
		NewCommand(BillCmdACK),
		NewCommand(BillCmdPoll),
		NewCommand(BillCmdACK),
	}

	b.xmu.Lock()
	defer b.xmu.Unlock()
	for _, cmd := range steps {
		var err error
		if cmd.Opcode == BillCmdACK {
			err = b.sendLocked(cmd)
		} else {
			_, err = b.exchangeLocked(cmd)
		}
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrUnknown, "power up %s", BillCommandName(cmd.Opcode))
		}
	}

	b.mu.Lock()
	b.poweredUp = true
	b.state = StatePoweredUp
	b.mu.Unlock()
	b.log.Info("纸币识别器上电完成")
	return nil
}

// Enable 使能纸币类型，必须在上电之后调用
func (b *BillAcceptor) Enable() error {
	b.mu.Lock()
	poweredUp := b.poweredUp
	b.mu.Unlock()
	if !poweredUp {
		return apperrors.New(apperrors.ErrPrecondition, "enable before power up")
	}

	body, err := b.exchange(NewCommand(BillCmdEnableBillTypes, b.config.BillTypes[:]...))
	if err != nil {
		return err
	}
	if len(body) == 0 || (body[0] != BillCmdACK && body[0] != BillCmdEnableBillTypes) {
		return apperrors.Newf(apperrors.ErrUnexpectedResponse, "ENABLE_BILL_TYPES response % X", body)
	}

	b.mu.Lock()
	if b.state != StateListening {
		b.state = StateEnabled
	}
	b.mu.Unlock()
	b.log.Info("纸币识别器已使能")
	return nil
}

// Disable 禁止全部纸币类型
func (b *BillAcceptor) Disable() error {
	b.StopListening()
	if _, err := b.exchange(NewCommand(BillCmdEnableBillTypes, 0, 0, 0, 0, 0, 0)); err != nil {
		return err
	}
	b.mu.Lock()
	if b.state != StateDisconnected {
		b.state = StateDisabled
	}
	b.mu.Unlock()
	b.log.Info("纸币识别器已禁用")
	return nil
}

// StartListening 开始周期轮询
func (b *BillAcceptor) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateEnabled && b.state != StateListening {
		return apperrors.Newf(apperrors.ErrPrecondition, "start listening in state %s", b.state)
	}
	if b.poll != nil {
		return nil
	}
	b.poll = Every(b.config.PollInterval, func() {
		if err := b.Poll(); err != nil {
			b.reportError("poll", err)
		}
	})
	b.state = StateListening
	b.log.Info("纸币识别器开始轮询", zap.Duration("interval", b.config.PollInterval))
	return nil
}

// StopListening 停止轮询，可重复调用
func (b *BillAcceptor) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poll == nil {
		return
	}
	b.poll.Stop()
	b.poll = nil
	if b.state == StateListening {
		b.state = StateEnabled
	}
}

// Poll 执行一次轮询并处理状态
//
// 事件在释放串口锁之后发出，识别到纸币时先发出 billRecognized、billStacking 再发送 STACK。
func (b *BillAcceptor) Poll() error {
	events, stack, err := b.pollOnce()
	for _, ev := range events {
		b.emit(ev)
	}
	if err != nil {
		return err
	}
	if stack {
		if _, err := b.exchange(NewCommand(BillCmdStack)); err != nil {
			return err
		}
	}
	return nil
}

func (b *BillAcceptor) pollOnce() (events []Event, stack bool, err error) {
	b.xmu.Lock()
	defer b.xmu.Unlock()

	body, err := b.exchangeLocked(NewCommand(BillCmdPoll))
	if err != nil {
		return nil, false, err
	}

	status := ParseBillPollStatus(body)
	switch status.Kind {
	case PollIdling:
	case PollAccepting:
		err = b.sendLocked(NewCommand(BillCmdACK))

	case PollRejecting:
		if err = b.sendLocked(NewCommand(BillCmdACK)); err != nil {
			return nil, false, err
		}
		reason := RejectReason(status.Detail)
		b.log.Info("纸币被拒收", zap.String("reason", reason))
		events = append(events, BillRejected{Code: status.Detail, Reason: reason})

	case PollRecognized:
		if err = b.sendLocked(NewCommand(BillCmdACK)); err != nil {
			return nil, false, err
		}
		value := BillValue(status.Detail)
		b.mu.Lock()
		b.escrow = value
		b.mu.Unlock()
		events = append(events, BillRecognized{Value: value}, BillStacking{Value: value})
		stack = true

	case PollStacked:
		if err = b.sendLocked(NewCommand(BillCmdACK)); err != nil {
			return nil, false, err
		}
		value := BillValue(status.Detail)
		if value == 0 {
			b.log.Warn("未知纸币类型", zap.Uint8("bill_type", status.Detail))
		}
		b.mu.Lock()
		b.escrow = 0
		b.mu.Unlock()
		b.log.Info("纸币已入钞箱", zap.Int("value", value))
		events = append(events, BillReceived{Status: BillAccepted, Value: value})

	case PollReturned:
		if err = b.sendLocked(NewCommand(BillCmdACK)); err != nil {
			return nil, false, err
		}
		b.mu.Lock()
		value := b.escrow
		b.escrow = 0
		b.mu.Unlock()
		events = append(events, BillReturned{Value: value})

	case PollCassetteRemoved:
		if ev, ok := b.setCassette(CassetteRemoved); ok {
			events = append(events, ev)
		}

	case PollCassetteInplace:
		if b.Cassette() == CassetteRemoved {
			if ev, ok := b.setCassette(CassetteInplace); ok {
				events = append(events, ev)
			}
		}

	default:
		b.log.Debug("未处理的轮询状态", zap.Uint8("code", status.Code), zap.Uint8("detail", status.Detail))
	}
	return events, stack, err
}

// setCassette 更新钞箱状态，仅在变化时返回事件
func (b *BillAcceptor) setCassette(status CassetteStatus) (Event, bool) {
	b.mu.Lock()
	changed := b.cassette != status
	b.cassette = status
	b.mu.Unlock()
	if !changed {
		return nil, false
	}
	b.log.Info("钞箱状态变化", zap.String("status", string(status)))
	return BillCassetteChanged{Status: status}, true
}

// exchange 发送命令并等待响应
func (b *BillAcceptor) exchange(cmd Command) ([]byte, error) {
	b.xmu.Lock()
	defer b.xmu.Unlock()
	return b.exchangeLocked(cmd)
}

func (b *BillAcceptor) exchangeLocked(cmd Command) ([]byte, error) {
	link := b.currentLink()
	if link == nil {
		return nil, apperrors.New(apperrors.ErrTransportNotOpen, string(DeviceBillAcceptor))
	}

	start := time.Now()
	raw, err := link.Exchange(EncodeBillFrame(cmd), b.config.ResponseTimeout, splitBillFrame)
	logger.LogSerialCommand(string(DeviceBillAcceptor), BillCommandName(cmd.Opcode), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	frame, err := DecodeBillFrame(raw)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrChecksum) || b.config.StrictCRC {
			return nil, err
		}
		b.log.Warn("响应CRC校验失败，仍使用数据",
			zap.String("command", BillCommandName(cmd.Opcode)),
			zap.Error(err))
	}
	return frame.Body, nil
}

// sendLocked 只发送不等待响应（ACK/NAK）
func (b *BillAcceptor) sendLocked(cmd Command) error {
	link := b.currentLink()
	if link == nil {
		return apperrors.New(apperrors.ErrTransportNotOpen, string(DeviceBillAcceptor))
	}
	return link.Write(EncodeBillFrame(cmd))
}

func (b *BillAcceptor) currentLink() *frameLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.link
}

// handleLinkLost 串口意外断开
func (b *BillAcceptor) handleLinkLost(cause error) {
	b.mu.Lock()
	if b.poll != nil {
		b.poll.Stop()
		b.poll = nil
	}
	b.state = StateDisconnected
	b.poweredUp = false
	b.mu.Unlock()

	b.reportError("transport", apperrors.New(apperrors.ErrTransportClosed, string(DeviceBillAcceptor)).WithCause(cause))
}

func (b *BillAcceptor) reportError(op string, err error) {
	b.log.Error("纸币识别器错误", zap.String("op", op), zap.Error(err))
	b.emit(DeviceError{Source: DeviceBillAcceptor, Op: op, Err: err})
}

// Dispose 停止轮询、禁用并关闭串口，可重复调用
func (b *BillAcceptor) Dispose() error {
	b.StopListening()

	b.mu.Lock()
	link := b.link
	enabled := b.state == StateEnabled || b.state == StateListening
	b.mu.Unlock()
	if link == nil {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		return nil
	}

	if enabled && link.Alive() {
		if err := b.Disable(); err != nil {
			b.log.Warn("释放时禁用失败", zap.Error(err))
		}
	}

	b.xmu.Lock()
	defer b.xmu.Unlock()
	b.mu.Lock()
	b.link = nil
	b.state = StateDisconnected
	b.poweredUp = false
	b.mu.Unlock()

	if err := link.Close(); err != nil {
		return err
	}
	b.log.Info("纸币识别器已释放")
	return nil
}
