package hardware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// CardReaderConfig 读卡器驱动配置
type CardReaderConfig struct {
	Port            PortConfig
	SyncInterval    time.Duration // 周期同步间隔
	SaleTimeout     time.Duration // 等待刷卡结果的总时长
	ReceiveTimeout  time.Duration // 单次接收超时
	RetryPause      time.Duration // 结果帧无法解析时的重试间隔
	MaxSyncFailures int           // 连续同步失败次数达到后视为链路丢失，0 表示不检测
	Opener          PortOpener
}

// DefaultCardReaderConfig 默认配置（115200 8N1，5s同步，60s交易超时）
func DefaultCardReaderConfig(port string) CardReaderConfig {
	return CardReaderConfig{
		Port:            PortConfig{Name: port, BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "none"},
		SyncInterval:    5 * time.Second,
		SaleTimeout:     60 * time.Second,
		ReceiveTimeout:  2 * time.Second,
		RetryPause:      time.Second,
		MaxSyncFailures: 3,
	}
}

// activeSale 正在进行的交易
type activeSale struct {
	id     string
	paNo   uint16
	amount int64
}

// CardReader 读卡器驱动
type CardReader struct {
	*emitter
	config CardReaderConfig
	log    *zap.Logger

	xmu  sync.Mutex
	mu   sync.Mutex
	link *frameLink

	state        DeviceState
	paNo         uint16
	paSize       uint32
	frSize       uint32
	syncTask     *Task
	syncFailures int
	sale         *activeSale
}

// NewCardReader 创建读卡器驱动
func NewCardReader(config CardReaderConfig) *CardReader {
	def := DefaultCardReaderConfig(config.Port.Name)
	if config.Opener == nil {
		config.Opener = OpenSerialPort
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.SaleTimeout <= 0 {
		config.SaleTimeout = def.SaleTimeout
	}
	if config.ReceiveTimeout <= 0 {
		config.ReceiveTimeout = def.ReceiveTimeout
	}
	if config.RetryPause <= 0 {
		config.RetryPause = def.RetryPause
	}
	return &CardReader{
		emitter: newEmitter(string(DeviceCardReader)),
		config:  config,
		log:     logger.GetModuleLogger("card"),
		state:   StateDisconnected,
		paNo:    CardPaNoBase,
	}
}

// State 当前状态
func (r *CardReader) State() DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Connected 串口是否打开
func (r *CardReader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link != nil && r.link.Alive()
}

// Sizes 同步得到的包大小与帧大小
func (r *CardReader) Sizes() (paSize, frSize uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paSize, r.frSize
}

// Busy 是否有交易进行中
func (r *CardReader) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sale != nil
}

// OpenPort 打开串口并启动周期同步
func (r *CardReader) OpenPort() error {
	r.mu.Lock()
	if r.link != nil && r.link.Alive() {
		r.mu.Unlock()
		return nil
	}
	port, err := r.config.Opener(r.config.Port)
	if err != nil {
		r.mu.Unlock()
		err = apperrors.Wrap(err, apperrors.ErrSerialPortOpen, r.config.Port.Name)
		r.reportError("open", err)
		return err
	}
	link := newFrameLink(string(DeviceCardReader), port, nil)
	link.onLost = func(cause error) { r.handleLinkLost(link, cause) }
	r.link = link.start()
	r.state = StateConnected
	r.syncFailures = 0
	r.syncTask = Every(r.config.SyncInterval, r.syncTick)
	r.mu.Unlock()

	r.log.Info("读卡器串口已打开", zap.String("port", r.config.Port.Name))
	r.emit(CardConnected{Port: r.config.Port.Name})
	return nil
}

// ClosePort 停止同步并关闭串口，可重复调用
func (r *CardReader) ClosePort() error {
	r.mu.Lock()
	link := r.link
	r.link = nil
	r.syncTask.Stop()
	r.syncTask = nil
	r.state = StateDisconnected
	r.mu.Unlock()
	if link == nil {
		return nil
	}

	// 等待进行中的收发结束
	r.xmu.Lock()
	err := link.Close()
	r.xmu.Unlock()

	r.log.Info("读卡器串口已关闭")
	r.emit(CardDisconnected{Unexpected: false})
	return err
}

// handleLinkLost 读协程报告的意外断开
func (r *CardReader) handleLinkLost(link *frameLink, cause error) {
	reason := "link lost"
	if cause != nil {
		reason = cause.Error()
	}
	r.dropLink(link, reason)
}

// dropLink 丢弃失效链路并发出意外断开事件
func (r *CardReader) dropLink(link *frameLink, reason string) {
	r.mu.Lock()
	if r.link != link {
		r.mu.Unlock()
		return
	}
	r.link = nil
	r.syncTask.Stop()
	r.syncTask = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	_ = link.Close()
	r.log.Warn("读卡器链路丢失", zap.String("reason", reason))
	r.reportError("transport", apperrors.New(apperrors.ErrTransportClosed, reason))
	r.emit(CardDisconnected{Unexpected: true, Reason: reason})
}

func (r *CardReader) currentLink() (*frameLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.link == nil {
		return nil, apperrors.New(apperrors.ErrTransportNotOpen, string(DeviceCardReader))
	}
	return r.link, nil
}

// syncTick 周期同步，交易进行中跳过
func (r *CardReader) syncTick() {
	if r.Busy() {
		return
	}
	link, err := r.currentLink()
	if err != nil {
		return
	}

	err = r.Sync()
	r.mu.Lock()
	if err == nil {
		r.syncFailures = 0
		r.mu.Unlock()
		return
	}
	r.syncFailures++
	failures := r.syncFailures
	r.mu.Unlock()

	if r.config.MaxSyncFailures > 0 && failures >= r.config.MaxSyncFailures && !apperrors.IsTransport(err) {
		r.dropLink(link, "synchronization failed repeatedly")
	}
}

// Sync 两阶段同步握手
func (r *CardReader) Sync() error {
	synced, err := r.sync()
	if err != nil {
		r.reportError("sync", err)
		return err
	}
	r.log.Debug("读卡器同步完成", zap.Uint32("pa_size", synced.PaSize), zap.Uint32("fr_size", synced.FrSize))
	r.emit(synced)
	return nil
}

func (r *CardReader) sync() (CardSynced, error) {
	link, err := r.currentLink()
	if err != nil {
		return CardSynced{}, err
	}

	r.xmu.Lock()
	defer r.xmu.Unlock()

	raw, err := link.Exchange(SyncFrame(), r.config.ReceiveTimeout, splitCardFrame)
	if err != nil {
		return CardSynced{}, err
	}
	resp, err := DecodeCardFrame(raw)
	if err != nil {
		return CardSynced{}, err
	}
	if !resp.IsACK() {
		return CardSynced{}, apperrors.New(apperrors.ErrUnexpectedResponse, "ACK not received during synchronization")
	}
	if resp.PaNo >= CardPaNoBase || resp.FrNo != 1 {
		return CardSynced{}, apperrors.Newf(apperrors.ErrUnexpectedResponse, "invalid sync response PaNo=%d FrNo=%d", resp.PaNo, resp.FrNo)
	}

	raw, err = link.ReadFrame(r.config.ReceiveTimeout, splitCardFrame)
	if err != nil {
		return CardSynced{}, err
	}
	sizeFrame, err := DecodeCardFrame(raw)
	if err != nil {
		return CardSynced{}, err
	}
	paSize, frSize, err := parseSyncSizes(sizeFrame.Data)
	if err != nil {
		return CardSynced{}, err
	}

	r.mu.Lock()
	r.paSize = paSize
	r.frSize = frSize
	if r.state == StateConnected {
		r.state = StateEnabled
	}
	r.mu.Unlock()
	return CardSynced{PaSize: paSize, FrSize: frSize}, nil
}

// StartSale 发送交易请求，收到ACK后返回交易ID
func (r *CardReader) StartSale(amount int64) (string, error) {
	link, err := r.currentLink()
	if err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", apperrors.Newf(apperrors.ErrInvalidParam, "sale amount %d", amount)
	}

	r.mu.Lock()
	if r.sale != nil {
		r.mu.Unlock()
		return "", apperrors.New(apperrors.ErrAlreadyRunning, "card sale in progress")
	}
	sale := &activeSale{id: uuid.NewString(), paNo: r.paNo, amount: amount}
	r.sale = sale
	r.paNo++
	if r.paNo < CardPaNoBase {
		r.paNo = CardPaNoBase
	}
	r.mu.Unlock()

	if err := r.sendSale(link, sale); err != nil {
		r.clearSale(sale)
		r.reportError("sale", err)
		return "", err
	}

	r.mu.Lock()
	r.state = StateListening
	r.mu.Unlock()
	r.log.Info("刷卡交易已开始",
		zap.String("sale_id", sale.id),
		zap.Int64("amount", amount),
		zap.Uint16("pa_no", sale.paNo))
	r.emit(SaleStarted{SaleID: sale.id, Amount: amount, PaNo: sale.paNo})
	return sale.id, nil
}

func (r *CardReader) sendSale(link *frameLink, sale *activeSale) error {
	payload, err := EncodeSaleRequest(sale.amount)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrInvalidPayload, "encode sale request")
	}

	r.xmu.Lock()
	defer r.xmu.Unlock()
	raw, err := link.Exchange(EncodeCardFrame(CardFrame{PaNo: sale.paNo, FrNo: 1, Data: payload}), r.config.ReceiveTimeout, splitCardFrame)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrSaleNotStarted)
	}
	resp, err := DecodeCardFrame(raw)
	if err != nil {
		return err
	}
	if !resp.IsACK() {
		return apperrors.Newf(apperrors.ErrSaleNotStarted, "sale request not acknowledged: % X", resp.Data)
	}
	return nil
}

func (r *CardReader) clearSale(sale *activeSale) {
	r.mu.Lock()
	if r.sale == sale {
		r.sale = nil
		if r.state == StateListening {
			r.state = StateEnabled
		}
	}
	r.mu.Unlock()
}

// WaitCardProcess 等待刷卡结果
//
// 单次接收超时或载荷无法解析时继续等待，直到总时长 timeout（<=0 时使用配置值）耗尽。
func (r *CardReader) WaitCardProcess(ctx context.Context, timeout time.Duration) (CardTransaction, error) {
	if timeout <= 0 {
		timeout = r.config.SaleTimeout
	}

	r.mu.Lock()
	sale := r.sale
	r.mu.Unlock()
	if sale == nil {
		return CardTransaction{}, apperrors.New(apperrors.ErrPrecondition, "no sale in progress")
	}
	defer r.clearSale(sale)

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return CardTransaction{}, apperrors.Wrap(err, apperrors.ErrCanceled)
		}

		link, err := r.currentLink()
		if err != nil {
			return CardTransaction{}, err
		}

		wait := r.config.ReceiveTimeout
		if wait > remaining {
			wait = remaining
		}
		r.xmu.Lock()
		raw, err := link.ReadFrame(wait, splitCardFrame)
		r.xmu.Unlock()
		if err != nil {
			if apperrors.IsTimeout(err) {
				continue
			}
			return CardTransaction{}, err
		}

		tx, err := r.decodeResult(sale, raw)
		if err != nil {
			r.reportError("wait", err)
			if !r.pause(ctx, deadline) {
				break
			}
			continue
		}

		if tx.Succeeded() {
			r.log.Info("刷卡支付成功", zap.String("sale_id", tx.SaleID), zap.Int64("amount", tx.Amount))
			r.emit(PaymentSucceeded{Transaction: tx})
		} else {
			r.log.Warn("刷卡支付失败", zap.String("sale_id", tx.SaleID), zap.ByteString("payload", tx.RawPayload))
			r.emit(PaymentFailed{Transaction: tx})
		}
		return tx, nil
	}

	if err := ctx.Err(); err != nil {
		return CardTransaction{}, apperrors.Wrap(err, apperrors.ErrCanceled)
	}
	return CardTransaction{}, apperrors.Newf(apperrors.ErrPaymentTimeout, "no result within %s", timeout)
}

func (r *CardReader) decodeResult(sale *activeSale, raw []byte) (CardTransaction, error) {
	frame, err := DecodeCardFrame(raw)
	if err != nil {
		return CardTransaction{}, err
	}
	result, err := parseCardResult(frame.Data)
	if err != nil {
		return CardTransaction{}, err
	}
	return CardTransaction{
		SaleID:        sale.id,
		PaNo:          frame.PaNo,
		FrNo:          frame.FrNo,
		Amount:        sale.amount,
		PaymentMethod: cardPaymentICC,
		Result:        result,
		RawPayload:    json.RawMessage(frame.Data),
	}, nil
}

// pause 在重试前等待，超过截止时间或ctx取消时返回false
func (r *CardReader) pause(ctx context.Context, deadline time.Time) bool {
	wait := r.config.RetryPause
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Sale 开始交易并等待结果
func (r *CardReader) Sale(ctx context.Context, amount int64) (CardTransaction, error) {
	if _, err := r.StartSale(amount); err != nil {
		return CardTransaction{}, err
	}
	return r.WaitCardProcess(ctx, 0)
}

func (r *CardReader) reportError(op string, err error) {
	r.log.Error("读卡器错误", zap.String("op", op), zap.Error(err))
	r.emit(DeviceError{Source: DeviceCardReader, Op: op, Err: err})
}
