package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

const errCardReaderNotInitialized = "Card reader not initialized"

// Result 管理器命令的执行结果，失败不以 panic 或 error 返回
type Result struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Payment *CardTransaction `json:"result,omitempty"`
}

func okResult() Result { return Result{Success: true} }

func failResult(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{Error: err.Error()}
}

// ManagerStatus 管理器状态快照
type ManagerStatus struct {
	Initialized           bool           `json:"initialized"`
	CardReaderInitialized bool           `json:"cardReaderInitialized"`
	Active                bool           `json:"active"`
	TotalAmount           int64          `json:"totalAmount"`
	BillAcceptor          DeviceState    `json:"billAcceptor"`
	Cassette              CassetteStatus `json:"cassette,omitempty"`
	CoinAcceptor          DeviceState    `json:"coinAcceptor"`
	CardReader            DeviceState    `json:"cardReader"`
	CardReconnecting      bool           `json:"cardReconnecting"`
	CardLastError         string         `json:"cardLastError,omitempty"`
}

// HardwareManager 硬件管理器
// 负责纸币识别器、投币器和读卡器的初始化、激活、金额汇总与释放，
// 任一设备的故障不影响其他设备。
type HardwareManager struct {
	*emitter
	config ManagerConfig
	log    *zap.Logger

	// 串行化生命周期命令
	opMu sync.Mutex

	mu   sync.Mutex
	bill *BillAcceptor
	coin *CoinAcceptor
	card *CardReaderDevice

	billUnsub func()
	coinUnsub func()
	cardUnsub func()

	initialized     bool
	cardInitialized bool
	active          bool
	total           int64
}

// NewHardwareManager 创建硬件管理器
func NewHardwareManager(config ManagerConfig) *HardwareManager {
	return &HardwareManager{
		emitter: newEmitter("manager"),
		config:  config,
		log:     logger.GetModuleLogger("hardware"),
	}
}

// InitializeHardware 并行初始化投币器与纸币识别器，至少一个成功即为成功
func (m *HardwareManager) InitializeHardware() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		m.log.Info("硬件已初始化")
		return okResult()
	}
	m.mu.Unlock()

	m.log.Info("开始初始化硬件")
	var (
		wg         sync.WaitGroup
		coinResult Result
		billResult Result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		coinResult = m.initializeCoinAcceptor()
	}()
	go func() {
		defer wg.Done()
		billResult = m.initializeBillAcceptor()
	}()
	wg.Wait()

	m.mu.Lock()
	m.initialized = coinResult.Success || billResult.Success
	initialized := m.initialized
	m.mu.Unlock()

	if !initialized {
		m.log.Error("所有硬件初始化失败",
			zap.String("coin", coinResult.Error),
			zap.String("bill", billResult.Error))
		return Result{Error: "Failed to initialize any hardware component."}
	}
	m.log.Info("硬件初始化完成",
		zap.Bool("coin", coinResult.Success),
		zap.Bool("bill", billResult.Success))
	return okResult()
}

func (m *HardwareManager) initializeCoinAcceptor() Result {
	if m.config.CoinAcceptor == nil {
		m.log.Info("投币器未配置，跳过初始化")
		return Result{Error: "coin acceptor not configured"}
	}

	m.log.Info("初始化投币器", zap.String("port", m.config.CoinAcceptor.Port.Name))
	coin := NewCoinAcceptor(*m.config.CoinAcceptor)
	if err := coin.Init(); err != nil {
		_ = coin.Dispose()
		return m.initFailed(DeviceCoinAcceptor, "coin acceptor", err)
	}

	unsub := coin.Subscribe(m.relay)
	m.mu.Lock()
	m.coin = coin
	m.coinUnsub = unsub
	m.mu.Unlock()

	m.log.Info("投币器初始化成功")
	m.emit(DeviceInitialized{Source: DeviceCoinAcceptor})
	return okResult()
}

func (m *HardwareManager) initializeBillAcceptor() Result {
	if m.config.BillAcceptor == nil {
		m.log.Info("纸币识别器未配置，跳过初始化")
		return Result{Error: "bill acceptor not configured"}
	}

	m.log.Info("初始化纸币识别器", zap.String("port", m.config.BillAcceptor.Port.Name))
	bill := NewBillAcceptor(*m.config.BillAcceptor)
	if err := bill.Init(); err != nil {
		_ = bill.Dispose()
		return m.initFailed(DeviceBillAcceptor, "bill acceptor", err)
	}

	unsub := bill.Subscribe(m.relay)
	m.mu.Lock()
	m.bill = bill
	m.billUnsub = unsub
	m.mu.Unlock()

	m.log.Info("纸币识别器初始化成功")
	m.emit(DeviceInitialized{Source: DeviceBillAcceptor})
	return okResult()
}

// InitializeCardReader 单独初始化读卡器
func (m *HardwareManager) InitializeCardReader() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.cardInitialized {
		m.mu.Unlock()
		m.log.Info("读卡器已初始化")
		return okResult()
	}
	m.mu.Unlock()

	if m.config.CardReader == nil {
		m.log.Info("读卡器未配置，跳过初始化")
		return Result{Error: "Card reader not configured"}
	}

	m.log.Info("初始化读卡器", zap.String("port", m.config.CardReader.Driver.Port.Name))
	card := NewCardReaderDevice(*m.config.CardReader)
	if err := card.Init(); err != nil {
		_ = card.Dispose()
		return m.initFailed(DeviceCardReader, "card reader", err)
	}

	unsub := card.Subscribe(m.relay)
	m.mu.Lock()
	m.card = card
	m.cardUnsub = unsub
	m.cardInitialized = true
	m.mu.Unlock()

	m.log.Info("读卡器初始化成功")
	m.emit(DeviceInitialized{Source: DeviceCardReader})
	return okResult()
}

func (m *HardwareManager) initFailed(source DeviceKind, name string, err error) Result {
	m.log.Error("设备初始化失败", failureFields(source, err)...)
	m.emit(DeviceError{
		Source: source,
		Op:     "init",
		Err:    fmt.Errorf("Failed to initialize %s: %w", name, err),
	})
	return failResult(err)
}

// failureFields 严重错误（串口打不开、链路断开、重连耗尽）附带调用栈
func failureFields(source DeviceKind, err error) []zap.Field {
	fields := []zap.Field{zap.String("device", string(source)), zap.Error(err)}
	if appErr, ok := apperrors.As(err); ok && apperrors.IsCritical(err) {
		fields = append(fields, zap.Bool("critical", true), zap.String("stack", appErr.GetStack()))
	}
	return fields
}

// relay 转发驱动事件，投币和纸币入箱累加总金额
func (m *HardwareManager) relay(ev Event) {
	var amount int64
	switch e := ev.(type) {
	case CoinEvent:
		m.log.Info("收到硬币", zap.String("coin", e.CoinName), zap.Int("value", e.CoinValue))
		amount = int64(e.CoinValue)
	case BillReceived:
		m.log.Info("收到纸币", zap.Int("value", e.Value))
		amount = int64(e.Value)
	case BillRejected:
		m.log.Info("纸币被拒", zap.String("reason", e.Reason))
	case PaymentSucceeded:
		m.log.Info("刷卡支付成功", zap.String("sale_id", e.Transaction.SaleID), zap.Int64("amount", e.Transaction.Amount))
	case PaymentFailed:
		m.log.Info("刷卡支付失败", zap.String("sale_id", e.Transaction.SaleID))
	case DeviceError:
		m.log.Error("设备错误", zap.String("event", e.Name()), zap.Error(e.Err))
	}

	m.emit(ev)
	if amount <= 0 {
		return
	}

	m.mu.Lock()
	m.total += amount
	total := m.total
	m.mu.Unlock()
	m.emit(TotalAmountChanged{Total: total, Delta: amount, Source: ev.Device()})
}

// ActivateHardware 投币器开始轮询，纸币识别器使能并开始监听
func (m *HardwareManager) ActivateHardware() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	initialized, active := m.initialized, m.active
	coin, bill := m.coin, m.bill
	m.mu.Unlock()

	if !initialized {
		m.log.Error("硬件未初始化，请先调用 InitializeHardware")
		return Result{Error: "Hardware not initialized"}
	}
	if active {
		m.log.Info("硬件已激活")
		return okResult()
	}

	var errs []error
	activated := false
	if coin != nil {
		if err := coin.StartPoll(); err != nil {
			errs = append(errs, m.activateFailed(DeviceCoinAcceptor, err))
		} else {
			activated = true
			m.log.Info("投币器开始轮询")
		}
	}
	if bill != nil {
		err := bill.Enable()
		if err == nil {
			err = bill.StartListening()
		}
		if err != nil {
			errs = append(errs, m.activateFailed(DeviceBillAcceptor, err))
		} else {
			activated = true
			m.log.Info("纸币识别器已使能并开始监听")
		}
	}

	if !activated {
		return failResult(errors.Join(errs...))
	}
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
	m.log.Info("可用硬件已全部激活")
	return okResult()
}

func (m *HardwareManager) activateFailed(source DeviceKind, err error) error {
	m.log.Error("设备激活失败", failureFields(source, err)...)
	m.emit(DeviceError{Source: source, Op: "activate", Err: err})
	return err
}

// DeactivateHardware 停止轮询与监听并禁用纸币识别器
func (m *HardwareManager) DeactivateHardware() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	active := m.active
	coin, bill := m.coin, m.bill
	m.mu.Unlock()

	if !active {
		m.log.Info("硬件未激活")
		return okResult()
	}

	var err error
	if coin != nil {
		coin.StopPoll()
		m.log.Info("投币器已停止")
	}
	if bill != nil {
		bill.StopListening()
		if err = bill.Disable(); err != nil {
			m.log.Error("禁用纸币识别器失败", zap.Error(err))
			m.emit(DeviceError{Source: DeviceBillAcceptor, Op: "deactivate", Err: err})
		} else {
			m.log.Info("纸币识别器已停止并禁用")
		}
	}

	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
	if err != nil {
		return failResult(err)
	}
	m.log.Info("硬件已全部停用")
	return okResult()
}

// StartCardSale 发起刷卡交易并等待结果
//
// 交易完成（包括支付失败）时 Success 为 true，Payment 携带交易结果；
// 刷卡金额不计入 TotalAmount。
func (m *HardwareManager) StartCardSale(ctx context.Context, amount int64) Result {
	m.mu.Lock()
	card, initialized := m.card, m.cardInitialized
	m.mu.Unlock()

	if !initialized || card == nil {
		m.log.Error("读卡器未初始化")
		return Result{Error: errCardReaderNotInitialized}
	}

	tx, err := card.StartSale(ctx, amount)
	if err != nil {
		m.log.Error("刷卡交易失败", zap.Int64("amount", amount), zap.Error(err))
		m.emit(DeviceError{
			Source: DeviceCardReader,
			Op:     "sale",
			Err:    fmt.Errorf("Failed to start card sale: %w", err),
		})
		return failResult(err)
	}
	return Result{Success: true, Payment: &tx}
}

// ResetCardReader 复位读卡器
func (m *HardwareManager) ResetCardReader() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	card, initialized := m.card, m.cardInitialized
	m.mu.Unlock()

	if !initialized || card == nil {
		m.log.Error("读卡器未初始化")
		return Result{Error: errCardReaderNotInitialized}
	}
	if err := card.Reset(); err != nil {
		m.log.Error("读卡器复位失败", zap.Error(err))
		m.emit(DeviceError{
			Source: DeviceCardReader,
			Op:     "reset",
			Err:    fmt.Errorf("Failed to reset card reader: %w", err),
		})
		return failResult(err)
	}
	m.log.Info("读卡器复位成功")
	return okResult()
}

// CardReaderLastError 读卡器最近一次错误
func (m *HardwareManager) CardReaderLastError() string {
	m.mu.Lock()
	card, initialized := m.card, m.cardInitialized
	m.mu.Unlock()

	if !initialized || card == nil {
		return errCardReaderNotInitialized
	}
	if err := card.LastError(); err != nil {
		return err.Error()
	}
	return ""
}

// TotalAmount 投币与纸币的累计金额
func (m *HardwareManager) TotalAmount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// ResetTotalAmount 累计金额清零
func (m *HardwareManager) ResetTotalAmount() Result {
	m.mu.Lock()
	delta := -m.total
	m.total = 0
	m.mu.Unlock()

	m.emit(TotalAmountChanged{Total: 0, Delta: delta})
	return okResult()
}

// Status 状态快照
func (m *HardwareManager) Status() ManagerStatus {
	m.mu.Lock()
	st := ManagerStatus{
		Initialized:           m.initialized,
		CardReaderInitialized: m.cardInitialized,
		Active:                m.active,
		TotalAmount:           m.total,
		BillAcceptor:          StateDisconnected,
		CoinAcceptor:          StateDisconnected,
		CardReader:            StateDisconnected,
	}
	bill, coin, card := m.bill, m.coin, m.card
	m.mu.Unlock()

	if bill != nil {
		st.BillAcceptor = bill.State()
		st.Cassette = bill.Cassette()
	}
	if coin != nil {
		st.CoinAcceptor = coin.State()
	}
	if card != nil {
		st.CardReader = card.Driver().State()
		st.CardReconnecting = card.Reconnecting()
		if err := card.LastError(); err != nil {
			st.CardLastError = err.Error()
		}
	}
	return st
}

// Dispose 相互独立地释放所有设备，并清零累计金额
func (m *HardwareManager) Dispose() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.log.Info("释放硬件资源")
	results := make([]Result, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		results[0] = m.disposeCoinAcceptor()
	}()
	go func() {
		defer wg.Done()
		results[1] = m.disposeBillAcceptor()
	}()
	go func() {
		defer wg.Done()
		results[2] = m.disposeCardReader()
	}()
	wg.Wait()

	m.mu.Lock()
	m.initialized = false
	m.active = false
	m.total = 0
	m.mu.Unlock()

	var errs []error
	for _, r := range results {
		if !r.Success {
			errs = append(errs, errors.New(r.Error))
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		m.log.Error("部分硬件释放失败", zap.Error(err))
		return failResult(err)
	}
	m.log.Info("硬件资源已全部释放")
	return okResult()
}

// DisposeCoinAcceptor 释放投币器
func (m *HardwareManager) DisposeCoinAcceptor() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disposeCoinAcceptor()
}

func (m *HardwareManager) disposeCoinAcceptor() Result {
	m.mu.Lock()
	coin, unsub := m.coin, m.coinUnsub
	m.coin, m.coinUnsub = nil, nil
	m.mu.Unlock()
	if coin == nil {
		return okResult()
	}

	unsub()
	if err := coin.Dispose(); err != nil {
		m.log.Error("释放投币器失败", zap.Error(err))
		return failResult(err)
	}
	m.log.Info("投币器已释放")
	return okResult()
}

// DisposeBillAcceptor 释放纸币识别器
func (m *HardwareManager) DisposeBillAcceptor() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disposeBillAcceptor()
}

func (m *HardwareManager) disposeBillAcceptor() Result {
	m.mu.Lock()
	bill, unsub := m.bill, m.billUnsub
	m.bill, m.billUnsub = nil, nil
	m.mu.Unlock()
	if bill == nil {
		return okResult()
	}

	unsub()
	if err := bill.Dispose(); err != nil {
		m.log.Error("释放纸币识别器失败", zap.Error(err))
		return failResult(err)
	}
	m.log.Info("纸币识别器已释放")
	return okResult()
}

// DisposeCardReader 释放读卡器
func (m *HardwareManager) DisposeCardReader() Result {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disposeCardReader()
}

func (m *HardwareManager) disposeCardReader() Result {
	m.mu.Lock()
	card, unsub := m.card, m.cardUnsub
	m.card, m.cardUnsub = nil, nil
	m.cardInitialized = false
	m.mu.Unlock()
	if card == nil {
		return okResult()
	}

	unsub()
	if err := card.Dispose(); err != nil {
		m.log.Error("释放读卡器失败", zap.Error(err))
		return failResult(err)
	}
	m.log.Info("读卡器已释放")
	return okResult()
}
