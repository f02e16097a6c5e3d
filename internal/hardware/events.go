package hardware

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// DeviceKind 设备类型
type DeviceKind string

const (
	DeviceBillAcceptor DeviceKind = "bill_acceptor"
	DeviceCoinAcceptor DeviceKind = "coin_acceptor"
	DeviceCardReader   DeviceKind = "card_reader"
)

// EventType 事件类型
type EventType string

const (
	EventBillRecognized     EventType = "billRecognized"
	EventBillStacking       EventType = "billStacking"
	EventBillReceived       EventType = "billReceived"
	EventBillRejected       EventType = "billRejected"
	EventBillReturned       EventType = "billReturned"
	EventBillCassetteStatus EventType = "billCassetteStatus"
	EventCoin               EventType = "coin"
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventSynced             EventType = "synced"
	EventSaleStarted        EventType = "saleStarted"
	EventPaymentSuccess     EventType = "paymentSuccess"
	EventPaymentFailed      EventType = "paymentFailed"
	EventError              EventType = "error"
	EventInitialized        EventType = "initialized"
	EventTotalAmountChanged EventType = "totalAmountChanged"
)

// Event 设备事件
type Event interface {
	Type() EventType
	Device() DeviceKind
}

// BillStatus 纸币最终状态
type BillStatus string

const BillAccepted BillStatus = "Accepted"

// BillRecognized 纸币已识别
type BillRecognized struct {
	Value int `json:"value"`
}

// BillStacking 纸币压钞中
type BillStacking struct {
	Value int `json:"value"`
}

// BillReceived 纸币已入钞箱
type BillReceived struct {
	Status BillStatus `json:"status"`
	Value  int        `json:"value"`
}

// BillRejected 纸币被拒
type BillRejected struct {
	Code   byte   `json:"code"`
	Reason string `json:"reason"`
}

// BillReturned 纸币已退回
type BillReturned struct {
	Value int `json:"value"`
}

// BillCassetteChanged 钞箱状态变化
type BillCassetteChanged struct {
	Status CassetteStatus `json:"status"`
}

// CoinEvent 投币事件
type CoinEvent struct {
	CoinName   string `json:"CoinName"`
	CoinCode   byte   `json:"CoinCode"`
	CoinValue  int    `json:"CoinValue"`
	SorterPath byte   `json:"SorterPath"`
}

// CardConnected 读卡器已连接
type CardConnected struct {
	Port string `json:"port"`
}

// CardDisconnected 读卡器断开，Unexpected 表示非主动关闭
type CardDisconnected struct {
	Unexpected bool   `json:"unexpected"`
	Reason     string `json:"reason,omitempty"`
}

// CardSynced 同步完成
type CardSynced struct {
	PaSize uint32 `json:"paSize"`
	FrSize uint32 `json:"frSize"`
}

// SaleStarted 交易已开始
type SaleStarted struct {
	SaleID string `json:"saleId"`
	Amount int64  `json:"amount"`
	PaNo   uint16 `json:"paNo"`
}

// PaymentSucceeded 支付成功
type PaymentSucceeded struct {
	Transaction CardTransaction `json:"transaction"`
}

// PaymentFailed 支付失败
type PaymentFailed struct {
	Transaction CardTransaction `json:"transaction"`
}

// DeviceError 设备错误
type DeviceError struct {
	Source DeviceKind `json:"source"`
	Op     string     `json:"op"`
	Err    error      `json:"-"`
}

// DeviceInitialized 设备初始化完成
type DeviceInitialized struct {
	Source DeviceKind `json:"source"`
}

// TotalAmountChanged 累计金额变化
type TotalAmountChanged struct {
	Total  int64      `json:"total"`
	Delta  int64      `json:"delta"`
	Source DeviceKind `json:"source,omitempty"`
}

func (BillRecognized) Type() EventType      { return EventBillRecognized }
func (BillStacking) Type() EventType        { return EventBillStacking }
func (BillReceived) Type() EventType        { return EventBillReceived }
func (BillRejected) Type() EventType        { return EventBillRejected }
func (BillReturned) Type() EventType        { return EventBillReturned }
func (BillCassetteChanged) Type() EventType { return EventBillCassetteStatus }
func (CoinEvent) Type() EventType           { return EventCoin }
func (CardConnected) Type() EventType       { return EventConnected }
func (CardDisconnected) Type() EventType    { return EventDisconnected }
func (CardSynced) Type() EventType          { return EventSynced }
func (SaleStarted) Type() EventType         { return EventSaleStarted }
func (PaymentSucceeded) Type() EventType    { return EventPaymentSuccess }
func (PaymentFailed) Type() EventType       { return EventPaymentFailed }
func (DeviceError) Type() EventType         { return EventError }
func (DeviceInitialized) Type() EventType   { return EventInitialized }
func (TotalAmountChanged) Type() EventType  { return EventTotalAmountChanged }

func (BillRecognized) Device() DeviceKind      { return DeviceBillAcceptor }
func (BillStacking) Device() DeviceKind        { return DeviceBillAcceptor }
func (BillReceived) Device() DeviceKind        { return DeviceBillAcceptor }
func (BillRejected) Device() DeviceKind        { return DeviceBillAcceptor }
func (BillReturned) Device() DeviceKind        { return DeviceBillAcceptor }
func (BillCassetteChanged) Device() DeviceKind { return DeviceBillAcceptor }
func (CoinEvent) Device() DeviceKind           { return DeviceCoinAcceptor }
func (CardConnected) Device() DeviceKind       { return DeviceCardReader }
func (CardDisconnected) Device() DeviceKind    { return DeviceCardReader }
func (CardSynced) Device() DeviceKind          { return DeviceCardReader }
func (SaleStarted) Device() DeviceKind         { return DeviceCardReader }
func (PaymentSucceeded) Device() DeviceKind    { return DeviceCardReader }
func (PaymentFailed) Device() DeviceKind       { return DeviceCardReader }
func (e DeviceError) Device() DeviceKind       { return e.Source }
func (e DeviceInitialized) Device() DeviceKind { return e.Source }
func (e TotalAmountChanged) Device() DeviceKind {
	return e.Source
}

// Error 实现error接口
func (e DeviceError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

// Unwrap 返回原始错误
func (e DeviceError) Unwrap() error { return e.Err }

// Name 管理器层面的错误事件名
func (e DeviceError) Name() string {
	switch e.Source {
	case DeviceCoinAcceptor:
		return "coinAcceptorError"
	case DeviceBillAcceptor:
		return "billAcceptorError"
	case DeviceCardReader:
		return "cardReaderError"
	}
	return "error"
}

// Message 错误文本（用于序列化）
func (e DeviceError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// RelayName 返回管理器对外转发时使用的事件名
func RelayName(ev Event) string {
	switch e := ev.(type) {
	case CoinEvent:
		return "coinInserted"
	case BillReceived:
		return "billInserted"
	case DeviceError:
		return e.Name()
	case PaymentSucceeded:
		return "cardPaymentSuccess"
	case PaymentFailed:
		return "cardPaymentFailed"
	}
	return string(ev.Type())
}

// Listener 事件监听函数
type Listener func(Event)

// emitter 事件分发器，驱动与管理器共用
type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	source    string
}

func newEmitter(source string) *emitter {
	return &emitter{listeners: make(map[int]Listener), source: source}
}

// Subscribe 注册监听器，返回取消函数
func (e *emitter) Subscribe(l Listener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// emit 按注册顺序同步分发事件，监听器的panic不会传出
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	snapshot := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		snapshot = append(snapshot, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, l := range snapshot {
		e.dispatch(l, ev)
	}
}

func (e *emitter) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error("事件监听器panic",
				zap.String("source", e.source),
				zap.String("event", string(ev.Type())),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	l(ev)
}

