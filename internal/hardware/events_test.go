package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

func TestEmitterOrderAndUnsubscribe(t *testing.T) {
	e := newEmitter("test")
	var order []string
	unsubA := e.Subscribe(func(Event) { order = append(order, "a") })
	e.Subscribe(func(Event) { order = append(order, "b") })

	e.emit(BillStacking{Value: 200})
	assert.Equal(t, []string{"a", "b"}, order)

	unsubA()
	unsubA()
	order = nil
	e.emit(BillStacking{Value: 200})
	assert.Equal(t, []string{"b"}, order)
}

func TestEmitterRecoversListenerPanic(t *testing.T) {
	e := newEmitter("test")
	rec := &eventRecorder{}
	e.Subscribe(func(Event) { panic("boom") })
	e.Subscribe(rec.listen)

	require.NotPanics(t, func() { e.emit(CoinEvent{CoinName: "KZ100A", CoinValue: 100}) })
	assert.Equal(t, []EventType{EventCoin}, rec.types())
}

func TestRelayName(t *testing.T) {
	err := apperrors.New(apperrors.ErrTransportClosed)
	tests := []struct {
		ev   Event
		want string
	}{
		{CoinEvent{}, "coinInserted"},
		{BillReceived{Status: BillAccepted, Value: 1000}, "billInserted"},
		{BillRejected{}, "billRejected"},
		{DeviceError{Source: DeviceCoinAcceptor, Err: err}, "coinAcceptorError"},
		{DeviceError{Source: DeviceBillAcceptor, Err: err}, "billAcceptorError"},
		{DeviceError{Source: DeviceCardReader, Err: err}, "cardReaderError"},
		{PaymentSucceeded{}, "cardPaymentSuccess"},
		{PaymentFailed{}, "cardPaymentFailed"},
		{TotalAmountChanged{Total: 10}, "totalAmountChanged"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelayName(tt.ev))
	}
}

func TestDeviceErrorUnwrap(t *testing.T) {
	ev := DeviceError{Source: DeviceCardReader, Op: "sync", Err: apperrors.New(apperrors.ErrResponseTimeout)}
	assert.True(t, apperrors.Is(ev, apperrors.ErrResponseTimeout))
	assert.Contains(t, ev.Error(), "card_reader sync")
	assert.Equal(t, ev.Err.Error(), ev.Message())
	assert.Equal(t, DeviceCardReader, ev.Device())
}
