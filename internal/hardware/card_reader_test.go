package hardware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

const successPayload = `{"data":{"result":"success","rrn":"123456"}}`

func testCardReaderConfig(opener PortOpener) CardReaderConfig {
	cfg := DefaultCardReaderConfig("/dev/null")
	cfg.SyncInterval = time.Hour
	cfg.SaleTimeout = 300 * time.Millisecond
	cfg.ReceiveTimeout = 50 * time.Millisecond
	cfg.RetryPause = 10 * time.Millisecond
	cfg.Opener = opener
	return cfg
}

func newTestCardReader(t *testing.T) (*CardReader, *cardDevice, *fakePort) {
	t.Helper()
	dev := &cardDevice{}
	port := newFakePort(dev.respond)
	r := NewCardReader(testCardReaderConfig(openerFor(port)))
	t.Cleanup(func() { _ = r.ClosePort() })
	return r, dev, port
}

// sequenceOpener 依次返回给定端口，用完后返回错误
func sequenceOpener(ports ...SerialPort) PortOpener {
	var mu sync.Mutex
	return func(PortConfig) (SerialPort, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) == 0 {
			return nil, errors.New("no such device")
		}
		p := ports[0]
		ports = ports[1:]
		return p, nil
	}
}

func TestCardReaderSync(t *testing.T) {
	r, _, port := newTestCardReader(t)
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	require.NoError(t, r.OpenPort())
	require.NoError(t, r.Sync())

	pa, fr := r.Sizes()
	assert.Equal(t, uint32(4096), pa)
	assert.Equal(t, uint32(1024), fr)
	assert.Equal(t, StateEnabled, r.State())
	assert.Equal(t, []Event{
		CardConnected{Port: "/dev/null"},
		CardSynced{PaSize: 4096, FrSize: 1024},
	}, rec.all())
	assert.Equal(t, SyncFrame(), port.written()[0])
}

func TestCardReaderSyncTimeout(t *testing.T) {
	r, dev, _ := newTestCardReader(t)
	dev.syncFails = true
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	require.NoError(t, r.OpenPort())
	err := r.Sync()
	assert.True(t, apperrors.Is(err, apperrors.ErrResponseTimeout))
	assert.Equal(t, 1, rec.count(EventError))
}

func TestCardReaderSaleSuccess(t *testing.T) {
	r, dev, port := newTestCardReader(t)
	dev.results = [][]byte{[]byte(successPayload)}
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	tx, err := r.Sale(context.Background(), 1500)
	require.NoError(t, err)
	assert.True(t, tx.Succeeded())
	assert.Equal(t, int64(1500), tx.Amount)
	assert.Equal(t, "ICC", tx.PaymentMethod)
	assert.NotEmpty(t, tx.SaleID)
	assert.Equal(t, "123456", tx.Details()["rrn"])

	assert.Equal(t, []EventType{EventSaleStarted, EventPaymentSuccess}, rec.types())
	started := rec.all()[0].(SaleStarted)
	assert.Equal(t, tx.SaleID, started.SaleID)
	assert.Equal(t, CardPaNoBase, started.PaNo)
	assert.False(t, r.Busy())

	req, err := DecodeCardFrame(port.written()[0])
	require.NoError(t, err)
	assert.Equal(t, CardPaNoBase, req.PaNo)
	assert.Equal(t, uint16(1), req.FrNo)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Data, &body))
	assert.Equal(t, "sale", body["task"])
}

func TestCardReaderSaleDeclined(t *testing.T) {
	r, dev, _ := newTestCardReader(t)
	dev.results = [][]byte{[]byte(`{"data":{"result":"declined"}}`)}
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	tx, err := r.Sale(context.Background(), 700)
	require.NoError(t, err)
	assert.False(t, tx.Succeeded())
	assert.Equal(t, CardResultFailure, tx.Result)
	assert.Equal(t, 1, rec.count(EventPaymentFailed))
	assert.Equal(t, 0, rec.count(EventPaymentSuccess))
}

func TestCardReaderSaleRetriesMalformedJSON(t *testing.T) {
	r, dev, _ := newTestCardReader(t)
	dev.results = [][]byte{[]byte(`{"data":`), []byte(successPayload)}
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	tx, err := r.Sale(context.Background(), 200)
	require.NoError(t, err)
	assert.True(t, tx.Succeeded())
	assert.Equal(t, 1, rec.count(EventError))
	assert.Equal(t, 1, rec.count(EventPaymentSuccess))
}

func TestCardReaderSaleTimeout(t *testing.T) {
	r, _, _ := newTestCardReader(t)
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	start := time.Now()
	_, err := r.Sale(context.Background(), 1000)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPaymentTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	assert.Equal(t, 0, rec.count(EventPaymentSuccess))
	assert.Equal(t, 0, rec.count(EventPaymentFailed))
	assert.False(t, r.Busy())
}

func TestCardReaderSaleNotAcknowledged(t *testing.T) {
	r, dev, _ := newTestCardReader(t)
	dev.saleNoACK = true
	require.NoError(t, r.OpenPort())

	_, err := r.StartSale(1000)
	assert.True(t, apperrors.Is(err, apperrors.ErrSaleNotStarted))
	assert.False(t, r.Busy())
}

func TestCardReaderSalePreconditions(t *testing.T) {
	r, _, _ := newTestCardReader(t)

	_, err := r.StartSale(100)
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportNotOpen))

	require.NoError(t, r.OpenPort())
	_, err = r.StartSale(0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))

	_, err = r.WaitCardProcess(context.Background(), 0)
	assert.True(t, apperrors.IsPrecondition(err))

	_, err = r.StartSale(100)
	require.NoError(t, err)
	_, err = r.StartSale(100)
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyRunning))
}

func TestCardReaderPaNoAdvances(t *testing.T) {
	r, dev, port := newTestCardReader(t)
	dev.results = [][]byte{[]byte(successPayload)}
	require.NoError(t, r.OpenPort())

	for i := 0; i < 2; i++ {
		_, err := r.Sale(context.Background(), 100)
		require.NoError(t, err)
	}

	var paNos []uint16
	for _, w := range port.written() {
		frame, err := DecodeCardFrame(w)
		require.NoError(t, err)
		paNos = append(paNos, frame.PaNo)
	}
	assert.Equal(t, []uint16{1000, 1001}, paNos)
}

func TestCardReaderSaleCanceled(t *testing.T) {
	r, _, _ := newTestCardReader(t)
	require.NoError(t, r.OpenPort())

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := r.Sale(ctx, 100)
	assert.True(t, apperrors.Is(err, apperrors.ErrCanceled))
}

func TestCardReaderLinkLost(t *testing.T) {
	r, _, port := newTestCardReader(t)
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	port.unplug()
	rec.waitFor(t, EventDisconnected, 1)
	assert.False(t, r.Connected())

	var disconnected CardDisconnected
	for _, ev := range rec.all() {
		if d, ok := ev.(CardDisconnected); ok {
			disconnected = d
		}
	}
	assert.True(t, disconnected.Unexpected)
	assert.Equal(t, 1, rec.count(EventError))
}

func TestCardReaderRepeatedSyncFailureDropsLink(t *testing.T) {
	dev := &cardDevice{syncFails: true}
	port := newFakePort(dev.respond)
	cfg := testCardReaderConfig(openerFor(port))
	cfg.SyncInterval = 10 * time.Millisecond
	cfg.ReceiveTimeout = 20 * time.Millisecond
	cfg.MaxSyncFailures = 2
	r := NewCardReader(cfg)
	defer r.ClosePort()
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	require.NoError(t, r.OpenPort())
	rec.waitFor(t, EventDisconnected, 1)
	assert.False(t, r.Connected())
	assert.True(t, port.isClosed())
}

func TestCardReaderClosePortIdempotent(t *testing.T) {
	r, _, port := newTestCardReader(t)
	require.NoError(t, r.OpenPort())
	rec := &eventRecorder{}
	r.Subscribe(rec.listen)

	require.NoError(t, r.ClosePort())
	require.NoError(t, r.ClosePort())
	assert.True(t, port.isClosed())
	assert.Equal(t, []Event{CardDisconnected{Unexpected: false}}, rec.all())
	assert.Equal(t, StateDisconnected, r.State())
}
