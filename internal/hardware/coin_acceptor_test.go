package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

func newTestCoinAcceptor(t *testing.T) (*CoinAcceptor, *coinDevice, *fakePort) {
	t.Helper()
	dev := &coinDevice{}
	port := newFakePort(dev.respond)
	cfg := DefaultCoinAcceptorConfig("/dev/null")
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.Opener = openerFor(port)
	c := NewCoinAcceptor(cfg)
	t.Cleanup(func() { _ = c.Dispose() })
	return c, dev, port
}

func coinHeaders(writes [][]byte) []byte {
	var out []byte
	for _, w := range writes {
		if frame, err := DecodeCoinFrame(w); err == nil {
			out = append(out, frame.Header)
		}
	}
	return out
}

func TestCoinAcceptorInit(t *testing.T) {
	c, _, port := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	assert.Equal(t, StateEnabled, c.State())

	assert.Equal(t, []byte{
		CoinHeaderModifyMasterInhibit,
		CoinHeaderResetDevice,
		CoinHeaderModifyMasterInhibit,
		CoinHeaderReadBufferedCredit,
		CoinHeaderSimplePoll,
		CoinHeaderModifyInhibit,
	}, coinHeaders(port.written()))

	for _, w := range port.written() {
		assert.Equal(t, byte(2), w[0], "目标地址")
		assert.Equal(t, byte(0), frameSum(w))
	}
}

func TestCoinAcceptorPollEvents(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	rec := &eventRecorder{}
	c.Subscribe(rec.listen)

	dev.insertOrdered(4, 6)
	require.NoError(t, c.Poll())

	assert.Equal(t, []Event{
		CoinEvent{CoinName: "KZ100A", CoinCode: 4, CoinValue: 100, SorterPath: 1},
		CoinEvent{CoinName: "KZ020A", CoinCode: 6, CoinValue: 20, SorterPath: 1},
	}, rec.all())
	assert.Equal(t, 120, c.Total())

	require.NoError(t, c.Poll())
	assert.Len(t, rec.all(), 2, "计数器不变时无新事件")
}

func TestCoinAcceptorIgnoresBufferedEventsAtInit(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)
	dev.insert(9, 9)
	require.NoError(t, c.Init())
	rec := &eventRecorder{}
	c.Subscribe(rec.listen)

	require.NoError(t, c.Poll())
	assert.Empty(t, rec.all(), "初始化前的缓冲事件不应上报")
	assert.Equal(t, 0, c.Total())
}

func TestCoinAcceptorUnknownCode(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	rec := &eventRecorder{}
	c.Subscribe(rec.listen)

	dev.insert(99)
	require.NoError(t, c.Poll())
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, c.Total())
}

func TestCoinAcceptorCounterWrap(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)
	dev.mu.Lock()
	dev.counter = 254
	dev.mu.Unlock()
	require.NoError(t, c.Init())
	rec := &eventRecorder{}
	c.Subscribe(rec.listen)

	dev.insertOrdered(1, 3, 9)
	require.NoError(t, c.Poll())
	assert.Equal(t, 3, rec.count(EventCoin))
	assert.Equal(t, 260, c.Total())
}

func TestCoinAcceptorPollPreconditions(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)

	err := c.StartPoll()
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))
	assert.True(t, apperrors.IsPrecondition(err))

	require.NoError(t, c.Init())
	require.NoError(t, c.StartPoll())
	err = c.StartPoll()
	assert.True(t, apperrors.Is(err, apperrors.ErrAlreadyRunning))
	assert.Equal(t, StateListening, c.State())

	rec := &eventRecorder{}
	c.Subscribe(rec.listen)
	dev.insert(3)
	rec.waitFor(t, EventCoin, 1)

	c.StopPoll()
	c.StopPoll()
	assert.False(t, c.Polling())
	assert.Equal(t, StateEnabled, c.State())
}

func TestCoinAcceptorFullResetZeroesTotal(t *testing.T) {
	c, dev, _ := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	dev.insert(4)
	require.NoError(t, c.Poll())
	require.Equal(t, 100, c.Total())

	require.NoError(t, c.FullReset())
	assert.Equal(t, 0, c.Total())
}

func TestCoinAcceptorDisposeTwice(t *testing.T) {
	c, _, port := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	require.NoError(t, c.StartPoll())

	require.NoError(t, c.Dispose())
	require.NoError(t, c.Dispose())
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Polling())
	assert.True(t, port.isClosed())

	_, err := c.exchange(NewCommand(CoinHeaderSimplePoll))
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportNotOpen))
}

func TestCoinAcceptorLinkLost(t *testing.T) {
	c, _, port := newTestCoinAcceptor(t)
	require.NoError(t, c.Init())
	require.NoError(t, c.StartPoll())
	rec := &eventRecorder{}
	c.Subscribe(rec.listen)

	port.unplug()
	rec.waitFor(t, EventError, 1)
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	assert.False(t, c.Polling())
	assert.True(t, port.isClosed(), "旧串口句柄已关闭")
}
