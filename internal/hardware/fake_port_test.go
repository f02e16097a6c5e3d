package hardware

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errPortUnplugged = errors.New("device unplugged")

// fakePort 内存串口，Write 时按脚本生成应答
type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	writes  [][]byte
	respond func(req []byte) [][]byte
	readErr error

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort(respond func(req []byte) [][]byte) *fakePort {
	return &fakePort{
		respond: respond,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.readErr != nil {
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.closed:
			return 0, io.ErrClosedPipe
		case <-p.notify:
		case <-time.After(20 * time.Millisecond):
			// tarm/serial 的读超时
			return 0, io.EOF
		}
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	req := append([]byte(nil), b...)
	p.mu.Lock()
	p.writes = append(p.writes, req)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		for _, reply := range respond(req) {
			p.feed(reply)
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Flush() error { return nil }

// feed 模拟设备主动发送的数据
func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, b...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// unplug 模拟设备被拔出
func (p *fakePort) unplug() {
	p.mu.Lock()
	p.readErr = errPortUnplugged
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *fakePort) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// openerFor 返回固定端口的打开函数
func openerFor(port SerialPort) PortOpener {
	return func(PortConfig) (SerialPort, error) { return port, nil }
}

// failingOpener 打开总是失败
func failingOpener(err error) PortOpener {
	return func(PortConfig) (SerialPort, error) { return nil, err }
}

// eventRecorder 收集事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type())
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, typ EventType, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(typ) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %s events, got %v", n, typ, r.types())
}

// billDevice 脚本化的CCNET纸币识别器
type billDevice struct {
	mu       sync.Mutex
	statuses [][]byte // 依次返回的POLL状态
	corrupt  bool     // 应答CRC错误
}

func (d *billDevice) queue(statuses ...[]byte) {
	d.mu.Lock()
	d.statuses = append(d.statuses, statuses...)
	d.mu.Unlock()
}

func (d *billDevice) reply(body ...byte) []byte {
	frame := EncodeBillFrame(NewCommand(body[0], body[1:]...))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.corrupt {
		frame[len(frame)-1] ^= 0xFF
	}
	return frame
}

func (d *billDevice) respond(req []byte) [][]byte {
	frame, err := DecodeBillFrame(req)
	if err != nil {
		return nil
	}
	switch frame.Opcode() {
	case BillCmdACK, BillCmdNAK:
		return nil
	case BillCmdPoll:
		d.mu.Lock()
		status := []byte{billStatusIdling}
		if len(d.statuses) > 0 {
			status = d.statuses[0]
			d.statuses = d.statuses[1:]
		}
		d.mu.Unlock()
		return [][]byte{d.reply(status...)}
	case BillCmdIdentification:
		return [][]byte{d.reply([]byte("SM-RU1353")...)}
	default:
		return [][]byte{d.reply(BillCmdACK)}
	}
}

// coinDevice 脚本化的ccTalk投币器，单线总线会回显请求
type coinDevice struct {
	mu      sync.Mutex
	counter byte
	slots   []CoinSlot
}

// insert 模拟投入硬币，新事件放在缓冲区前部
func (d *coinDevice) insert(codes ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, code := range codes {
		d.counter++
		d.slots = append([]CoinSlot{{Code: code, SorterPath: 1}}, d.slots...)
	}
	if len(d.slots) > CoinSlotCount {
		d.slots = d.slots[:CoinSlotCount]
	}
}

// insertOrdered 按给定顺序写入缓冲区
func (d *coinDevice) insertOrdered(codes ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var slots []CoinSlot
	for _, code := range codes {
		d.counter++
		slots = append(slots, CoinSlot{Code: code, SorterPath: 1})
	}
	d.slots = append(slots, d.slots...)
	if len(d.slots) > CoinSlotCount {
		d.slots = d.slots[:CoinSlotCount]
	}
}

func (d *coinDevice) respond(req []byte) [][]byte {
	frame, err := DecodeCoinFrame(req)
	if err != nil {
		return nil
	}
	var data []byte
	if frame.Header == CoinHeaderReadBufferedCredit {
		d.mu.Lock()
		data = []byte{d.counter}
		for i := 0; i < CoinSlotCount; i++ {
			if i < len(d.slots) {
				data = append(data, d.slots[i].Code, d.slots[i].SorterPath)
			} else {
				data = append(data, 0, 0)
			}
		}
		d.mu.Unlock()
	}
	return [][]byte{req, EncodeCoinFrame(ccTalkHostAddress, NewCommand(CoinHeaderReply, data...))}
}

// cardDevice 脚本化的读卡器
type cardDevice struct {
	mu         sync.Mutex
	syncFails  bool
	saleNoACK  bool
	results    [][]byte // 交易ACK之后发送的结果载荷
	saleFrames int
}

func (d *cardDevice) respond(req []byte) [][]byte {
	frame, err := DecodeCardFrame(req)
	if err != nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(frame.Data) == 0 {
		if d.syncFails {
			return nil
		}
		sizes := make([]byte, 8)
		sizes[2], sizes[3] = 0x10, 0x00 // 4096
		sizes[6], sizes[7] = 0x04, 0x00 // 1024
		return [][]byte{
			EncodeCardFrame(CardFrame{PaNo: 1, FrNo: 1, Data: []byte{cardACK}}),
			EncodeCardFrame(CardFrame{PaNo: 1, FrNo: 2, Data: sizes}),
		}
	}

	d.saleFrames++
	if d.saleNoACK {
		return [][]byte{EncodeCardFrame(CardFrame{PaNo: frame.PaNo, FrNo: 1, Data: []byte{0x15}})}
	}
	out := [][]byte{EncodeCardFrame(CardFrame{PaNo: frame.PaNo, FrNo: 1, Data: []byte{cardACK}})}
	for i, payload := range d.results {
		out = append(out, EncodeCardFrame(CardFrame{PaNo: frame.PaNo, FrNo: uint16(i + 2), Data: payload}))
	}
	return out
}
