package hardware

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
)

// frameLink 串口帧链路
//
// 一个读协程持续把收到的字节追加到缓冲区，ReadFrame 用协议的切帧函数
// 从缓冲区中取出完整帧，直到超时。读错误（非超时）视为链路丢失。
type frameLink struct {
	name string
	port SerialPort
	log  *zap.Logger

	mu     sync.Mutex
	buf    []byte
	notify chan struct{}

	dead     chan struct{}
	deadOnce sync.Once
	closed   atomic.Bool
	lostErr  error

	onLost func(error)
}

func newFrameLink(name string, port SerialPort, onLost func(error)) *frameLink {
	l := &frameLink{
		name:   name,
		port:   port,
		log:    logger.GetModuleLogger("serial").With(zap.String("device", name)),
		notify: make(chan struct{}, 1),
		dead:   make(chan struct{}),
		onLost: onLost,
	}
	return l
}

// start 启动读协程
func (l *frameLink) start() *frameLink {
	go l.readLoop()
	return l
}

// readLoop 读协程
func (l *frameLink) readLoop() {
	chunk := make([]byte, 256)
	for {
		n, err := l.port.Read(chunk)
		if n > 0 {
			logger.LogFrame(l.name, "rx", chunk[:n])
			l.mu.Lock()
			l.buf = append(l.buf, chunk[:n]...)
			l.mu.Unlock()
			select {
			case l.notify <- struct{}{}:
			default:
			}
		}
		if err == nil {
			continue
		}
		// tarm/serial 读超时返回 io.EOF
		if err == io.EOF && !l.closed.Load() {
			continue
		}
		if l.closed.Load() {
			l.markDead(nil)
			return
		}
		l.log.Warn("串口读取失败，链路丢失", zap.Error(err))
		l.markDead(err)
		if l.closed.CompareAndSwap(false, true) {
			_ = l.port.Close()
		}
		if l.onLost != nil {
			go l.onLost(err)
		}
		return
	}
}

func (l *frameLink) markDead(err error) {
	l.deadOnce.Do(func() {
		l.mu.Lock()
		l.lostErr = err
		l.mu.Unlock()
		close(l.dead)
	})
}

// Alive 链路是否可用
func (l *frameLink) Alive() bool {
	select {
	case <-l.dead:
		return false
	default:
		return !l.closed.Load()
	}
}

// Write 写入一帧
func (l *frameLink) Write(frame []byte) error {
	if !l.Alive() {
		return apperrors.New(apperrors.ErrTransportClosed, l.name)
	}
	logger.LogFrame(l.name, "tx", frame)
	if _, err := l.port.Write(frame); err != nil {
		return apperrors.Wrap(err, apperrors.ErrSerialPortWrite, l.name)
	}
	return nil
}

// Discard 丢弃缓冲区中的残留字节
func (l *frameLink) Discard() {
	l.mu.Lock()
	l.buf = l.buf[:0]
	l.mu.Unlock()
	select {
	case <-l.notify:
	default:
	}
}

// ReadFrame 读取一个完整帧，超时返回 ErrResponseTimeout
func (l *frameLink) ReadFrame(timeout time.Duration, split bufio.SplitFunc) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return l.readFrame(timer.C, split)
}

func (l *frameLink) readFrame(deadline <-chan time.Time, split bufio.SplitFunc) ([]byte, error) {
	for {
		frame, err := l.scan(split)
		if err != nil || frame != nil {
			return frame, err
		}

		select {
		case <-l.notify:
		case <-deadline:
			return nil, apperrors.New(apperrors.ErrResponseTimeout, l.name)
		case <-l.dead:
			l.mu.Lock()
			cause := l.lostErr
			l.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrTransportClosed, l.name).WithCause(cause)
		}
	}
}

// scan 在缓冲区上运行切帧函数
func (l *frameLink) scan(split bufio.SplitFunc) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.buf) > 0 {
		advance, token, err := split(l.buf, false)
		if err != nil {
			l.buf = l.buf[:0]
			return nil, err
		}
		if advance > len(l.buf) {
			advance = len(l.buf)
		}
		var frame []byte
		if token != nil {
			frame = append([]byte(nil), token...)
		}
		if advance > 0 {
			l.buf = append(l.buf[:0], l.buf[advance:]...)
		}
		if frame != nil {
			return frame, nil
		}
		if advance == 0 {
			break
		}
	}
	return nil, nil
}

// Exchange 发送请求并读取响应，跳过单线总线上的回显
func (l *frameLink) Exchange(request []byte, timeout time.Duration, split bufio.SplitFunc) ([]byte, error) {
	l.Discard()
	if err := l.Write(request); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		frame, err := l.readFrame(timer.C, split)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(frame, request) {
			continue
		}
		return frame, nil
	}
}

// Close 关闭链路，可重复调用
func (l *frameLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.port.Close()
	l.markDead(nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrTransportClosed, l.name)
	}
	return nil
}
