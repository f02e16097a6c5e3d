package hardware

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tarm/serial"
)

// SerialPort 串口接口，便于测试时替换
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// PortConfig 串口参数
type PortConfig struct {
	Name        string
	BaudRate    int
	DataBits    byte
	StopBits    byte
	Parity      string // none/odd/even
	ReadTimeout time.Duration
}

// PortOpener 打开串口的函数
type PortOpener func(PortConfig) (SerialPort, error)

// defaultReadTimeout 读超时，读协程据此周期性检查关闭状态
const defaultReadTimeout = 100 * time.Millisecond

// OpenSerialPort 通过tarm/serial打开串口
func OpenSerialPort(cfg PortConfig) (SerialPort, error) {
	parity := serial.ParityNone
	switch cfg.Parity {
	case "odd", "O":
		parity = serial.ParityOdd
	case "even", "E":
		parity = serial.ParityEven
	}

	stopBits := serial.Stop1
	if cfg.StopBits == 2 {
		stopBits = serial.Stop2
	}

	size := cfg.DataBits
	if size == 0 {
		size = 8
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Name,
		Baud:        cfg.BaudRate,
		Size:        size,
		Parity:      parity,
		StopBits:    stopBits,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Name, err)
	}
	return port, nil
}

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
