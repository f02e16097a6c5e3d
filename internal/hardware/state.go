package hardware

// DeviceState 设备生命周期状态
type DeviceState int

const (
	StateDisconnected DeviceState = iota
	StateConnected
	StatePoweredUp
	StateEnabled
	StateListening
	StateDisabled
)

func (s DeviceState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StatePoweredUp:
		return "PoweredUp"
	case StateEnabled:
		return "Enabled"
	case StateListening:
		return "Listening"
	case StateDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// MarshalText 以名称形式序列化
func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CassetteStatus 钞箱状态
type CassetteStatus string

const (
	CassetteInplace CassetteStatus = "Inplace"
	CassetteRemoved CassetteStatus = "Removed"
)

// Command 一次请求的命令，构造后不可修改
type Command struct {
	Opcode  byte
	Payload []byte
}

// NewCommand 创建命令（复制负载）
func NewCommand(opcode byte, payload ...byte) Command {
	return Command{Opcode: opcode, Payload: append([]byte(nil), payload...)}
}
