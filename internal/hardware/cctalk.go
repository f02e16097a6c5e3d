package hardware

import (
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

// ccTalk 帧格式: [DEST][LEN][SRC][HEADER][DATA...][CHECKSUM]
const (
	ccTalkHostAddress byte = 0x01
	ccTalkOverhead         = 5
)

// ccTalk 命令头
const (
	CoinHeaderReply               byte = 0
	CoinHeaderResetDevice         byte = 1
	CoinHeaderModifyMasterInhibit byte = 228
	CoinHeaderReadBufferedCredit  byte = 229
	CoinHeaderModifyInhibit       byte = 231
	CoinHeaderSimplePoll          byte = 254
)

// CoinSlotCount 信用缓冲区中的事件槽数
const CoinSlotCount = 5

// CoinFrame 解析后的ccTalk帧
type CoinFrame struct {
	Dest   byte
	Src    byte
	Header byte
	Data   []byte
}

// CoinChecksum 计算简单校验和，使整帧字节和模256为0
func CoinChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

// EncodeCoinFrame 编码ccTalk帧，源地址固定为主机地址
func EncodeCoinFrame(dest byte, cmd Command) []byte {
	frame := make([]byte, 0, len(cmd.Payload)+ccTalkOverhead)
	frame = append(frame, dest, byte(len(cmd.Payload)), ccTalkHostAddress, cmd.Opcode)
	frame = append(frame, cmd.Payload...)
	return append(frame, CoinChecksum(frame))
}

// DecodeCoinFrame 解析并校验ccTalk帧
func DecodeCoinFrame(frame []byte) (CoinFrame, error) {
	if len(frame) < ccTalkOverhead {
		return CoinFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "frame too short: %d bytes", len(frame))
	}
	if int(frame[1])+ccTalkOverhead != len(frame) {
		return CoinFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "length byte %d, frame %d", frame[1], len(frame))
	}
	var sum byte
	for _, b := range frame {
		sum += b
	}
	if sum != 0 {
		return CoinFrame{}, apperrors.Newf(apperrors.ErrChecksum, "frame sum 0x%02X", sum)
	}
	return CoinFrame{
		Dest:   frame[0],
		Src:    frame[2],
		Header: frame[3],
		Data:   append([]byte(nil), frame[4:len(frame)-1]...),
	}, nil
}

// splitCoinFrame 按长度字节切出ccTalk帧
func splitCoinFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < 2 {
		return 0, nil, nil
	}
	length := int(data[1]) + ccTalkOverhead
	if len(data) < length {
		return 0, nil, nil
	}
	return length, data[:length], nil
}

// EventDelta 事件计数器的回绕差值，结果在 [0,255]
func EventDelta(last, current byte) int {
	return int(current - last)
}

// CoinSlot 信用缓冲区中的一个事件
type CoinSlot struct {
	Code       byte
	SorterPath byte
}

// ParseCreditBuffer 解析 READ_BUFFERED_CREDIT 响应: [counter][code,path]×5
func ParseCreditBuffer(data []byte) (counter byte, slots []CoinSlot, err error) {
	if len(data) < 1 {
		return 0, nil, apperrors.New(apperrors.ErrInvalidPayload, "empty credit buffer")
	}
	counter = data[0]
	for i := 1; i+1 < len(data) && len(slots) < CoinSlotCount; i += 2 {
		slots = append(slots, CoinSlot{Code: data[i], SorterPath: data[i+1]})
	}
	return counter, slots, nil
}

// CoinInfo 硬币信息
type CoinInfo struct {
	Name  string
	Value int
}

var coinTable = map[byte]CoinInfo{
	1: {Name: "KZ010A", Value: 10},
	3: {Name: "KZ050A", Value: 50},
	4: {Name: "KZ100A", Value: 100},
	6: {Name: "KZ020A", Value: 20},
	7: {Name: "KZ005B", Value: 5},
	8: {Name: "KZ005B", Value: 5},
	9: {Name: "KZ200A", Value: 200},
}

// LookupCoin 查找硬币代码
func LookupCoin(code byte) (CoinInfo, bool) {
	info, ok := coinTable[code]
	return info, ok
}

// CoinHeaderName 命令头名称
func CoinHeaderName(header byte) string {
	switch header {
	case CoinHeaderReply:
		return "REPLY"
	case CoinHeaderResetDevice:
		return "RESET_DEVICE"
	case CoinHeaderModifyMasterInhibit:
		return "MODIFY_MASTER_INHIBIT"
	case CoinHeaderReadBufferedCredit:
		return "READ_BUFFERED_CREDIT"
	case CoinHeaderModifyInhibit:
		return "MODIFY_INHIBIT"
	case CoinHeaderSimplePoll:
		return "SIMPLE_POLL"
	}
	return "UNKNOWN"
}
