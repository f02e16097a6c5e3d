package hardware

import (
	"encoding/binary"
	"fmt"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

// CCNET 帧格式: [SYNC][ADDR][LEN][CMD][DATA...][CRC_L][CRC_H]
const (
	ccnetSync       byte   = 0x02
	ccnetAddr       byte   = 0x03
	ccnetOverhead          = 6 // SYNC+ADDR+LEN+CMD+CRC16
	ccnetMaxLength         = 250
	ccnetPolynomial uint16 = 0x08408
	ccnetMinFrame          = 5 // 响应帧最短: SYNC+ADDR+LEN+CRC16
)

// 纸币器命令
const (
	BillCmdACK             byte = 0x00
	BillCmdNAK             byte = 0xFF
	BillCmdReset           byte = 0x30
	BillCmdGetStatus       byte = 0x31
	BillCmdSetSecurity     byte = 0x32
	BillCmdPoll            byte = 0x33
	BillCmdEnableBillTypes byte = 0x34
	BillCmdStack           byte = 0x35
	BillCmdIdentification  byte = 0x37
)

// BillCommandName 命令名称
func BillCommandName(cmd byte) string {
	switch cmd {
	case BillCmdACK:
		return "ACK"
	case BillCmdNAK:
		return "NAK"
	case BillCmdReset:
		return "RESET"
	case BillCmdGetStatus:
		return "GET_STATUS"
	case BillCmdSetSecurity:
		return "SET_SECURITY"
	case BillCmdPoll:
		return "POLL"
	case BillCmdEnableBillTypes:
		return "ENABLE_BILL_TYPES"
	case BillCmdStack:
		return "STACK"
	case BillCmdIdentification:
		return "IDENTIFICATION"
	default:
		return fmt.Sprintf("0x%02X", cmd)
	}
}

// CRC16CCNET 计算CCNET CRC-16（多项式0x08408，LSB优先）
func CRC16CCNET(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ ccnetPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// EncodeBillFrame 编码CCNET命令帧
//
// 长度字节为整帧长度；超过250时按协议写0。
func EncodeBillFrame(cmd Command) []byte {
	length := len(cmd.Payload) + ccnetOverhead
	lengthByte := byte(length)
	if length > ccnetMaxLength {
		lengthByte = 0
	}

	frame := make([]byte, 0, length)
	frame = append(frame, ccnetSync, ccnetAddr, lengthByte, cmd.Opcode)
	frame = append(frame, cmd.Payload...)
	return binary.LittleEndian.AppendUint16(frame, CRC16CCNET(frame))
}

// BillFrame 解析后的CCNET帧
type BillFrame struct {
	// Body 长度字节与CRC之间的内容（命令帧为CMD+DATA，响应帧为状态数据）
	Body []byte
	// ChecksumOK CRC是否正确
	ChecksumOK bool
}

// Opcode 第一个数据字节
func (f BillFrame) Opcode() byte {
	if len(f.Body) == 0 {
		return 0
	}
	return f.Body[0]
}

// Payload 第一个数据字节之后的内容
func (f BillFrame) Payload() []byte {
	if len(f.Body) < 2 {
		return nil
	}
	return f.Body[1:]
}

// DecodeBillFrame 解析CCNET帧
//
// 结构错误返回 ErrMalformedFrame；CRC错误时仍返回解析结果，同时返回 ErrChecksum。
func DecodeBillFrame(frame []byte) (BillFrame, error) {
	if len(frame) < ccnetMinFrame {
		return BillFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "frame too short: %d bytes", len(frame))
	}
	if frame[0] != ccnetSync || frame[1] != ccnetAddr {
		return BillFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "bad header % X", frame[:2])
	}
	if int(frame[2]) != len(frame) {
		return BillFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "length byte %d, frame %d", frame[2], len(frame))
	}

	n := len(frame)
	parsed := BillFrame{Body: append([]byte(nil), frame[3:n-2]...)}
	want := CRC16CCNET(frame[:n-2])
	got := binary.LittleEndian.Uint16(frame[n-2:])
	parsed.ChecksumOK = want == got
	if !parsed.ChecksumOK {
		return parsed, apperrors.Newf(apperrors.ErrChecksum, "crc 0x%04X, want 0x%04X", got, want)
	}
	return parsed, nil
}

// splitBillFrame 按长度字节从缓冲区切出CCNET帧，跳过同步字节之前的垃圾数据
func splitBillFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] != ccnetSync {
			continue
		}
		rest := data[i:]
		if len(rest) < 2 {
			return i, nil, nil
		}
		if rest[1] != ccnetAddr {
			continue
		}
		if len(rest) < 3 {
			return i, nil, nil
		}
		length := int(rest[2])
		if length < ccnetMinFrame {
			continue
		}
		if len(rest) < length {
			return i, nil, nil
		}
		return i + length, rest[:length], nil
	}
	return len(data), nil, nil
}

// BillPollKind 轮询状态分类
type BillPollKind int

const (
	PollUnknown BillPollKind = iota
	PollIdling
	PollAccepting
	PollRejecting
	PollRecognized
	PollStacked
	PollReturned
	PollCassetteRemoved
	PollCassetteInplace
)

func (k BillPollKind) String() string {
	switch k {
	case PollIdling:
		return "Idling"
	case PollAccepting:
		return "Accepting"
	case PollRejecting:
		return "Rejecting"
	case PollRecognized:
		return "Recognized"
	case PollStacked:
		return "Stacked"
	case PollReturned:
		return "Returned"
	case PollCassetteRemoved:
		return "CassetteRemoved"
	case PollCassetteInplace:
		return "CassetteInplace"
	default:
		return "Unknown"
	}
}

// 轮询状态码（Z1）
const (
	billStatusInplace   byte = 0x13
	billStatusIdling    byte = 0x14
	billStatusAccepting byte = 0x15
	billStatusRejecting byte = 0x1C
	billStatusIdle2     byte = 0x33
	billStatusRemoved   byte = 0x42
	billStatusEscrow    byte = 0x80
	billStatusStacked   byte = 0x81
	billStatusReturned  byte = 0x82
)

// BillPollStatus 轮询响应的状态
type BillPollStatus struct {
	Kind BillPollKind
	// Code 状态码（Z1）
	Code byte
	// Detail 附加码（Z2）：纸币类型或拒收原因
	Detail byte
}

// ParseBillPollStatus 解析POLL响应数据
func ParseBillPollStatus(body []byte) BillPollStatus {
	if len(body) == 0 {
		return BillPollStatus{Kind: PollUnknown}
	}
	st := BillPollStatus{Code: body[0]}
	if len(body) > 1 {
		st.Detail = body[1]
	}
	switch st.Code {
	case billStatusIdling, billStatusIdle2:
		st.Kind = PollIdling
	case billStatusAccepting:
		st.Kind = PollAccepting
	case billStatusRejecting:
		st.Kind = PollRejecting
	case billStatusEscrow:
		st.Kind = PollRecognized
	case billStatusStacked:
		st.Kind = PollStacked
	case billStatusReturned:
		st.Kind = PollReturned
	case billStatusRemoved:
		st.Kind = PollCassetteRemoved
	case billStatusInplace:
		st.Kind = PollCassetteInplace
	default:
		st.Kind = PollUnknown
	}
	return st
}

var billValues = map[byte]int{
	0x02: 200,
	0x03: 1000,
	0x04: 2000,
	0x05: 500,
	0x06: 10000,
	0x07: 20000,
}

// BillValue 纸币类型对应面额，未知类型返回0
func BillValue(code byte) int {
	return billValues[code]
}

var rejectReasons = map[byte]string{
	0x60: "Insertion",
	0x61: "Magnetic",
	0x62: "Remained bill in head",
	0x63: "Multiplying",
	0x64: "Conveying",
	0x65: "Identification1",
	0x66: "Verification",
	0x67: "Optic",
	0x68: "Inhibit",
	0x69: "Capacity",
	0x6A: "Operation",
	0x6C: "Length",
}

// RejectReason 拒收原因文本
func RejectReason(code byte) string {
	if reason, ok := rejectReasons[code]; ok {
		return "Rejecting due to " + reason
	}
	return "Unknown rejection reason"
}
