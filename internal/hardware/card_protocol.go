package hardware

import (
	"encoding/binary"
	"encoding/json"
	"strconv"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

// 读卡器帧格式: [STX][VER][PaNo u16][FrNo u16][Len u16][Data...][LRC][ETX]
const (
	cardSTX        byte   = 0x02
	cardVersion    byte   = 0x01
	cardETX        byte   = 0x03
	cardACK        byte   = 0x06
	cardHeaderLen         = 8
	cardOverhead          = 10
	cardMaxDataLen        = 8 * 1024
	CardPaNoBase   uint16 = 1000
	cardPaymentICC        = "ICC"
)

// CardFrame 读卡器帧
type CardFrame struct {
	PaNo uint16
	FrNo uint16
	Data []byte
}

// IsACK 数据首字节是否为ACK
func (f CardFrame) IsACK() bool {
	return len(f.Data) > 0 && f.Data[0] == cardACK
}

// CardLRC 从 seed 开始对所有字节异或
func CardLRC(data []byte, seed byte) byte {
	lrc := seed
	for _, b := range data {
		lrc ^= b
	}
	return lrc
}

// EncodeCardFrame 编码读卡器帧
func EncodeCardFrame(f CardFrame) []byte {
	frame := make([]byte, cardHeaderLen, len(f.Data)+cardOverhead)
	frame[0] = cardSTX
	frame[1] = cardVersion
	binary.BigEndian.PutUint16(frame[2:], f.PaNo)
	binary.BigEndian.PutUint16(frame[4:], f.FrNo)
	binary.BigEndian.PutUint16(frame[6:], uint16(len(f.Data)))
	frame = append(frame, f.Data...)
	frame = append(frame, CardLRC(frame, 0x00))
	return append(frame, cardETX)
}

// DecodeCardFrame 解析并校验读卡器帧
func DecodeCardFrame(frame []byte) (CardFrame, error) {
	if len(frame) < cardOverhead {
		return CardFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "frame too short: %d bytes", len(frame))
	}
	if frame[0] != cardSTX || frame[1] != cardVersion {
		return CardFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "bad header % X", frame[:2])
	}
	dataLen := int(binary.BigEndian.Uint16(frame[6:]))
	if dataLen+cardOverhead != len(frame) {
		return CardFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "data length %d, frame %d", dataLen, len(frame))
	}
	if frame[len(frame)-1] != cardETX {
		return CardFrame{}, apperrors.Newf(apperrors.ErrMalformedFrame, "missing ETX, got 0x%02X", frame[len(frame)-1])
	}
	lrcPos := len(frame) - 2
	if want := CardLRC(frame[:lrcPos], 0x00); want != frame[lrcPos] {
		return CardFrame{}, apperrors.Newf(apperrors.ErrChecksum, "lrc 0x%02X, want 0x%02X", frame[lrcPos], want)
	}
	return CardFrame{
		PaNo: binary.BigEndian.Uint16(frame[2:]),
		FrNo: binary.BigEndian.Uint16(frame[4:]),
		Data: append([]byte(nil), frame[cardHeaderLen:lrcPos]...),
	}, nil
}

// splitCardFrame 按长度字段切出读卡器帧
func splitCardFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] != cardSTX {
			continue
		}
		rest := data[i:]
		if len(rest) < 2 {
			return i, nil, nil
		}
		if rest[1] != cardVersion {
			continue
		}
		if len(rest) < cardHeaderLen {
			return i, nil, nil
		}
		dataLen := int(binary.BigEndian.Uint16(rest[6:]))
		if dataLen > cardMaxDataLen {
			continue
		}
		total := dataLen + cardOverhead
		if len(rest) < total {
			return i, nil, nil
		}
		return i + total, rest[:total], nil
	}
	return len(data), nil, nil
}

// SyncFrame 固定的同步请求帧
func SyncFrame() []byte {
	return EncodeCardFrame(CardFrame{PaNo: 1, FrNo: 1})
}

// parseSyncSizes 解析同步第二帧中的包/帧大小
func parseSyncSizes(data []byte) (paSize, frSize uint32, err error) {
	if len(data) < 8 {
		return 0, 0, apperrors.Newf(apperrors.ErrInvalidPayload, "sync size frame has %d bytes", len(data))
	}
	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint32(data[4:8]), nil
}

type saleRequest struct {
	Task string   `json:"task"`
	Data saleData `json:"data"`
}

type saleData struct {
	Amount        string `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
}

// EncodeSaleRequest 生成交易请求JSON
func EncodeSaleRequest(amount int64) ([]byte, error) {
	return json.Marshal(saleRequest{
		Task: "sale",
		Data: saleData{Amount: strconv.FormatInt(amount, 10), PaymentMethod: cardPaymentICC},
	})
}

// CardResult 交易结果
type CardResult string

const (
	CardResultSuccess CardResult = "Success"
	CardResultFailure CardResult = "Failure"
)

// CardTransaction 一次刷卡交易
type CardTransaction struct {
	SaleID        string          `json:"saleId"`
	PaNo          uint16          `json:"paNo"`
	FrNo          uint16          `json:"frNo"`
	Amount        int64           `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	Result        CardResult      `json:"result"`
	RawPayload    json.RawMessage `json:"rawPayload,omitempty"`
}

// Succeeded 是否支付成功
func (t CardTransaction) Succeeded() bool {
	return t.Result == CardResultSuccess
}

// Details 解析结果载荷中的 data 对象
func (t CardTransaction) Details() map[string]interface{} {
	var payload struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(t.RawPayload, &payload); err != nil {
		return nil
	}
	return payload.Data
}

// parseCardResult 解析结果帧的JSON载荷，result=="success" 为成功
func parseCardResult(data []byte) (CardResult, error) {
	var payload struct {
		Data *struct {
			Result string `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrInvalidPayload, "card result json")
	}
	if payload.Data == nil {
		return "", apperrors.New(apperrors.ErrInvalidPayload, "card result has no data object")
	}
	if payload.Data.Result == "success" {
		return CardResultSuccess, nil
	}
	return CardResultFailure, nil
}
