package hardware

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

func TestEncodeBillFrame(t *testing.T) {
	frame := EncodeBillFrame(NewCommand(BillCmdPoll))
	require.Len(t, frame, 6)
	assert.Equal(t, []byte{0x02, 0x03, 0x06, 0x33}, frame[:4])

	crc := CRC16CCNET(frame[:4])
	assert.Equal(t, byte(crc), frame[4], "CRC低字节在前")
	assert.Equal(t, byte(crc>>8), frame[5])

	// 已知的POLL帧
	assert.Equal(t, []byte{0x02, 0x03, 0x06, 0x33, 0xDA, 0x81}, frame)
}

func TestEncodeBillFrameOversize(t *testing.T) {
	frame := EncodeBillFrame(NewCommand(0x3C, make([]byte, 245)...))
	assert.Equal(t, byte(0), frame[2], "超长帧长度字节为0")
}

func TestBillFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"轮询", NewCommand(BillCmdPoll)},
		{"安全设置", NewCommand(BillCmdSetSecurity, 0x00, 0x00, 0x00)},
		{"使能全部纸币", NewCommand(BillCmdEnableBillTypes, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeBillFrame(EncodeBillFrame(tt.cmd))
			require.NoError(t, err)
			assert.True(t, frame.ChecksumOK)
			assert.Equal(t, tt.cmd.Opcode, frame.Opcode())
			if len(tt.cmd.Payload) == 0 {
				assert.Empty(t, frame.Payload())
			} else {
				assert.Equal(t, tt.cmd.Payload, frame.Payload())
			}
		})
	}
}

func TestDecodeBillFrameBitFlip(t *testing.T) {
	raw := EncodeBillFrame(NewCommand(billStatusEscrow, 0x05, 0x10, 0xFF))
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), raw...)
			corrupted[i] ^= 1 << bit

			frame, err := DecodeBillFrame(corrupted)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.True(t, apperrors.Is(err, apperrors.ErrChecksum) || apperrors.Is(err, apperrors.ErrMalformedFrame),
				"byte %d bit %d: %v", i, bit, err)
			if i >= 3 {
				assert.True(t, apperrors.Is(err, apperrors.ErrChecksum), "byte %d bit %d", i, bit)
				assert.False(t, frame.ChecksumOK)
				assert.NotEmpty(t, frame.Body, "CRC错误时仍返回数据")
			}
		}
	}
}

func TestBillFrameRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n <= ccnetMaxLength-ccnetOverhead; n++ {
		payload := make([]byte, n)
		rng.Read(payload)
		cmd := NewCommand(byte(rng.Intn(256)), payload...)

		frame, err := DecodeBillFrame(EncodeBillFrame(cmd))
		require.NoError(t, err, "payload %d", n)
		assert.Equal(t, cmd.Opcode, frame.Opcode())
		if n == 0 {
			assert.Empty(t, frame.Payload())
		} else {
			assert.Equal(t, payload, frame.Payload(), "payload %d", n)
		}
	}
}

func TestDecodeBillFrameMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"过短", []byte{0x02, 0x03, 0x05}},
		{"同步字节错误", []byte{0x01, 0x03, 0x06, 0x33, 0x00, 0x00}},
		{"长度不符", []byte{0x02, 0x03, 0x09, 0x33, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBillFrame(tt.frame)
			assert.True(t, apperrors.Is(err, apperrors.ErrMalformedFrame))
		})
	}
}

func TestSplitBillFrame(t *testing.T) {
	frame := EncodeBillFrame(NewCommand(billStatusIdling))

	t.Run("跳过前导垃圾", func(t *testing.T) {
		data := append([]byte{0xAA, 0x02, 0x55}, frame...)
		advance, token, err := splitBillFrame(data, false)
		require.NoError(t, err)
		assert.Equal(t, len(data), advance)
		assert.Equal(t, frame, token)
	})

	t.Run("不完整帧等待更多数据", func(t *testing.T) {
		advance, token, err := splitBillFrame(frame[:3], false)
		require.NoError(t, err)
		assert.Equal(t, 0, advance)
		assert.Nil(t, token)
	})

	t.Run("全部为垃圾", func(t *testing.T) {
		advance, token, _ := splitBillFrame([]byte{0x11, 0x22}, false)
		assert.Equal(t, 2, advance)
		assert.Nil(t, token)
	})
}

func TestParseBillPollStatus(t *testing.T) {
	tests := []struct {
		body []byte
		kind BillPollKind
	}{
		{[]byte{0x14}, PollIdling},
		{[]byte{0x33}, PollIdling},
		{[]byte{0x15}, PollAccepting},
		{[]byte{0x1C, 0x67}, PollRejecting},
		{[]byte{0x80, 0x05}, PollRecognized},
		{[]byte{0x81, 0x05}, PollStacked},
		{[]byte{0x82, 0x03}, PollReturned},
		{[]byte{0x42}, PollCassetteRemoved},
		{[]byte{0x13}, PollCassetteInplace},
		{[]byte{0x47}, PollUnknown},
		{nil, PollUnknown},
	}
	for _, tt := range tests {
		st := ParseBillPollStatus(tt.body)
		assert.Equal(t, tt.kind, st.Kind, "body % X", tt.body)
	}

	st := ParseBillPollStatus([]byte{0x80, 0x05})
	assert.Equal(t, byte(0x05), st.Detail)
}

func TestBillValue(t *testing.T) {
	assert.Equal(t, 200, BillValue(0x02))
	assert.Equal(t, 1000, BillValue(0x03))
	assert.Equal(t, 500, BillValue(0x05))
	assert.Equal(t, 20000, BillValue(0x07))
	assert.Equal(t, 0, BillValue(0x01))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "Rejecting due to Optic", RejectReason(0x67))
	assert.Equal(t, "Rejecting due to Insertion", RejectReason(0x60))
	assert.Equal(t, "Unknown rejection reason", RejectReason(0x6B))
}
