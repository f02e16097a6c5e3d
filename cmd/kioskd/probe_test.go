package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/pay-kiosk/internal/config"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
)

func TestProbeSettingsKeepsOnlyOneDevice(t *testing.T) {
	hw := config.HardwareConfig{
		BillAcceptor: config.BillAcceptorConfig{Enabled: true, Port: "/dev/ttyUSB0"},
		CoinAcceptor: config.CoinAcceptorConfig{Enabled: true, Port: "/dev/ttyUSB1", Address: 2},
		CardReader:   config.CardReaderConfig{Enabled: false, Port: "/dev/ttyACM0"},
	}

	mc := probeSettings(hw, "coin", "/dev/ttyS3")
	assert.Nil(t, mc.BillAcceptor)
	assert.Nil(t, mc.CardReader)
	require.NotNil(t, mc.CoinAcceptor)
	assert.Equal(t, "/dev/ttyS3", mc.CoinAcceptor.Port.Name)

	mc = probeSettings(hw, "card", "")
	assert.Nil(t, mc.BillAcceptor)
	assert.Nil(t, mc.CoinAcceptor)
	require.NotNil(t, mc.CardReader)
	assert.Equal(t, "/dev/ttyACM0", mc.CardReader.Driver.Port.Name)

	assert.True(t, hw.BillAcceptor.Enabled, "不修改原配置")
}

func TestRootCommands(t *testing.T) {
	assert.Equal(t, "run", newRunCmd().Name())
	assert.Equal(t, "probe", newProbeCmd().Name())
	assert.Equal(t, "version", newVersionCmd().Name())

	cmd := newProbeCmd()
	assert.Error(t, cmd.Args(cmd, []string{"printer"}))
	assert.NoError(t, cmd.Args(cmd, []string{"bill"}))
}

func TestCheckProbePort(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "ttyUSB0")
	require.NoError(t, os.WriteFile(existing, nil, 0o600))

	hw := config.HardwareConfig{
		BillAcceptor: config.BillAcceptorConfig{Port: existing},
		CoinAcceptor: config.CoinAcceptorConfig{Port: filepath.Join(t.TempDir(), "missing"), Address: 2},
	}

	assert.NoError(t, checkProbePort(probeSettings(hw, "bill", ""), "bill"))

	err := checkProbePort(probeSettings(hw, "coin", ""), "coin")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSerialPortOpen))
	assert.Contains(t, err.Error(), "missing")

	err = checkProbePort(probeSettings(hw, "card", ""), "card")
	assert.True(t, apperrors.Is(err, apperrors.ErrDeviceNotConfigured))
}
