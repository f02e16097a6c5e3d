package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, c.Hardware.BillAcceptor.PollInterval)
	assert.False(t, c.Hardware.BillAcceptor.StrictCRC)
	assert.Equal(t, 2, c.Hardware.CoinAcceptor.Address)
	assert.Equal(t, time.Second, c.Hardware.CoinAcceptor.SettleDelay)
	assert.Equal(t, 115200, c.Hardware.CardReader.BaudRate)
	assert.Equal(t, 60*time.Second, c.Hardware.CardReader.SaleTimeout)
	assert.Equal(t, 5, c.Hardware.CardReader.MaxReconnectAttempts)
	assert.Equal(t, 3, c.Hardware.CardReader.MaxSyncFailures)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.False(t, c.Journal.Enabled)
	assert.False(t, c.MQTT.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
hardware:
  bill_acceptor:
    port: /dev/ttyS0
    strict_crc: true
    bill_types: [255, 0, 255, 0, 0, 0]
  coin_acceptor:
    address: 3
    poll_interval: 150ms
  card_reader:
    enabled: true
    port: /dev/ttyACM1
mqtt:
  client_id: kiosk-7
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", c.Hardware.BillAcceptor.Port)
	assert.True(t, c.Hardware.BillAcceptor.StrictCRC)
	assert.Equal(t, []int{255, 0, 255, 0, 0, 0}, c.Hardware.BillAcceptor.BillTypes)
	assert.Equal(t, 3, c.Hardware.CoinAcceptor.Address)
	assert.Equal(t, 150*time.Millisecond, c.Hardware.CoinAcceptor.PollInterval)
	assert.True(t, c.Hardware.CardReader.Enabled)
	assert.Equal(t, "kiosk/kiosk-7", c.MQTT.ResolvedTopicPrefix())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAY_KIOSK_HARDWARE_COIN_ACCEPTOR_PORT", "/dev/ttyS9")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS9", c.Hardware.CoinAcceptor.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
hardware:
  bill_acceptor:
    bill_types: [255, 255]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "bill_types")

	path = writeConfig(t, `
hardware:
  coin_acceptor:
    address: 300
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "address")
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.Hardware.CardReader.Enabled = true
	assert.Error(t, c.Validate(), "启用的设备必须配置串口")

	c.Hardware.CardReader.Port = "/dev/ttyACM0"
	c.Hardware.CardReader.MaxReconnectAttempts = -1
	assert.Error(t, c.Validate())

	c.Hardware.CardReader.MaxReconnectAttempts = 0
	assert.NoError(t, c.Validate())
}
