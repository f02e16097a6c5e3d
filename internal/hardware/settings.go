package hardware

import (
	"github.com/wfunc/pay-kiosk/internal/config"
)

// ManagerConfig 管理器配置，nil 表示该设备未配置
type ManagerConfig struct {
	BillAcceptor *BillAcceptorConfig
	CoinAcceptor *CoinAcceptorConfig
	CardReader   *CardReaderDeviceConfig
}

// SetOpener 为所有已配置设备替换串口打开方式
func (c *ManagerConfig) SetOpener(opener PortOpener) {
	if c.BillAcceptor != nil {
		c.BillAcceptor.Opener = opener
	}
	if c.CoinAcceptor != nil {
		c.CoinAcceptor.Opener = opener
	}
	if c.CardReader != nil {
		c.CardReader.Driver.Opener = opener
	}
}

// SettingsFromConfig 将配置文件中的外设配置转换为驱动配置
func SettingsFromConfig(hw *config.HardwareConfig) ManagerConfig {
	var mc ManagerConfig
	if hw == nil {
		return mc
	}

	if b := hw.BillAcceptor; b.Enabled {
		c := DefaultBillAcceptorConfig(b.Port)
		if b.BaudRate > 0 {
			c.Port.BaudRate = b.BaudRate
		}
		if b.PollInterval > 0 {
			c.PollInterval = b.PollInterval
		}
		if b.ResponseTimeout > 0 {
			c.ResponseTimeout = b.ResponseTimeout
		}
		c.StrictCRC = b.StrictCRC
		if len(b.BillTypes) == len(c.BillTypes) {
			for i, v := range b.BillTypes {
				c.BillTypes[i] = byte(v)
			}
		}
		mc.BillAcceptor = &c
	}

	if k := hw.CoinAcceptor; k.Enabled {
		c := DefaultCoinAcceptorConfig(k.Port)
		if k.BaudRate > 0 {
			c.Port.BaudRate = k.BaudRate
		}
		if k.Address > 0 {
			c.Address = byte(k.Address)
		}
		if k.PollInterval > 0 {
			c.PollInterval = k.PollInterval
		}
		if k.ResponseTimeout > 0 {
			c.ResponseTimeout = k.ResponseTimeout
		}
		if k.SettleDelay > 0 {
			c.SettleDelay = k.SettleDelay
		}
		mc.CoinAcceptor = &c
	}

	if r := hw.CardReader; r.Enabled {
		c := DefaultCardReaderDeviceConfig(r.Port)
		if r.BaudRate > 0 {
			c.Driver.Port.BaudRate = r.BaudRate
		}
		if r.SyncInterval > 0 {
			c.Driver.SyncInterval = r.SyncInterval
		}
		if r.SaleTimeout > 0 {
			c.Driver.SaleTimeout = r.SaleTimeout
		}
		if r.ReceiveTimeout > 0 {
			c.Driver.ReceiveTimeout = r.ReceiveTimeout
		}
		if r.RetryPause > 0 {
			c.Driver.RetryPause = r.RetryPause
		}
		c.Driver.MaxSyncFailures = r.MaxSyncFailures
		c.MaxReconnectAttempts = r.MaxReconnectAttempts
		if r.ReconnectInterval > 0 {
			c.ReconnectInterval = r.ReconnectInterval
		}
		mc.CardReader = &c
	}
	return mc
}
