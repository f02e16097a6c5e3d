package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/pay-kiosk/internal/config"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/hardware"
	"github.com/wfunc/pay-kiosk/internal/logger"
)

type probeFlags struct {
	port     string
	duration time.Duration
	amount   int64
}

func newProbeCmd() *cobra.Command {
	flags := &probeFlags{}

	cmd := &cobra.Command{
		Use:       "probe <bill|coin|card>",
		Short:     "单独初始化一个设备并打印它的事件",
		ValidArgs: []string{"bill", "coin", "card"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Example: `  # 监听纸币识别器30秒
  kioskd probe bill --duration 30s

  # 指定串口测试投币器
  kioskd probe coin --port /dev/ttyUSB1

  # 发起一笔15.00的刷卡交易
  kioskd probe card --amount 1500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runProbe(cfg, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.port, "port", "", "串口路径 (默认取配置)")
	cmd.Flags().DurationVar(&flags.duration, "duration", time.Minute, "监听时长")
	cmd.Flags().Int64Var(&flags.amount, "amount", 0, "刷卡金额（最小货币单位），仅 card")
	return cmd
}

func runProbe(cfg *config.Config, device string, flags *probeFlags) error {
	mc := probeSettings(cfg.Hardware, device, flags.port)
	if err := checkProbePort(mc, device); err != nil {
		return err
	}
	m := hardware.NewHardwareManager(mc)
	defer m.Dispose()

	enc := json.NewEncoder(os.Stdout)
	m.Subscribe(func(ev hardware.Event) {
		line := map[string]interface{}{
			"event":  hardware.RelayName(ev),
			"device": ev.Device(),
			"data":   ev,
		}
		if e, ok := ev.(hardware.DeviceError); ok {
			line["error"] = e.Message()
		}
		enc.Encode(line)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if device == "card" {
		if res := m.InitializeCardReader(); !res.Success {
			return fmt.Errorf("刷卡器初始化失败: %s", res.Error)
		}
		if flags.amount > 0 {
			res := m.StartCardSale(ctx, flags.amount)
			enc.Encode(res)
			if !res.Success {
				return fmt.Errorf("刷卡失败: %s", res.Error)
			}
			return nil
		}
	} else {
		if res := m.InitializeHardware(); !res.Success {
			return fmt.Errorf("设备初始化失败: %s", res.Error)
		}
		if res := m.ActivateHardware(); !res.Success {
			return fmt.Errorf("设备激活失败: %s", res.Error)
		}
	}

	fmt.Fprintf(os.Stderr, "监听 %s 事件 %s，Ctrl+C 结束\n", device, flags.duration)
	select {
	case <-ctx.Done():
	case <-time.After(flags.duration):
	}

	enc.Encode(m.Status())
	return nil
}

// probeSettings 只保留被测设备的配置
func probeSettings(hw config.HardwareConfig, device, port string) hardware.ManagerConfig {
	hw.BillAcceptor.Enabled = device == "bill"
	hw.CoinAcceptor.Enabled = device == "coin"
	hw.CardReader.Enabled = device == "card"

	if port != "" {
		switch device {
		case "bill":
			hw.BillAcceptor.Port = port
		case "coin":
			hw.CoinAcceptor.Port = port
		case "card":
			hw.CardReader.Port = port
		}
	}
	return hardware.SettingsFromConfig(&hw)
}

// probePortName 被测设备的串口路径
func probePortName(mc hardware.ManagerConfig, device string) string {
	switch {
	case device == "bill" && mc.BillAcceptor != nil:
		return mc.BillAcceptor.Port.Name
	case device == "coin" && mc.CoinAcceptor != nil:
		return mc.CoinAcceptor.Port.Name
	case device == "card" && mc.CardReader != nil:
		return mc.CardReader.Driver.Port.Name
	}
	return ""
}

func checkProbePort(mc hardware.ManagerConfig, device string) error {
	name := probePortName(mc, device)
	if name == "" {
		return apperrors.Newf(apperrors.ErrDeviceNotConfigured, "%s 未配置串口", device)
	}
	if !hardware.SerialPortExists(name) {
		return apperrors.Newf(apperrors.ErrSerialPortOpen, "串口不存在: %s", name)
	}
	return nil
}
