package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wfunc/pay-kiosk/internal/config"
	"github.com/wfunc/pay-kiosk/internal/logger"
)

// 版本信息
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kioskd",
		Short: "自助收款终端外设服务",
		Long: `kioskd 驱动纸币识别器(CCNET)、投币器(ccTalk)和刷卡器，
汇总入账金额并把硬件事件写入事件日志或发布到MQTT。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认 ./config/config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap 加载配置并初始化日志
func bootstrap() (*config.Config, error) {
	if err := config.Init(configPath); err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	cfg := config.Get()
	if err := logger.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
