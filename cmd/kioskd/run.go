package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/pay-kiosk/internal/config"
	"github.com/wfunc/pay-kiosk/internal/database"
	"github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/hardware"
	"github.com/wfunc/pay-kiosk/internal/journal"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"github.com/wfunc/pay-kiosk/internal/repository"
	"github.com/wfunc/pay-kiosk/internal/telemetry"
	"go.uber.org/zap"
)

type runFlags struct {
	noActivate      bool
	shutdownTimeout time.Duration
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动外设服务，直到收到退出信号",
		Long: `初始化已启用的纸币识别器和投币器（并行），初始化刷卡器，
激活收款后一直运行，收到 SIGINT/SIGTERM 时停用并释放全部设备。`,
		Example: `  kioskd run
  kioskd run --config /etc/kiosk/config.yaml
  kioskd run --no-activate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runKiosk(cfg, flags)
		},
	}

	cmd.Flags().BoolVar(&flags.noActivate, "no-activate", false, "只初始化，不开始收款")
	cmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "关闭超时")
	return cmd
}

func runKiosk(cfg *config.Config, flags *runFlags) error {
	k := NewKiosk(cfg)
	if err := k.Start(!flags.noActivate); err != nil {
		k.Shutdown(flags.shutdownTimeout)
		return err
	}

	k.WaitForShutdown()
	return k.Shutdown(flags.shutdownTimeout)
}

// Kiosk 服务实例
type Kiosk struct {
	cfg    *config.Config
	logger *zap.Logger

	manager   *hardware.HardwareManager
	recorder  *journal.Recorder
	publisher *telemetry.Publisher

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewKiosk 创建服务实例
func NewKiosk(cfg *config.Config) *Kiosk {
	ctx, cancel := context.WithCancel(context.Background())
	return &Kiosk{
		cfg:     cfg,
		logger:  logger.GetLogger(),
		manager: hardware.NewHardwareManager(hardware.SettingsFromConfig(&cfg.Hardware)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动各组件，activate 为 true 时开始收款
func (k *Kiosk) Start(activate bool) error {
	k.logger.Info("正在启动外设服务...", zap.String("version", Version))

	if err := k.initJournal(); err != nil {
		return err
	}
	k.initTelemetry()

	k.manager.Subscribe(k.onEvent)

	res := k.manager.InitializeHardware()
	if !res.Success {
		return errors.New(errors.ErrDeviceNotConfigured, res.Error)
	}

	if k.cfg.Hardware.CardReader.Enabled {
		if res := k.manager.InitializeCardReader(); !res.Success {
			k.logger.Warn("刷卡器初始化失败，继续运行", zap.String("error", res.Error))
		}
	}

	if activate {
		if res := k.manager.ActivateHardware(); !res.Success {
			return errors.New(errors.ErrPrecondition, res.Error)
		}
	}

	// 热更新日志级别
	config.Watch(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
		k.logger.Info("配置已更新", zap.String("log_level", newCfg.Log.Level))
	})

	k.logger.Info("外设服务启动成功", zap.Any("status", k.manager.Status()))
	return nil
}

// initJournal 初始化数据库和事件日志
func (k *Kiosk) initJournal() error {
	if !k.cfg.Journal.Enabled {
		return nil
	}

	if err := database.Init(&k.cfg.Database); err != nil {
		return errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if k.cfg.Database.AutoMigrate {
		if err := database.AutoMigrate(); err != nil {
			return errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}

	repo := repository.NewDeviceEventRepository(database.GetDB())
	k.recorder = journal.NewRecorder(repo, journal.Options{BufferSize: k.cfg.Journal.BufferSize})
	k.recorder.Attach(k.manager)
	return nil
}

// initTelemetry 后台连接MQTT，连接成功前的事件直接丢弃
func (k *Kiosk) initTelemetry() {
	if !k.cfg.MQTT.Enabled {
		return
	}

	k.publisher = telemetry.NewPublisher(k.cfg.MQTT)
	k.publisher.Attach(k.manager)

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.publisher.Connect(k.ctx); err != nil {
			k.logger.Warn("MQTT连接终止", zap.Error(err))
		}
	}()
}

func (k *Kiosk) onEvent(ev hardware.Event) {
	if e, ok := ev.(hardware.TotalAmountChanged); ok {
		k.logger.Info("累计金额",
			zap.Int64("total", e.Total),
			zap.Int64("delta", e.Delta),
			zap.String("source", string(e.Source)),
		)
	}
}

// WaitForShutdown 等待关闭信号
func (k *Kiosk) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	k.logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// Shutdown 停用并释放全部设备，关闭日志和遥测
func (k *Kiosk) Shutdown(timeout time.Duration) error {
	k.logger.Info("正在关闭外设服务...")

	k.cancel()

	if res := k.manager.DeactivateHardware(); !res.Success {
		k.logger.Warn("停用设备失败", zap.String("error", res.Error))
	}
	res := k.manager.Dispose()

	if k.publisher != nil {
		k.publisher.Close()
	}
	if k.recorder != nil {
		k.recorder.Close()
	}

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		k.logger.Warn("关闭超时，强制退出")
	}

	if err := database.Close(); err != nil {
		k.logger.Error("关闭数据库失败", zap.Error(err))
	}

	if !res.Success {
		return errors.New(errors.ErrUnknown, res.Error)
	}
	k.logger.Info("外设服务已安全关闭")
	return nil
}
