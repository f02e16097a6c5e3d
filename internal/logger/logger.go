package logger

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wfunc/pay-kiosk/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex

	// 全局日志级别，支持运行时调整
	atomicLevel = zap.NewAtomicLevel()

	// 未初始化时使用的日志器
	fallback     *zap.Logger
	fallbackOnce sync.Once

	// 模块日志器
	moduleLoggers map[string]*zap.Logger
)

// Init 初始化日志系统
func Init(cfg *config.LogConfig) error {
	var err error
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		moduleLoggers = make(map[string]*zap.Logger)
		atomicLevel.SetLevel(parseLevel(cfg.Level))

		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		// 根据格式选择编码器
		var encoder zapcore.Encoder
		if cfg.Format == "json" {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		} else {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		}

		var cores []zapcore.Core
		var moduleSinks []zapcore.WriteSyncer

		// 控制台输出
		if cfg.Output == "stdout" || cfg.Output == "both" || cfg.Output == "" {
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), atomicLevel))
			moduleSinks = append(moduleSinks, zapcore.AddSync(os.Stdout))
		}

		// 文件输出
		if cfg.Output == "file" || cfg.Output == "both" {
			logDir := cfg.File.Path
			if err = os.MkdirAll(logDir, 0755); err != nil {
				return
			}

			// 文件写入器（支持日志轮转）
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   filepath.Join(logDir, cfg.File.Filename),
				MaxSize:    cfg.File.MaxSize,    // MB
				MaxAge:     cfg.File.MaxAge,     // days
				MaxBackups: cfg.File.MaxBackups, // 保留文件数
				Compress:   cfg.File.Compress,
			})
			cores = append(cores, zapcore.NewCore(encoder, fileWriter, atomicLevel))
			moduleSinks = append(moduleSinks, fileWriter)

			// 错误日志单独存放
			errorWriter := &lumberjack.Logger{
				Filename:   filepath.Join(logDir, "error.log"),
				MaxSize:    cfg.File.MaxSize,
				MaxAge:     cfg.File.MaxAge,
				MaxBackups: cfg.File.MaxBackups,
				Compress:   cfg.File.Compress,
			}
			cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(errorWriter), zapcore.ErrorLevel))
		}

		logger = zap.New(
			zapcore.NewTee(cores...),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
		)
		sugar = logger.Sugar()

		// 模块日志器：serial、bill、coin、card 可单独调整级别
		for module, levelStr := range cfg.Modules {
			moduleCore := zapcore.NewCore(
				encoder,
				zapcore.NewMultiWriteSyncer(moduleSinks...),
				parseLevel(levelStr),
			)
			moduleLoggers[module] = zap.New(moduleCore, zap.AddCaller()).Named(module)
		}
	})

	return err
}

// parseLevel 解析日志级别
func parseLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger 获取日志器
func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		fallbackOnce.Do(func() {
			fallback, _ = zap.NewDevelopment()
			if fallback == nil {
				fallback = zap.NewNop()
			}
		})
		return fallback
	}
	return logger
}

// GetSugar 获取Sugar日志器
func GetSugar() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s == nil {
		return GetLogger().Sugar()
	}
	return s
}

// GetModuleLogger 获取模块日志器
func GetModuleLogger(module string) *zap.Logger {
	mu.RLock()
	moduleLogger, ok := moduleLoggers[module]
	mu.RUnlock()
	if ok {
		return moduleLogger
	}
	return GetLogger().Named(module)
}

// Sync 同步日志缓冲区
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Debug 输出调试日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 输出信息日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 输出警告日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 输出错误日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
}

// Infof 格式化输出信息日志
func Infof(template string, args ...interface{}) {
	GetSugar().Infof(template, args...)
}

// Errorf 格式化输出错误日志
func Errorf(template string, args ...interface{}) {
	GetSugar().Errorf(template, args...)
}

// WithModule 创建带有模块名的日志器
func WithModule(module string) *zap.Logger {
	return GetModuleLogger(module)
}

// LogError 记录错误日志（带堆栈）
func LogError(err error, msg string, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	GetLogger().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// LogPanic 记录panic日志
func LogPanic(recovered interface{}, stack []byte) {
	GetLogger().Error("panic recovered",
		zap.Any("panic", recovered),
		zap.ByteString("stack", stack),
	)
}

// LogFrame 记录串口帧（debug级别，十六进制）
func LogFrame(device, direction string, frame []byte) {
	l := GetModuleLogger("serial")
	if !l.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.Debug("serial_frame",
		zap.String("device", device),
		zap.String("direction", direction), // "tx" or "rx"
		zap.Int("len", len(frame)),
		zap.String("hex", hex.EncodeToString(frame)),
	)
}

// LogSerialCommand 记录串口命令
func LogSerialCommand(device, cmd string, latency time.Duration, err error) {
	l := GetModuleLogger("serial")
	if err == nil {
		l.Debug("serial_command",
			zap.String("device", device),
			zap.String("command", cmd),
			zap.Duration("latency", latency),
		)
		return
	}
	l.Warn("serial_command_failed",
		zap.String("device", device),
		zap.String("command", cmd),
		zap.Duration("latency", latency),
		zap.Error(err),
	)
}

// LogDeviceEvent 记录设备事件
func LogDeviceEvent(device, event string, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("device", device), zap.String("event", event)}, fields...)
	GetModuleLogger(device).Info("device_event", fields...)
}

// LogMQTTMessage 记录MQTT消息
func LogMQTTMessage(topic string, action string, payload interface{}) {
	GetModuleLogger("mqtt").Debug("mqtt_message",
		zap.String("topic", topic),
		zap.String("action", action), // "publish" or "receive"
		zap.Any("payload", payload),
	)
}

// LogDatabaseOperation 记录数据库操作
func LogDatabaseOperation(operation string, table string, duration time.Duration, err error) {
	l := GetModuleLogger("database")
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Duration("duration", duration),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
		l.Error("database_operation_failed", fields...)
		return
	}
	l.Debug("database_operation", fields...)
}

// SetLevel 动态设置日志级别
func SetLevel(levelStr string) {
	atomicLevel.SetLevel(parseLevel(levelStr))
}

// Level 返回当前日志级别
func Level() string {
	return atomicLevel.Level().String()
}

// Cleanup 清理日志资源
func Cleanup() {
	if err := Sync(); err != nil {
		fmt.Printf("Failed to sync logger: %v\n", err)
	}
}
