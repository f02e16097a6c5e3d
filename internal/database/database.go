package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wfunc/pay-kiosk/internal/config"
	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// DB 全局数据库实例
	DB *gorm.DB
)

// Init 初始化全局数据库连接
func Init(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open 按配置打开数据库连接
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 NewGormLogger(logger.GetModuleLogger("database"), parseLogLevel(cfg.LogLevel)),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "获取数据库实例失败")
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "数据库连接测试失败")
	}

	logger.Info("数据库连接成功",
		zap.String("driver", cfg.Driver),
		zap.Int("max_idle", cfg.MaxIdleConns),
		zap.Int("max_open", cfg.MaxOpenConns),
	)
	return db, nil
}

// dialectorFor 根据配置选择数据库驱动
func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "sqlite3", "":
		if cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
			if dir := filepath.Dir(cfg.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, apperrors.Wrap(err, apperrors.ErrDatabaseConnect, "创建数据目录失败")
				}
			}
		}
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrConfigValidate, "不支持的数据库驱动: %s", cfg.Driver)
	}
}

func parseLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

// Close 关闭全局数据库连接
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB 获取数据库实例
func GetDB() *gorm.DB {
	return DB
}

// IsConnected 检查数据库是否连接
func IsConnected() bool {
	if DB == nil {
		return false
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

// GormLogger GORM日志适配器
type GormLogger struct {
	logger   *zap.Logger
	logLevel gormlogger.LogLevel
}

// NewGormLogger 创建GORM日志适配器
func NewGormLogger(logger *zap.Logger, level gormlogger.LogLevel) *GormLogger {
	return &GormLogger{
		logger:   logger,
		logLevel: level,
	}
}

// LogMode 设置日志级别
func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &GormLogger{logger: l.logger, logLevel: level}
}

// Info 输出信息日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= gormlogger.Info {
		l.logger.Sugar().Infof(msg, data...)
	}
}

// Warn 输出警告日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= gormlogger.Warn {
		l.logger.Sugar().Warnf(msg, data...)
	}
}

// Error 输出错误日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= gormlogger.Error {
		l.logger.Sugar().Errorf(msg, data...)
	}
}

// Trace 输出SQL追踪日志
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.logLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.logLevel >= gormlogger.Error:
		l.logger.Error("SQL执行错误",
			zap.Error(err),
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
		)
	case elapsed > time.Second && l.logLevel >= gormlogger.Warn:
		l.logger.Warn("SQL执行缓慢",
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
		)
	case l.logLevel >= gormlogger.Info:
		l.logger.Debug("SQL执行",
			zap.String("sql", sql),
			zap.Duration("elapsed", elapsed),
			zap.Int64("rows", rows),
		)
	}
}
