package database

import (
	"fmt"
	"strings"

	"github.com/wfunc/pay-kiosk/internal/logger"
	"github.com/wfunc/pay-kiosk/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoMigrate 自动迁移全局数据库的表结构
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	return Migrate(DB)
}

// Migrate 迁移指定数据库的表结构
func Migrate(db *gorm.DB) error {
	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免多个进程同时迁移
	if dbPath := getDBPath(db); dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface{}{
		&models.DeviceEvent{},
	}

	logger.Info("开始数据库迁移...")
	for _, model := range migrationModels {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	createIndexes(db)

	logger.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建组合索引
func createIndexes(db *gorm.DB) {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_device_events_session_device ON device_events(session_id, device)",
		"CREATE INDEX IF NOT EXISTS idx_device_events_device_created_at ON device_events(device, created_at)",
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			// 忽略索引已存在的错误
			if !strings.Contains(err.Error(), "already exists") {
				logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
			}
		}
	}
}
