package repository

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/wfunc/pay-kiosk/internal/errors"
	"github.com/wfunc/pay-kiosk/internal/logger"
	"github.com/wfunc/pay-kiosk/internal/models"
	"gorm.io/gorm"
)

// DeviceEventRepository 硬件事件日志仓储接口
type DeviceEventRepository interface {
	Create(ctx context.Context, event *models.DeviceEvent) error
	BatchCreate(ctx context.Context, events []*models.DeviceEvent) error
	FindByID(ctx context.Context, id uint) (*models.DeviceEvent, error)
	FindBySession(ctx context.Context, sessionID string, pagination *Pagination) ([]*models.DeviceEvent, error)
	FindBySaleID(ctx context.Context, saleID string) ([]*models.DeviceEvent, error)
	Query(ctx context.Context, query *models.DeviceEventQuery) ([]*models.DeviceEvent, *Pagination, error)
	SumAmount(ctx context.Context, sessionID string) (int64, error)
	SummaryByDevice(ctx context.Context, sessionID string) ([]*models.DeviceEventSummary, error)
	CleanupOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// deviceEventRepo 硬件事件日志仓储实现
type deviceEventRepo struct {
	*BaseRepo
}

// NewDeviceEventRepository 创建硬件事件日志仓储
func NewDeviceEventRepository(db *gorm.DB) DeviceEventRepository {
	return &deviceEventRepo{
		BaseRepo: &BaseRepo{db: db},
	}
}

// Create 写入单条事件
func (r *deviceEventRepo) Create(ctx context.Context, event *models.DeviceEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, event.Type)
	}
	return nil
}

// BatchCreate 批量写入事件
func (r *deviceEventRepo) BatchCreate(ctx context.Context, events []*models.DeviceEvent) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	err := r.db.WithContext(ctx).CreateInBatches(events, 100).Error
	logger.LogDatabaseOperation("batch_insert", models.DeviceEvent{}.TableName(), time.Since(start), err)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "批量写入事件失败")
	}
	return nil
}

// FindByID 根据ID查找
func (r *deviceEventRepo) FindByID(ctx context.Context, id uint) (*models.DeviceEvent, error) {
	var event models.DeviceEvent
	err := r.db.WithContext(ctx).First(&event, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "事件不存在: %d", id)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return &event, nil
}

// FindBySession 按会话查找，按时间顺序返回
func (r *deviceEventRepo) FindBySession(ctx context.Context, sessionID string, pagination *Pagination) ([]*models.DeviceEvent, error) {
	var events []*models.DeviceEvent
	db := r.db.WithContext(ctx).Model(&models.DeviceEvent{}).
		Where("session_id = ?", sessionID).
		Session(&gorm.Session{})

	if pagination != nil {
		if err := db.Count(&pagination.Total).Error; err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
		}
		db = db.Scopes(Paginate(pagination))
	}

	if err := db.Order("id ASC").Find(&events).Error; err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return events, nil
}

// FindBySaleID 查找一次刷卡交易的全部事件
func (r *deviceEventRepo) FindBySaleID(ctx context.Context, saleID string) ([]*models.DeviceEvent, error) {
	var events []*models.DeviceEvent
	err := r.db.WithContext(ctx).
		Where("sale_id = ?", saleID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return events, nil
}

// Query 按条件分页查询，最新的在前
func (r *deviceEventRepo) Query(ctx context.Context, query *models.DeviceEventQuery) ([]*models.DeviceEvent, *Pagination, error) {
	db := r.db.WithContext(ctx).Model(&models.DeviceEvent{})

	if query.SessionID != "" {
		db = db.Where("session_id = ?", query.SessionID)
	}
	if query.Device != "" {
		db = db.Where("device = ?", query.Device)
	}
	if query.Type != "" {
		db = db.Where("type = ?", query.Type)
	}
	if !query.StartTime.IsZero() {
		db = db.Where("created_at >= ?", query.StartTime)
	}
	if !query.EndTime.IsZero() {
		db = db.Where("created_at <= ?", query.EndTime)
	}

	db = db.Session(&gorm.Session{})

	pagination := NewPagination(query.Page, query.PageSize)
	if err := db.Count(&pagination.Total).Error; err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}

	var events []*models.DeviceEvent
	err := db.Scopes(Paginate(pagination)).
		Order("created_at DESC, id DESC").
		Find(&events).Error
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return events, pagination, nil
}

// SumAmount 统计会话内入账总额
func (r *deviceEventRepo) SumAmount(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.DeviceEvent{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return total, nil
}

// SummaryByDevice 按设备汇总事件数和金额
func (r *deviceEventRepo) SummaryByDevice(ctx context.Context, sessionID string) ([]*models.DeviceEventSummary, error) {
	var summaries []*models.DeviceEventSummary
	db := r.db.WithContext(ctx).Model(&models.DeviceEvent{})
	if sessionID != "" {
		db = db.Where("session_id = ?", sessionID)
	}
	err := db.Select("device, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("device").
		Order("device ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery)
	}
	return summaries, nil
}

// CleanupOlderThan 删除指定时间之前的事件，返回删除条数
func (r *deviceEventRepo) CleanupOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.DeviceEvent{})
	if result.Error != nil {
		return 0, apperrors.Wrap(result.Error, apperrors.ErrDatabaseQuery)
	}
	return result.RowsAffected, nil
}
