package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONData 用于存储JSON格式的数据
type JSONData map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONData) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 实现 sql.Scanner 接口
func (j *JSONData) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		strVal, ok := value.(string)
		if !ok {
			return nil
		}
		bytes = []byte(strVal)
	}
	return json.Unmarshal(bytes, j)
}

// DeviceEvent 硬件事件日志
type DeviceEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	// 一次进程运行对应一个会话
	SessionID string `gorm:"type:varchar(36);index;not null" json:"session_id"`
	Device    string `gorm:"type:varchar(20);index;not null" json:"device"`
	Type      string `gorm:"type:varchar(40);index;not null" json:"type"` // 对外事件名，如 coinInserted

	// 入账金额，仅投币、纸币入箱和刷卡成功记录
	Amount int64  `gorm:"default:0" json:"amount"`
	SaleID string `gorm:"type:varchar(36);index" json:"sale_id,omitempty"`

	Payload JSONData `gorm:"type:text" json:"payload,omitempty"`

	ErrorCode    int    `gorm:"default:0" json:"error_code,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
}

// TableName 指定表名
func (DeviceEvent) TableName() string {
	return "device_events"
}

// DeviceEventQuery 查询条件
type DeviceEventQuery struct {
	SessionID string    `json:"session_id"`
	Device    string    `json:"device"`
	Type      string    `json:"type"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Page      int       `json:"page"`
	PageSize  int       `json:"page_size"`
}

// DeviceEventSummary 按设备汇总
type DeviceEventSummary struct {
	Device string `json:"device"`
	Count  int64  `json:"count"`
	Amount int64  `json:"amount"`
}
