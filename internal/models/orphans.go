package models

import (
	"time"

	"gorm.io/gorm"
)

// OrphanAsset 已上传但数据库写入失败的对象，由定时任务清理
type OrphanAsset struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	StoragePath string    `json:"storagePath" gorm:"size:512;uniqueIndex"`
	Reason      string    `json:"reason" gorm:"type:text"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func RecordOrphan(db *gorm.DB, path, reason string) error {
	return db.Where(OrphanAsset{StoragePath: path}).
		Assign(OrphanAsset{Reason: reason}).
		FirstOrCreate(&OrphanAsset{}).Error
}

// ListOrphans 返回创建时间早于 before 的孤儿对象；maxAttempts > 0 时跳过已放弃的记录
func ListOrphans(db *gorm.DB, before time.Time, maxAttempts, limit int) ([]OrphanAsset, error) {
	var orphans []OrphanAsset
	q := db.Where("created_at <= ?", before).Order("id")
	if maxAttempts > 0 {
		q = q.Where("attempts < ?", maxAttempts)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orphans).Error; err != nil {
		return nil, err
	}
	return orphans, nil
}

func DeleteOrphan(db *gorm.DB, id uint) error {
	return db.Delete(&OrphanAsset{}, id).Error
}

// MarkOrphanAttempt 记录一次清理失败
func MarkOrphanAttempt(db *gorm.DB, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.Model(&OrphanAsset{}).Where("id = ?", id).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": msg}).Error
}

// AutoMigrate 迁移本包的全部表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Story{}, &Reaction{}, &GroupMember{}, &UserPoints{}, &OrphanAsset{})
}
