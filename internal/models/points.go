package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserPoints 用户积分
type UserPoints struct {
	UserID    uint      `json:"userId" gorm:"primaryKey;autoIncrement:false"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// AddPoints 原子地增加积分，不存在时创建
func AddPoints(db *gorm.DB, userID uint, delta int64) error {
	row := UserPoints{UserID: userID, Points: delta}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"points": gorm.Expr("user_points.points + ?", delta), "updated_at": time.Now()}),
	}).Create(&row).Error
}
