package models

import (
	"time"

	"gorm.io/gorm"
)

// Story 顶层语音帖子
type Story struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	UserID            uint      `json:"userId" gorm:"index"`
	Title             string    `json:"title" gorm:"size:255"`
	AudioURL          string    `json:"audioUrl" gorm:"size:1024"`
	StoragePath       string    `json:"storagePath" gorm:"size:512"`
	Duration          float64   `json:"duration"`                                 // 秒
	Transcription     *string   `json:"transcription,omitempty" gorm:"type:text"` // 可能为空
	GroupID           *uint     `json:"groupId,omitempty" gorm:"index"`           // 仅群组可见时设置
	IsFriendsOnly     bool      `json:"isFriendsOnly"`
	IsVoiceCloned     bool      `json:"isVoiceCloned"`
	ClonedVoiceUserID *uint     `json:"clonedVoiceUserId,omitempty"` // 使用了谁的音色
	CreatedAt         time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// Reaction 对帖子或其他回应的语音回复
type Reaction struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	StoryID           uint      `json:"storyId" gorm:"index"`
	ParentReactionID  *uint     `json:"parentReactionId,omitempty" gorm:"index"` // 楼中楼
	UserID            uint      `json:"userId" gorm:"index"`
	AudioURL          string    `json:"audioUrl" gorm:"size:1024"`
	StoragePath       string    `json:"storagePath" gorm:"size:512"`
	Duration          float64   `json:"duration"`
	Transcription     *string   `json:"transcription,omitempty" gorm:"type:text"`
	IsVoiceCloned     bool      `json:"isVoiceCloned"`
	ClonedVoiceUserID *uint     `json:"clonedVoiceUserId,omitempty"`
	CreatedAt         time.Time `json:"createdAt" gorm:"autoCreateTime"`
}

// CreateStory 插入帖子
func CreateStory(db *gorm.DB, story *Story) error {
	return db.Create(story).Error
}

// CreateReaction 插入回应，父回应必须属于同一帖子
func CreateReaction(db *gorm.DB, reaction *Reaction) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&Story{}, reaction.StoryID).Error; err != nil {
			return err
		}
		if reaction.ParentReactionID != nil {
			var parent Reaction
			if err := tx.Select("id", "story_id").First(&parent, *reaction.ParentReactionID).Error; err != nil {
				return err
			}
			if parent.StoryID != reaction.StoryID {
				return gorm.ErrInvalidData
			}
		}
		return tx.Create(reaction).Error
	})
}
