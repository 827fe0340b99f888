package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	VoiceCloneNone       = "none"
	VoiceClonePending    = "pending"
	VoiceCloneProcessing = "processing"
	VoiceCloneReady      = "ready"
	VoiceCloneFailed     = "failed"
)

// GroupMember 群组成员，携带该成员的克隆音色
type GroupMember struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	GroupID          uint      `json:"groupId" gorm:"index:idx_group_user,unique"`
	UserID           uint      `json:"userId" gorm:"index:idx_group_user,unique"`
	DisplayName      string    `json:"displayName" gorm:"size:128"`
	VoiceCloneID     string    `json:"voiceCloneId" gorm:"size:128"`                  // 语音服务侧的音色 ID
	VoiceCloneStatus string    `json:"voiceCloneStatus" gorm:"size:32;default:none"` // none/pending/processing/ready/failed
	CreatedAt        time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt        time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// AddGroupMember 加入群组，已存在时更新昵称
func AddGroupMember(db *gorm.DB, groupID, userID uint, displayName string) (*GroupMember, error) {
	m := &GroupMember{GroupID: groupID, UserID: userID}
	if err := db.Where(GroupMember{GroupID: groupID, UserID: userID}).
		Attrs(GroupMember{VoiceCloneStatus: VoiceCloneNone}).
		FirstOrCreate(m).Error; err != nil {
		return nil, err
	}
	if displayName != "" && m.DisplayName != displayName {
		m.DisplayName = displayName
		if err := db.Save(m).Error; err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetVoiceClone 更新成员的克隆音色状态
func SetVoiceClone(db *gorm.DB, groupID, userID uint, voiceID, status string) error {
	return db.Model(&GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Updates(map[string]any{"voice_clone_id": voiceID, "voice_clone_status": status}).Error
}

// GetGroupMembers 获取群组成员
func GetGroupMembers(db *gorm.DB, groupID uint) ([]GroupMember, error) {
	var members []GroupMember
	if err := db.Where("group_id = ?", groupID).Order("id").Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// GetReadyVoices 获取群组中已就绪的克隆音色，excludeUserID 通常是作者本人
func GetReadyVoices(db *gorm.DB, groupID, excludeUserID uint) ([]GroupMember, error) {
	var members []GroupMember
	err := db.Where("group_id = ? AND user_id <> ? AND voice_clone_status = ? AND voice_clone_id <> ''",
		groupID, excludeUserID, VoiceCloneReady).
		Order("id").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

// CountUserGroups 用户加入的群组数
func CountUserGroups(db *gorm.DB, userID uint) (int64, error) {
	var n int64
	err := db.Model(&GroupMember{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}
