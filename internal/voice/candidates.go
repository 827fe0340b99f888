package voice

import (
	"Murmur/internal/models"

	"gorm.io/gorm"
)

// Candidate is a selectable voice in the picker.
type Candidate struct {
	UserID      uint   `json:"userId"`
	DisplayName string `json:"displayName"`
	VoiceID     string `json:"voiceId"`
}

func (c Candidate) Selection() Selection {
	return Selection{TargetUserID: c.UserID, TargetVoiceID: c.VoiceID}
}

// Candidates lists the group members whose cloned voice is ready, excluding
// the author. The author's own voice is always available as the zero Selection.
func Candidates(db *gorm.DB, groupID, authorID uint) ([]Candidate, error) {
	members, err := models.GetReadyVoices(db, groupID, authorID)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(members))
	for _, m := range members {
		out = append(out, Candidate{UserID: m.UserID, DisplayName: m.DisplayName, VoiceID: m.VoiceCloneID})
	}
	return out, nil
}
