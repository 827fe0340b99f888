package publish

import (
	"strings"

	"Murmur/internal/audio"
	"Murmur/pkg/errors"

	"github.com/google/uuid"
)

type PostKind string

const (
	KindStory    PostKind = "story"
	KindReaction PostKind = "reaction"
)

// Transcript is text already obtained for an asset, e.g. by the recording
// session. It is reused only if it belongs to the asset being published.
type Transcript struct {
	Text      string
	SourceURI string
}

// PostDraft is everything the author has chosen before tapping send.
type PostDraft struct {
	ID       string
	Kind     PostKind
	AuthorID uint
	Title    string
	Asset    audio.AudioAsset

	Transcript *Transcript

	// stories
	GroupID       *uint
	NoCollege     bool // 作者不属于任何学校社群
	HasGroups     bool // 作者至少加入了一个群组
	IsFriendsOnly bool

	// reactions
	StoryID          uint
	ParentReactionID *uint

	// set when a voice other than the author's was applied
	ClonedVoiceUserID *uint
}

func NewStoryDraft(authorID uint) *PostDraft {
	return &PostDraft{ID: uuid.NewString(), Kind: KindStory, AuthorID: authorID}
}

func NewReactionDraft(authorID, storyID uint, parentReactionID *uint) *PostDraft {
	return &PostDraft{
		ID:               uuid.NewString(),
		Kind:             KindReaction,
		AuthorID:         authorID,
		StoryID:          storyID,
		ParentReactionID: parentReactionID,
	}
}

func invalidDraft(msg string) error {
	return errors.NewKind(errors.KindInvalidDraft, "publish: "+msg)
}

// Validate checks the preconditions for publishing.
func (d *PostDraft) Validate() error {
	if d == nil {
		return invalidDraft("nil draft")
	}
	if d.ID == "" {
		return invalidDraft("draft has no id")
	}
	if d.AuthorID == 0 {
		return invalidDraft("draft has no author")
	}
	if d.Asset.IsZero() {
		return invalidDraft("nothing recorded")
	}
	switch d.Kind {
	case KindStory:
		if strings.TrimSpace(d.Title) == "" {
			return invalidDraft("title is required")
		}
		// 非学校用户发到群组时必须选择群组
		if d.NoCollege && d.HasGroups && d.GroupID == nil {
			return invalidDraft("choose a group to post to")
		}
	case KindReaction:
		if d.StoryID == 0 {
			return invalidDraft("reaction has no story")
		}
	default:
		return invalidDraft("unknown post kind " + string(d.Kind))
	}
	return nil
}
