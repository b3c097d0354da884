package conversation

import (
	"time"

	"github.com/qninhdt/scene-loom/server/internal/story"
)

// Notification types
const (
	NotifyGenerated = "generated"
	NotifySaved     = "saved"
	NotifyDiscarded = "discarded"
)

// Notification describes a change to a scene's conversation
type Notification struct {
	Type         string        `json:"type"`
	SceneID      string        `json:"scene_id"`
	Events       []story.Event `json:"events,omitempty"`
	DraftSize    int           `json:"draft_size"`
	Interactions int           `json:"interactions,omitempty"`
	Memories     int           `json:"memories,omitempty"`
	At           time.Time     `json:"at"`
}

// Notifier receives scene notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}
