package conversation

import (
	"container/list"
	"time"

	"github.com/qninhdt/scene-loom/server/internal/story"
)

// State is where a scene sits in the conversation lifecycle
type State string

const (
	StateIdle     State = "idle"
	StateDrafting State = "drafting"
)

// Draft accumulates generated events and memories between saves
type Draft struct {
	sceneID   string
	pending   *list.List // story.Event
	memories  []story.Memory
	batches   int
	startedAt time.Time
	updatedAt time.Time
}

// newDraft creates an empty draft for a scene
func newDraft(sceneID string, now time.Time) *Draft {
	return &Draft{
		sceneID:   sceneID,
		pending:   list.New(),
		startedAt: now,
		updatedAt: now,
	}
}

// AppendBatch adds one generated batch to the draft
func (d *Draft) AppendBatch(events []story.Event, memories []story.Memory, now time.Time) {
	for _, ev := range events {
		d.pending.PushBack(ev)
	}
	d.memories = append(d.memories, memories...)
	d.batches++
	d.updatedAt = now
}

// Events returns the drafted events in order
func (d *Draft) Events() []story.Event {
	events := make([]story.Event, 0, d.pending.Len())
	for elem := d.pending.Front(); elem != nil; elem = elem.Next() {
		events = append(events, elem.Value.(story.Event))
	}
	return events
}

// Memories returns the memories distilled so far
func (d *Draft) Memories() []story.Memory {
	return append([]story.Memory(nil), d.memories...)
}

// Count returns the number of drafted events
func (d *Draft) Count() int {
	return d.pending.Len()
}

// Snapshot is a read-only view of a scene's conversation
type Snapshot struct {
	SceneID   string         `json:"scene_id"`
	State     State          `json:"state"`
	Events    []story.Event  `json:"events"`
	Memories  []story.Memory `json:"memories"`
	Batches   int            `json:"batches"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

func (d *Draft) snapshot() *Snapshot {
	started, updated := d.startedAt, d.updatedAt
	return &Snapshot{
		SceneID:   d.sceneID,
		State:     StateDrafting,
		Events:    d.Events(),
		Memories:  d.Memories(),
		Batches:   d.batches,
		StartedAt: &started,
		UpdatedAt: &updated,
	}
}
