package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

// memStore is an in-memory Store for manager tests
type memStore struct {
	mu           sync.Mutex
	scenes       map[string]*story.Scene
	characters   map[string]story.Character
	interactions map[string][]story.Interaction
	memories     []story.Memory
	commitErr    error
}

// newTestStore creates a store with scene "s1" cast with Ava (c1) and Ben Hart (c2)
func newTestStore() *memStore {
	return &memStore{
		scenes: map[string]*story.Scene{
			"s1":    {ID: "s1", Title: "The Lighthouse", Environment: "A lighthouse in a storm", Participants: []string{"c1", "c2"}},
			"empty": {ID: "empty", Title: "Nobody"},
		},
		characters: map[string]story.Character{
			"c1": {ID: "c1", Name: "Ava", Personality: "Sharp-eyed investigator"},
			"c2": {ID: "c2", Name: "Ben Hart", Personality: "Nervous assistant keeper"},
		},
		interactions: make(map[string][]story.Interaction),
	}
}

func (s *memStore) GetScene(_ context.Context, id string) (*story.Scene, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scene, ok := s.scenes[id]
	if !ok {
		return nil, apperr.NotFound("scene %s not found", id)
	}
	cp := *scene
	return &cp, nil
}

func (s *memStore) GetCharacters(_ context.Context, ids []string) ([]story.Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []story.Character
	for _, id := range ids {
		if c, ok := s.characters[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) RecentInteractions(_ context.Context, sceneID string, limit int) ([]story.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.interactions[sceneID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]story.Interaction(nil), all...), nil
}

func (s *memStore) CountInteractions(_ context.Context, sceneID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interactions[sceneID]), nil
}

func (s *memStore) TopMemories(_ context.Context, characterID string, limit int) ([]story.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []story.Memory
	for _, m := range s.memories {
		if m.CharacterID == characterID {
			out = append(out, m)
		}
	}
	story.SortMemories(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CommitConversation(_ context.Context, sceneID string, interactions []story.Interaction, memories []story.Memory) ([]story.Interaction, []story.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return nil, nil, s.commitErr
	}

	next := len(s.interactions[sceneID])
	saved := make([]story.Interaction, len(interactions))
	for i, in := range interactions {
		in.ID = fmt.Sprintf("i%d", next+i)
		in.SequenceIndex = next + i
		in.CreatedAt = time.Now()
		saved[i] = in
	}
	s.interactions[sceneID] = append(s.interactions[sceneID], saved...)

	savedMems := make([]story.Memory, len(memories))
	for i, m := range memories {
		m.ID = fmt.Sprintf("m%d", len(s.memories)+i)
		m.Seq = int64(len(s.memories) + i + 1)
		savedMems[i] = m
	}
	s.memories = append(s.memories, savedMems...)
	return saved, savedMems, nil
}

func (s *memStore) persisted(sceneID string) []story.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]story.Interaction(nil), s.interactions[sceneID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceIndex < out[j].SequenceIndex })
	return out
}

func (s *memStore) memoryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memories)
}

// batchJSON renders a model response with alternating speakers
func batchJSON(contents ...string) string {
	speakers := []string{"Ava", "Ben Hart"}
	events := make([]map[string]string, len(contents))
	for i, c := range contents {
		events[i] = map[string]string{
			"character_name":   speakers[i%2],
			"content":          c,
			"interaction_type": "dialogue",
			"emotional_state":  "tense",
		}
	}
	out, _ := json.Marshal(events)
	return string(out)
}
