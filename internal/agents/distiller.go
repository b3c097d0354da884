package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

// DefaultDistillMaxTokens bounds the distillation call
const DefaultDistillMaxTokens = 300

// DistillResult is the outcome of one distillation pass
type DistillResult struct {
	Memories []story.Memory `json:"memories"`
	// Skipped is set when the distill policy declined the batch
	Skipped bool `json:"skipped"`
}

// MemoryDistiller condenses a batch into at most one memory per speaker
type MemoryDistiller struct {
	client    Generator
	builder   *PromptBuilder
	policy    *story.DistillPolicy
	maxTokens int
	logger    *zap.Logger
}

// NewMemoryDistiller creates a distiller. A nil policy uses the default condition.
func NewMemoryDistiller(client Generator, builder *PromptBuilder, policy *story.DistillPolicy, maxTokens int, logger *zap.Logger) (*MemoryDistiller, error) {
	if policy == nil {
		p, err := story.NewDistillPolicy("")
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if maxTokens <= 0 {
		maxTokens = DefaultDistillMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryDistiller{
		client:    client,
		builder:   builder,
		policy:    policy,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Distill produces memories for the characters who took part in events.
// Memories are unpersisted: IDs and timestamps are assigned on save.
func (d *MemoryDistiller) Distill(ctx context.Context, bundle *story.ContextBundle, mode story.Mode, events []story.Event) (*DistillResult, error) {
	speakers := speakersOf(events)

	ok, err := d.policy.ShouldDistill(story.DistillInput{
		Mode:         mode,
		EventCount:   len(events),
		Speakers:     len(speakers),
		HistoryCount: bundle.HistoryCount,
	})
	if err != nil {
		return nil, err
	}
	if !ok || len(speakers) == 0 {
		return &DistillResult{Skipped: true}, nil
	}

	names := make([]string, 0, len(speakers))
	for _, c := range speakers {
		names = append(names, c.Name)
	}

	prompt, err := d.builder.BuildDistill(bundle, events, names, d.maxTokens)
	if err != nil {
		return nil, err
	}

	completion, err := d.client.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("distill memories: %w", err)
	}

	elements, _, _, err := extractElements(completion.Text)
	if err != nil {
		return nil, apperr.Unusable("distill response had no parseable payload", err)
	}

	memories := make([]story.Memory, 0, len(speakers))
	seen := make(map[string]bool, len(speakers))
	for _, el := range elements {
		mem, ok := toMemory(el, speakers)
		if !ok || seen[mem.CharacterID] {
			continue
		}
		seen[mem.CharacterID] = true
		mem.SceneID = bundle.Scene.ID
		memories = append(memories, mem)
	}

	d.logger.Debug("distilled memories",
		zap.String("scene_id", bundle.Scene.ID),
		zap.Int("memories", len(memories)),
		zap.Int("elements", len(elements)))

	return &DistillResult{Memories: memories}, nil
}

// speakersOf returns the distinct characters of a batch in first-seen order
func speakersOf(events []story.Event) []story.Character {
	var speakers []story.Character
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.CharacterID == "" || seen[ev.CharacterID] {
			continue
		}
		seen[ev.CharacterID] = true
		speakers = append(speakers, story.Character{ID: ev.CharacterID, Name: ev.CharacterName})
	}
	return speakers
}

func toMemory(el json.RawMessage, speakers []story.Character) (story.Memory, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(el, &obj); err != nil || obj == nil {
		return story.Memory{}, false
	}

	summary := stringField(obj, "summary")
	if summary == "" {
		return story.Memory{}, false
	}
	c, ok := story.ResolveParticipant(speakers, stringField(obj, "character_name"))
	if !ok {
		return story.Memory{}, false
	}

	return story.Memory{
		CharacterID: c.ID,
		Summary:     story.TruncateSummary(summary),
		Type:        story.ParseMemoryType(stringField(obj, "memory_type")),
		Importance:  story.ClampImportance(importanceOf(obj["importance"])),
	}, true
}

// importanceOf accepts numbers and numeric strings, defaulting to 1
func importanceOf(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(math.Round(n))
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return 1
}
