package agents_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qninhdt/scene-loom/server/internal/agents"
	"github.com/qninhdt/scene-loom/server/internal/agents/agentstest"
	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

// lighthouseBundle is scene s1 cast with Ava (c1) and Ben Hart (c2)
func lighthouseBundle() *story.ContextBundle {
	return &story.ContextBundle{
		Scene: story.Scene{ID: "s1", Title: "The Lighthouse", Environment: "A lighthouse during a storm"},
		Participants: []story.Character{
			{ID: "c1", Name: "Ava", Personality: "Sharp-eyed investigator"},
			{ID: "c2", Name: "Ben Hart", Personality: "Nervous assistant keeper"},
		},
	}
}

func newTestDistiller(t *testing.T, mock *agentstest.Provider, condition string) *agents.MemoryDistiller {
	t.Helper()
	policy, err := story.NewDistillPolicy(condition)
	require.NoError(t, err)
	builder, err := agents.NewPromptBuilder("")
	require.NoError(t, err)
	d, err := agents.NewMemoryDistiller(newTestClient(t, mock, newSelection(t)), builder, policy, 0, nil)
	require.NoError(t, err)
	return d
}

var avaBatch = []story.Event{
	{CharacterName: "Ava", CharacterID: "c1", Content: "Finds a wet footprint.", Type: story.InteractionAction},
	{CharacterName: "Ava", CharacterID: "c1", Content: "Someone was here.", Type: story.InteractionDialogue},
}

func TestDistillOneMemoryPerSpeaker(t *testing.T) {
	mock := agentstest.NewProvider(agentstest.Response{Text: "```json\n" + `[
		{"character_name": "Ava", "summary": "Found proof someone else was in the lighthouse", "memory_type": "Revelation", "importance": 7},
		{"character_name": "Ava", "summary": "A second memory for Ava", "memory_type": "feeling", "importance": 2},
		{"character_name": "Ben Hart", "summary": "Not part of this batch", "importance": 3},
		{"character_name": "Ava", "memory_type": "feeling"}
	]` + "\n```"})
	d := newTestDistiller(t, mock, "")

	res, err := d.Distill(context.Background(), lighthouseBundle(), story.ModeContinue, avaBatch)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, res.Memories, 1)

	mem := res.Memories[0]
	assert.Equal(t, "c1", mem.CharacterID)
	assert.Equal(t, "s1", mem.SceneID)
	assert.Equal(t, story.MemoryRevelation, mem.Type)
	assert.Equal(t, 5, mem.Importance)
	assert.Empty(t, mem.ID)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, agents.DefaultDistillMaxTokens, calls[0].MaxTokens)
}

func TestDistillImportanceFormats(t *testing.T) {
	mock := agentstest.NewProvider(agentstest.Response{Text: `[{"character_name":"Ava","summary":"s","importance":"4"}]`})
	res, err := newTestDistiller(t, mock, "").Distill(context.Background(), lighthouseBundle(), story.ModeContinue, avaBatch)
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, 4, res.Memories[0].Importance)
	assert.Equal(t, story.MemoryInteraction, res.Memories[0].Type)

	mock = agentstest.NewProvider(agentstest.Response{Text: `[{"character_name":"Ava","summary":"s"}]`})
	res, err = newTestDistiller(t, mock, "").Distill(context.Background(), lighthouseBundle(), story.ModeContinue, avaBatch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Memories[0].Importance)
}

func TestDistillSkippedByPolicy(t *testing.T) {
	mock := agentstest.NewProvider(agentstest.Response{Text: "[]"})
	d := newTestDistiller(t, mock, "")

	res, err := d.Distill(context.Background(), lighthouseBundle(), story.ModeFresh, avaBatch)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, mock.CallCount())

	res, err = d.Distill(context.Background(), lighthouseBundle(), story.ModeContinue, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestDistillCustomPolicy(t *testing.T) {
	mock := agentstest.NewProvider(agentstest.Response{Text: `[{"character_name":"Ava","summary":"Opened the scene"}]`})
	d := newTestDistiller(t, mock, "event_count > 0")

	res, err := d.Distill(context.Background(), lighthouseBundle(), story.ModeFresh, avaBatch)
	require.NoError(t, err)
	assert.Len(t, res.Memories, 1)
}

func TestDistillFailures(t *testing.T) {
	mock := agentstest.NewProvider(agentstest.Response{Err: apperr.Rejected("no credits", nil)})
	_, err := newTestDistiller(t, mock, "").Distill(context.Background(), lighthouseBundle(), story.ModeContinue, avaBatch)
	assert.True(t, apperr.IsProviderRejected(err))

	mock = agentstest.NewProvider(agentstest.Response{Text: "I'd rather not."})
	_, err = newTestDistiller(t, mock, "").Distill(context.Background(), lighthouseBundle(), story.ModeContinue, avaBatch)
	assert.True(t, apperr.IsGenerationUnusable(err))
}
