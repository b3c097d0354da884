package agents

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

func testBundle() *story.ContextBundle {
	return &story.ContextBundle{
		Scene: story.Scene{
			ID:          "s1",
			Title:       "The Lighthouse",
			Environment: "A lighthouse during a storm",
			Context:     "The keeper has vanished",
			Weather:     "storm",
		},
		Participants: []story.Character{
			{ID: "c1", Name: "Ava", Personality: "Sharp-eyed investigator", Goals: "Find the keeper"},
			{ID: "c2", Name: "Ben Hart", Personality: "Nervous assistant keeper", Fears: "The sea"},
		},
		History: []story.HistoryEntry{
			{CharacterName: "Ava", Content: "The lamp is still warm.", Type: story.InteractionDialogue},
		},
		Memories: map[string][]story.Memory{
			"c2": {{Summary: "Saw a light on the rocks last night", Importance: 4}},
		},
		HistoryCount: 1,
	}
}

func newTestBuilder(t *testing.T) *PromptBuilder {
	t.Helper()
	b, err := NewPromptBuilder("")
	require.NoError(t, err)
	return b
}

func TestBuildFreshPrompt(t *testing.T) {
	bundle := testBundle()
	bundle.History = nil
	bundle.HistoryCount = 0

	p, err := newTestBuilder(t).Build(bundle, story.ModeFresh, "")
	require.NoError(t, err)

	assert.Contains(t, p.User, "Open the scene with 3-5 events.")
	assert.Contains(t, p.User, "The scene is just beginning.")
	assert.Contains(t, p.User, "Weather: storm")
	assert.NotContains(t, p.System, "Do not introduce anyone")
	assert.Contains(t, p.System, "Not every participant has to act")
	assert.Contains(t, p.System, p.Contract)
}

func TestBuildContinuePrompt(t *testing.T) {
	bundle := testBundle()
	bundle.HistoryCount = 12

	p, err := newTestBuilder(t).Build(bundle, story.ModeContinue, "ignored")
	require.NoError(t, err)

	assert.Contains(t, p.System, "Do not introduce anyone")
	assert.Contains(t, p.System, "Never repeat an earlier line verbatim")
	assert.Contains(t, p.User, "Continue the scene with 2-4 new events.")
	assert.Contains(t, p.User, "Ava (dialogue): The lamp is still warm.")
	assert.Contains(t, p.User, "Saw a light on the rocks last night")
	assert.Contains(t, p.User, "Goals: Find the keeper")
	assert.NotContains(t, p.System, "ignored")
}

func TestBuildSingleCharacterPinsName(t *testing.T) {
	p, err := newTestBuilder(t).Build(testBundle(), story.ModeSingleCharacter, "ben hart")
	require.NoError(t, err)

	assert.Contains(t, p.System, `Every event must use character_name "Ben Hart"`)
	assert.Contains(t, p.User, "for Ben Hart only")

	var contract []map[string]string
	require.NoError(t, json.Unmarshal([]byte(p.Contract), &contract))
	require.NotEmpty(t, contract)
	assert.Equal(t, "Ben Hart", contract[0]["character_name"])
	assert.Equal(t, "Ava", contract[0]["target_character_name"])
}

func TestBuildNarrationPrompt(t *testing.T) {
	p, err := newTestBuilder(t).Build(testBundle(), story.ModeNarration, "")
	require.NoError(t, err)

	assert.Contains(t, p.System, "Write narration only")
	var contract []map[string]string
	require.NoError(t, json.Unmarshal([]byte(p.Contract), &contract))
	for _, ev := range contract {
		assert.Equal(t, "narration", ev["interaction_type"])
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Build(testBundle(), story.Mode("solo"), "")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = b.Build(testBundle(), story.ModeSingleCharacter, "Sarah")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))

	_, err = b.Build(&story.ContextBundle{}, story.ModeFresh, "")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
}

func TestBuildDistillPrompt(t *testing.T) {
	events := []story.Event{
		{CharacterName: "Ava", CharacterID: "c1", Content: "Finds a wet footprint.", Type: story.InteractionAction, EmotionalState: "curious"},
	}

	p, err := newTestBuilder(t).BuildDistill(testBundle(), events, []string{"Ava"}, 300)
	require.NoError(t, err)
	assert.Equal(t, 300, p.MaxTokens)
	assert.Contains(t, p.System, "at most one memory per character")
	assert.Contains(t, p.User, "Ava (action, curious): Finds a wet footprint.")
	assert.Contains(t, p.User, "Characters to remember this: Ava")

	_, err = newTestBuilder(t).BuildDistill(testBundle(), nil, nil, 300)
	assert.Error(t, err)
}

func TestPromptDirOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrative_system.tmpl"), []byte("custom {{.Mode}} for {{len .Cast}}"), 0o644))

	b, err := NewPromptBuilder(dir)
	require.NoError(t, err)

	p, err := b.Build(testBundle(), story.ModeFresh, "")
	require.NoError(t, err)
	assert.Equal(t, "custom fresh for 2", p.System)
	assert.Contains(t, p.User, "Open the scene")
}

func TestPromptDirRejectsBrokenTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "distill_user.tmpl"), []byte("{{.Broken"), 0o644))

	_, err := NewPromptBuilder(dir)
	assert.Error(t, err)
}
