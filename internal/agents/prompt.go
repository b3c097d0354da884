package agents

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

//go:embed prompts/*.tmpl
var embeddedPrompts embed.FS

// exchanges per batch, fewer once a conversation gets long
const (
	earlyExchanges = "3-5"
	lateExchanges  = "2-4"
	lateThreshold  = 10
	profileLimit   = 200
)

// Prompt is a rendered generation request
type Prompt struct {
	System   string `json:"system"`
	User     string `json:"user"`
	Contract string `json:"contract"`
	// MaxTokens overrides the client default when positive
	MaxTokens int `json:"max_tokens,omitempty"`
}

// PromptBuilder renders bundles into prompts
type PromptBuilder struct {
	narrativeSystem *template.Template
	narrativeUser   *template.Template
	distillSystem   *template.Template
	distillUser     *template.Template
}

// loadPrompt reads a template from dir when present, else the embedded copy
func loadPrompt(dir, filename string) (*template.Template, error) {
	var content []byte
	if dir != "" {
		if b, err := os.ReadFile(filepath.Join(dir, filename)); err == nil {
			content = b
		}
	}
	if content == nil {
		b, err := embeddedPrompts.ReadFile("prompts/" + filename)
		if err != nil {
			return nil, fmt.Errorf("could not find prompt file: %s", filename)
		}
		content = b
	}

	tmpl, err := template.New(filename).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt %s: %w", filename, err)
	}
	return tmpl, nil
}

// NewPromptBuilder loads the prompt templates. Files in dir override the
// built-in ones; an empty dir uses the built-ins only.
func NewPromptBuilder(dir string) (*PromptBuilder, error) {
	b := &PromptBuilder{}
	targets := []struct {
		name string
		dst  **template.Template
	}{
		{"narrative_system.tmpl", &b.narrativeSystem},
		{"narrative_user.tmpl", &b.narrativeUser},
		{"distill_system.tmpl", &b.distillSystem},
		{"distill_user.tmpl", &b.distillUser},
	}
	for _, t := range targets {
		tmpl, err := loadPrompt(dir, t.name)
		if err != nil {
			return nil, err
		}
		*t.dst = tmpl
	}
	return b, nil
}

type castMember struct {
	Name        string
	Personality string
	Background  string
	Goals       string
	Fears       string
	Memories    []string
}

type narrativeData struct {
	Mode             string
	Focus            string
	Scene            story.Scene
	Cast             []castMember
	History          []story.HistoryEntry
	Instruction      string
	Contract         string
	InteractionTypes string
	Emotions         string
}

// contractEvent is the shape the model is asked to emit
type contractEvent struct {
	CharacterName       string `json:"character_name"`
	Content             string `json:"content"`
	InteractionType     string `json:"interaction_type"`
	EmotionalState      string `json:"emotional_state"`
	TargetCharacterName string `json:"target_character_name,omitempty"`
}

// Build renders the narrative prompt for mode. focus names the pinned
// character in single-character mode and is ignored otherwise.
func (b *PromptBuilder) Build(bundle *story.ContextBundle, mode story.Mode, focus string) (*Prompt, error) {
	if !mode.Valid() {
		return nil, apperr.InvalidArgument("unknown generation mode %q", mode)
	}
	if len(bundle.Participants) == 0 {
		return nil, apperr.InvalidArgument("scene has no participants")
	}

	if mode == story.ModeSingleCharacter {
		c, ok := bundle.Participant(focus)
		if !ok {
			return nil, apperr.InvalidArgument("single-character mode needs a participant name, got %q", focus)
		}
		focus = c.Name
	} else {
		focus = ""
	}

	exchanges := earlyExchanges
	if bundle.HistoryCount > lateThreshold {
		exchanges = lateExchanges
	}

	contract, err := renderContract(bundle, mode, focus)
	if err != nil {
		return nil, err
	}

	data := narrativeData{
		Mode:             string(mode),
		Focus:            focus,
		Scene:            bundle.Scene,
		Cast:             buildCast(bundle),
		History:          bundle.History,
		Instruction:      instructionFor(mode, exchanges, focus),
		Contract:         contract,
		InteractionTypes: "dialogue, action, thought, narration",
		Emotions:         strings.Join(story.Emotions(), ", "),
	}

	system, err := execute(b.narrativeSystem, data)
	if err != nil {
		return nil, err
	}
	user, err := execute(b.narrativeUser, data)
	if err != nil {
		return nil, err
	}

	return &Prompt{System: system, User: user, Contract: contract}, nil
}

type distillData struct {
	Scene       story.Scene
	Events      []story.Event
	Speakers    string
	MaxSummary  int
	MemoryTypes string
}

// BuildDistill renders the memory distillation prompt for a batch
func (b *PromptBuilder) BuildDistill(bundle *story.ContextBundle, events []story.Event, speakers []string, maxTokens int) (*Prompt, error) {
	if len(events) == 0 || len(speakers) == 0 {
		return nil, apperr.InvalidArgument("nothing to distill")
	}

	data := distillData{
		Scene:       bundle.Scene,
		Events:      events,
		Speakers:    strings.Join(speakers, ", "),
		MaxSummary:  story.MaxSummaryLength,
		MemoryTypes: "interaction, observation, feeling, revelation",
	}

	system, err := execute(b.distillSystem, data)
	if err != nil {
		return nil, err
	}
	user, err := execute(b.distillUser, data)
	if err != nil {
		return nil, err
	}

	return &Prompt{System: system, User: user, MaxTokens: maxTokens}, nil
}

func execute(tmpl *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", tmpl.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func instructionFor(mode story.Mode, exchanges, focus string) string {
	switch mode {
	case story.ModeFresh:
		return fmt.Sprintf("Open the scene with %s events.", exchanges)
	case story.ModeSingleCharacter:
		return fmt.Sprintf("Write %s events for %s only, reacting to what just happened.", exchanges, focus)
	case story.ModeNarration:
		return fmt.Sprintf("Write %s narration events describing how the scene evolves.", exchanges)
	default:
		return fmt.Sprintf("Continue the scene with %s new events.", exchanges)
	}
}

func buildCast(bundle *story.ContextBundle) []castMember {
	cast := make([]castMember, 0, len(bundle.Participants))
	for _, c := range bundle.Participants {
		m := castMember{
			Name:        c.Name,
			Personality: clip(c.Personality, profileLimit),
			Background:  clip(c.Background, profileLimit),
			Goals:       clip(c.Goals, profileLimit),
			Fears:       clip(c.Fears, profileLimit),
		}
		for _, mem := range bundle.Memories[c.ID] {
			m.Memories = append(m.Memories, mem.Summary)
		}
		cast = append(cast, m)
	}
	return cast
}

func renderContract(bundle *story.ContextBundle, mode story.Mode, focus string) (string, error) {
	speaker := bundle.Participants[0].Name
	if focus != "" {
		speaker = focus
	}
	var other string
	for _, c := range bundle.Participants {
		if c.Name != speaker {
			other = c.Name
			break
		}
	}

	example := []contractEvent{
		{
			CharacterName:       speaker,
			Content:             "What the character says or does",
			InteractionType:     "dialogue",
			EmotionalState:      "curious",
			TargetCharacterName: other,
		},
		{
			CharacterName:   speaker,
			Content:         "A short description of what happens",
			InteractionType: "action",
			EmotionalState:  "tense",
		},
	}
	if mode == story.ModeNarration {
		for i := range example {
			example[i].InteractionType = "narration"
			example[i].TargetCharacterName = ""
		}
	}

	out, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render output contract: %w", err)
	}
	return string(out), nil
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
