package story

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// InteractionType is the closed set of narrative event kinds
type InteractionType string

const (
	InteractionDialogue  InteractionType = "dialogue"
	InteractionAction    InteractionType = "action"
	InteractionThought   InteractionType = "thought"
	InteractionNarration InteractionType = "narration"
)

// interactionSynonyms maps labels models commonly emit to the closed set
var interactionSynonyms = map[string]InteractionType{
	"narrative":     InteractionNarration,
	"description":   InteractionNarration,
	"environmental": InteractionNarration,
	"movement":      InteractionAction,
	"gesture":       InteractionAction,
	"physical":      InteractionAction,
}

// ParseInteractionType normalizes a raw label. Anything unrecognized is dialogue.
func ParseInteractionType(raw string) InteractionType {
	label := strings.ToLower(strings.TrimSpace(raw))
	switch InteractionType(label) {
	case InteractionDialogue, InteractionAction, InteractionThought, InteractionNarration:
		return InteractionType(label)
	}
	if t, ok := interactionSynonyms[label]; ok {
		return t
	}
	return InteractionDialogue
}

// MemoryType classifies a distilled memory
type MemoryType string

const (
	MemoryInteraction MemoryType = "interaction"
	MemoryObservation MemoryType = "observation"
	MemoryFeeling     MemoryType = "feeling"
	MemoryRevelation  MemoryType = "revelation"
)

// ParseMemoryType normalizes a raw label, defaulting to interaction
func ParseMemoryType(raw string) MemoryType {
	switch t := MemoryType(strings.ToLower(strings.TrimSpace(raw))); t {
	case MemoryInteraction, MemoryObservation, MemoryFeeling, MemoryRevelation:
		return t
	}
	return MemoryInteraction
}

// DefaultEmotion is used when a label falls outside the allow-list
const DefaultEmotion = "neutral"

var emotionAllowList = map[string]bool{
	"neutral": true, "happy": true, "sad": true, "angry": true, "afraid": true,
	"curious": true, "determined": true, "anxious": true, "hopeful": true,
	"suspicious": true, "contemplative": true, "surprised": true, "tense": true,
	"calm": true, "excited": true, "guarded": true, "amused": true,
	"frustrated": true, "worried": true, "resolute": true,
}

// NormalizeEmotion validates a label against the soft allow-list
func NormalizeEmotion(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	if emotionAllowList[label] {
		return label
	}
	return DefaultEmotion
}

// Emotions returns the allow-listed emotion labels, sorted
func Emotions() []string {
	labels := make([]string, 0, len(emotionAllowList))
	for label := range emotionAllowList {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Mode selects what a generation call should produce
type Mode string

const (
	ModeFresh           Mode = "fresh"
	ModeContinue        Mode = "continue"
	ModeSingleCharacter Mode = "single-character"
	ModeNarration       Mode = "narration"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeFresh, ModeContinue, ModeSingleCharacter, ModeNarration:
		return true
	}
	return false
}

// Tier is a named model quality/cost trade-off
type Tier string

const (
	TierEconomy Tier = "economy"
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t == TierEconomy || t == TierPremium
}

// Character is a persisted character profile
type Character struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Personality string    `json:"personality"`
	Background  string    `json:"background"`
	Appearance  string    `json:"appearance,omitempty"`
	Goals       string    `json:"goals,omitempty"`
	Fears       string    `json:"fears,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scene is a persisted scene with its cast
type Scene struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Environment  string    `json:"environment"`
	Context      string    `json:"context"`
	Weather      string    `json:"weather,omitempty"`
	TimeOfDay    string    `json:"time_of_day,omitempty"`
	Mood         string    `json:"mood,omitempty"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// Interaction is one persisted narrative event. Append-only.
type Interaction struct {
	ID                string          `json:"id"`
	SceneID           string          `json:"scene_id"`
	CharacterID       string          `json:"character_id"`
	Content           string          `json:"content"`
	Type              InteractionType `json:"interaction_type"`
	EmotionalState    string          `json:"emotional_state"`
	TargetCharacterID string          `json:"target_character_id,omitempty"`
	SequenceIndex     int             `json:"sequence_index"`
	CreatedAt         time.Time       `json:"created_at"`
}

// MaxSummaryLength bounds a memory summary, in runes
const MaxSummaryLength = 280

// Memory is a distilled, immutable memory record
type Memory struct {
	ID          string     `json:"id"`
	CharacterID string     `json:"character_id"`
	SceneID     string     `json:"scene_id"`
	Summary     string     `json:"summary"`
	Type        MemoryType `json:"memory_type"`
	Importance  int        `json:"importance"`
	CreatedAt   time.Time  `json:"created_at"`
	// Seq is the store's insertion order, used as the final tie-break
	Seq int64 `json:"-"`
}

// ClampImportance forces an importance score into 1..5
func ClampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// TruncateSummary bounds s to MaxSummaryLength runes
func TruncateSummary(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxSummaryLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxSummaryLength-1])) + "…"
}

// Event is a validated narrative event produced by the response parser
type Event struct {
	CharacterName       string          `json:"character_name"`
	CharacterID         string          `json:"character_id"`
	Content             string          `json:"content"`
	Type                InteractionType `json:"interaction_type"`
	EmotionalState      string          `json:"emotional_state"`
	TargetCharacterName string          `json:"target_character_name,omitempty"`
	TargetCharacterID   string          `json:"target_character_id,omitempty"`
}
