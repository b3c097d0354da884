package story

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
)

const (
	DefaultHistoryLimit         = 8
	DefaultMemoriesPerCharacter = 3
)

// Reader is the read side of the persistence layer the assembler depends on
type Reader interface {
	GetScene(ctx context.Context, id string) (*Scene, error)
	GetCharacters(ctx context.Context, ids []string) ([]Character, error)
	RecentInteractions(ctx context.Context, sceneID string, limit int) ([]Interaction, error)
	CountInteractions(ctx context.Context, sceneID string) (int, error)
	TopMemories(ctx context.Context, characterID string, limit int) ([]Memory, error)
}

// HistoryEntry is one line of recent scene history in a bundle
type HistoryEntry struct {
	CharacterName string          `json:"character_name"`
	Content       string          `json:"content"`
	Type          InteractionType `json:"interaction_type"`
	Draft         bool            `json:"draft"`
}

// ContextBundle is the bounded context for one generation call
type ContextBundle struct {
	Scene        Scene               `json:"scene"`
	Participants []Character         `json:"participants"`
	History      []HistoryEntry      `json:"history"`
	Memories     map[string][]Memory `json:"memories"` // keyed by character ID
	// HistoryCount is how many events precede this batch, before bounding
	HistoryCount int `json:"history_count"`
}

// Participant resolves a participant of the bundle by name
func (b *ContextBundle) Participant(name string) (Character, bool) {
	return ResolveParticipant(b.Participants, name)
}

// ResolveParticipant matches a name label against a cast: an exact
// case-insensitive match first, then a cast name appearing as whole words
// inside a longer label ("Detective Marcus Thompson"). A label naming more
// than one cast member resolves to nobody.
func ResolveParticipant(cast []Character, name string) (Character, bool) {
	label := strings.ToLower(strings.TrimSpace(name))
	if label == "" {
		return Character{}, false
	}
	for _, c := range cast {
		if foldName(c.Name) == label {
			return c, true
		}
	}

	var matches []Character
	for _, c := range cast {
		if n := foldName(c.Name); n != "" && containsWords(label, n) {
			matches = append(matches, c)
		}
	}

	// "Ben" inside a matched "Ben Hart" is the same mention, not a second one
	var distinct []Character
	for _, c := range matches {
		shadowed := false
		for _, other := range matches {
			if other.ID != c.ID && len(foldName(other.Name)) > len(foldName(c.Name)) &&
				containsWords(foldName(other.Name), foldName(c.Name)) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			distinct = append(distinct, c)
		}
	}
	if len(distinct) != 1 {
		return Character{}, false
	}
	return distinct[0], true
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// containsWords reports whether word occurs in s bounded by non-alphanumerics
func containsWords(s, word string) bool {
	for offset := 0; offset <= len(s)-len(word); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if (start == 0 || !isWordRune(before)) && (end == len(s) || !isWordRune(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		offset = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ParticipantByID looks up a participant by character ID
func (b *ContextBundle) ParticipantByID(id string) (Character, bool) {
	for _, c := range b.Participants {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// ParticipantNames returns the cast names in scene order
func (b *ContextBundle) ParticipantNames() []string {
	names := make([]string, 0, len(b.Participants))
	for _, c := range b.Participants {
		names = append(names, c.Name)
	}
	return names
}

// ContextAssembler gathers the minimal state needed for a generation call
type ContextAssembler struct {
	reader               Reader
	historyLimit         int
	memoriesPerCharacter int
}

// NewContextAssembler creates an assembler. Non-positive limits use defaults.
func NewContextAssembler(reader Reader, historyLimit, memoriesPerCharacter int) *ContextAssembler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if memoriesPerCharacter <= 0 {
		memoriesPerCharacter = DefaultMemoriesPerCharacter
	}
	return &ContextAssembler{
		reader:               reader,
		historyLimit:         historyLimit,
		memoriesPerCharacter: memoriesPerCharacter,
	}
}

// Assemble builds the context bundle for a scene. draft holds the events of the
// scene's in-progress conversation, oldest first.
func (a *ContextAssembler) Assemble(ctx context.Context, sceneID string, mode Mode, draft []Event) (*ContextBundle, error) {
	scene, err := a.reader.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if len(scene.Participants) == 0 {
		return nil, apperr.NotFound("scene %s has no participants", sceneID)
	}

	participants, err := a.reader.GetCharacters(ctx, scene.Participants)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	if len(participants) == 0 {
		return nil, apperr.NotFound("scene %s has no participants", sceneID)
	}

	bundle := &ContextBundle{
		Scene:        *scene,
		Participants: participants,
		Memories:     make(map[string][]Memory, len(participants)),
	}

	var persisted []Interaction
	if mode != ModeFresh {
		persisted, err = a.reader.RecentInteractions(ctx, sceneID, a.historyLimit)
		if err != nil {
			return nil, fmt.Errorf("load recent interactions: %w", err)
		}
		total, err := a.reader.CountInteractions(ctx, sceneID)
		if err != nil {
			return nil, fmt.Errorf("count interactions: %w", err)
		}
		bundle.HistoryCount = total
	}
	bundle.HistoryCount += len(draft)
	bundle.History = a.buildHistory(bundle, persisted, draft)

	memories, err := a.loadMemories(ctx, participants)
	if err != nil {
		return nil, err
	}
	for i, c := range participants {
		if len(memories[i]) > 0 {
			bundle.Memories[c.ID] = memories[i]
		}
	}

	return bundle, nil
}

// buildHistory merges persisted and draft events and keeps the last historyLimit
func (a *ContextAssembler) buildHistory(bundle *ContextBundle, persisted []Interaction, draft []Event) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(persisted)+len(draft))

	sort.SliceStable(persisted, func(i, j int) bool {
		return persisted[i].SequenceIndex < persisted[j].SequenceIndex
	})
	for _, in := range persisted {
		name := "Unknown"
		if c, ok := bundle.ParticipantByID(in.CharacterID); ok {
			name = c.Name
		}
		entries = append(entries, HistoryEntry{
			CharacterName: name,
			Content:       in.Content,
			Type:          in.Type,
		})
	}
	for _, ev := range draft {
		entries = append(entries, HistoryEntry{
			CharacterName: ev.CharacterName,
			Content:       ev.Content,
			Type:          ev.Type,
			Draft:         true,
		})
	}

	if len(entries) > a.historyLimit {
		entries = entries[len(entries)-a.historyLimit:]
	}
	return entries
}

// loadMemories fetches each participant's top memories concurrently
func (a *ContextAssembler) loadMemories(ctx context.Context, participants []Character) ([][]Memory, error) {
	results := make([][]Memory, len(participants))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range participants {
		eg.Go(func() error {
			mems, err := a.reader.TopMemories(egCtx, c.ID, a.memoriesPerCharacter)
			if err != nil {
				return fmt.Errorf("load memories for %s: %w", c.ID, err)
			}
			SortMemories(mems)
			if len(mems) > a.memoriesPerCharacter {
				mems = mems[:a.memoriesPerCharacter]
			}
			results[i] = mems
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SortMemories orders memories by importance desc, then recency desc, then
// insertion sequence desc.
func SortMemories(mems []Memory) {
	sort.SliceStable(mems, func(i, j int) bool {
		if mems[i].Importance != mems[j].Importance {
			return mems[i].Importance > mems[j].Importance
		}
		if !mems[i].CreatedAt.Equal(mems[j].CreatedAt) {
			return mems[i].CreatedAt.After(mems[j].CreatedAt)
		}
		return mems[i].Seq > mems[j].Seq
	})
}
