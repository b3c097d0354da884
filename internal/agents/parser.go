package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

var errNoPayload = errors.New("no JSON array or object found in response")

// ParseOptions narrows what a batch may contain
type ParseOptions struct {
	Mode story.Mode
	// FocusID pins every event to one character in single-character mode
	FocusID string
}

// ParseResult holds the validated events of one response
type ParseResult struct {
	Events    []story.Event `json:"events"`
	Discarded int           `json:"discarded"`
	Strategy  string        `json:"strategy"`
}

// ResponseParser turns raw model text into validated events
type ResponseParser struct {
	logger *zap.Logger
}

// NewResponseParser creates a parser
func NewResponseParser(logger *zap.Logger) *ResponseParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseParser{logger: logger}
}

// Parse recovers as many valid events from raw as it can. It fails with
// GenerationUnusable only when nothing usable is left.
func (p *ResponseParser) Parse(raw string, cast []story.Character, opts ParseOptions) (*ParseResult, error) {
	elements, discarded, strategy, err := extractElements(raw)
	if err != nil {
		return &ParseResult{Discarded: discarded}, apperr.Unusable("response had no parseable payload", err)
	}

	res := &ParseResult{Discarded: discarded, Strategy: strategy}
	for _, el := range elements {
		ev, ok := toEvent(el, cast, opts)
		if !ok {
			res.Discarded++
			continue
		}
		res.Events = append(res.Events, ev)
	}

	p.logger.Debug("parsed response",
		zap.String("strategy", strategy),
		zap.Int("events", len(res.Events)),
		zap.Int("discarded", res.Discarded))

	if len(res.Events) == 0 {
		return res, apperr.Unusable(fmt.Sprintf("all %d elements were unusable", res.Discarded), nil)
	}
	return res, nil
}

// toEvent validates one array element
func toEvent(el json.RawMessage, cast []story.Character, opts ParseOptions) (story.Event, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(el, &obj); err != nil || obj == nil {
		return story.Event{}, false
	}

	content := stringField(obj, "content")
	if content == "" {
		return story.Event{}, false
	}

	speaker, ok := story.ResolveParticipant(cast, stringField(obj, "character_name"))
	if !ok {
		return story.Event{}, false
	}
	if opts.FocusID != "" && speaker.ID != opts.FocusID {
		return story.Event{}, false
	}

	typ := story.ParseInteractionType(stringField(obj, "interaction_type"))
	if opts.Mode == story.ModeNarration {
		typ = story.InteractionNarration
	}

	ev := story.Event{
		CharacterName:  speaker.Name,
		CharacterID:    speaker.ID,
		Content:        content,
		Type:           typ,
		EmotionalState: story.NormalizeEmotion(stringField(obj, "emotional_state")),
	}

	target := stringField(obj, "target_character_name")
	if target == "" {
		target = stringField(obj, "target_character_id")
	}
	if c, ok := resolveTarget(cast, target); ok && c.ID != speaker.ID {
		ev.TargetCharacterName = c.Name
		ev.TargetCharacterID = c.ID
	}

	return ev, true
}

// resolveTarget accepts either a character ID or a name label
func resolveTarget(cast []story.Character, label string) (story.Character, bool) {
	if label == "" {
		return story.Character{}, false
	}
	for _, c := range cast {
		if c.ID == label {
			return c, true
		}
	}
	return story.ResolveParticipant(cast, label)
}

func stringField(obj map[string]interface{}, key string) string {
	v, _ := obj[key].(string)
	return strings.TrimSpace(v)
}

// extractor pulls array elements out of text. discarded counts elements it
// saw but could not keep.
type extractor struct {
	name    string
	extract func(text string) (elements []json.RawMessage, discarded int, ok bool)
}

var extractors = []extractor{
	{"strict", strictArray},
	{"fenced", fencedArray},
	{"truncated", truncatedArray},
	{"objects", scanObjects},
}

// extractElements runs the recovery chain and reports which step succeeded
func extractElements(raw string) ([]json.RawMessage, int, string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, 0, "", errNoPayload
	}

	discarded := 0
	for _, e := range extractors {
		elements, d, ok := e.extract(text)
		if ok {
			return elements, d, e.name, nil
		}
		if d > discarded {
			discarded = d
		}
	}
	return nil, discarded, "", errNoPayload
}

func strictArray(text string) ([]json.RawMessage, int, bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(text), &elements); err != nil {
		return nil, 0, false
	}
	return elements, 0, true
}

// fencedArray slices the first array out of surrounding prose or code fences
func fencedArray(text string) ([]json.RawMessage, int, bool) {
	start := payloadStart(text)
	if start < 0 {
		return nil, 0, false
	}
	end := matchingClose(text, start)
	if end < 0 {
		return nil, 0, false
	}
	return strictArray(text[start : end+1])
}

// truncatedArray keeps every complete element of an array cut off mid-way
func truncatedArray(text string) ([]json.RawMessage, int, bool) {
	start := payloadStart(text)
	if start < 0 {
		return nil, 0, false
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if _, err := dec.Token(); err != nil {
		return nil, 0, false
	}

	var elements []json.RawMessage
	for dec.More() {
		var el json.RawMessage
		if err := dec.Decode(&el); err != nil {
			switch {
			case errors.Is(err, io.ErrUnexpectedEOF):
				return elements, 1, true
			case errors.Is(err, io.EOF):
				return elements, 0, true
			default:
				// broken mid-stream, leave it to the object scan
				return nil, 0, false
			}
		}
		elements = append(elements, el)
	}

	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, false
	}
	return elements, 0, true
}

// scanObjects collects balanced top-level objects anywhere in the text
func scanObjects(text string) ([]json.RawMessage, int, bool) {
	var elements []json.RawMessage
	discarded := 0

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchingClose(text, i)
		if end < 0 {
			discarded++
			break
		}
		candidate := []byte(text[i : end+1])
		if json.Valid(candidate) {
			elements = append(elements, json.RawMessage(candidate))
		} else {
			discarded++
		}
		i = end
	}

	return elements, discarded, len(elements) > 0
}

// payloadStart finds the first '[' that opens an array of objects (or an
// empty array), skipping brackets used in prose.
func payloadStart(text string) int {
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		j := i + 1
		for j < len(text) && isSpace(text[j]) {
			j++
		}
		if j == len(text) || text[j] == '{' || text[j] == ']' {
			return i
		}
	}
	return -1
}

// matchingClose returns the index closing the bracket at start, or -1
func matchingClose(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t' || ch == '\r'
}
