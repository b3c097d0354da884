package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/qninhdt/scene-loom/server/internal/story"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	maxNameLength     = 100
	maxTitleLength    = 200
	maxTextLength     = 2000
	maxParticipants   = 12
	maxIDLength       = 64
	minSceneCastCount = 1
)

// ValidateID validates an entity ID; kind names the entity in the error
func ValidateID(kind, id string) error {
	if len(id) == 0 || len(id) > maxIDLength {
		return fmt.Errorf("%s ID must be 1-%d characters", kind, maxIDLength)
	}

	// Allow alphanumeric, hyphens, underscores
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s ID can only contain alphanumeric characters, hyphens, and underscores", kind)
	}

	return nil
}

// ValidateMode validates a generation mode
func ValidateMode(mode string) error {
	if !story.Mode(mode).Valid() {
		return fmt.Errorf("mode must be one of fresh, continue, single-character, narration")
	}
	return nil
}

// ValidateTier validates a model tier
func ValidateTier(tier string) error {
	if !story.Tier(tier).Valid() {
		return fmt.Errorf("tier must be 'economy' or 'premium'")
	}
	return nil
}

func checkText(field, value string, required bool, limit int) error {
	trimmed := strings.TrimSpace(value)
	if required && trimmed == "" {
		return fmt.Errorf("%s is required", field)
	}
	if utf8.RuneCountInString(value) > limit {
		return fmt.Errorf("%s must be at most %d characters", field, limit)
	}
	return nil
}

// ValidateCharacter validates a character definition
func ValidateCharacter(c *story.Character) error {
	if err := checkText("name", c.Name, true, maxNameLength); err != nil {
		return err
	}
	fields := map[string]string{
		"personality": c.Personality,
		"background":  c.Background,
		"appearance":  c.Appearance,
		"goals":       c.Goals,
		"fears":       c.Fears,
	}
	for field, value := range fields {
		if err := checkText(field, value, false, maxTextLength); err != nil {
			return err
		}
	}
	return nil
}

// ValidateScene validates a scene definition and its participant list
func ValidateScene(s *story.Scene) error {
	if err := checkText("title", s.Title, true, maxTitleLength); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"environment": s.Environment,
		"context":     s.Context,
		"weather":     s.Weather,
		"time_of_day": s.TimeOfDay,
		"mood":        s.Mood,
	} {
		if err := checkText(field, value, false, maxTextLength); err != nil {
			return err
		}
	}

	if len(s.Participants) < minSceneCastCount || len(s.Participants) > maxParticipants {
		return fmt.Errorf("a scene needs 1-%d participants", maxParticipants)
	}
	for _, id := range s.Participants {
		if err := ValidateID("character", id); err != nil {
			return err
		}
	}
	return nil
}
