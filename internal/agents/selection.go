package agents

import (
	"sync/atomic"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

// ModelSelection holds the process-wide generation tier
type ModelSelection struct {
	current atomic.Pointer[story.Tier]
}

// NewModelSelection creates a selection starting at initial
func NewModelSelection(initial story.Tier) (*ModelSelection, error) {
	s := &ModelSelection{}
	if err := s.SetTier(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Tier returns the active tier
func (s *ModelSelection) Tier() story.Tier {
	if t := s.current.Load(); t != nil {
		return *t
	}
	return story.TierEconomy
}

// SetTier switches the active tier. Calls already in flight keep the tier
// they started with.
func (s *ModelSelection) SetTier(t story.Tier) error {
	if !t.Valid() {
		return apperr.InvalidArgument("unknown model tier %q", t)
	}
	s.current.Store(&t)
	return nil
}
