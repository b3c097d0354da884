package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/agents"
	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

// generate+parse runs at most this many times per request
const maxBatchAttempts = 2

// Store is the persistence the manager needs
type Store interface {
	story.Reader
	CommitConversation(ctx context.Context, sceneID string, interactions []story.Interaction, memories []story.Memory) ([]story.Interaction, []story.Memory, error)
}

// Distiller turns a batch into memories
type Distiller interface {
	Distill(ctx context.Context, bundle *story.ContextBundle, mode story.Mode, events []story.Event) (*agents.DistillResult, error)
}

// Config wires a Manager. Distiller and Notifier are optional.
type Config struct {
	Store                Store
	Generator            agents.Generator
	Builder              *agents.PromptBuilder
	Parser               *agents.ResponseParser
	Distiller            Distiller
	Notifier             Notifier
	Logger               *zap.Logger
	HistoryLimit         int
	MemoriesPerCharacter int
}

// GenerateRequest asks for one batch of events
type GenerateRequest struct {
	SceneID     string     `json:"scene_id"`
	Mode        story.Mode `json:"mode"`
	CharacterID string     `json:"character_id,omitempty"`
}

// GenerateResult is the outcome of one batch
type GenerateResult struct {
	SceneID       string        `json:"scene_id"`
	Mode          story.Mode    `json:"mode"`
	Events        []story.Event `json:"events"`
	Discarded     int           `json:"discarded"`
	Strategy      string        `json:"strategy"`
	Tier          story.Tier    `json:"tier"`
	Model         string        `json:"model"`
	Memories      int           `json:"memories"`
	MemoryWarning string        `json:"memory_warning,omitempty"`
	DraftSize     int           `json:"draft_size"`
}

// CommitResult reports what a save or discard did
type CommitResult struct {
	SceneID       string `json:"scene_id"`
	State         State  `json:"state"`
	Saved         bool   `json:"saved"`
	Interactions  int    `json:"interactions"`
	Memories      int    `json:"memories"`
	FirstSequence int    `json:"first_sequence"`
	LastSequence  int    `json:"last_sequence"`
}

// Manager owns the per-scene conversation lifecycle: Idle until a fresh
// start, Drafting until the draft is saved or discarded.
type Manager struct {
	store     Store
	assembler *story.ContextAssembler
	generator agents.Generator
	builder   *agents.PromptBuilder
	parser    *agents.ResponseParser
	distiller Distiller
	notifier  Notifier
	logger    *zap.Logger

	locks  *sceneLocks
	mu     sync.RWMutex
	drafts map[string]*Draft
	now    func() time.Time
}

// NewManager creates a manager
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cfg.Parser
	if parser == nil {
		parser = agents.NewResponseParser(logger)
	}

	return &Manager{
		store:     cfg.Store,
		assembler: story.NewContextAssembler(cfg.Store, cfg.HistoryLimit, cfg.MemoriesPerCharacter),
		generator: cfg.Generator,
		builder:   cfg.Builder,
		parser:    parser,
		distiller: cfg.Distiller,
		notifier:  cfg.Notifier,
		logger:    logger,
		locks:     newSceneLocks(),
		drafts:    make(map[string]*Draft),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// State returns the lifecycle state of a scene
func (m *Manager) State(sceneID string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.drafts[sceneID]; ok {
		return StateDrafting
	}
	return StateIdle
}

// Draft returns a snapshot of a scene's conversation
func (m *Manager) Draft(sceneID string) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.drafts[sceneID]; ok {
		return d.snapshot()
	}
	return &Snapshot{SceneID: sceneID, State: StateIdle, Events: []story.Event{}, Memories: []story.Memory{}}
}

// Generate produces one batch. Fresh mode starts (or restarts) a draft; the
// other modes extend an existing one. Calls on the same scene run one at a time.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if !req.Mode.Valid() {
		return nil, apperr.InvalidArgument("unknown generation mode %q", req.Mode)
	}
	if req.Mode == story.ModeSingleCharacter && req.CharacterID == "" {
		return nil, apperr.InvalidArgument("single-character mode requires character_id")
	}

	release, err := m.locks.acquire(ctx, req.SceneID)
	if err != nil {
		return nil, sceneBusy(req.SceneID, err)
	}
	defer release()

	log := m.logger.With(zap.String("scene_id", req.SceneID), zap.String("mode", string(req.Mode)))

	var prior []story.Event
	if req.Mode != story.ModeFresh {
		m.mu.RLock()
		d, ok := m.drafts[req.SceneID]
		if ok {
			prior = d.Events()
		}
		m.mu.RUnlock()
		if !ok {
			return nil, apperr.InvalidState("scene %s has no conversation in progress, start a fresh one first", req.SceneID)
		}
	}

	bundle, err := m.assembler.Assemble(ctx, req.SceneID, req.Mode, prior)
	if err != nil {
		return nil, err
	}

	opts := agents.ParseOptions{Mode: req.Mode}
	var focus string
	if req.Mode == story.ModeSingleCharacter {
		c, ok := bundle.ParticipantByID(req.CharacterID)
		if !ok {
			return nil, apperr.NotFound("character %s is not in scene %s", req.CharacterID, req.SceneID)
		}
		focus = c.Name
		opts.FocusID = c.ID
	}

	prompt, err := m.builder.Build(bundle, req.Mode, focus)
	if err != nil {
		return nil, err
	}

	parsed, completion, err := m.generateBatch(ctx, log, bundle, prompt, opts)
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{
		SceneID:   req.SceneID,
		Mode:      req.Mode,
		Events:    parsed.Events,
		Discarded: parsed.Discarded,
		Strategy:  parsed.Strategy,
		Tier:      completion.Tier,
		Model:     completion.Model,
	}

	var memories []story.Memory
	if m.distiller != nil {
		distilled, err := m.distiller.Distill(ctx, bundle, req.Mode, parsed.Events)
		if err != nil {
			log.Warn("memory distillation failed", zap.Error(err))
			result.MemoryWarning = "memory distillation failed: " + err.Error()
		} else {
			memories = distilled.Memories
		}
	}
	result.Memories = len(memories)

	// a caller that gave up before this point leaves the draft untouched
	if err := ctx.Err(); err != nil {
		return nil, apperr.Unavailable("generation abandoned", err)
	}

	now := m.now()
	m.mu.Lock()
	d, ok := m.drafts[req.SceneID]
	if !ok || req.Mode == story.ModeFresh {
		d = newDraft(req.SceneID, now)
		m.drafts[req.SceneID] = d
	}
	d.AppendBatch(parsed.Events, memories, now)
	result.DraftSize = d.Count()
	m.mu.Unlock()

	log.Info("batch generated",
		zap.String("tier", string(completion.Tier)),
		zap.Int("events", len(parsed.Events)),
		zap.Int("discarded", parsed.Discarded),
		zap.String("strategy", parsed.Strategy),
		zap.Int("draft_size", result.DraftSize))

	m.notify(Notification{
		Type:      NotifyGenerated,
		SceneID:   req.SceneID,
		Events:    parsed.Events,
		DraftSize: result.DraftSize,
		Memories:  len(memories),
		At:        now,
	})

	return result, nil
}

// generateBatch runs generate+parse, retrying once on an unusable response
func (m *Manager) generateBatch(ctx context.Context, log *zap.Logger, bundle *story.ContextBundle, prompt *agents.Prompt, opts agents.ParseOptions) (*agents.ParseResult, *agents.Completion, error) {
	for attempt := 1; ; attempt++ {
		completion, err := m.generator.Generate(ctx, prompt)
		if err != nil {
			return nil, nil, err
		}

		parsed, err := m.parser.Parse(completion.Text, bundle.Participants, opts)
		if err == nil {
			return parsed, completion, nil
		}
		if !apperr.IsGenerationUnusable(err) || attempt >= maxBatchAttempts {
			return nil, nil, err
		}
		log.Warn("unusable generation, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Save persists the draft as interactions and memories in one transaction
// and returns the scene to Idle. A failed save keeps the draft.
func (m *Manager) Save(ctx context.Context, sceneID string) (*CommitResult, error) {
	release, err := m.locks.acquire(ctx, sceneID)
	if err != nil {
		return nil, sceneBusy(sceneID, err)
	}
	defer release()

	m.mu.RLock()
	d, ok := m.drafts[sceneID]
	var (
		events   []story.Event
		memories []story.Memory
	)
	if ok {
		events = d.Events()
		memories = d.Memories()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.InvalidState("scene %s has no conversation to save", sceneID)
	}

	interactions := make([]story.Interaction, len(events))
	for i, ev := range events {
		interactions[i] = story.Interaction{
			SceneID:           sceneID,
			CharacterID:       ev.CharacterID,
			Content:           ev.Content,
			Type:              ev.Type,
			EmotionalState:    ev.EmotionalState,
			TargetCharacterID: ev.TargetCharacterID,
		}
	}

	saved, savedMemories, err := m.store.CommitConversation(ctx, sceneID, interactions, memories)
	if err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}

	m.mu.Lock()
	delete(m.drafts, sceneID)
	m.mu.Unlock()

	res := &CommitResult{
		SceneID:       sceneID,
		State:         StateIdle,
		Saved:         true,
		Interactions:  len(saved),
		Memories:      len(savedMemories),
		FirstSequence: -1,
		LastSequence:  -1,
	}
	if len(saved) > 0 {
		res.FirstSequence = saved[0].SequenceIndex
		res.LastSequence = saved[len(saved)-1].SequenceIndex
	}

	m.logger.Info("conversation saved",
		zap.String("scene_id", sceneID),
		zap.Int("interactions", res.Interactions),
		zap.Int("memories", res.Memories))

	m.notify(Notification{
		Type:         NotifySaved,
		SceneID:      sceneID,
		Interactions: res.Interactions,
		Memories:     res.Memories,
		At:           m.now(),
	})

	return res, nil
}

// Discard drops the draft without persisting anything
func (m *Manager) Discard(ctx context.Context, sceneID string) (*CommitResult, error) {
	release, err := m.locks.acquire(ctx, sceneID)
	if err != nil {
		return nil, sceneBusy(sceneID, err)
	}
	defer release()

	m.mu.Lock()
	d, ok := m.drafts[sceneID]
	if ok {
		delete(m.drafts, sceneID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, apperr.InvalidState("scene %s has no conversation to discard", sceneID)
	}

	res := &CommitResult{
		SceneID:       sceneID,
		State:         StateIdle,
		Interactions:  d.Count(),
		Memories:      len(d.memories),
		FirstSequence: -1,
		LastSequence:  -1,
	}

	m.logger.Info("conversation discarded", zap.String("scene_id", sceneID), zap.Int("events", res.Interactions))

	m.notify(Notification{Type: NotifyDiscarded, SceneID: sceneID, At: m.now()})
	return res, nil
}

func (m *Manager) notify(n Notification) {
	if m.notifier != nil {
		m.notifier.Notify(n)
	}
}

// sceneBusy reports a caller that stopped waiting for a scene's lock
func sceneBusy(sceneID string, err error) error {
	return apperr.Unavailable(fmt.Sprintf("scene %s is busy", sceneID), err)
}
