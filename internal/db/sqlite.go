package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

var _ story.Reader = (*DB)(nil)

// DB wraps database operations
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
	now  func() time.Time
}

// NewDB creates a new database connection and runs migrations
func NewDB(dbPath string) (*DB, error) {
	dsn := dbPath
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single writer keeps SQLite from returning SQLITE_BUSY under load
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, now: func() time.Time { return time.Now().UTC() }}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate runs database migrations
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS characters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		personality TEXT NOT NULL DEFAULT '',
		background TEXT NOT NULL DEFAULT '',
		appearance TEXT NOT NULL DEFAULT '',
		goals TEXT NOT NULL DEFAULT '',
		fears TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		environment TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		weather TEXT NOT NULL DEFAULT '',
		time_of_day TEXT NOT NULL DEFAULT '',
		mood TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scene_characters (
		scene_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (scene_id, character_id),
		FOREIGN KEY (scene_id) REFERENCES scenes(id) ON DELETE CASCADE,
		FOREIGN KEY (character_id) REFERENCES characters(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		scene_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		content TEXT NOT NULL,
		interaction_type TEXT NOT NULL,
		emotional_state TEXT NOT NULL,
		target_character_id TEXT,
		sequence_index INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (scene_id, sequence_index),
		FOREIGN KEY (scene_id) REFERENCES scenes(id) ON DELETE CASCADE,
		FOREIGN KEY (character_id) REFERENCES characters(id)
	);

	CREATE TABLE IF NOT EXISTS memories (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		character_id TEXT NOT NULL,
		scene_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		memory_type TEXT NOT NULL,
		importance INTEGER NOT NULL CHECK (importance BETWEEN 1 AND 5),
		created_at DATETIME NOT NULL,
		FOREIGN KEY (character_id) REFERENCES characters(id) ON DELETE CASCADE,
		FOREIGN KEY (scene_id) REFERENCES scenes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_scene_characters_character ON scene_characters(character_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_scene ON interactions(scene_id, sequence_index);
	CREATE INDEX IF NOT EXISTS idx_memories_character ON memories(character_id, importance, created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CreateCharacter inserts a character, assigning its ID and timestamp
func (db *DB) CreateCharacter(ctx context.Context, c *story.Character) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	c.ID = uuid.NewString()
	c.CreatedAt = db.now()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO characters (id, name, personality, background, appearance, goals, fears, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.Personality, c.Background, c.Appearance, c.Goals, c.Fears, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert character: %w", err)
	}
	return nil
}

const characterColumns = `id, name, personality, background, appearance, goals, fears, created_at`

func scanCharacter(row interface{ Scan(...interface{}) error }) (story.Character, error) {
	var c story.Character
	err := row.Scan(&c.ID, &c.Name, &c.Personality, &c.Background, &c.Appearance, &c.Goals, &c.Fears, &c.CreatedAt)
	return c, err
}

// GetCharacter returns one character
func (db *DB) GetCharacter(ctx context.Context, id string) (*story.Character, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	c, err := scanCharacter(db.conn.QueryRowContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("character %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return &c, nil
}

// ListCharacters returns all characters, oldest first
func (db *DB) ListCharacters(ctx context.Context) ([]story.Character, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	characters := []story.Character{}
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

// GetCharacters returns the characters with the given IDs in the same order.
// Unknown IDs are skipped.
func (db *DB) GetCharacters(ctx context.Context, ids []string) ([]story.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+characterColumns+` FROM characters WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get characters: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]story.Character, len(ids))
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	characters := make([]story.Character, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			characters = append(characters, c)
		}
	}
	return characters, nil
}

// CreateScene inserts a scene and its ordered participant list
func (db *DB) CreateScene(ctx context.Context, s *story.Scene) error {
	seen := make(map[string]bool, len(s.Participants))
	for _, id := range s.Participants {
		if seen[id] {
			return apperr.InvalidArgument("character %s listed twice", id)
		}
		seen[id] = true
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range s.Participants {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM characters WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("character %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("check character: %w", err)
		}
	}

	s.ID = uuid.NewString()
	s.CreatedAt = db.now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scenes (id, title, environment, context, weather, time_of_day, mood, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Title, s.Environment, s.Context, s.Weather, s.TimeOfDay, s.Mood, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scene: %w", err)
	}

	for i, id := range s.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scene_characters (scene_id, character_id, position) VALUES (?, ?, ?)
		`, s.ID, id, i)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	return tx.Commit()
}

// GetScene returns a scene with its participant IDs
func (db *DB) GetScene(ctx context.Context, id string) (*story.Scene, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var s story.Scene
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, title, environment, context, weather, time_of_day, mood, created_at
		FROM scenes WHERE id = ?
	`, id).Scan(&s.ID, &s.Title, &s.Environment, &s.Context, &s.Weather, &s.TimeOfDay, &s.Mood, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scene %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scene: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT character_id FROM scene_characters WHERE scene_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	defer rows.Close()

	s.Participants = []string{}
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		s.Participants = append(s.Participants, cid)
	}
	return &s, rows.Err()
}

// ListScenes returns all scenes without participants, newest first
func (db *DB) ListScenes(ctx context.Context) ([]story.Scene, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, environment, context, weather, time_of_day, mood, created_at
		FROM scenes ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	scenes := []story.Scene{}
	for rows.Next() {
		var s story.Scene
		if err := rows.Scan(&s.ID, &s.Title, &s.Environment, &s.Context, &s.Weather, &s.TimeOfDay, &s.Mood, &s.CreatedAt); err != nil {
			return nil, err
		}
		scenes = append(scenes, s)
	}
	return scenes, rows.Err()
}

const interactionColumns = `id, scene_id, character_id, content, interaction_type, emotional_state,
	target_character_id, sequence_index, created_at`

func scanInteraction(row interface{ Scan(...interface{}) error }) (story.Interaction, error) {
	var (
		in     story.Interaction
		typ    string
		target sql.NullString
	)
	err := row.Scan(&in.ID, &in.SceneID, &in.CharacterID, &in.Content, &typ, &in.EmotionalState,
		&target, &in.SequenceIndex, &in.CreatedAt)
	in.Type = story.InteractionType(typ)
	in.TargetCharacterID = target.String
	return in, err
}

func (db *DB) queryInteractions(ctx context.Context, query string, args ...interface{}) ([]story.Interaction, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	interactions := []story.Interaction{}
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		interactions = append(interactions, in)
	}
	return interactions, rows.Err()
}

// ListInteractions returns a scene's persisted history in sequence order
func (db *DB) ListInteractions(ctx context.Context, sceneID string) ([]story.Interaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.queryInteractions(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE scene_id = ? ORDER BY sequence_index
	`, sceneID)
}

// RecentInteractions returns the last limit interactions, oldest first
func (db *DB) RecentInteractions(ctx context.Context, sceneID string, limit int) ([]story.Interaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	interactions, err := db.queryInteractions(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE scene_id = ? ORDER BY sequence_index DESC LIMIT ?
	`, sceneID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(interactions)-1; i < j; i, j = i+1, j-1 {
		interactions[i], interactions[j] = interactions[j], interactions[i]
	}
	return interactions, nil
}

// CountInteractions returns how many interactions a scene has persisted
func (db *DB) CountInteractions(ctx context.Context, sceneID string) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE scene_id = ?`, sceneID).Scan(&n)
	return n, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// lastSequenceIndex returns the highest persisted index of a scene, or -1
func lastSequenceIndex(ctx context.Context, q queryRower, sceneID string) (int, error) {
	var last int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_index), -1) FROM interactions WHERE scene_id = ?
	`, sceneID).Scan(&last)
	return last, err
}

const memoryColumns = `seq, id, character_id, scene_id, summary, memory_type, importance, created_at`

func (db *DB) queryMemories(ctx context.Context, query string, args ...interface{}) ([]story.Memory, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	memories := []story.Memory{}
	for rows.Next() {
		var (
			m   story.Memory
			typ string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.CharacterID, &m.SceneID, &m.Summary, &typ, &m.Importance, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = story.MemoryType(typ)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// TopMemories returns a character's most important memories
func (db *DB) TopMemories(ctx context.Context, characterID string, limit int) ([]story.Memory, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE character_id = ?
		ORDER BY importance DESC, created_at DESC, seq DESC
		LIMIT ?
	`, characterID, limit)
}

// ListCharacterMemories returns every memory of a character, most important first
func (db *DB) ListCharacterMemories(ctx context.Context, characterID string) ([]story.Memory, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE character_id = ?
		ORDER BY importance DESC, created_at DESC, seq DESC
	`, characterID)
}

// ListSceneMemories returns the memories distilled in a scene, oldest first
func (db *DB) ListSceneMemories(ctx context.Context, sceneID string) ([]story.Memory, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.queryMemories(ctx, `
		SELECT `+memoryColumns+` FROM memories WHERE scene_id = ? ORDER BY seq
	`, sceneID)
}

// CommitConversation persists a saved draft in one transaction. Interactions
// get sequence indexes continuing after the scene's last persisted one.
func (db *DB) CommitConversation(ctx context.Context, sceneID string, interactions []story.Interaction, memories []story.Memory) ([]story.Interaction, []story.Memory, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM scenes WHERE id = ?`, sceneID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound("scene %s not found", sceneID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("check scene: %w", err)
	}

	last, err := lastSequenceIndex(ctx, tx, sceneID)
	if err != nil {
		return nil, nil, fmt.Errorf("read last sequence index: %w", err)
	}

	now := db.now()
	savedInteractions := make([]story.Interaction, len(interactions))
	for i, in := range interactions {
		in.ID = uuid.NewString()
		in.SceneID = sceneID
		in.SequenceIndex = last + 1 + i
		in.CreatedAt = now

		var target sql.NullString
		if in.TargetCharacterID != "" {
			target = sql.NullString{String: in.TargetCharacterID, Valid: true}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (`+interactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, in.ID, in.SceneID, in.CharacterID, in.Content, string(in.Type), in.EmotionalState,
			target, in.SequenceIndex, in.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("insert interaction %d: %w", i, err)
		}
		savedInteractions[i] = in
	}

	savedMemories := make([]story.Memory, len(memories))
	for i, m := range memories {
		m.ID = uuid.NewString()
		m.SceneID = sceneID
		m.Summary = story.TruncateSummary(m.Summary)
		m.Importance = story.ClampImportance(m.Importance)
		m.CreatedAt = now

		res, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, character_id, scene_id, summary, memory_type, importance, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.CharacterID, m.SceneID, m.Summary, string(m.Type), m.Importance, m.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("insert memory %d: %w", i, err)
		}
		if m.Seq, err = res.LastInsertId(); err != nil {
			return nil, nil, fmt.Errorf("read memory seq: %w", err)
		}
		savedMemories[i] = m
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit conversation: %w", err)
	}
	return savedInteractions, savedMemories, nil
}
