package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/conversation"
	mw "github.com/qninhdt/scene-loom/server/internal/middleware"
	"github.com/qninhdt/scene-loom/server/internal/story"
	"github.com/qninhdt/scene-loom/server/internal/validation"
)

var invalidArgument = apperr.CodeOf(apperr.KindInvalidArgument)

// pathID reads and validates the {id} URL parameter
func pathID(w http.ResponseWriter, r *http.Request, kind string) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateID(kind, id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
		return "", false
	}
	return id, true
}

// health reports whether the database is reachable
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", "UNAVAILABLE")
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createCharacter creates a new character
func (s *Server) createCharacter(w http.ResponseWriter, r *http.Request) {
	var c story.Character
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := validation.ValidateCharacter(&c); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
		return
	}

	// IDs are always assigned server-side
	c.ID = ""
	if err := s.db.CreateCharacter(r.Context(), &c); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, c)
}

// listCharacters lists all characters
func (s *Server) listCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.db.ListCharacters(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, chars)
}

// getCharacter gets a character
func (s *Server) getCharacter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "character")
	if !ok {
		return
	}
	c, err := s.db.GetCharacter(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, c)
}

// characterMemories lists a character's memories, most important first
func (s *Server) characterMemories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "character")
	if !ok {
		return
	}
	if _, err := s.db.GetCharacter(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	mems, err := s.db.ListCharacterMemories(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, mems)
}

// createScene creates a scene with an ordered participant list
func (s *Server) createScene(w http.ResponseWriter, r *http.Request) {
	var sc story.Scene
	if !decodeJSON(w, r, &sc) {
		return
	}
	if err := validation.ValidateScene(&sc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
		return
	}

	sc.ID = ""
	if err := s.db.CreateScene(r.Context(), &sc); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, sc)
}

// listScenes lists all scenes
func (s *Server) listScenes(w http.ResponseWriter, r *http.Request) {
	scenes, err := s.db.ListScenes(r.Context())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, scenes)
}

// getScene returns a scene with its cast and conversation state
func (s *Server) getScene(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	sc, err := s.db.GetScene(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	cast, err := s.db.GetCharacters(r.Context(), sc.Participants)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}

	writeOK(w, http.StatusOK, map[string]interface{}{
		"scene":        sc,
		"participants": cast,
		"state":        s.manager.State(id),
		"subscribers":  s.hub.Subscribers(id),
	})
}

// sceneInteractions lists persisted interactions in sequence order
func (s *Server) sceneInteractions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	if _, err := s.db.GetScene(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	list, err := s.db.ListInteractions(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, list)
}

// sceneMemories lists memories recorded in a scene
func (s *Server) sceneMemories(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	if _, err := s.db.GetScene(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	mems, err := s.db.ListSceneMemories(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, mems)
}

// generate produces one batch of events for a scene
func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}

	var req struct {
		Mode        string `json:"mode"`
		CharacterID string `json:"character_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateMode(req.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
		return
	}
	if req.CharacterID != "" {
		if err := validation.ValidateID("character", req.CharacterID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
			return
		}
	}

	res, err := s.manager.Generate(r.Context(), conversation.GenerateRequest{
		SceneID:     id,
		Mode:        story.Mode(req.Mode),
		CharacterID: req.CharacterID,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

// getConversation returns the scene's draft, or an idle snapshot
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	if _, err := s.db.GetScene(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, s.manager.Draft(id))
}

// saveConversation persists the draft and returns the scene to idle
func (s *Server) saveConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	res, err := s.manager.Save(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

// discardConversation drops the draft
func (s *Server) discardConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	res, err := s.manager.Discard(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, res)
}

type modelInfo struct {
	Tier   story.Tier            `json:"tier"`
	Model  string                `json:"model"`
	Models map[story.Tier]string `json:"models"`
}

func (s *Server) currentModel() modelInfo {
	tier := s.selection.Tier()
	return modelInfo{Tier: tier, Model: s.models[tier], Models: s.models}
}

// getModel reports the active tier
func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.currentModel())
}

// setModel switches the active tier for subsequent generations
func (s *Server) setModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validation.ValidateTier(req.Tier); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), invalidArgument)
		return
	}

	prev := s.selection.Tier()
	if err := s.selection.SetTier(story.Tier(req.Tier)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.logger.Info("model tier changed",
		zap.String("from", string(prev)),
		zap.String("to", req.Tier),
		zap.String("by", mw.Subject(r.Context())))

	writeOK(w, http.StatusOK, s.currentModel())
}

// sceneFeed streams a scene's conversation notifications over a websocket
func (s *Server) sceneFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "scene")
	if !ok {
		return
	}
	if _, err := s.db.GetScene(r.Context(), id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.hub.Serve(w, r, id)
}
