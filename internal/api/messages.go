package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/gwtoolzone/open-swe/internal/store"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

type messageRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
	Owner    string `json:"owner,omitempty"`
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

type messageResponse struct {
	ThreadID string          `json:"thread_id"`
	Route    string          `json:"route"`
	Reply    string          `json:"reply"`
	Session  *models.Session `json:"session,omitempty"`
}

// handleMessage feeds a direct user message through one pipeline pass.
func (s *Server) handleMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed request body",
		})
	}
	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "message is required",
		})
	}

	ctx := c.Request().Context()

	var state *models.ConversationState
	if req.ThreadID != "" {
		loaded, err := s.store.Get(ctx, req.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "unknown thread_id",
			})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to load conversation",
			})
		}
		state = loaded
	} else {
		if req.Owner == "" || req.Repo == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "owner and repo are required for a new conversation",
			})
		}
		state = &models.ConversationState{
			ThreadID:   uuid.NewString(),
			Repository: models.TargetRepository{Owner: req.Owner, Repo: req.Repo},
			BranchName: req.Branch,
		}
	}

	incoming := models.Message{
		Role:          models.RoleHuman,
		Content:       req.Message,
		RequestSource: models.SourceDirectUser,
		IsFollowup:    state.Planner.Status == models.StatusCompleted,
	}

	result, err := s.pipeline.Handle(ctx, state, incoming)
	if err != nil {
		log.Error().Err(err).
			Str("thread_id", state.ThreadID).
			Msg("Pipeline pass failed")
		// The pass may have created the ticket and tagged mirrored messages
		// before failing. Those ids are the dedup keys that make re-driving
		// the trigger safe, so the partial state must still be persisted.
		if perr := s.store.Put(ctx, state); perr != nil {
			log.Error().Err(perr).
				Str("thread_id", state.ThreadID).
				Msg("Failed to persist conversation state after pipeline failure")
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":     err.Error(),
			"thread_id": state.ThreadID,
		})
	}

	if err := s.store.Put(ctx, result.State); err != nil {
		log.Error().Err(err).
			Str("thread_id", state.ThreadID).
			Msg("Failed to persist conversation state")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to persist conversation",
		})
	}

	return c.JSON(http.StatusOK, messageResponse{
		ThreadID: result.State.ThreadID,
		Route:    string(result.Decision.Route),
		Reply:    result.Decision.Reply,
		Session:  result.Session,
	})
}
