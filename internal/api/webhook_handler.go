package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/gwtoolzone/open-swe/internal/orchestrator"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

// Silent-drop conditions. Neither is ever surfaced to the sender: an
// unauthorized account must not learn the system exists, and a malformed
// event must not cascade into a process-level error.
var (
	errUnauthorizedSender = errors.New("sender not on allow-list")
	errMalformedEvent     = errors.New("malformed webhook event")
)

// Trigger labels. The auto variants accept the generated plan without human
// approval; the max variants select the higher-capability model tier for both
// planning and programming roles.
const (
	labelStandard = "open-swe"
	labelAuto     = "open-swe-auto"
	labelMax      = "open-swe-max"
	labelMaxAuto  = "open-swe-max-auto"
)

var requiredHeaders = []string{
	"X-GitHub-Delivery",
	"X-GitHub-Event",
	"X-GitHub-Installation-Target-ID",
	"X-GitHub-Installation-Target-Type",
}

type labelEvent struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// handleWebhook is the ingress adapter for label-applied tracker events:
// received -> validated -> authorized -> dispatched -> {acknowledged, failed}.
func (s *Server) handleWebhook(c echo.Context) error {
	headers := make(map[string]string)
	for key, values := range c.Request().Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	// All four delivery headers must be present before any processing.
	for _, h := range requiredHeaders {
		if _, ok := getHeaderCaseInsensitive(headers, h); !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("missing required header %s", h),
			})
		}
	}

	eventName, _ := getHeaderCaseInsensitive(headers, "X-GitHub-Event")
	deliveryID, _ := getHeaderCaseInsensitive(headers, "X-GitHub-Delivery")

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unreadable payload",
		})
	}

	if s.webhookSecret != "" {
		signature, _ := getHeaderCaseInsensitive(headers, "X-Hub-Signature-256")
		if !verifySignature(payload, signature, s.webhookSecret) {
			log.Warn().
				Str("delivery_id", deliveryID).
				Msg("Dropping webhook with missing or invalid signature")
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "invalid signature",
			})
		}
	}

	if eventName != "issues" {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "unsupported_event",
		})
	}

	// validated: structured payload carrying a recognized trigger label.
	var event labelEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Warn().Err(errMalformedEvent).
			Str("delivery_id", deliveryID).
			Msg("Dropping webhook with unparseable payload")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed payload",
		})
	}
	if event.Action != "labeled" {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "not_a_label_event",
		})
	}

	autoAccept, maxTier, recognized := parseTriggerLabel(event.Label.Name)
	if !recognized {
		// Unrecognized labels are not an error; the event is dropped silently.
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ignored",
			"reason": "unrecognized_label",
		})
	}

	// authorized: drop silently so arbitrary accounts cannot discover the
	// system's existence.
	if !s.senderAllowed(event.Sender.Login) {
		log.Warn().Err(errUnauthorizedSender).
			Str("sender", event.Sender.Login).
			Str("delivery_id", deliveryID).
			Msg("Dropping webhook from unauthorized sender")
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ignored",
		})
	}

	// dispatched: the label already expresses clear intent, so classification
	// is bypassed and the planner is started directly.
	result, err := s.dispatch(c, event, autoAccept, maxTier)
	if err != nil {
		s.postErrorComment(c, event, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status": "failed",
		})
	}

	// acknowledged: status comment carrying the identifiers for traceability.
	ack := fmt.Sprintf("Planning session started.\n\n- Thread: `%s`\n- Run: `%s`",
		result.ThreadID, result.RunID)
	if _, err := s.tracker.CreateIssueComment(c.Request().Context(),
		event.Repository.Owner.Login, event.Repository.Name, event.Issue.Number, ack); err != nil {
		log.Error().Err(err).
			Int("issue", event.Issue.Number).
			Msg("Failed to post acknowledgment comment")
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":    "acknowledged",
		"thread_id": result.ThreadID,
		"run_id":    result.RunID,
	})
}

func (s *Server) dispatch(c echo.Context, event labelEvent, autoAccept, maxTier bool) (*models.Session, error) {
	ctx := c.Request().Context()

	state := &models.ConversationState{
		ThreadID:       uuid.NewString(),
		TrackerIssueID: event.Issue.Number,
		Repository: models.TargetRepository{
			Owner: event.Repository.Owner.Login,
			Repo:  event.Repository.Name,
		},
		AutoAcceptPlan: autoAccept,
	}
	state.AppendMessage(models.Message{
		Role:                models.RoleHuman,
		Content:             fmt.Sprintf("%s\n\n%s", event.Issue.Title, event.Issue.Body),
		OriginatingTicketID: event.Issue.Number,
		RequestSource:       models.SourceTrackerEvent,
	})

	tier := orchestrator.TierStandard
	if maxTier {
		tier = orchestrator.TierMax
	}

	session, err := s.orch.StartPlanner(ctx, state, orchestrator.StartOptions{Tier: tier})
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, state); err != nil {
		// The session is already running; losing the snapshot only costs the
		// next trigger a re-discovery, so log and continue.
		log.Error().Err(err).
			Str("thread_id", state.ThreadID).
			Msg("Failed to persist conversation state after dispatch")
	}

	return session, nil
}

// postErrorComment is best-effort: failure of this secondary action is logged
// and swallowed, never re-raised.
func (s *Server) postErrorComment(c echo.Context, event labelEvent, cause error) {
	body := fmt.Sprintf("Failed to start the planning session: %v", cause)
	if _, err := s.tracker.CreateIssueComment(c.Request().Context(),
		event.Repository.Owner.Login, event.Repository.Name, event.Issue.Number, body); err != nil {
		log.Error().Err(err).
			Int("issue", event.Issue.Number).
			Msg("Failed to post error comment")
	}
}

func parseTriggerLabel(name string) (autoAccept, maxTier, recognized bool) {
	switch name {
	case labelStandard:
		return false, false, true
	case labelAuto:
		return true, false, true
	case labelMax:
		return false, true, true
	case labelMaxAuto:
		return true, true, true
	default:
		return false, false, false
	}
}

// verifySignature checks the payload against GitHub's HMAC-SHA256 delivery
// signature ("sha256=<hex>").
func verifySignature(payload []byte, signature, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, prefix)))
}

func (s *Server) senderAllowed(login string) bool {
	for _, u := range s.allowedUsers {
		if u == login {
			return true
		}
	}
	return false
}
