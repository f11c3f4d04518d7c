package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// ErrSync indicates a tracker mirroring failure. Mirroring is re-driveable:
// partial progress is kept and the dedup tags make a retry safe.
var ErrSync = errors.New("tracker sync failed")

// Sync reconciles a conversation's in-memory history with its tracker issue.
type Sync struct {
	client Client
}

func NewSync(client Client) *Sync {
	return &Sync{client: client}
}

// EnsureTicket guarantees the conversation has a tracker issue and returns its
// number together with the task plan extracted from the issue body. Once a
// ticket exists the body is the higher-priority plan source, since it may have
// been hand-edited.
func (s *Sync) EnsureTicket(ctx context.Context, state *models.ConversationState) (int, *models.TaskPlan, error) {
	if state.TrackerIssueID != 0 {
		issue, err := s.client.GetIssue(ctx, state.Repository.Owner, state.Repository.Repo, state.TrackerIssueID)
		if err != nil {
			return 0, nil, err
		}
		plan, err := ExtractPlan(issue.Body)
		if err != nil {
			log.Warn().Err(err).
				Int("issue", state.TrackerIssueID).
				Msg("Issue body carries an unparseable plan block, keeping in-memory plan")
			return state.TrackerIssueID, state.TaskPlan, nil
		}
		if plan == nil {
			plan = state.TaskPlan
		}
		return state.TrackerIssueID, plan, nil
	}

	body := composeIssueBody(state)
	issue, err := s.client.CreateIssue(ctx, state.Repository.Owner, state.Repository.Repo, state.Title(), body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: creating issue: %v", ErrSync, err)
	}

	log.Info().
		Str("repo", state.Repository.String()).
		Int("issue", issue.Number).
		Msg("Created tracker issue for conversation")

	return issue.Number, state.TaskPlan, nil
}

// MirrorMessages creates one issue comment per human message that is not yet
// mirrored, concurrently, and returns the history with each mirrored message
// replaced by a tagged copy (old entry retracted, tagged copy appended). On
// any comment failure the whole operation fails, but tags written before the
// failure are kept so the next pass skips them.
func (s *Sync) MirrorMessages(ctx context.Context, state *models.ConversationState) ([]models.Message, error) {
	if state.TrackerIssueID == 0 {
		return state.Messages, nil
	}

	type pending struct {
		index   int
		comment *Comment
		err     error
	}

	var todo []int
	for i, m := range state.Messages {
		if m.Role == models.RoleHuman && !m.Mirrored(state.TrackerIssueID) {
			todo = append(todo, i)
		}
	}
	if len(todo) == 0 {
		return state.Messages, nil
	}

	// Comments are independent; no cross-message ordering is required, so the
	// catch-up calls are issued in parallel.
	results := make([]pending, len(todo))
	var wg sync.WaitGroup
	for slot, idx := range todo {
		wg.Add(1)
		go func(slot, idx int) {
			defer wg.Done()
			body := formatMirrorComment(state.Messages[idx])
			comment, err := s.client.CreateIssueComment(
				ctx, state.Repository.Owner, state.Repository.Repo, state.TrackerIssueID, body)
			results[slot] = pending{index: idx, comment: comment, err: err}
		}(slot, idx)
	}
	wg.Wait()

	tagged := make(map[int]int64, len(todo))
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		tagged[r.index] = r.comment.ID
	}

	// Rebuild the sequence: untouched entries keep their order, each mirrored
	// message is retracted and its tagged copy appended.
	updated := make([]models.Message, 0, len(state.Messages))
	var appended []models.Message
	for i, m := range state.Messages {
		if id, ok := tagged[i]; ok {
			tc := m
			tc.TicketCommentID = id
			appended = append(appended, tc)
			continue
		}
		updated = append(updated, m)
	}
	updated = append(updated, appended...)

	if firstErr != nil {
		return updated, fmt.Errorf("%w: %v", ErrSync, firstErr)
	}

	log.Debug().
		Int("issue", state.TrackerIssueID).
		Int("mirrored", len(appended)).
		Msg("Mirrored conversation messages to tracker")

	return updated, nil
}

func composeIssueBody(state *models.ConversationState) string {
	var b strings.Builder
	if msg := firstHuman(state); msg != nil {
		b.WriteString(msg.Content)
	}
	if state.TaskPlan != nil {
		b.WriteString("\n\n")
		b.WriteString(RenderPlan(state.TaskPlan))
	}
	return b.String()
}

func formatMirrorComment(m models.Message) string {
	if m.IsFollowup {
		return "**Follow-up request:**\n\n" + m.Content
	}
	return m.Content
}

func firstHuman(state *models.ConversationState) *models.Message {
	for i := range state.Messages {
		if state.Messages[i].Role == models.RoleHuman {
			return &state.Messages[i]
		}
	}
	return nil
}
