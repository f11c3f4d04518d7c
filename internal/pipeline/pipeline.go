package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gwtoolzone/open-swe/internal/classifier"
	"github.com/gwtoolzone/open-swe/internal/orchestrator"
	"github.com/gwtoolzone/open-swe/internal/tracker"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

// Pipeline is one atomic pass over a conversation: ensure the ticket and
// history are current, classify the trigger, act on the route, mirror, reply.
// No step retries internally; a failed pass is retried by re-delivering the
// external trigger, which the dedup tags make safe.
type Pipeline struct {
	sync   *tracker.Sync
	engine *classifier.Engine
	orch   *orchestrator.Orchestrator
}

func New(sync *tracker.Sync, engine *classifier.Engine, orch *orchestrator.Orchestrator) *Pipeline {
	return &Pipeline{sync: sync, engine: engine, orch: orch}
}

// Result is the outcome of one pipeline pass. State is the updated snapshot
// the caller persists.
type Result struct {
	State    *models.ConversationState
	Decision *classifier.Decision
	Session  *models.Session
}

// Handle processes one incoming message against a conversation snapshot.
func (p *Pipeline) Handle(ctx context.Context, state *models.ConversationState, incoming models.Message) (*Result, error) {
	state.AppendMessage(incoming)

	createdTicket := state.TrackerIssueID == 0

	issueID, plan, err := p.sync.EnsureTicket(ctx, state)
	if err != nil {
		return nil, err
	}
	// trackerIssueID is set at most once and never changes afterward.
	if createdTicket {
		state.TrackerIssueID = issueID
		p.tagOriginatingMessage(state)
	}
	// The ticket body wins over the in-memory plan once a ticket exists.
	state.TaskPlan = plan

	// Refresh session statuses from the planner thread before offering routes.
	proposed, err := p.orch.ObservePlanner(ctx, state)
	if err != nil {
		log.Warn().Err(err).
			Str("thread_id", state.Planner.ThreadID).
			Msg("Could not observe planner thread, classifying with last-known statuses")
	}

	decision, err := p.engine.Classify(ctx, classifier.Request{
		History:          state.Messages,
		PlannerStatus:    state.Planner.Status,
		ProgrammerStatus: state.Programmer.Status,
		TaskPlan:         state.TaskPlan,
		ProposedPlan:     proposed,
		RequestSource:    incoming.RequestSource,
	})
	if err != nil {
		return nil, err
	}

	// Mirror before acting: the update routes rely on the comment already
	// existing, and a resumed planner re-reads the issue.
	messages, err := p.sync.MirrorMessages(ctx, state)
	state.Messages = messages
	if err != nil {
		return nil, err
	}

	applied, err := p.orch.Apply(ctx, state, decision)
	if err != nil {
		return nil, err
	}

	reply := decision.Reply
	if applied.Reply != "" {
		reply = fmt.Sprintf("%s\n\n%s", reply, applied.Reply)
	}
	if reply != "" {
		state.AppendMessage(models.Message{
			Role:    models.RoleAssistant,
			Content: reply,
		})
	}

	return &Result{
		State:    state,
		Decision: decision,
		Session:  applied.Session,
	}, nil
}

// tagOriginatingMessage marks the message that materialized the ticket, so
// mirroring never duplicates it as a comment. Retract-and-append, not in-place
// mutation.
func (p *Pipeline) tagOriginatingMessage(state *models.ConversationState) {
	for i := range state.Messages {
		m := state.Messages[i]
		if m.Role == models.RoleHuman && m.OriginatingTicketID == 0 && m.TicketCommentID == 0 {
			m.OriginatingTicketID = state.TrackerIssueID
			state.ReplaceMessage(i, m)
			return
		}
	}
}
