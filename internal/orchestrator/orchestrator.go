package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gwtoolzone/open-swe/internal/classifier"
	"github.com/gwtoolzone/open-swe/internal/runs"
	"github.com/gwtoolzone/open-swe/internal/session"
	"github.com/gwtoolzone/open-swe/internal/tracker"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

var (
	// ErrInvalidResumeState indicates a resume was requested while the planner
	// session is not interrupted.
	ErrInvalidResumeState = errors.New("planner session is not interrupted")

	// ErrSessionStart indicates a failure to create or resume a session. Fatal
	// to the pipeline pass; messages appended before the failure survive, so
	// the next trigger retries without data loss.
	ErrSessionStart = errors.New("failed to start session")
)

// ModelTier selects the capability level for planner and programmer roles.
type ModelTier string

const (
	TierStandard ModelTier = "standard"
	TierMax      ModelTier = "max"
)

// Config carries the graph ids and model names the orchestrator submits runs
// with. There is no programmer graph id here: programmer runs are created by
// the planner graph server-side, never by this process.
type Config struct {
	ManagerGraphID string
	PlannerGraphID string
	StandardModel  string
	MaxModel       string
}

// StartOptions tune one planner start.
type StartOptions struct {
	Followup bool
	Tier     ModelTier
}

// TokenSource yields the repository credential embedded in run inputs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Orchestrator acts on classified routes: it creates sessions, resumes
// interrupted ones, and forks whole new conversations. It never creates
// programmer sessions directly; their identity is owned by the planner's
// thread state.
type Orchestrator struct {
	runs     runs.Client
	sync     *tracker.Sync
	registry *session.Registry
	tokens   TokenSource
	cfg      Config
}

func New(runsClient runs.Client, trackerSync *tracker.Sync, registry *session.Registry, tokens TokenSource, cfg Config) *Orchestrator {
	return &Orchestrator{
		runs:     runsClient,
		sync:     trackerSync,
		registry: registry,
		tokens:   tokens,
		cfg:      cfg,
	}
}

// ApplyResult is what one route application produced.
type ApplyResult struct {
	// Session is the updated planner session pointer, when the route touched
	// one.
	Session *models.Session

	// Reply is orchestrator-generated confirmation text, only set for forks.
	Reply string
}

// Apply dispatches a classified decision. The route set is closed; an
// unknown value here is a programming error.
func (o *Orchestrator) Apply(ctx context.Context, state *models.ConversationState, decision *classifier.Decision) (*ApplyResult, error) {
	switch decision.Route {
	case session.RouteNoOp:
		return &ApplyResult{}, nil

	case session.RouteStartPlanner:
		s, err := o.StartPlanner(ctx, state, StartOptions{})
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Session: s}, nil

	case session.RouteStartPlannerForFollowup:
		s, err := o.StartPlanner(ctx, state, StartOptions{Followup: true})
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Session: s}, nil

	case session.RouteResumeAndUpdatePlanner:
		s, err := o.ResumePlanner(ctx, state)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Session: s}, nil

	case session.RouteUpdatePlanner, session.RouteUpdateProgrammer:
		// The mirrored issue comment is the update; the running session
		// observes the issue asynchronously.
		return &ApplyResult{}, nil

	case session.RouteCreateNewIssue:
		fork, err := o.ForkConversation(ctx, state)
		if err != nil {
			return nil, err
		}
		reply := fmt.Sprintf("Opened a new task in issue #%d; a fresh planning session (thread %s) is starting there.",
			fork.IssueNumber, fork.ThreadID)
		return &ApplyResult{Reply: reply}, nil

	default:
		return nil, fmt.Errorf("unhandled route %q", decision.Route)
	}
}

// StartPlanner creates (or re-submits, idempotently) the planner run for the
// conversation. The credential fetch and run-input composition are
// independent and run concurrently.
func (o *Orchestrator) StartPlanner(ctx context.Context, state *models.ConversationState, opts StartOptions) (*models.Session, error) {
	threadID := o.registry.PlannerThreadID(state)

	var (
		wg       sync.WaitGroup
		token    string
		tokenErr error
		input    map[string]interface{}
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		token, tokenErr = o.tokens.Token(ctx)
	}()
	go func() {
		defer wg.Done()
		input = o.plannerInput(state, opts)
	}()
	wg.Wait()
	if tokenErr != nil {
		return nil, fmt.Errorf("%w: obtaining credential: %v", ErrSessionStart, tokenErr)
	}

	run, err := o.runs.CreateRun(ctx, threadID, o.cfg.PlannerGraphID, runs.CreateRunRequest{
		Input: input,
		Config: map[string]interface{}{
			"github_token": token,
			"model":        o.modelFor(opts.Tier),
		},
		Resumable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	o.registry.MarkRunning(&state.Planner, run.RunID)

	log.Info().
		Str("thread_id", threadID).
		Str("run_id", run.RunID).
		Bool("followup", opts.Followup).
		Msg("Planner session started")

	return &state.Planner, nil
}

// ResumePlanner issues an explicit resume signal against the interrupted
// planner thread. The thread id never changes; only the run id does.
func (o *Orchestrator) ResumePlanner(ctx context.Context, state *models.ConversationState) (*models.Session, error) {
	if state.Planner.Status != models.StatusInterrupted {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidResumeState, state.Planner.Status)
	}

	signal := runs.ResumeSignal{
		Command: map[string]interface{}{
			"resume": map[string]interface{}{
				"type": "response",
				"args": "A new user message arrived on the issue. Re-evaluate the plan against the full conversation before continuing.",
			},
		},
	}

	run, err := o.runs.ResumeRun(ctx, state.Planner.ThreadID, o.cfg.PlannerGraphID, signal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	o.registry.MarkRunning(&state.Planner, run.RunID)

	return &state.Planner, nil
}

// ForkResult describes the conversation created by create_new_issue.
type ForkResult struct {
	ThreadID    string
	RunID       string
	IssueNumber int
}

// ForkConversation builds a brand-new ticket from the full history and
// submits a new top-level run whose first action is to start planning there.
// The parent state is left untouched.
func (o *Orchestrator) ForkConversation(ctx context.Context, parent *models.ConversationState) (*ForkResult, error) {
	child := &models.ConversationState{
		ThreadID:       uuid.NewString(),
		Repository:     parent.Repository,
		AutoAcceptPlan: parent.AutoAcceptPlan,
	}
	// The copies shed their parent-issue mirror tags; otherwise the dedup
	// check would treat them as already mirrored and the child ticket would
	// never see the later history.
	for _, m := range parent.Messages {
		m.OriginatingTicketID = 0
		m.TicketCommentID = 0
		child.AppendMessage(m)
	}

	issueID, _, err := o.sync.EnsureTicket(ctx, child)
	if err != nil {
		return nil, fmt.Errorf("%w: creating forked issue: %v", ErrSessionStart, err)
	}
	child.TrackerIssueID = issueID

	// The first human message became the child issue's body; tag it, then
	// mirror the rest of the history as catch-up comments.
	for i := range child.Messages {
		m := child.Messages[i]
		if m.Role == models.RoleHuman {
			m.OriginatingTicketID = issueID
			child.ReplaceMessage(i, m)
			break
		}
	}
	messages, err := o.sync.MirrorMessages(ctx, child)
	child.Messages = messages
	if err != nil {
		return nil, fmt.Errorf("%w: mirroring history to forked issue: %v", ErrSessionStart, err)
	}

	run, err := o.runs.CreateRun(ctx, child.ThreadID, o.cfg.ManagerGraphID, runs.CreateRunRequest{
		Input: map[string]interface{}{
			"issue_number":   issueID,
			"repository":     child.Repository.String(),
			"initial_action": string(session.RouteStartPlanner),
		},
		Resumable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionStart, err)
	}

	log.Info().
		Str("thread_id", child.ThreadID).
		Str("run_id", run.RunID).
		Int("issue", issueID).
		Msg("Forked conversation into new issue")

	return &ForkResult{
		ThreadID:    child.ThreadID,
		RunID:       run.RunID,
		IssueNumber: issueID,
	}, nil
}

// ObservePlanner refreshes both session statuses from the planner thread's
// server-side state and returns the proposed plan awaiting approval, if any.
// The programmer session is only ever discovered this way; the orchestrator
// never creates it.
func (o *Orchestrator) ObservePlanner(ctx context.Context, state *models.ConversationState) (*models.TaskPlan, error) {
	if !state.Planner.Started() {
		return nil, nil
	}
	thread, err := o.runs.GetThread(ctx, state.Planner.ThreadID)
	if err != nil {
		return nil, err
	}

	switch thread.Status {
	case "busy":
		state.Planner.Status = models.StatusRunning
	case "interrupted":
		o.registry.MarkInterrupted(&state.Planner)
	case "idle":
		o.registry.MarkCompleted(&state.Planner)
	case "error":
		o.registry.MarkErrored(&state.Planner)
	}

	if raw, ok := thread.Values["programmer_session"].(map[string]interface{}); ok {
		if v, ok := raw["thread_id"].(string); ok {
			state.Programmer.ThreadID = v
		}
		if v, ok := raw["run_id"].(string); ok {
			state.Programmer.RunID = v
		}
		if v, ok := raw["status"].(string); ok {
			state.Programmer.Status = models.SessionStatus(v)
		}
	}

	if raw, ok := thread.Values["proposed_plan"]; ok {
		if plan := decodePlan(raw); plan != nil {
			return plan, nil
		}
	}
	return nil, nil
}

// decodePlan converts the loosely-typed thread value into a TaskPlan.
func decodePlan(raw interface{}) *models.TaskPlan {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	tasks, ok := obj["tasks"].([]interface{})
	if !ok {
		return nil
	}
	plan := &models.TaskPlan{}
	if idx, ok := obj["active_task_index"].(float64); ok {
		plan.ActiveTaskIndex = int(idx)
	}
	for _, t := range tasks {
		entry, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		task := models.Task{}
		if v, ok := entry["title"].(string); ok {
			task.Title = v
		}
		if v, ok := entry["completed"].(bool); ok {
			task.Completed = v
		}
		if v, ok := entry["summary"].(string); ok {
			task.Summary = v
		}
		plan.Tasks = append(plan.Tasks, task)
	}
	if len(plan.Tasks) == 0 {
		return nil
	}
	return plan
}

func (o *Orchestrator) plannerInput(state *models.ConversationState, opts StartOptions) map[string]interface{} {
	input := map[string]interface{}{
		"issue_number":     state.TrackerIssueID,
		"repository":       state.Repository.String(),
		"branch_name":      state.BranchName,
		"auto_accept_plan": state.AutoAcceptPlan,
	}
	if state.TaskPlan != nil {
		input["task_plan"] = state.TaskPlan
	}
	if opts.Followup {
		if msg := state.LastHumanMessage(); msg != nil {
			input["followup_message"] = msg.Content
		}
	}
	return input
}

func (o *Orchestrator) modelFor(tier ModelTier) string {
	if tier == TierMax {
		return o.cfg.MaxModel
	}
	return o.cfg.StandardModel
}
