package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/gwtoolzone/open-swe/internal/classifier"
	"github.com/gwtoolzone/open-swe/internal/orchestrator"
	"github.com/gwtoolzone/open-swe/internal/runs"
	"github.com/gwtoolzone/open-swe/internal/session"
	"github.com/gwtoolzone/open-swe/internal/tracker"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

type scriptedModel struct {
	arguments string
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				ToolCalls: []llms.ToolCall{
					{
						ID:   "call-1",
						Type: "function",
						FunctionCall: &llms.FunctionCall{
							Name:      "route_request",
							Arguments: m.arguments,
						},
					},
				},
			},
		},
	}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", nil
}

type fakeIssues struct {
	mu       sync.Mutex
	nextNum  int
	nextCmt  int64
	issues   map[int]*tracker.Issue
	comments []string
}

func newFakeIssues() *fakeIssues {
	return &fakeIssues{issues: map[int]*tracker.Issue{}}
}

func (f *fakeIssues) CreateIssue(ctx context.Context, owner, repo, title, body string) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextNum++
	issue := &tracker.Issue{Number: f.nextNum, Title: title, Body: body, State: "open"}
	f.issues[issue.Number] = issue
	return issue, nil
}

func (f *fakeIssues) GetIssue(ctx context.Context, owner, repo string, number int) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		return issue, nil
	}
	return nil, tracker.ErrTicketNotFound
}

func (f *fakeIssues) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCmt++
	f.comments = append(f.comments, body)
	return &tracker.Comment{ID: f.nextCmt}, nil
}

type stubRuns struct {
	nextRun      int
	resumed      []string
	threadStatus string
}

func (s *stubRuns) CreateRun(ctx context.Context, threadID, graphID string, req runs.CreateRunRequest) (*runs.Run, error) {
	s.nextRun++
	return &runs.Run{RunID: fmt.Sprintf("run-%d", s.nextRun), Status: "pending"}, nil
}

func (s *stubRuns) ResumeRun(ctx context.Context, threadID, graphID string, signal runs.ResumeSignal) (*runs.Run, error) {
	s.nextRun++
	s.resumed = append(s.resumed, threadID)
	return &runs.Run{RunID: fmt.Sprintf("run-%d", s.nextRun), Status: "pending"}, nil
}

func (s *stubRuns) GetThread(ctx context.Context, threadID string) (*runs.Thread, error) {
	status := s.threadStatus
	if status == "" {
		status = "busy"
	}
	return &runs.Thread{Status: status, Values: map[string]interface{}{}}, nil
}

type stubTokens struct{}

func (stubTokens) Token(ctx context.Context) (string, error) { return "tok", nil }

func newTestPipeline(model llms.Model, issues *fakeIssues, runsClient runs.Client) *Pipeline {
	trackerSync := tracker.NewSync(issues)
	orch := orchestrator.New(runsClient, trackerSync, session.NewRegistry(), stubTokens{}, orchestrator.Config{
		ManagerGraphID: "manager",
		PlannerGraphID: "planner",
		StandardModel:  "model-standard",
		MaxModel:       "model-max",
	})
	return New(trackerSync, classifier.NewEngineWithModel(model), orch)
}

func TestHandleNewRequestStartsPlanner(t *testing.T) {
	model := &scriptedModel{arguments: `{"route":"start_planner","reply":"Starting a planning session for the login bug.","reasoning":"fresh request, no sessions"}`}
	issues := newFakeIssues()
	runsClient := &stubRuns{}
	p := newTestPipeline(model, issues, runsClient)

	state := &models.ConversationState{
		ThreadID:   "conv-1",
		Repository: models.TargetRepository{Owner: "acme", Repo: "widgets"},
	}
	result, err := p.Handle(context.Background(), state, models.Message{
		Role:          models.RoleHuman,
		Content:       "Fix the login bug",
		RequestSource: models.SourceDirectUser,
	})
	require.NoError(t, err)

	// A ticket was materialized and the triggering message tagged to it.
	assert.Equal(t, 1, state.TrackerIssueID)
	human := state.LastHumanMessage()
	require.NotNil(t, human)
	assert.Equal(t, 1, human.OriginatingTicketID)

	// The tagged message must not have been mirrored as a comment too.
	assert.Empty(t, issues.comments)

	require.NotNil(t, result.Session)
	assert.NotEmpty(t, result.Session.ThreadID)
	assert.Equal(t, models.StatusRunning, result.Session.Status)
	assert.Equal(t, session.RouteStartPlanner, result.Decision.Route)

	// The acknowledgement lands in the history.
	last := state.Messages[len(state.Messages)-1]
	assert.Equal(t, models.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "planning session")
}

func TestHandleFollowupResumesInterruptedPlanner(t *testing.T) {
	model := &scriptedModel{arguments: `{"route":"resume_and_update_planner","reply":"Passing your note to the paused planner.","reasoning":"planner is waiting"}`}
	issues := newFakeIssues()
	issue, err := issues.CreateIssue(context.Background(), "acme", "widgets", "Fix the login bug", "Fix the login bug")
	require.NoError(t, err)
	runsClient := &stubRuns{threadStatus: "interrupted"}
	p := newTestPipeline(model, issues, runsClient)

	state := &models.ConversationState{
		ThreadID:       "conv-1",
		TrackerIssueID: issue.Number,
		Repository:     models.TargetRepository{Owner: "acme", Repo: "widgets"},
		Messages: []models.Message{
			{Role: models.RoleHuman, Content: "Fix the login bug", OriginatingTicketID: issue.Number},
		},
		Planner: models.Session{ThreadID: "t-1", RunID: "run-0", Status: models.StatusInterrupted},
	}

	result, err := p.Handle(context.Background(), state, models.Message{
		Role:          models.RoleHuman,
		Content:       "Please also cover the SSO path",
		RequestSource: models.SourceDirectUser,
	})
	require.NoError(t, err)

	// The follow-up was mirrored to the issue before the planner resumed.
	require.Len(t, issues.comments, 1)
	assert.Contains(t, issues.comments[0], "Please also cover the SSO path")

	// Same thread, new run.
	require.NotNil(t, result.Session)
	assert.Equal(t, "t-1", result.Session.ThreadID)
	assert.NotEqual(t, "run-0", result.Session.RunID)
	assert.Equal(t, models.StatusRunning, result.Session.Status)
	assert.Equal(t, []string{"t-1"}, runsClient.resumed)

	// The mirrored message carries its comment id for dedup.
	var mirrored bool
	for _, m := range state.Messages {
		if m.TicketCommentID != 0 {
			mirrored = true
		}
	}
	assert.True(t, mirrored, "follow-up should be tagged with the comment id")
}

func TestHandleClassificationFailureLeavesNoSession(t *testing.T) {
	// The model answers with prose instead of the routing tool.
	issues := newFakeIssues()
	runsClient := &stubRuns{}
	p := newTestPipeline(&proseModel{}, issues, runsClient)

	state := &models.ConversationState{
		ThreadID:   "conv-1",
		Repository: models.TargetRepository{Owner: "acme", Repo: "widgets"},
	}
	_, err := p.Handle(context.Background(), state, models.Message{
		Role:    models.RoleHuman,
		Content: "Fix the login bug",
	})
	require.ErrorIs(t, err, classifier.ErrClassificationFailed)

	// No run was submitted; only the ticket exists, so re-delivery can retry.
	assert.Equal(t, 0, runsClient.nextRun)
	assert.Equal(t, 1, state.TrackerIssueID)
}

type proseModel struct{}

func (proseModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "I think we should start planning."}},
	}, nil
}

func (proseModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", nil
}
