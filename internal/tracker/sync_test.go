package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// fakeTracker is an in-memory tracker for sync tests.
type fakeTracker struct {
	mu          sync.Mutex
	nextIssue   int
	nextComment int64
	issues      map[int]*Issue
	comments    map[int][]string
	failBodies  map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		nextIssue:   1,
		nextComment: 1000,
		issues:      make(map[int]*Issue),
		comments:    make(map[int][]string),
		failBodies:  make(map[string]bool),
	}
}

func (f *fakeTracker) CreateIssue(ctx context.Context, owner, repo, title, body string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := &Issue{Number: f.nextIssue, Title: title, Body: body, State: "open"}
	f.issues[issue.Number] = issue
	f.nextIssue++
	return issue, nil
}

func (f *fakeTracker) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrTicketNotFound, number)
	}
	return issue, nil
}

func (f *fakeTracker) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBodies[body] {
		return nil, errors.New("boom")
	}
	f.comments[number] = append(f.comments[number], body)
	f.nextComment++
	return &Comment{ID: f.nextComment}, nil
}

func (f *fakeTracker) commentCount(number int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments[number])
}

func newState(issueID int) *models.ConversationState {
	return &models.ConversationState{
		ThreadID:       "thread-1",
		TrackerIssueID: issueID,
		Repository:     models.TargetRepository{Owner: "acme", Repo: "widgets"},
	}
}

func TestEnsureTicketCreatesIssue(t *testing.T) {
	tr := newFakeTracker()
	s := NewSync(tr)

	state := newState(0)
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "Fix the login bug"})

	id, _, err := s.EnsureTicket(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Equal(t, "Fix the login bug", tr.issues[1].Title)
}

func TestEnsureTicketBodyPlanWins(t *testing.T) {
	tr := newFakeTracker()
	s := NewSync(tr)

	bodyPlan := &models.TaskPlan{Tasks: []models.Task{{Title: "from body"}}}
	tr.issues[5] = &Issue{Number: 5, Body: "prose\n\n" + RenderPlan(bodyPlan)}

	state := newState(5)
	state.TaskPlan = &models.TaskPlan{Tasks: []models.Task{{Title: "from memory"}}}

	_, plan, err := s.EnsureTicket(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "from body", plan.Tasks[0].Title, "the hand-editable issue body is the higher-priority source")
}

func TestEnsureTicketNotFound(t *testing.T) {
	tr := newFakeTracker()
	s := NewSync(tr)

	state := newState(42)
	_, _, err := s.EnsureTicket(context.Background(), state)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestMirrorMessagesTagsUntagged(t *testing.T) {
	tr := newFakeTracker()
	tr.issues[3] = &Issue{Number: 3}
	s := NewSync(tr)

	state := newState(3)
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "first", OriginatingTicketID: 3})
	state.AppendMessage(models.Message{Role: models.RoleAssistant, Content: "reply"})
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "second"})
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "third"})

	messages, err := s.MirrorMessages(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.commentCount(3), "one comment per untagged human message")

	tagged := 0
	for _, m := range messages {
		if m.TicketCommentID != 0 {
			tagged++
		}
	}
	assert.Equal(t, 2, tagged)
	assert.Len(t, messages, 4, "retract-and-append keeps the sequence length")
}

func TestMirrorMessagesIdempotent(t *testing.T) {
	tr := newFakeTracker()
	tr.issues[3] = &Issue{Number: 3}
	s := NewSync(tr)

	state := newState(3)
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "first", OriginatingTicketID: 3})
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "second"})

	messages, err := s.MirrorMessages(context.Background(), state)
	require.NoError(t, err)
	require.Equal(t, 1, tr.commentCount(3))

	// A repeated pass over an already-tagged history creates nothing.
	state.Messages = messages
	_, err = s.MirrorMessages(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.commentCount(3), "repeated mirroring passes produce zero additional comments")
}

func TestMirrorMessagesPartialFailureKeepsTags(t *testing.T) {
	tr := newFakeTracker()
	tr.issues[3] = &Issue{Number: 3}
	tr.failBodies["bad"] = true
	s := NewSync(tr)

	state := newState(3)
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "good"})
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "bad"})

	messages, err := s.MirrorMessages(context.Background(), state)
	assert.ErrorIs(t, err, ErrSync)

	// The successful comment's tag survives so the next pass skips it.
	var goodTagged, badTagged bool
	for _, m := range messages {
		switch m.Content {
		case "good":
			goodTagged = m.TicketCommentID != 0
		case "bad":
			badTagged = m.TicketCommentID != 0
		}
	}
	assert.True(t, goodTagged, "partial mirroring is not rolled back")
	assert.False(t, badTagged)

	// Re-drive: only the failed message is retried.
	tr.failBodies["bad"] = false
	state.Messages = messages
	_, err = s.MirrorMessages(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.commentCount(3))
}

func TestMirrorMessagesNoTicketIsNoop(t *testing.T) {
	tr := newFakeTracker()
	s := NewSync(tr)

	state := newState(0)
	state.AppendMessage(models.Message{Role: models.RoleHuman, Content: "hello"})

	messages, err := s.MirrorMessages(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, state.Messages, messages)
}
