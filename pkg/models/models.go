package models

import (
	"fmt"
	"strings"
)

// MessageRole identifies the author side of a conversation message.
type MessageRole string

const (
	RoleHuman     MessageRole = "human"
	RoleAssistant MessageRole = "assistant"
)

// RequestSource records where a message entered the system from.
type RequestSource string

const (
	SourceDirectUser   RequestSource = "direct_user"
	SourceTrackerEvent RequestSource = "tracker_event"
)

// Message is one entry in a conversation's append-only history. A message is
// never mutated once it carries a ticket comment id; metadata changes are
// applied by retracting the old entry and appending an updated copy.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`

	// OriginatingTicketID is the tracker issue the message was first
	// materialized from. For the message that caused issue creation it equals
	// the conversation's issue number.
	OriginatingTicketID int `json:"originating_ticket_id,omitempty"`

	// TicketCommentID is set once the message has been mirrored to the tracker
	// as an issue comment. Zero means not yet mirrored.
	TicketCommentID int64 `json:"ticket_comment_id,omitempty"`

	IsFollowup    bool          `json:"is_followup,omitempty"`
	RequestSource RequestSource `json:"request_source,omitempty"`
}

// Mirrored reports whether the message already exists on the tracker for the
// conversation's issue. Presence of a comment id, or an originating ticket id
// matching the conversation's issue, is the sole dedup key.
func (m Message) Mirrored(conversationTicketID int) bool {
	if m.TicketCommentID != 0 {
		return true
	}
	return m.OriginatingTicketID != 0 && m.OriginatingTicketID == conversationTicketID
}

// SessionStatus is the last-known lifecycle state of an agent session.
type SessionStatus string

const (
	StatusNotStarted  SessionStatus = "not_started"
	StatusRunning     SessionStatus = "running"
	StatusInterrupted SessionStatus = "interrupted"
	StatusCompleted   SessionStatus = "completed"
	StatusErrored     SessionStatus = "errored"
)

// Session points at one externally-executed long-running task. ThreadID is
// generated once and never changes across resumes; only RunID and Status do.
type Session struct {
	ThreadID string        `json:"thread_id"`
	RunID    string        `json:"run_id,omitempty"`
	Status   SessionStatus `json:"status"`
}

// Started reports whether the session has ever been submitted for execution.
func (s Session) Started() bool {
	return s.ThreadID != "" && s.Status != StatusNotStarted
}

// Task is one entry in a task plan.
type Task struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	Summary   string `json:"summary,omitempty"`
}

// TaskPlan is an ordered list of tasks with a pointer at the active one. It is
// persisted in the tracker issue body and round-trips losslessly.
type TaskPlan struct {
	Tasks           []Task `json:"tasks"`
	ActiveTaskIndex int    `json:"active_task_index"`
}

// ActiveTask returns the currently active task, or nil when the index is out
// of range.
func (p *TaskPlan) ActiveTask() *Task {
	if p == nil || p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return nil
	}
	return &p.Tasks[p.ActiveTaskIndex]
}

// TargetRepository names the repository a conversation operates on. Immutable
// for the lifetime of the conversation.
type TargetRepository struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (r TargetRepository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}

// ConversationState aggregates everything the pipeline needs for one
// conversation. Ownership is external: the pipeline reads a snapshot, applies
// one pass, and hands the updated state back to the store.
type ConversationState struct {
	ThreadID       string           `json:"thread_id"`
	Messages       []Message        `json:"messages"`
	TrackerIssueID int              `json:"tracker_issue_id,omitempty"`
	Repository     TargetRepository `json:"repository"`
	TaskPlan       *TaskPlan        `json:"task_plan,omitempty"`
	Planner        Session          `json:"planner"`
	Programmer     Session          `json:"programmer"`
	AutoAcceptPlan bool             `json:"auto_accept_plan,omitempty"`
	BranchName     string           `json:"branch_name,omitempty"`
}

// AppendMessage appends to the history.
func (c *ConversationState) AppendMessage(m Message) {
	c.Messages = append(c.Messages, m)
}

// ReplaceMessage retracts the message at index i and appends the updated copy,
// preserving the append-only audit trail rather than mutating the entry in
// place.
func (c *ConversationState) ReplaceMessage(i int, updated Message) {
	if i < 0 || i >= len(c.Messages) {
		return
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	c.Messages = append(c.Messages, updated)
}

// LastHumanMessage returns the most recent human-authored message, or nil.
func (c *ConversationState) LastHumanMessage() *Message {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleHuman {
			return &c.Messages[i]
		}
	}
	return nil
}

// Title derives a tracker issue title from the first human message.
func (c *ConversationState) Title() string {
	msg := ""
	for _, m := range c.Messages {
		if m.Role == RoleHuman {
			msg = m.Content
			break
		}
	}
	if msg == "" {
		return "Agent task"
	}
	if idx := strings.IndexAny(msg, "\r\n"); idx >= 0 {
		msg = msg[:idx]
	}
	msg = strings.TrimSpace(msg)
	const maxTitle = 80
	if len(msg) > maxTitle {
		msg = msg[:maxTitle-3] + "..."
	}
	return msg
}
