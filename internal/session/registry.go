package session

import (
	"github.com/google/uuid"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// Route is the classifier's chosen next action for a message. The set is
// closed; an unmatched route is a programming error, not a runtime case to
// ignore.
type Route string

const (
	RouteNoOp                    Route = "no_op"
	RouteCreateNewIssue          Route = "create_new_issue"
	RouteStartPlanner            Route = "start_planner"
	RouteStartPlannerForFollowup Route = "start_planner_for_followup"
	RouteUpdatePlanner           Route = "update_planner"
	RouteUpdateProgrammer        Route = "update_programmer"
	RouteResumeAndUpdatePlanner  Route = "resume_and_update_planner"
)

// Registry tracks session identity and status for one conversation's planner
// and programmer sessions. The programmer session's identity is owned by the
// planner's own thread state; the registry only mirrors what was last
// observed.
type Registry struct{}

func NewRegistry() *Registry {
	return &Registry{}
}

// PlannerThreadID returns the planner's stable thread id, generating one on
// first use. A generated id is written back to the state so it is never
// regenerated across resumes.
func (r *Registry) PlannerThreadID(state *models.ConversationState) string {
	if state.Planner.ThreadID == "" {
		state.Planner.ThreadID = uuid.NewString()
	}
	return state.Planner.ThreadID
}

// MarkRunning records a fresh or resumed execution attempt. Only RunID and
// Status change; the thread id is untouched.
func (r *Registry) MarkRunning(s *models.Session, runID string) {
	s.RunID = runID
	s.Status = models.StatusRunning
}

// MarkInterrupted records that the session paused waiting for input.
func (r *Registry) MarkInterrupted(s *models.Session) {
	s.Status = models.StatusInterrupted
}

// MarkCompleted records terminal success.
func (r *Registry) MarkCompleted(s *models.Session) {
	s.Status = models.StatusCompleted
}

// MarkErrored records terminal failure.
func (r *Registry) MarkErrored(s *models.Session) {
	s.Status = models.StatusErrored
}

// OfferedRoutes builds the route set presented to the classifier from the
// current session statuses, so the model cannot pick a structurally invalid
// transition: start_planner is offered only before the planner ever ran,
// resume_and_update_planner only while it is interrupted, the update routes
// only while the corresponding session is running.
func OfferedRoutes(planner, programmer models.SessionStatus) []Route {
	routes := []Route{RouteNoOp, RouteCreateNewIssue}

	switch planner {
	case models.StatusNotStarted:
		routes = append(routes, RouteStartPlanner)
	case models.StatusRunning:
		routes = append(routes, RouteUpdatePlanner)
	case models.StatusInterrupted:
		routes = append(routes, RouteResumeAndUpdatePlanner)
	case models.StatusCompleted, models.StatusErrored:
		routes = append(routes, RouteStartPlannerForFollowup)
	}

	if programmer == models.StatusRunning {
		routes = append(routes, RouteUpdateProgrammer)
	}

	return routes
}

// Contains reports whether route is a member of the offered set.
func Contains(routes []Route, route Route) bool {
	for _, r := range routes {
		if r == route {
			return true
		}
	}
	return false
}
