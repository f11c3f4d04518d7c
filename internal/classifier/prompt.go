package classifier

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/gwtoolzone/open-swe/internal/session"
	"github.com/gwtoolzone/open-swe/pkg/models"
)

// routeDescriptions explains each route to the model. Only descriptions for
// offered routes make it into the prompt and the tool schema.
var routeDescriptions = map[session.Route]string{
	session.RouteNoOp:                    "The message needs only a conversational reply; no session action.",
	session.RouteCreateNewIssue:          "The message describes a new independent task; open a fresh issue and conversation for it.",
	session.RouteStartPlanner:            "Start the planning session for this conversation's task.",
	session.RouteStartPlannerForFollowup: "Start a new planning pass for a follow-up request on a finished task.",
	session.RouteUpdatePlanner:           "The running planning session will pick the message up from the issue; no new session.",
	session.RouteUpdateProgrammer:        "The running programming session will pick the message up from the issue; no new session.",
	session.RouteResumeAndUpdatePlanner:  "Resume the interrupted planning session so it incorporates the message.",
}

func systemPrompt(req Request, offered []session.Route) string {
	var b strings.Builder

	b.WriteString("You are the request router for a software engineering agent. ")
	b.WriteString("Classify the user's latest message into exactly one of the available actions ")
	b.WriteString("and write a short reply to the user explaining what will happen next.\n\n")

	b.WriteString("Current state:\n")
	fmt.Fprintf(&b, "- Planning session: %s\n", req.PlannerStatus)
	fmt.Fprintf(&b, "- Programming session: %s\n", req.ProgrammerStatus)
	fmt.Fprintf(&b, "- Request source: %s\n", req.RequestSource)

	if req.TaskPlan != nil && len(req.TaskPlan.Tasks) > 0 {
		b.WriteString("\nCurrent task plan:\n")
		writePlan(&b, req.TaskPlan)
	}
	if req.ProposedPlan != nil && len(req.ProposedPlan.Tasks) > 0 {
		b.WriteString("\nProposed plan awaiting approval:\n")
		writePlan(&b, req.ProposedPlan)
	}

	b.WriteString("\nAvailable actions:\n")
	for _, r := range offered {
		fmt.Fprintf(&b, "- %s: %s\n", r, routeDescriptions[r])
	}

	b.WriteString("\nRespond by calling the route_request tool exactly once.")
	return b.String()
}

func writePlan(b *strings.Builder, plan *models.TaskPlan) {
	for i, t := range plan.Tasks {
		marker := " "
		if t.Completed {
			marker = "x"
		}
		active := ""
		if i == plan.ActiveTaskIndex {
			active = " (active)"
		}
		fmt.Fprintf(b, "%d. [%s] %s%s\n", i+1, marker, t.Title, active)
	}
}

func conversationPrompt(history []models.Message) string {
	var b strings.Builder
	b.WriteString("Conversation history, oldest first:\n\n")
	for _, m := range history {
		fmt.Fprintf(&b, "[%s] %s\n\n", m.Role, m.Content)
	}
	return b.String()
}

// routeTool builds the structured-output tool the model must invoke. The
// route enum is restricted to the offered set so an invalid transition cannot
// be expressed at the schema level.
func routeTool(offered []session.Route) llms.Tool {
	enum := make([]string, len(offered))
	for i, r := range offered {
		enum[i] = string(r)
	}

	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        routeToolName,
			Description: "Choose the next action for the user's message and reply to them.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"route": map[string]any{
						"type": "string",
						"enum": enum,
					},
					"reply": map[string]any{
						"type":        "string",
						"description": "Short user-facing reply describing what happens next.",
					},
					"reasoning": map[string]any{
						"type":        "string",
						"description": "Brief internal justification for the chosen route.",
					},
				},
				"required": []string{"route", "reply"},
			},
		},
	}
}
