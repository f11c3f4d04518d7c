package tracker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// The task plan lives in the issue body as a fenced JSON block between HTML
// comment markers so it survives hand-editing of the surrounding prose and
// renders collapsed on GitHub.
const (
	planOpenTag  = "<!-- open-swe-plan -->"
	planCloseTag = "<!-- /open-swe-plan -->"
)

var planBlockRe = regexp.MustCompile(`(?s)` +
	regexp.QuoteMeta(planOpenTag) + "\\s*```json\\s*(.*?)\\s*```\\s*" + regexp.QuoteMeta(planCloseTag))

// RenderPlan renders a task plan to its issue-body block.
func RenderPlan(plan *models.TaskPlan) string {
	if plan == nil {
		return ""
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		// A TaskPlan contains only marshalable fields; this cannot happen.
		return ""
	}
	return fmt.Sprintf("%s\n```json\n%s\n```\n%s", planOpenTag, data, planCloseTag)
}

// ExtractPlan parses the task plan block out of an issue body. Returns nil
// when no block is present; a present-but-unparseable block is an error so an
// externally mangled plan is surfaced rather than silently discarded.
func ExtractPlan(body string) (*models.TaskPlan, error) {
	match := planBlockRe.FindStringSubmatch(body)
	if match == nil {
		return nil, nil
	}
	var plan models.TaskPlan
	if err := json.Unmarshal([]byte(match[1]), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse task plan block: %w", err)
	}
	return &plan, nil
}

// UpsertPlan replaces the plan block in body, or appends one when absent.
// Hand-written prose around the block is kept intact.
func UpsertPlan(body string, plan *models.TaskPlan) string {
	rendered := RenderPlan(plan)
	if rendered == "" {
		return body
	}
	if planBlockRe.MatchString(body) {
		return planBlockRe.ReplaceAllLiteralString(body, rendered)
	}
	if strings.TrimSpace(body) == "" {
		return rendered
	}
	return strings.TrimRight(body, "\n") + "\n\n" + rendered
}

// StripPlan removes the plan block, leaving only the prose.
func StripPlan(body string) string {
	return strings.TrimSpace(planBlockRe.ReplaceAllString(body, ""))
}
