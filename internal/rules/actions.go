package rules

import (
	"encoding/json"
	"fmt"
)

// Action kinds a rule may execute, in the order listed in its actions array.
const (
	ActionSendAIReply     = "SEND_AI_REPLY"
	ActionCreateTask      = "CREATE_TASK"
	ActionCreateAgentTask = "CREATE_AGENT_TASK"
	ActionSetNextFollowup = "SET_NEXT_FOLLOWUP"
	ActionSetPriority     = "SET_PRIORITY"
)

// Action is one step of a rule's action list.
type Action struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SendAIReplyParams drives the generate-sanitize-enqueue path. Intent feeds
// the dedupe key, so two rules with distinct intents can both message the
// same conversation on the same day.
type SendAIReplyParams struct {
	Intent         string `json:"intent"`
	TemplateKey    string `json:"templateKey,omitempty"`
	PromptTemplate string `json:"promptTemplate"`
}

// TaskParams creates a human follow-up task.
type TaskParams struct {
	Title      string `json:"title"`
	Kind       string `json:"kind,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
	DueInHours int    `json:"dueInHours,omitempty"`
}

// FollowupParams reschedules the lead's next follow-up.
type FollowupParams struct {
	InDays int `json:"inDays"`
}

// PriorityParams sets the lead's priority band.
type PriorityParams struct {
	Priority string `json:"priority"`
}

// ParseActions decodes and sanity-checks a rule's action list. Order is
// preserved; execution follows array order exactly.
func ParseActions(raw json.RawMessage) ([]Action, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("rule requires at least one action")
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("rule requires at least one action")
	}
	for i, a := range actions {
		switch a.Type {
		case ActionSendAIReply, ActionCreateTask, ActionCreateAgentTask,
			ActionSetNextFollowup, ActionSetPriority:
		default:
			return nil, fmt.Errorf("action %d: unknown type %q", i, a.Type)
		}
	}
	return actions, nil
}
