package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/qri-io/jsonschema"

	"github.com/leadpilot/leadpilot/pkg/models"
)

// Per-trigger condition schemas. Compiled once, used on every save so a bad
// rule is rejected before it reaches the evaluator.
var conditionSchemas = map[models.TriggerType]string{
	models.TriggerExpiryWindow: `{
		"type": "object",
		"required": ["daysBefore"],
		"properties": {"daysBefore": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
	models.TriggerInfoShared: `{
		"type": "object",
		"required": ["daysSince"],
		"properties": {
			"daysSince": {"type": "integer", "minimum": 1},
			"infoType": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	models.TriggerNoReplySLA: `{
		"type": "object",
		"required": ["hours"],
		"properties": {"hours": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
	models.TriggerFollowupOverdue: `{
		"type": "object",
		"required": ["graceHours"],
		"properties": {"graceHours": {"type": "integer", "minimum": 0}},
		"additionalProperties": false
	}`,
	models.TriggerNoActivity: `{
		"type": "object",
		"required": ["days"],
		"properties": {"days": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
}

const actionsSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {
				"type": "string",
				"enum": ["SEND_AI_REPLY", "CREATE_TASK", "CREATE_AGENT_TASK", "SET_NEXT_FOLLOWUP", "SET_PRIORITY"]
			},
			"params": {"type": "object"}
		},
		"additionalProperties": false
	}
}`

var (
	compileOnce     sync.Once
	compiledConds   map[models.TriggerType]*jsonschema.Schema
	compiledActions *jsonschema.Schema
	compileErr      error
)

func compileSchemas() {
	compiledConds = make(map[models.TriggerType]*jsonschema.Schema, len(conditionSchemas))
	for trigger, src := range conditionSchemas {
		rs := &jsonschema.Schema{}
		if err := json.Unmarshal([]byte(src), rs); err != nil {
			compileErr = fmt.Errorf("compile %s condition schema: %w", trigger, err)
			return
		}
		compiledConds[trigger] = rs
	}
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(actionsSchema), rs); err != nil {
		compileErr = fmt.Errorf("compile actions schema: %w", err)
		return
	}
	compiledActions = rs
}

// ValidateRule checks a rule before it is saved: known trigger, condition
// payload matching the trigger's schema, well-formed action list and a valid
// cron expression when one is set.
func ValidateRule(ctx context.Context, r *models.AutomationRule) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}

	if r.RuleKey == "" {
		return fmt.Errorf("rule key is required")
	}

	schema, ok := compiledConds[r.TriggerType]
	if !ok {
		return fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	verrs, err := schema.ValidateBytes(ctx, r.ConditionJSON)
	if err != nil {
		return fmt.Errorf("condition is not valid JSON: %w", err)
	}
	if len(verrs) > 0 {
		return fmt.Errorf("condition rejected: %s", verrs[0].Message)
	}

	verrs, err = compiledActions.ValidateBytes(ctx, r.ActionsJSON)
	if err != nil {
		return fmt.Errorf("actions are not valid JSON: %w", err)
	}
	if len(verrs) > 0 {
		return fmt.Errorf("actions rejected: %s", verrs[0].Message)
	}
	if _, err := ParseActions(r.ActionsJSON); err != nil {
		return err
	}
	if _, err := ParseCondition(r.TriggerType, r.ConditionJSON); err != nil {
		return err
	}

	if r.CronExpr != "" && !gronx.New().IsValid(r.CronExpr) {
		return fmt.Errorf("invalid cron expression %q", r.CronExpr)
	}
	return nil
}
