package domain

import (
	"fmt"
	"time"
)

// OutputKind discriminates the output union.
type OutputKind string

const (
	// OutputText is plain authored or scripted text.
	OutputText OutputKind = "text"
	// OutputCustom carries a keyed payload, used for script failures and
	// author-defined render hooks.
	OutputCustom OutputKind = "custom"
	// OutputExecutionStarted announces an accepted action execution.
	OutputExecutionStarted OutputKind = "execution-started"
	// OutputExecutionResolved announces a resolved action execution.
	OutputExecutionResolved OutputKind = "execution-resolved"
	// OutputSystem is a localized session lifecycle notice.
	OutputSystem OutputKind = "system"
)

// Output is a closed union of the entries that can appear in a force's
// output log. Exactly one variant pointer is set, selected by Kind.
type Output struct {
	Kind              OutputKind               `json:"kind"`
	Text              *TextOutput              `json:"text,omitempty"`
	Custom            *CustomOutput            `json:"custom,omitempty"`
	ExecutionStarted  *ExecutionStartedOutput  `json:"execution_started,omitempty"`
	ExecutionResolved *ExecutionResolvedOutput `json:"execution_resolved,omitempty"`
	System            *SystemOutput            `json:"system,omitempty"`
}

// TextOutput is plain text.
type TextOutput struct {
	Text string `json:"text"`
}

// CustomOutput is a keyed payload for renderer dispatch.
type CustomOutput struct {
	Key  string `json:"key"`
	Body string `json:"body"`
}

// ExecutionStartedOutput records the acceptance of an action execution.
type ExecutionStartedOutput struct {
	NodeID        string        `json:"node_id"`
	NodeName      string        `json:"node_name"`
	ActionName    string        `json:"action_name"`
	ProcessTime   time.Duration `json:"process_time"`
	SuccessChance float64       `json:"success_chance"`
	ResourceCost  float64       `json:"resource_cost"`
	// PreMessage is the node's authored pre-execution message, if any.
	PreMessage string `json:"pre_message,omitempty"`
}

// ExecutionResolvedOutput records the terminal outcome of an execution.
type ExecutionResolvedOutput struct {
	NodeID     string `json:"node_id"`
	NodeName   string `json:"node_name"`
	ActionName string `json:"action_name"`
	Succeeded  bool   `json:"succeeded"`
	// FailureText is present when the execution failed and the action
	// authored failure text.
	FailureText string `json:"failure_text,omitempty"`
}

// SystemOutput is a localized lifecycle notice.
type SystemOutput struct {
	Body string `json:"body"`
}

// Validate checks that the output union is well-formed.
func (o Output) Validate() error {
	switch o.Kind {
	case OutputText:
		if o.Text == nil {
			return fmt.Errorf("text output payload is required")
		}
	case OutputCustom:
		if o.Custom == nil {
			return fmt.Errorf("custom output payload is required")
		}
	case OutputExecutionStarted:
		if o.ExecutionStarted == nil {
			return fmt.Errorf("execution-started output payload is required")
		}
	case OutputExecutionResolved:
		if o.ExecutionResolved == nil {
			return fmt.Errorf("execution-resolved output payload is required")
		}
	case OutputSystem:
		if o.System == nil {
			return fmt.Errorf("system output payload is required")
		}
	default:
		return fmt.Errorf("unknown output kind %q", o.Kind)
	}
	return nil
}

// NewTextOutput builds a text output entry.
func NewTextOutput(text string) Output {
	return Output{Kind: OutputText, Text: &TextOutput{Text: text}}
}

// NewCustomOutput builds a keyed custom output entry.
func NewCustomOutput(key, body string) Output {
	return Output{Kind: OutputCustom, Custom: &CustomOutput{Key: key, Body: body}}
}

// NewSystemOutput builds a system notice output entry.
func NewSystemOutput(body string) Output {
	return Output{Kind: OutputSystem, System: &SystemOutput{Body: body}}
}
