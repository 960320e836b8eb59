package domain

import (
	"encoding/json"
	"fmt"
)

// Effect is an authored, immutable side-effect template attached to an action.
// It is a closed union: exactly one of Internal or External is set, selected
// by Kind. Applying an effect never mutates the effect itself, only the
// mission state it targets.
type Effect struct {
	ID       string          `json:"id"`
	Kind     EffectKind      `json:"kind"`
	Internal *InternalEffect `json:"internal,omitempty"`
	External *ExternalEffect `json:"external,omitempty"`
}

// EffectKind discriminates the effect union.
type EffectKind string

const (
	// EffectInternal mutates mission state directly through a fixed mutator set.
	EffectInternal EffectKind = "internal"
	// EffectExternal invokes a pluggable script against an external target.
	EffectExternal EffectKind = "external"
)

// Validate checks that the effect union is well-formed.
func (e Effect) Validate() error {
	switch e.Kind {
	case EffectInternal:
		if e.Internal == nil {
			return fmt.Errorf("effect %s: internal payload is required", e.ID)
		}
		if e.Internal.Target == nil {
			return fmt.Errorf("effect %s: internal target is required", e.ID)
		}
	case EffectExternal:
		if e.External == nil {
			return fmt.Errorf("effect %s: external payload is required", e.ID)
		}
	default:
		return fmt.Errorf("effect %s: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// InternalEffect mutates mission state through one of the enumerated targets.
type InternalEffect struct {
	Target InternalTarget
}

// ExternalEffect invokes an opaque script against a named external
// environment with a dependency-gated argument bundle.
type ExternalEffect struct {
	// EnvironmentID names the external target environment.
	EnvironmentID string `json:"environment_id"`
	// ScriptRef identifies the script to run.
	ScriptRef string `json:"script_ref"`
	// Args declares the typed argument schema.
	Args []ArgSpec `json:"args,omitempty"`
}

// InternalTarget is the closed set of internal-effect mutation targets.
// The concrete types below are the only implementations.
type InternalTarget interface {
	isInternalTarget()
}

// NodeBlockTarget sets or clears a node's blocked flag.
type NodeBlockTarget struct {
	NodeID  string `json:"node_id"`
	Blocked bool   `json:"blocked"`
}

// NodeOpenTarget opens or closes a node, optionally revealing descendants.
type NodeOpenTarget struct {
	NodeID string `json:"node_id"`
	Open   bool   `json:"open"`
	// RevealDepth extends the reveal beyond direct children when opening.
	RevealDepth int `json:"reveal_depth,omitempty"`
}

// ActionField names a tunable per-action value.
type ActionField string

const (
	// FieldSuccessChance shifts an action's success chance, clamped to [0,1].
	FieldSuccessChance ActionField = "success_chance"
	// FieldProcessTime shifts an action's process time, clamped to >= 0.
	FieldProcessTime ActionField = "process_time"
	// FieldResourceCost shifts an action's resource cost, clamped to >= 0.
	FieldResourceCost ActionField = "resource_cost"
)

// IsValid reports whether the field is a known action field.
func (f ActionField) IsValid() bool {
	switch f {
	case FieldSuccessChance, FieldProcessTime, FieldResourceCost:
		return true
	default:
		return false
	}
}

// ActionValueTarget shifts a per-action value on one action or, when
// ActionID is empty, on every action of the node.
type ActionValueTarget struct {
	NodeID string `json:"node_id"`
	// ActionID is empty to target all actions on the node.
	ActionID string      `json:"action_id,omitempty"`
	Field    ActionField `json:"field"`
	// Delta is applied on top of the current override. Process-time deltas
	// are expressed in seconds.
	Delta float64 `json:"delta"`
}

// ResourcePoolTarget shifts a force's resource pool.
type ResourcePoolTarget struct {
	// ForceID is empty to target the invoking force.
	ForceID string  `json:"force_id,omitempty"`
	Delta   float64 `json:"delta"`
}

// OutputPostTarget appends an entry to the invoking force's output log.
type OutputPostTarget struct {
	Output Output `json:"output"`
}

// FileAccessTarget grants or revokes a force's access to a mission file.
type FileAccessTarget struct {
	// ForceID is empty to target the invoking force.
	ForceID string `json:"force_id,omitempty"`
	FileID  string `json:"file_id"`
	Granted bool   `json:"granted"`
}

func (NodeBlockTarget) isInternalTarget()    {}
func (NodeOpenTarget) isInternalTarget()     {}
func (ActionValueTarget) isInternalTarget()  {}
func (ResourcePoolTarget) isInternalTarget() {}
func (OutputPostTarget) isInternalTarget()   {}
func (FileAccessTarget) isInternalTarget()   {}

// internalEffectEnvelope carries the target union tag for JSON round-trips.
type internalEffectEnvelope struct {
	Target string          `json:"target"`
	Data   json.RawMessage `json:"data"`
}

const (
	targetNodeBlock    = "node-block"
	targetNodeOpen     = "node-open"
	targetActionValue  = "action-value"
	targetResourcePool = "resource-pool"
	targetOutputPost   = "output-post"
	targetFileAccess   = "file-access"
)

// MarshalJSON encodes the internal effect with an explicit target tag.
func (e InternalEffect) MarshalJSON() ([]byte, error) {
	var envelope internalEffectEnvelope
	var err error
	switch target := e.Target.(type) {
	case NodeBlockTarget:
		envelope.Target = targetNodeBlock
		envelope.Data, err = json.Marshal(target)
	case NodeOpenTarget:
		envelope.Target = targetNodeOpen
		envelope.Data, err = json.Marshal(target)
	case ActionValueTarget:
		envelope.Target = targetActionValue
		envelope.Data, err = json.Marshal(target)
	case ResourcePoolTarget:
		envelope.Target = targetResourcePool
		envelope.Data, err = json.Marshal(target)
	case OutputPostTarget:
		envelope.Target = targetOutputPost
		envelope.Data, err = json.Marshal(target)
	case FileAccessTarget:
		envelope.Target = targetFileAccess
		envelope.Data, err = json.Marshal(target)
	default:
		return nil, fmt.Errorf("unknown internal effect target %T", e.Target)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

// UnmarshalJSON decodes the tagged internal effect union.
func (e *InternalEffect) UnmarshalJSON(data []byte) error {
	var envelope internalEffectEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	switch envelope.Target {
	case targetNodeBlock:
		var target NodeBlockTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	case targetNodeOpen:
		var target NodeOpenTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	case targetActionValue:
		var target ActionValueTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	case targetResourcePool:
		var target ResourcePoolTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	case targetOutputPost:
		var target OutputPostTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	case targetFileAccess:
		var target FileAccessTarget
		if err := json.Unmarshal(envelope.Data, &target); err != nil {
			return err
		}
		e.Target = target
	default:
		return fmt.Errorf("unknown internal effect target %q", envelope.Target)
	}
	return nil
}
