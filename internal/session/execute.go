package session

import (
	"context"
	"log"
	"time"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/mission/effect"
	"github.com/crucible-live/crucible/internal/mission/execution"
	"github.com/crucible-live/crucible/internal/mission/instance"
	"github.com/crucible-live/crucible/internal/session/visibility"
	"github.com/crucible-live/crucible/internal/session/wire"
)

// scriptFailureOutputKey tags the custom output entry posted when an
// effect fails during resolution.
const scriptFailureOutputKey = "script-error"

// OpenNode opens or closes a node of the actor's force. Closing is a
// visibility no-op for members holding complete visibility.
func (s *Session) OpenNode(actorID, requestID string, payload wire.OpenNodePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, force, err := s.requireForceActor(actorID, domain.CapManipulateNodes)
	if err != nil {
		return err
	}
	node, ok := s.tree.Resolve(payload.NodeID, force.ID)
	if !ok {
		return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", payload.NodeID)
	}

	if payload.Close {
		if actor.Role.Can(domain.CapCompleteVisibility) {
			// Visibility no-op; confirm without mutating.
			s.broadcastNodeOpened(actor.ID, requestID, force.ID, node.PrototypeID, node.Opened, nil)
			return nil
		}
		hidden := s.tree.Close(force.ID, payload.NodeID)
		s.audit("node-closed", actor.ID, force.ID, payload.NodeID, nil)
		s.broadcastNodeOpened(actor.ID, requestID, force.ID, node.PrototypeID, false, hidden)
		return nil
	}

	if !actor.Role.Can(domain.CapCompleteVisibility) && !force.Visible(payload.NodeID) {
		return apperrors.Newf(apperrors.CodeNodeNotReachable, "node %q is not reachable", payload.NodeID)
	}
	revealed := s.tree.Reveal(force.ID, payload.NodeID, 0)
	s.audit("node-opened", actor.ID, force.ID, payload.NodeID, nil)
	s.broadcastNodeOpened(actor.ID, requestID, force.ID, node.PrototypeID, true, revealed)
	return nil
}

// ExecuteAction validates and starts a timed action execution. All
// preconditions are checked before any mutation.
func (s *Session) ExecuteAction(actorID, requestID string, payload wire.ExecuteActionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, force, err := s.requireForceActor(actorID, domain.CapManipulateNodes)
	if err != nil {
		return err
	}
	if payload.Cheats != nil && !actor.Role.Can(domain.CapCheat) {
		return apperrors.Newf(apperrors.CodePermissionDenied, "role %q may not override execution values", actor.Role)
	}
	node, ok := s.tree.Resolve(payload.NodeID, force.ID)
	if !ok {
		return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", payload.NodeID)
	}
	if !actor.Role.Can(domain.CapCompleteVisibility) && !force.Visible(payload.NodeID) {
		return apperrors.Newf(apperrors.CodeNodeNotReachable, "node %q is not reachable", payload.NodeID)
	}
	if !node.Idle() {
		return apperrors.Newf(apperrors.CodeNodeExecuting, "node %q is already executing", payload.NodeID)
	}
	if node.Blocked {
		return apperrors.Newf(apperrors.CodeNodeBlocked, "node %q is blocked", payload.NodeID)
	}
	effective, ok := s.tree.EffectiveAction(node, payload.ActionID)
	if !ok {
		return apperrors.Newf(apperrors.CodeActionNotFound, "action %q not found on node %q", payload.ActionID, payload.NodeID)
	}

	chance := effective.SuccessChance
	processTime := effective.ProcessTime
	if payload.Cheats != nil {
		if payload.Cheats.SuccessChance != nil {
			chance = *payload.Cheats.SuccessChance
		}
		if payload.Cheats.ProcessTimeSeconds != nil {
			processTime = time.Duration(*payload.Cheats.ProcessTimeSeconds * float64(time.Second))
		}
	}
	if force.Pool < effective.ResourceCost {
		return apperrors.Newf(apperrors.CodeResourceExhausted, "force %q has %.1f resources, action costs %.1f", force.ID, force.Pool, effective.ResourceCost)
	}

	// Validate external-effect arguments before any mutation.
	lookup := defLookup{def: s.def}
	for _, eff := range effective.Template.Effects {
		if eff.Kind != domain.EffectExternal || eff.External == nil {
			continue
		}
		_, warnings, err := effect.ResolveArgs(eff.External.Args, payload.Args, lookup)
		if err != nil {
			return err
		}
		for _, warning := range warnings {
			log.Printf("session=%s stale effect argument effect=%s arg=%s: %s", s.id, eff.ID, warning.Arg, warning.Message)
		}
	}

	executionID, err := s.idGen()
	if err != nil {
		return err
	}

	now := s.clock()
	exec := execution.New(executionID, force.ID, node.PrototypeID, payload.ActionID, now, chance, processTime, effective.ResourceCost, s.rng)
	s.executions[executionID] = exec
	if len(payload.Args) > 0 {
		s.executionArgs[executionID] = payload.Args
	}
	node.ExecutionID = executionID
	force.Pool -= effective.ResourceCost

	s.appendOutput(force.ID, domain.Output{
		Kind: domain.OutputExecutionStarted,
		ExecutionStarted: &domain.ExecutionStartedOutput{
			NodeID:        node.PrototypeID,
			NodeName:      s.def.Prototypes[node.PrototypeID].Name,
			ActionName:    effective.Template.Name,
			ProcessTime:   processTime,
			SuccessChance: chance,
			ResourceCost:  effective.ResourceCost,
			PreMessage:    node.PreMessage,
		},
	})
	s.audit("execution-started", actor.ID, force.ID, node.PrototypeID, nil)

	view := wire.ExecutionView{
		ID:                 exec.ID,
		NodeID:             exec.NodeID,
		ActionID:           exec.ActionID,
		StartedAt:          exec.Start,
		EndsAt:             exec.End,
		ProcessTimeSeconds: processTime.Seconds(),
		SuccessChance:      chance,
		ResourceCost:       effective.ResourceCost,
		PreMessage:         node.PreMessage,
	}
	remaining := force.Pool
	s.broadcastToForce(force.ID, func(_ visibility.Policy, member *Member) *wire.Frame {
		frame := &wire.Frame{
			Type: wire.TypeActionExecutionInitiated,
			Payload: mustJSON(wire.ExecutionInitiatedPayload{
				Execution:          view,
				ResourcesRemaining: remaining,
			}),
		}
		if member.ID == actor.ID {
			frame.RequestID = requestID
		}
		return frame
	})

	// Timer fires re-enter through the lock as ordinary serialized
	// operations; the epoch guard discards fires across reset and end.
	epoch := s.epoch
	delay := exec.Remaining(now)
	if delay <= 0 {
		s.resolveExecutionLocked(executionID)
		return nil
	}
	s.timer(delay, func() {
		s.resolveExecution(executionID, epoch)
	})
	return nil
}

// SendOutput posts a keyed custom entry to the actor's force output log.
func (s *Session) SendOutput(actorID, requestID string, payload wire.SendOutputPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, force, err := s.requireForceActor(actorID, domain.CapSendOutput)
	if err != nil {
		return err
	}
	if payload.NodeID != "" {
		if _, ok := s.tree.Resolve(payload.NodeID, force.ID); !ok {
			return apperrors.Newf(apperrors.CodeNodeNotFound, "node %q not found", payload.NodeID)
		}
	}

	s.appendOutputCorrelated(force.ID, domain.NewCustomOutput(payload.Key, payload.Body), actor.ID, requestID)
	s.audit("output-sent", actor.ID, force.ID, payload.NodeID, nil)
	return nil
}

// resolveExecution is the timer entrypoint; it re-checks the epoch under
// the lock so fires scheduled before a reset or end are discarded.
func (s *Session) resolveExecution(executionID string, epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.state != StateStarted {
		return
	}
	s.resolveExecutionLocked(executionID)
}

// resolveExecutionLocked applies the pre-drawn outcome: on success, run
// effects in declaration order and reveal unlocked descendants; on failure,
// post only the failure text. Both paths return the node to idle. A failing
// effect never prevents that transition.
func (s *Session) resolveExecutionLocked(executionID string) {
	exec, ok := s.executions[executionID]
	if !ok {
		return
	}
	node, ok := s.tree.Resolve(exec.NodeID, exec.ForceID)
	if !ok {
		delete(s.executions, executionID)
		delete(s.executionArgs, executionID)
		return
	}
	proto := s.def.Prototypes[exec.NodeID]
	template, _ := proto.Action(exec.ActionID)

	var revealed []string
	if exec.Resolved == execution.OutcomeSucceeded {
		s.applyEffects(exec, template.Effects)
		revealed = s.tree.Reveal(exec.ForceID, exec.NodeID, template.RevealDepth)
	}

	resolvedOutput := domain.Output{
		Kind: domain.OutputExecutionResolved,
		ExecutionResolved: &domain.ExecutionResolvedOutput{
			NodeID:     exec.NodeID,
			NodeName:   proto.Name,
			ActionName: template.Name,
			Succeeded:  exec.Resolved == execution.OutcomeSucceeded,
		},
	}
	if exec.Resolved == execution.OutcomeFailed {
		resolvedOutput.ExecutionResolved.FailureText = template.FailureText
	}
	s.appendOutput(exec.ForceID, resolvedOutput)

	node.ExecutionID = ""
	delete(s.executions, executionID)
	delete(s.executionArgs, executionID)
	s.audit("execution-resolved", "", exec.ForceID, exec.NodeID, mustJSON(map[string]string{"outcome": string(exec.Resolved)}))

	renderer := s.renderer()
	s.broadcastToForce(exec.ForceID, func(policy visibility.Policy, _ *Member) *wire.Frame {
		return &wire.Frame{
			Type: wire.TypeActionExecutionCompleted,
			Payload: mustJSON(wire.ExecutionCompletedPayload{
				ExecutionID:         exec.ID,
				NodeID:              exec.NodeID,
				Outcome:             string(exec.Resolved),
				Structure:           renderer.Structure(exec.ForceID, policy),
				RevealedDescendants: revealed,
			}),
		}
	})
}

// applyEffects runs an action's effects in declaration order. Effects are
// independent: a failure is posted as a custom output entry and logged,
// and the remaining effects still run.
func (s *Session) applyEffects(exec execution.Execution, effects []domain.Effect) {
	mutator := &sessionMutator{session: s, forceID: exec.ForceID}
	for _, eff := range effects {
		var err error
		switch {
		case eff.Kind == domain.EffectInternal && eff.Internal != nil:
			err = effect.ApplyInternal(mutator, *eff.Internal)
		case eff.Kind == domain.EffectExternal && eff.External != nil:
			err = s.runExternalEffect(exec, eff, mutator)
		}
		if err != nil {
			log.Printf("session=%s effect failed effect=%s node=%s err=%v", s.id, eff.ID, exec.NodeID, err)
			s.appendOutput(exec.ForceID, domain.NewCustomOutput(scriptFailureOutputKey, err.Error()))
			s.audit("effect-failed", "", exec.ForceID, exec.NodeID, mustJSON(map[string]string{"effect": eff.ID, "error": err.Error()}))
		}
	}
}

// runExternalEffect re-resolves the argument bundle and hands the script
// the session's full mutation authority.
func (s *Session) runExternalEffect(exec execution.Execution, eff domain.Effect, mutator effect.Mutator) error {
	if s.runner == nil {
		return apperrors.New(apperrors.CodeScriptFailed, "no script runner configured")
	}
	bundle, warnings, err := effect.ResolveArgs(eff.External.Args, s.executionArgs[exec.ID], defLookup{def: s.def})
	if err != nil {
		return err
	}

	ec := &effect.Context{
		EnvironmentID: eff.External.EnvironmentID,
		Args:          bundle,
		Warnings:      warnings,
		Mutator:       mutator,
	}
	if s.callEnv != nil {
		environmentID := eff.External.EnvironmentID
		ec.Call = func(ctx context.Context, payload map[string]any) error {
			return s.callEnv(ctx, environmentID, payload)
		}
	}
	if err := s.runner.Run(context.Background(), eff.External.ScriptRef, ec); err != nil {
		return apperrors.Newf(apperrors.CodeScriptFailed, "script %s: %v", eff.External.ScriptRef, err)
	}
	return nil
}

// requireForceActor resolves the actor, checks one capability and the
// started state, and returns the actor's force.
func (s *Session) requireForceActor(actorID string, capability domain.Capability) (*Member, *instance.Force, error) {
	if err := s.requireStarted(); err != nil {
		return nil, nil, err
	}
	actor, err := s.requireCapability(actorID, capability)
	if err != nil {
		return nil, nil, err
	}
	if actor.ForceID == "" {
		return nil, nil, apperrors.New(apperrors.CodePermissionDenied, "member has no force assignment")
	}
	force, ok := s.tree.Force(actor.ForceID)
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeForceNotFound, "force %q not found", actor.ForceID)
	}
	return actor, force, nil
}

// broadcastNodeOpened fans a node open/close out with per-recipient
// structure; the requester's frame carries the request id.
func (s *Session) broadcastNodeOpened(actorID, requestID, forceID, nodeID string, opened bool, revealed []string) {
	renderer := s.renderer()
	s.broadcastToForce(forceID, func(policy visibility.Policy, member *Member) *wire.Frame {
		frame := &wire.Frame{
			Type: wire.TypeNodeOpened,
			Payload: mustJSON(wire.NodeOpenedPayload{
				NodeID:              nodeID,
				Opened:              opened,
				Structure:           renderer.Structure(forceID, policy),
				RevealedDescendants: revealed,
			}),
		}
		if member.ID == actorID {
			frame.RequestID = requestID
		}
		return frame
	})
}

// appendOutput appends an entry to the force's output log and broadcasts it.
func (s *Session) appendOutput(forceID string, output domain.Output) {
	s.appendOutputCorrelated(forceID, output, "", "")
}

func (s *Session) appendOutputCorrelated(forceID string, output domain.Output, actorID, requestID string) {
	force, ok := s.tree.Force(forceID)
	if !ok {
		return
	}
	entryID, err := s.idGen()
	if err != nil {
		log.Printf("session=%s output id generation failed: %v", s.id, err)
		return
	}
	entry := instance.OutputEntry{ID: entryID, At: s.clock(), Output: output}
	force.Output = append(force.Output, entry)

	view := wire.OutputEntryView{ID: entry.ID, At: entry.At, Output: entry.Output}
	s.broadcastToForce(forceID, func(_ visibility.Policy, member *Member) *wire.Frame {
		frame := &wire.Frame{
			Type:    wire.TypeSendOutput,
			Payload: mustJSON(wire.SendOutputPayloadOut{ForceID: forceID, Entry: view}),
		}
		if actorID != "" && member.ID == actorID {
			frame.RequestID = requestID
		}
		return frame
	})
}

// postSystemOutputAll posts a localized lifecycle notice to every force log.
func (s *Session) postSystemOutputAll(msg systemMessage) {
	for _, force := range s.tree.Forces() {
		s.appendOutput(force.ID, domain.NewSystemOutput(systemText(s.config.Locale, msg)))
	}
}

// defLookup resolves effect argument references against the authored
// mission definition.
type defLookup struct {
	def *domain.MissionDefinition
}

func (l defLookup) LookupNode(id string) (string, bool) {
	proto, ok := l.def.Prototypes[id]
	return proto.Name, ok
}

func (l defLookup) LookupForce(id string) (string, bool) {
	force, ok := l.def.Force(id)
	return force.Name, ok
}

func (l defLookup) LookupAction(id string) (string, bool) {
	for _, proto := range l.def.Prototypes {
		if action, ok := proto.Action(id); ok {
			return action.Name, true
		}
	}
	return "", false
}

func (l defLookup) LookupFile(id string) (string, bool) {
	file, ok := l.def.File(id)
	return file.Name, ok
}
