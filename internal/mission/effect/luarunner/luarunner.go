// Package luarunner executes external-effect scripts in an embedded Lua
// interpreter. Each run gets a fresh state with the mission mutation
// surface registered as a global table, so scripts cannot retain state or
// reach anything beyond the surface handed to them.
package luarunner

import (
	"context"
	"fmt"

	"github.com/Shopify/go-lua"

	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/mission/effect"
)

const missionTableName = "mission"

// Source resolves a script reference to Lua source text.
type Source interface {
	Script(ref string) (string, error)
}

// SourceMap is an in-memory Source keyed by script reference.
type SourceMap map[string]string

// Script implements Source.
func (m SourceMap) Script(ref string) (string, error) {
	src, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("unknown script %q", ref)
	}
	return src, nil
}

// Runner runs scripts from a Source.
type Runner struct {
	source Source
}

// New builds a Runner reading scripts from the source.
func New(source Source) *Runner {
	return &Runner{source: source}
}

// Run executes the script against the effect context. Script failures and
// mutator errors surface as a single error; partial mutations made before
// the failure are kept, matching internal effect semantics.
func (r *Runner) Run(ctx context.Context, scriptRef string, ec *effect.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := r.source.Script(scriptRef)
	if err != nil {
		return err
	}

	state := lua.NewState()
	lua.OpenLibraries(state)

	var mutErr error
	registerMissionTable(state, ctx, ec, &mutErr)
	pushArgs(state, ec.Args)
	state.SetGlobal("args")

	if err := lua.DoString(state, src); err != nil {
		if mutErr != nil {
			return fmt.Errorf("script %s: %w", scriptRef, mutErr)
		}
		return fmt.Errorf("script %s: %w", scriptRef, err)
	}
	return nil
}

// registerMissionTable exposes the mutation surface as mission.* functions.
// A failing mutator call stores the Go error and raises a Lua error so the
// protected call unwinds immediately.
func registerMissionTable(state *lua.State, ctx context.Context, ec *effect.Context, mutErr *error) {
	fail := func(state *lua.State, err error) int {
		*mutErr = err
		lua.Errorf(state, "%s", err.Error())
		return 0
	}

	state.NewTable()

	state.PushGoFunction(func(state *lua.State) int {
		nodeID := lua.CheckString(state, 1)
		blocked := state.ToBoolean(2)
		if err := ec.Mutator.BlockNode(nodeID, blocked); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "block_node")

	state.PushGoFunction(func(state *lua.State) int {
		nodeID := lua.CheckString(state, 1)
		open := state.ToBoolean(2)
		depth := int(lua.OptInteger(state, 3, 0))
		if err := ec.Mutator.OpenNode(nodeID, open, depth); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "open_node")

	state.PushGoFunction(func(state *lua.State) int {
		nodeID := lua.CheckString(state, 1)
		actionID := lua.OptString(state, 2, "")
		field := domain.ActionField(lua.CheckString(state, 3))
		delta := lua.CheckNumber(state, 4)
		if err := ec.Mutator.AdjustAction(nodeID, actionID, field, delta); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "adjust_action")

	state.PushGoFunction(func(state *lua.State) int {
		forceID := lua.OptString(state, 1, "")
		delta := lua.CheckNumber(state, 2)
		if err := ec.Mutator.AdjustPool(forceID, delta); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "adjust_pool")

	state.PushGoFunction(func(state *lua.State) int {
		text := lua.CheckString(state, 1)
		if err := ec.Mutator.PostOutput(domain.NewTextOutput(text)); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "post_output")

	state.PushGoFunction(func(state *lua.State) int {
		forceID := lua.OptString(state, 1, "")
		fileID := lua.CheckString(state, 2)
		granted := state.ToBoolean(3)
		if err := ec.Mutator.GrantFile(forceID, fileID, granted); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "grant_file")

	state.PushGoFunction(func(state *lua.State) int {
		lua.CheckType(state, 1, lua.TypeTable)
		payload := tableToMap(state, 1)
		if ec.Call == nil {
			return fail(state, fmt.Errorf("no outbound call configured for environment %q", ec.EnvironmentID))
		}
		if err := ec.Call(ctx, payload); err != nil {
			return fail(state, err)
		}
		return 0
	})
	state.SetField(-2, "call")

	state.SetGlobal(missionTableName)
}

// pushArgs leaves a table of resolved arguments on the stack: scalars as
// scalars, references as {id, name} tables.
func pushArgs(state *lua.State, args effect.Bundle) {
	state.NewTable()
	for name, value := range args {
		switch {
		case value.String != nil:
			state.PushString(value.String.Value)
		case value.Number != nil:
			state.PushNumber(value.Number.Value)
		case value.Bool != nil:
			state.PushBoolean(value.Bool.Value)
		case value.Ref != nil:
			state.NewTable()
			state.PushString(value.Ref.ID)
			state.SetField(-2, "id")
			state.PushString(value.Ref.Name)
			state.SetField(-2, "name")
		default:
			continue
		}
		state.SetField(-2, name)
	}
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return value
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToMap(state, index)
	default:
		return nil
	}
}
