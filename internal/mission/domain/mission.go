package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyMissionID indicates a missing mission ID.
	ErrEmptyMissionID = errors.New("mission id is required")
	// ErrMissingRoot indicates the root prototype is absent.
	ErrMissingRoot = errors.New("root prototype is required")
	// ErrNoForces indicates a mission authored without forces.
	ErrNoForces = errors.New("at least one force is required")
)

// MissionDefinition is the authored mission template: the prototype tree,
// forces, files and external environments. Immutable during a session.
type MissionDefinition struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Locale string `json:"locale,omitempty"`
	// RevealMode governs descendant visibility for every force.
	RevealMode RevealMode `json:"reveal_mode"`
	// RootID names the root prototype.
	RootID string `json:"root_id"`
	// Prototypes is the arena of template nodes, keyed by id. Relationships
	// are resolved through ParentID/ChildIDs lookups, never pointers.
	Prototypes map[string]Prototype `json:"prototypes"`
	// Forces lists the teams playing the mission.
	Forces []ForceDefinition `json:"forces"`
	// Files lists mission documents gated by file-access grants.
	Files []FileDefinition `json:"files,omitempty"`
	// Environments lists external targets scriptable by external effects.
	Environments []EnvironmentDefinition `json:"environments,omitempty"`
}

// ForceDefinition describes one team of the mission.
type ForceDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// InitialPool seeds the force's resource pool on session start.
	InitialPool float64 `json:"initial_pool"`
}

// FileDefinition describes a mission document.
type FileDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body,omitempty"`
}

// EnvironmentDefinition names an external target environment for scripts.
type EnvironmentDefinition struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

// Force returns the force definition with the given id, if present.
func (m MissionDefinition) Force(forceID string) (ForceDefinition, bool) {
	for _, force := range m.Forces {
		if force.ID == forceID {
			return force, true
		}
	}
	return ForceDefinition{}, false
}

// File returns the file definition with the given id, if present.
func (m MissionDefinition) File(fileID string) (FileDefinition, bool) {
	for _, file := range m.Files {
		if file.ID == fileID {
			return file, true
		}
	}
	return FileDefinition{}, false
}

// Validate checks structural consistency of the authored mission.
func (m MissionDefinition) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrEmptyMissionID
	}
	if !m.RevealMode.IsValid() {
		return fmt.Errorf("invalid reveal mode %q", m.RevealMode)
	}
	root, ok := m.Prototypes[m.RootID]
	if !ok {
		return ErrMissingRoot
	}
	if root.ParentID != "" {
		return fmt.Errorf("root prototype %s must not have a parent", m.RootID)
	}
	if len(m.Forces) == 0 {
		return ErrNoForces
	}

	for id, proto := range m.Prototypes {
		if proto.ID != id {
			return fmt.Errorf("prototype key %s does not match id %s", id, proto.ID)
		}
		if proto.ParentID != "" {
			parent, ok := m.Prototypes[proto.ParentID]
			if !ok {
				return fmt.Errorf("prototype %s references missing parent %s", id, proto.ParentID)
			}
			if !containsID(parent.ChildIDs, id) {
				return fmt.Errorf("prototype %s is not listed as a child of %s", id, proto.ParentID)
			}
		}
		for _, childID := range proto.ChildIDs {
			child, ok := m.Prototypes[childID]
			if !ok {
				return fmt.Errorf("prototype %s references missing child %s", id, childID)
			}
			if child.ParentID != id {
				return fmt.Errorf("prototype %s does not point back to parent %s", childID, id)
			}
		}
		for _, action := range proto.Actions {
			if action.SuccessChance < 0 || action.SuccessChance > 1 {
				return fmt.Errorf("action %s on %s: success chance %v outside [0,1]", action.ID, id, action.SuccessChance)
			}
			if action.ProcessTime < 0 {
				return fmt.Errorf("action %s on %s: negative process time", action.ID, id)
			}
			if action.ResourceCost < 0 {
				return fmt.Errorf("action %s on %s: negative resource cost", action.ID, id)
			}
			for _, effect := range action.Effects {
				if err := effect.Validate(); err != nil {
					return fmt.Errorf("action %s on %s: %w", action.ID, id, err)
				}
			}
		}
	}

	seen := make(map[string]struct{}, len(m.Forces))
	for _, force := range m.Forces {
		if strings.TrimSpace(force.ID) == "" {
			return fmt.Errorf("force id is required")
		}
		if _, dup := seen[force.ID]; dup {
			return fmt.Errorf("duplicate force id %s", force.ID)
		}
		seen[force.ID] = struct{}{}
		if force.InitialPool < 0 {
			return fmt.Errorf("force %s: negative initial pool", force.ID)
		}
	}

	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
