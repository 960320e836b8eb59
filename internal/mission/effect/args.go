package effect

import (
	"fmt"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/mission/domain"
)

// Bundle is a resolved argument set keyed by argument name.
type Bundle map[string]domain.ArgValue

// Warning flags a repairable problem with a resolved argument, such as a
// reference whose target was deleted after the effect was authored.
type Warning struct {
	Arg     string
	Message string
}

// RefLookup resolves reference arguments against current mission state,
// returning the referent's display name.
type RefLookup interface {
	LookupNode(id string) (string, bool)
	LookupForce(id string) (string, bool)
	LookupAction(id string) (string, bool)
	LookupFile(id string) (string, bool)
}

// ResolveArgs validates provided values against the authored schema and
// applies dependency gating: an argument is active only when all of its
// predicates hold over the other provided arguments. Predicates are
// re-evaluated on every call, never cached.
//
// Stale references resolve with a warning instead of an error, and the
// stored id/name pair is preserved so authors can repair the effect.
func ResolveArgs(specs []domain.ArgSpec, provided map[string]domain.ArgValue, lookup RefLookup) (Bundle, []Warning, error) {
	bundle := make(Bundle, len(specs))
	var warnings []Warning

	for _, spec := range specs {
		if !active(spec, provided) {
			continue
		}

		value, ok := provided[spec.Name]
		if !ok {
			if spec.Required {
				return nil, nil, apperrors.Newf(apperrors.CodeArgumentMissing, "argument %q is required", spec.Name)
			}
			continue
		}
		if value.Kind != spec.Kind {
			return nil, nil, apperrors.Newf(apperrors.CodeArgumentInvalid, "argument %q: expected %s, got %s", spec.Name, spec.Kind, value.Kind)
		}
		if err := value.Validate(); err != nil {
			return nil, nil, apperrors.Newf(apperrors.CodeArgumentInvalid, "argument %q: %v", spec.Name, err)
		}

		if spec.Kind.IsRef() {
			if warning := checkRef(spec, value, lookup); warning != nil {
				warnings = append(warnings, *warning)
			}
		}
		bundle[spec.Name] = value
	}

	return bundle, warnings, nil
}

// active reports whether every enablement predicate on the argument holds.
func active(spec domain.ArgSpec, provided map[string]domain.ArgValue) bool {
	for _, predicate := range spec.Enabled {
		value, present := provided[predicate.Arg]
		switch predicate.Op {
		case domain.PredicatePresent:
			if !present {
				return false
			}
		case domain.PredicateTruthy:
			if !present || !value.Truthy() {
				return false
			}
		case domain.PredicateEquals:
			if !present || !value.Compare(predicate.Value) {
				return false
			}
		case domain.PredicateNotEquals:
			if present && value.Compare(predicate.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// checkRef verifies a reference argument still resolves; a miss produces a
// warning carrying the stored id and last-known name.
func checkRef(spec domain.ArgSpec, value domain.ArgValue, lookup RefLookup) *Warning {
	if value.Ref == nil || lookup == nil {
		return nil
	}

	var found bool
	switch spec.Kind {
	case domain.ArgNodeRef:
		_, found = lookup.LookupNode(value.Ref.ID)
	case domain.ArgForceRef:
		_, found = lookup.LookupForce(value.Ref.ID)
	case domain.ArgActionRef:
		_, found = lookup.LookupAction(value.Ref.ID)
	case domain.ArgFileRef:
		_, found = lookup.LookupFile(value.Ref.ID)
	default:
		return nil
	}
	if found {
		return nil
	}
	return &Warning{
		Arg:     spec.Name,
		Message: fmt.Sprintf("%s %q (%s) no longer exists", spec.Kind, value.Ref.ID, value.Ref.Name),
	}
}
