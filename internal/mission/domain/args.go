package domain

import "fmt"

// ArgKind discriminates external-effect argument types.
type ArgKind string

const (
	ArgString    ArgKind = "string"
	ArgNumber    ArgKind = "number"
	ArgBool      ArgKind = "bool"
	ArgNodeRef   ArgKind = "node-ref"
	ArgForceRef  ArgKind = "force-ref"
	ArgActionRef ArgKind = "action-ref"
	ArgFileRef   ArgKind = "file-ref"
)

// IsValid reports whether the argument kind is known.
func (k ArgKind) IsValid() bool {
	switch k {
	case ArgString, ArgNumber, ArgBool, ArgNodeRef, ArgForceRef, ArgActionRef, ArgFileRef:
		return true
	default:
		return false
	}
}

// IsRef reports whether the argument kind references mission state by id.
func (k ArgKind) IsRef() bool {
	switch k {
	case ArgNodeRef, ArgForceRef, ArgActionRef, ArgFileRef:
		return true
	default:
		return false
	}
}

// PredicateOp compares an argument value in a dependency predicate.
type PredicateOp string

const (
	// PredicateEquals holds when the named argument equals Value.
	PredicateEquals PredicateOp = "equals"
	// PredicateNotEquals holds when the named argument differs from Value.
	PredicateNotEquals PredicateOp = "not-equals"
	// PredicatePresent holds when the named argument was supplied.
	PredicatePresent PredicateOp = "present"
	// PredicateTruthy holds when the named argument is a true bool,
	// non-zero number, or non-empty string.
	PredicateTruthy PredicateOp = "truthy"
)

// ArgPredicate gates an argument on another argument's value. An argument
// is active only when all of its predicates hold; predicates are evaluated
// each time arguments are composed.
type ArgPredicate struct {
	Arg   string      `json:"arg"`
	Op    PredicateOp `json:"op"`
	Value string      `json:"value,omitempty"`
}

// ArgSpec declares one typed argument of an external effect.
type ArgSpec struct {
	Name     string  `json:"name"`
	Kind     ArgKind `json:"kind"`
	Required bool    `json:"required,omitempty"`
	// Enabled lists predicates that must all hold for the argument to be
	// active. An inactive argument is neither required nor passed through.
	Enabled []ArgPredicate `json:"enabled,omitempty"`
}

// ArgValue is a closed union of supplied argument values. Exactly one
// variant pointer is set, selected by Kind.
type ArgValue struct {
	Kind   ArgKind    `json:"kind"`
	String *StringArg `json:"string,omitempty"`
	Number *NumberArg `json:"number,omitempty"`
	Bool   *BoolArg   `json:"bool,omitempty"`
	Ref    *RefArg    `json:"ref,omitempty"`
}

// StringArg is a plain string value.
type StringArg struct {
	Value string `json:"value"`
}

// NumberArg is a numeric value.
type NumberArg struct {
	Value float64 `json:"value"`
}

// BoolArg is a boolean value.
type BoolArg struct {
	Value bool `json:"value"`
}

// RefArg references mission state by id. The name is stored alongside the
// id so a stale reference can be surfaced for repair instead of silently
// dropped when the referenced entity has been deleted.
type RefArg struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Validate checks that the value union matches its kind tag.
func (v ArgValue) Validate() error {
	switch v.Kind {
	case ArgString:
		if v.String == nil {
			return fmt.Errorf("string argument payload is required")
		}
	case ArgNumber:
		if v.Number == nil {
			return fmt.Errorf("number argument payload is required")
		}
	case ArgBool:
		if v.Bool == nil {
			return fmt.Errorf("bool argument payload is required")
		}
	case ArgNodeRef, ArgForceRef, ArgActionRef, ArgFileRef:
		if v.Ref == nil {
			return fmt.Errorf("reference argument payload is required")
		}
	default:
		return fmt.Errorf("unknown argument kind %q", v.Kind)
	}
	return nil
}

// Truthy reports whether the value counts as true for predicate gating.
func (v ArgValue) Truthy() bool {
	switch v.Kind {
	case ArgString:
		return v.String != nil && v.String.Value != ""
	case ArgNumber:
		return v.Number != nil && v.Number.Value != 0
	case ArgBool:
		return v.Bool != nil && v.Bool.Value
	case ArgNodeRef, ArgForceRef, ArgActionRef, ArgFileRef:
		return v.Ref != nil && v.Ref.ID != ""
	default:
		return false
	}
}

// Compare reports whether the value equals the predicate literal.
func (v ArgValue) Compare(literal string) bool {
	switch v.Kind {
	case ArgString:
		return v.String != nil && v.String.Value == literal
	case ArgNumber:
		return v.Number != nil && fmt.Sprintf("%v", v.Number.Value) == literal
	case ArgBool:
		return v.Bool != nil && fmt.Sprintf("%t", v.Bool.Value) == literal
	case ArgNodeRef, ArgForceRef, ArgActionRef, ArgFileRef:
		return v.Ref != nil && v.Ref.ID == literal
	default:
		return false
	}
}
