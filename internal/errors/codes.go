// Package errors provides structured, machine-readable error codes shared
// between the session protocol and the operator API.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authorization errors
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeMemberBanned        Code = "MEMBER_BANNED"
	CodeConnectionDismissed Code = "CONNECTION_DISMISSED"

	// Lookup errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeNodeNotFound   Code = "NODE_NOT_FOUND"
	CodeActionNotFound Code = "ACTION_NOT_FOUND"
	CodeMemberNotFound Code = "MEMBER_NOT_FOUND"
	CodeForceNotFound  Code = "FORCE_NOT_FOUND"

	// State errors
	CodeSessionNotStarted  Code = "SESSION_NOT_STARTED"
	CodeSessionEnded       Code = "SESSION_ENDED"
	CodeSessionStateChange Code = "SESSION_INVALID_STATE_TRANSITION"
	CodeNodeBlocked        Code = "NODE_BLOCKED"
	CodeNodeExecuting      Code = "NODE_ALREADY_EXECUTING"
	CodeNodeNotReachable   Code = "NODE_NOT_REACHABLE"
	CodeResourceExhausted  Code = "RESOURCE_POOL_EXHAUSTED"

	// Validation errors
	CodeArgumentMissing Code = "EFFECT_ARGUMENT_MISSING"
	CodeArgumentInvalid Code = "EFFECT_ARGUMENT_INVALID"
	CodeRequestInvalid  Code = "REQUEST_INVALID"

	// Script errors
	CodeScriptFailed Code = "SCRIPT_FAILED"
)

// WireCode is an error category carried on protocol error frames.
type WireCode string

// Protocol error categories. Every Code collapses into exactly one of these
// on the wire.
const (
	WirePermissionDenied WireCode = "PermissionDenied"
	WireNotFound         WireCode = "NotFound"
	WireInvalidState     WireCode = "InvalidState"
	WireValidationError  WireCode = "ValidationError"
	WireScriptError      WireCode = "ScriptError"
	WireInternal         WireCode = "Internal"
)

// Wire maps a domain code to its protocol error category.
func (c Code) Wire() WireCode {
	switch c {
	case CodePermissionDenied,
		CodeMemberBanned,
		CodeConnectionDismissed:
		return WirePermissionDenied

	case CodeNotFound,
		CodeNodeNotFound,
		CodeActionNotFound,
		CodeMemberNotFound,
		CodeForceNotFound:
		return WireNotFound

	case CodeSessionNotStarted,
		CodeSessionEnded,
		CodeSessionStateChange,
		CodeNodeBlocked,
		CodeNodeExecuting,
		CodeNodeNotReachable,
		CodeResourceExhausted:
		return WireInvalidState

	case CodeArgumentMissing,
		CodeArgumentInvalid,
		CodeRequestInvalid:
		return WireValidationError

	case CodeScriptFailed:
		return WireScriptError

	default:
		return WireInternal
	}
}

// GRPCCode maps domain codes to gRPC status codes for the operator API.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodePermissionDenied,
		CodeMemberBanned,
		CodeConnectionDismissed:
		return codes.PermissionDenied

	case CodeNotFound,
		CodeNodeNotFound,
		CodeActionNotFound,
		CodeMemberNotFound,
		CodeForceNotFound:
		return codes.NotFound

	case CodeSessionNotStarted,
		CodeSessionEnded,
		CodeSessionStateChange,
		CodeNodeBlocked,
		CodeNodeExecuting,
		CodeNodeNotReachable,
		CodeResourceExhausted:
		return codes.FailedPrecondition

	case CodeArgumentMissing,
		CodeArgumentInvalid,
		CodeRequestInvalid:
		return codes.InvalidArgument

	default:
		return codes.Internal
	}
}
