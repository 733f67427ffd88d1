// Package errors provides structured, coded error handling for the engine.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Registry errors
	CodeDuplicateID      Code = "REGISTRY_DUPLICATE_ID"
	CodeNotFound         Code = "REGISTRY_NOT_FOUND"
	CodeUnknownCriterion Code = "REGISTRY_UNKNOWN_CRITERION"

	// Graph errors
	CodeEdgeNoResolution Code = "GRAPH_EDGE_NO_RESOLUTION"
	CodeEdgeEndpoints    Code = "GRAPH_EDGE_INVALID_ENDPOINTS"
	CodeCursorUnset      Code = "GRAPH_CURSOR_UNSET"

	// Stream errors
	CodeRemoveUnsupported Code = "STREAM_REMOVE_UNSUPPORTED"
	CodeSeqCollision      Code = "STREAM_SEQ_COLLISION"
	CodeMarkerExists      Code = "STREAM_MARKER_EXISTS"
	CodeMarkerNotFound    Code = "STREAM_MARKER_NOT_FOUND"

	// Capability errors
	CodeCapabilityInvalid Code = "CAPABILITY_INVALID"

	// Provisioning errors
	CodeStrategyNotRegistered Code = "PROVISION_STRATEGY_NOT_REGISTERED"
	CodeRequirementInvalid    Code = "PROVISION_REQUIREMENT_INVALID"

	// Driver errors
	CodeRedirectLoop Code = "DRIVER_REDIRECT_LOOP"

	// Template/script errors
	CodeConstructorNotRegistered Code = "TEMPLATE_CONSTRUCTOR_NOT_REGISTERED"
	CodeTemplateNotFound         Code = "TEMPLATE_NOT_FOUND"
	CodeScriptInvalid            Code = "SCRIPT_INVALID"

	// Expression errors
	CodeExprInvalid Code = "EXPR_INVALID"
	CodeExprType    Code = "EXPR_TYPE_MISMATCH"

	// Session errors
	CodeActionInvalid  Code = "SESSION_ACTION_INVALID"
	CodeSessionUnknown Code = "SESSION_UNKNOWN"
)
