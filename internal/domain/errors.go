package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound           = fmt.Errorf("not found")
	ErrDuplicate          = fmt.Errorf("duplicate")
	ErrTimeout            = fmt.Errorf("operation timed out")
	ErrLimitReached       = fmt.Errorf("limit reached")
	ErrInvalidInput       = fmt.Errorf("invalid input")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrCancelled          = fmt.Errorf("cancelled")
)

// Sentinel errors for the orchestration domain.
var (
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrInvalidWorkflow  = fmt.Errorf("invalid workflow")
	ErrTransportFailure = fmt.Errorf("agent transport failure")
	ErrExecutionFailed  = fmt.Errorf("agent reported failure")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrEncryption       = fmt.Errorf("encryption operation failed")
	ErrAuditWrite       = fmt.Errorf("audit log write failed")

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrForbidden         = fmt.Errorf("permission denied")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Heartbeat")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "workflow", "message"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient agent-call failure.
// Timeouts are never retried: the caller's budget is already spent.
func IsRetryableError(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return false
	}
	return errors.Is(err, ErrTransportFailure) || errors.Is(err, ErrRateLimit)
}

// DetailOf returns the human-readable detail of the outermost DomainError,
// or the plain error text when err carries none.
func DetailOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// ErrorCode is a machine-parseable error category for API responses and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeInvalidWorkflow    ErrorCode = "INVALID_WORKFLOW"
	CodeTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	CodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeEncryption         ErrorCode = "ENCRYPTION"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeDefinitionNotFound ErrorCode = "DEFINITION_NOT_FOUND"
	CodeWorkflowMaxRunning ErrorCode = "WORKFLOW_MAX_RUNNING"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_STEP_TIMEOUT"
	CodeWorkflowDisabled   ErrorCode = "WORKFLOW_DISABLED"
	CodeNoAgentsAvailable  ErrorCode = "NO_AGENTS_AVAILABLE"
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeTaskState          ErrorCode = "TASK_INVALID_STATE"
	CodeMessageInvalid     ErrorCode = "MESSAGE_INVALID"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeLimitReached       ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeCancelled          ErrorCode = "CANCELLED"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:           CodeNotFound,
	ErrDuplicate:          CodeDuplicate,
	ErrTimeout:            CodeTimeout,
	ErrLimitReached:       CodeLimitReached,
	ErrInvalidInput:       CodeInvalidInput,
	ErrServiceUnavailable: CodeServiceUnavailable,
	ErrCancelled:          CodeCancelled,

	ErrAgentNotFound:     CodeAgentNotFound,
	ErrInvalidWorkflow:   CodeInvalidWorkflow,
	ErrTransportFailure:  CodeTransportFailure,
	ErrExecutionFailed:   CodeExecutionFailed,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuditWrite:        CodeAuditWrite,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrForbidden:         CodeForbidden,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":      CodeAgentNotFound,
		"message":    CodeAgentNotFound,
		"task":       CodeTaskNotFound,
		"workflow":   CodeWorkflowNotFound,
		"definition": CodeDefinitionNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrTimeout: {
		"workflow": CodeWorkflowTimeout,
	},
	ErrLimitReached: {
		"workflow": CodeWorkflowMaxRunning,
	},
	ErrServiceUnavailable: {
		"workflow":   CodeWorkflowDisabled,
		"delegation": CodeNoAgentsAvailable,
	},
	ErrInvalidInput: {
		"task":    CodeTaskState,
		"message": CodeMessageInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Subsystem-tagged DomainErrors resolve through subSystemCodeMap first.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// httpStatusOrder is checked top to bottom; the first sentinel in the chain wins.
var httpStatusOrder = []struct {
	err    error
	status int
}{
	{ErrNotFound, http.StatusNotFound},
	{ErrAgentNotFound, http.StatusBadRequest},
	{ErrInvalidWorkflow, http.StatusBadRequest},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrRPCInvalidPayload, http.StatusBadRequest},
	{ErrRPCMethodNotFound, http.StatusNotFound},
	{ErrDuplicate, http.StatusConflict},
	{ErrServiceUnavailable, http.StatusServiceUnavailable},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrTransportFailure, http.StatusBadGateway},
	{ErrExecutionFailed, http.StatusBadGateway},
	{ErrLimitReached, http.StatusTooManyRequests},
	{ErrRateLimit, http.StatusTooManyRequests},
	{ErrAuthInvalid, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrCancelled, http.StatusConflict},
}

// HTTPStatusOf maps an error onto the REST status code it should surface as.
func HTTPStatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, m := range httpStatusOrder {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
