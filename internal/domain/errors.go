package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors of the embedding layer. Every error returned across the
// public API wraps exactly one of these.
var (
	ErrCreationFailed      = fmt.Errorf("native vm creation failed")
	ErrUnsupportedType     = fmt.Errorf("unsupported type")
	ErrCompile             = fmt.Errorf("compile error")
	ErrRuntime             = fmt.Errorf("runtime error")
	ErrResourceExhausted   = fmt.Errorf("resource exhausted")
	ErrInvalidState        = fmt.Errorf("invalid state")
	ErrConcurrentAccess    = fmt.Errorf("concurrent access")
	ErrUnknownNativeFault  = fmt.Errorf("unknown native fault")
	ErrDiagnosticsOverflow = fmt.Errorf("diagnostics overflow")

	// Contract violations: host-side bugs, not script failures.
	ErrUseAfterDestroy = fmt.Errorf("use of destroyed native handle")

	ErrTimeout  = fmt.Errorf("native call timed out")
	ErrNotFound = fmt.Errorf("not found")

	// ErrPrecisionLoss is an ErrUnsupportedType: callers matching the
	// broader sentinel also catch it.
	ErrPrecisionLoss = fmt.Errorf("precision loss: %w", ErrUnsupportedType)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string       // operation name (e.g., "Bridge.Call")
	Err    error        // underlying sentinel or wrapped error
	Detail string       // human-readable detail
	Record *ErrorRecord // native diagnostic that caused the error, if any
}

func (e *DomainError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Err)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	if e.Record != nil && e.Record.Message != "" {
		msg += " (" + e.Record.String() + ")"
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewNativeError creates a DomainError that carries the native diagnostic
// which produced it.
func NewNativeError(op string, err error, rec ErrorRecord) *DomainError {
	r := rec
	return &DomainError{Op: op, Err: err, Record: &r}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsContractViolation reports whether err signals a host-side programming
// error (use after destroy) rather than a script or data failure.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrUseAfterDestroy)
}

// RecordOf returns the native diagnostic attached to err, if any.
func RecordOf(err error) (ErrorRecord, bool) {
	var de *DomainError
	if errors.As(err, &de) && de.Record != nil {
		return *de.Record, true
	}
	return ErrorRecord{}, false
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeCreationFailed      ErrorCode = "CREATION_FAILED"
	CodeUnsupportedType     ErrorCode = "UNSUPPORTED_TYPE"
	CodePrecisionLoss       ErrorCode = "PRECISION_LOSS"
	CodeCompile             ErrorCode = "COMPILE_ERROR"
	CodeRuntime             ErrorCode = "RUNTIME_ERROR"
	CodeResourceExhausted   ErrorCode = "RESOURCE_EXHAUSTED"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeConcurrentAccess    ErrorCode = "CONCURRENT_ACCESS"
	CodeUnknownNativeFault  ErrorCode = "UNKNOWN_NATIVE_FAULT"
	CodeDiagnosticsOverflow ErrorCode = "DIAGNOSTICS_OVERFLOW"
	CodeUseAfterDestroy     ErrorCode = "USE_AFTER_DESTROY"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeWarning             ErrorCode = "WARNING"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrCreationFailed:      CodeCreationFailed,
	ErrUnsupportedType:     CodeUnsupportedType,
	ErrPrecisionLoss:       CodePrecisionLoss,
	ErrCompile:             CodeCompile,
	ErrRuntime:             CodeRuntime,
	ErrResourceExhausted:   CodeResourceExhausted,
	ErrInvalidState:        CodeInvalidState,
	ErrConcurrentAccess:    CodeConcurrentAccess,
	ErrUnknownNativeFault:  CodeUnknownNativeFault,
	ErrDiagnosticsOverflow: CodeDiagnosticsOverflow,
	ErrUseAfterDestroy:     CodeUseAfterDestroy,
	ErrTimeout:             CodeTimeout,
	ErrNotFound:            CodeNotFound,
}

// matchOrder lists sentinels most specific first, so a precision loss is
// not reported as the broader unsupported type.
var matchOrder = []error{
	ErrPrecisionLoss,
	ErrUseAfterDestroy,
	ErrCreationFailed,
	ErrUnsupportedType,
	ErrCompile,
	ErrRuntime,
	ErrResourceExhausted,
	ErrInvalidState,
	ErrConcurrentAccess,
	ErrUnknownNativeFault,
	ErrDiagnosticsOverflow,
	ErrTimeout,
	ErrNotFound,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range matchOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
