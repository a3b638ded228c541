package umka

import (
	"umka-embed/internal/bridge"
	"umka-embed/internal/domain"
)

// Value is a value crossing the VM boundary.
type Value = domain.NativeValue

// Kind is the ABI kind of a Value.
type Kind = domain.Kind

const (
	KindVoid   = domain.KindVoid
	KindInt    = domain.KindInt
	KindReal   = domain.KindReal
	KindBool   = domain.KindBool
	KindString = domain.KindString
	KindPtr    = domain.KindPtr
)

// Opaque is a VM pointer the host may pass back but never dereference.
type Opaque = domain.Opaque

// Signature describes parameter and result kinds of a function.
type Signature = domain.Signature

// ParseKind reads a kind name as written in scripts: int, real, bool, str,
// ptr or void.
func ParseKind(s string) (Kind, bool) { return domain.ParseKind(s) }

// Sig builds a Signature.
func Sig(result Kind, params ...Kind) Signature {
	return Signature{Params: params, Result: result}
}

// State is the lifecycle state of a session.
type State = domain.State

const (
	StateCreated   = domain.StateCreated
	StateLoaded    = domain.StateLoaded
	StateRunning   = domain.StateRunning
	StateIdle      = domain.StateIdle
	StateFaulted   = domain.StateFaulted
	StateDestroyed = domain.StateDestroyed
)

// ErrorRecord is a structured diagnostic reported by the VM.
type ErrorRecord = domain.ErrorRecord

// Location points into script source.
type Location = domain.Location

// Error is the concrete type of errors returned by sessions.
type Error = domain.DomainError

// ErrorCode is a machine-readable error category.
type ErrorCode = domain.ErrorCode

// HostFunc is a Go function callable from script. It runs on the goroutine
// executing the script; calling back into the same session fails with
// ErrConcurrentAccess.
type HostFunc = bridge.HostFunc

var (
	ErrCreationFailed      = domain.ErrCreationFailed
	ErrUnsupportedType     = domain.ErrUnsupportedType
	ErrPrecisionLoss       = domain.ErrPrecisionLoss
	ErrCompile             = domain.ErrCompile
	ErrRuntime             = domain.ErrRuntime
	ErrResourceExhausted   = domain.ErrResourceExhausted
	ErrInvalidState        = domain.ErrInvalidState
	ErrConcurrentAccess    = domain.ErrConcurrentAccess
	ErrUnknownNativeFault  = domain.ErrUnknownNativeFault
	ErrDiagnosticsOverflow = domain.ErrDiagnosticsOverflow
	ErrUseAfterDestroy     = domain.ErrUseAfterDestroy
	ErrTimeout             = domain.ErrTimeout
	ErrNotFound            = domain.ErrNotFound
)

// Int, Real, Bool, String and Ptr build Values.
func Int(v int64) Value     { return domain.Int(v) }
func Real(v float64) Value  { return domain.Real(v) }
func Bool(v bool) Value     { return domain.Bool(v) }
func String(v string) Value { return domain.String(v) }
func Ptr(p Opaque) Value    { return domain.Ptr(p) }

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) ErrorCode { return domain.ErrorCodeOf(err) }

// RecordOf returns the VM diagnostic attached to err, if any.
func RecordOf(err error) (ErrorRecord, bool) { return domain.RecordOf(err) }

// IsContractViolation reports whether err is a host programming error.
func IsContractViolation(err error) bool { return domain.IsContractViolation(err) }
