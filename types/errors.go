package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrSessionClosed indicates an operation was attempted on a closed session.
	ErrSessionClosed = errors.New("cqlwire: session is closed")

	// ErrConnectionClosed indicates the connection carrying a request went away.
	ErrConnectionClosed = errors.New("cqlwire: connection closed")

	// ErrNoHosts indicates that a query plan was exhausted without success.
	ErrNoHosts = errors.New("cqlwire: no host available")

	// ErrNoConnections indicates a host pool has no usable connection.
	ErrNoConnections = errors.New("cqlwire: no connections available")

	// ErrHostIgnored indicates a host is at distance Ignored and must not be used.
	ErrHostIgnored = errors.New("cqlwire: host is ignored")

	// ErrStatementNotPrepared indicates a bound statement references an unknown prepared id.
	ErrStatementNotPrepared = errors.New("cqlwire: statement is not prepared")

	// ErrNilStatement indicates that a nil statement was provided.
	ErrNilStatement = errors.New("cqlwire: statement cannot be nil")

	// ErrNoContactPoints indicates the session was configured without contact points.
	ErrNoContactPoints = errors.New("cqlwire: no contact points configured")
)

// ErrorCode is a native protocol server error code.
type ErrorCode int32

// Server error codes.
const (
	CodeServerError     ErrorCode = 0x0000
	CodeProtocolError   ErrorCode = 0x000A
	CodeBadCredentials  ErrorCode = 0x0100
	CodeUnavailable     ErrorCode = 0x1000
	CodeOverloaded      ErrorCode = 0x1001
	CodeIsBootstrapping ErrorCode = 0x1002
	CodeTruncateError   ErrorCode = 0x1003
	CodeWriteTimeout    ErrorCode = 0x1100
	CodeReadTimeout     ErrorCode = 0x1200
	CodeReadFailure     ErrorCode = 0x1300
	CodeFunctionFailure ErrorCode = 0x1400
	CodeWriteFailure    ErrorCode = 0x1500
	CodeCDCWriteFailure ErrorCode = 0x1600
	CodeCASWriteUnknown ErrorCode = 0x1700
	CodeSyntaxError     ErrorCode = 0x2000
	CodeUnauthorized    ErrorCode = 0x2100
	CodeInvalid         ErrorCode = 0x2200
	CodeConfigError     ErrorCode = 0x2300
	CodeAlreadyExists   ErrorCode = 0x2400
	CodeUnprepared      ErrorCode = 0x2500
)

// ProtocolError represents a malformed or unexpected frame.
//
// Protocol errors are fatal: the connection that produced one is closed
// and the request is never retried.
type ProtocolError struct {
	// Message describes the violation.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return "cqlwire: protocol violation: " + e.Message + ": " + e.Cause.Error()
	}

	return "cqlwire: protocol violation: " + e.Message
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// ConnectionClosedError reports that a request failed because its
// connection was closed before a response arrived.
type ConnectionClosedError struct {
	// Host is the address of the connection.
	Host string

	// Cause is the error that closed the connection.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionClosedError) Error() string {
	if e.Cause != nil {
		return "cqlwire: connection to " + e.Host + " closed: " + e.Cause.Error()
	}

	return "cqlwire: connection to " + e.Host + " closed"
}

// Unwrap returns ErrConnectionClosed and the cause.
func (e *ConnectionClosedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionClosed}
	}

	return []error{ErrConnectionClosed, e.Cause}
}

// UnavailableError is returned when not enough replicas are alive.
type UnavailableError struct {
	Message     string
	Consistency Consistency
	Required    int
	Alive       int
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cqlwire: unavailable at %s (required %d, alive %d): %s",
		e.Consistency, e.Required, e.Alive, e.Message)
}

// Code returns the server error code.
func (e *UnavailableError) Code() ErrorCode { return CodeUnavailable }

// ReadTimeoutError is returned when replicas did not answer a read in time.
type ReadTimeoutError struct {
	Message     string
	Consistency Consistency
	Received    int
	BlockFor    int
	DataPresent bool
}

// Error implements the error interface.
func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("cqlwire: read timeout at %s (received %d of %d, data present %t): %s",
		e.Consistency, e.Received, e.BlockFor, e.DataPresent, e.Message)
}

// Code returns the server error code.
func (e *ReadTimeoutError) Code() ErrorCode { return CodeReadTimeout }

// WriteTimeoutError is returned when replicas did not acknowledge a write in time.
type WriteTimeoutError struct {
	Message     string
	Consistency Consistency
	Received    int
	BlockFor    int
	WriteType   WriteType
	Contentions int
}

// Error implements the error interface.
func (e *WriteTimeoutError) Error() string {
	return fmt.Sprintf("cqlwire: write timeout at %s (received %d of %d, write type %s): %s",
		e.Consistency, e.Received, e.BlockFor, e.WriteType, e.Message)
}

// Code returns the server error code.
func (e *WriteTimeoutError) Code() ErrorCode { return CodeWriteTimeout }

// ReadFailureError is returned when replicas failed while reading.
type ReadFailureError struct {
	Message     string
	Consistency Consistency
	Received    int
	BlockFor    int
	NumFailures int
	DataPresent bool
}

// Error implements the error interface.
func (e *ReadFailureError) Error() string {
	return fmt.Sprintf("cqlwire: read failure at %s (received %d of %d, %d failures): %s",
		e.Consistency, e.Received, e.BlockFor, e.NumFailures, e.Message)
}

// Code returns the server error code.
func (e *ReadFailureError) Code() ErrorCode { return CodeReadFailure }

// WriteFailureError is returned when replicas failed while writing.
type WriteFailureError struct {
	Message     string
	Consistency Consistency
	Received    int
	BlockFor    int
	NumFailures int
	WriteType   WriteType
}

// Error implements the error interface.
func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("cqlwire: write failure at %s (received %d of %d, %d failures, write type %s): %s",
		e.Consistency, e.Received, e.BlockFor, e.NumFailures, e.WriteType, e.Message)
}

// Code returns the server error code.
func (e *WriteFailureError) Code() ErrorCode { return CodeWriteFailure }

// UnpreparedError is returned when a node does not know a prepared id.
type UnpreparedError struct {
	Message string
	ID      []byte
}

// Error implements the error interface.
func (e *UnpreparedError) Error() string {
	return fmt.Sprintf("cqlwire: unprepared statement %x: %s", e.ID, e.Message)
}

// Code returns the server error code.
func (e *UnpreparedError) Code() ErrorCode { return CodeUnprepared }

// AuthenticationError is returned when the server rejects credentials or
// the handshake cannot complete. It is never retried.
type AuthenticationError struct {
	Host    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	msg := "cqlwire: authentication failed"
	if e.Host != "" {
		msg += " for " + e.Host
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

// QueryValidationError covers errors caused by the query itself: syntax,
// invalid requests, missing permissions, configuration and schema conflicts.
// It is never retried.
type QueryValidationError struct {
	ErrCode  ErrorCode
	Message  string
	Keyspace string
	Table    string
}

// Error implements the error interface.
func (e *QueryValidationError) Error() string {
	kind := "invalid query"
	switch e.ErrCode {
	case CodeSyntaxError:
		kind = "syntax error"
	case CodeUnauthorized:
		kind = "unauthorized"
	case CodeConfigError:
		kind = "configuration error"
	case CodeAlreadyExists:
		kind = "already exists"
	}

	return "cqlwire: " + kind + ": " + e.Message
}

// Code returns the server error code.
func (e *QueryValidationError) Code() ErrorCode { return e.ErrCode }

// ServerError covers the remaining server-side errors (overloaded,
// bootstrapping, truncate, function failure and generic server errors).
type ServerError struct {
	ErrCode ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("cqlwire: server error 0x%04X: %s", int32(e.ErrCode), e.Message)
}

// Code returns the server error code.
func (e *ServerError) Code() ErrorCode { return e.ErrCode }

// NoHostAvailableError aggregates the per-host failures once the query plan
// is exhausted.
type NoHostAvailableError struct {
	// Errors maps host address to the last error seen on that host.
	Errors map[string]error
}

// Error implements the error interface.
func (e *NoHostAvailableError) Error() string {
	if len(e.Errors) == 0 {
		return "cqlwire: no host available: query plan was empty"
	}

	hosts := make([]string, 0, len(e.Errors))
	for h := range e.Errors {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	parts := make([]string, 0, len(hosts))
	for _, h := range hosts {
		parts = append(parts, h+": "+e.Errors[h].Error())
	}

	return "cqlwire: no host available, tried: " + strings.Join(parts, "; ")
}

// Unwrap returns ErrNoHosts and every per-host error.
func (e *NoHostAvailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors)+1)
	errs = append(errs, ErrNoHosts)
	for _, err := range e.Errors {
		errs = append(errs, err)
	}

	return errs
}

// OperationTimedOutError is returned when the request timeout elapses before
// any attempt succeeded.
type OperationTimedOutError struct {
	Elapsed  time.Duration
	Host     string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *OperationTimedOutError) Error() string {
	msg := fmt.Sprintf("cqlwire: operation timed out after %s (%d attempts", e.Elapsed, e.Attempts)
	if e.Host != "" {
		msg += ", last host " + e.Host
	}

	return msg + ")"
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *OperationTimedOutError) Unwrap() error {
	return e.Cause
}

// ExecutionError wraps the final error of a logical execution with the
// context needed to diagnose it.
type ExecutionError struct {
	Host        string
	Consistency Consistency
	Attempts    int
	Cause       error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cqlwire: execution failed on %s at %s after %d attempts: %v",
		e.Host, e.Consistency, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err must never be retried on any host.
func IsFatal(err error) bool {
	var protoErr *ProtocolError
	var authErr *AuthenticationError
	var validationErr *QueryValidationError

	return errors.As(err, &protoErr) || errors.As(err, &authErr) || errors.As(err, &validationErr)
}
