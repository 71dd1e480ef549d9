package types

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConsistency(t *testing.T) {
	tests := []struct {
		in   string
		want Consistency
	}{
		{"one", One},
		{"QUORUM", Quorum},
		{" local_quorum ", LocalQuorum},
		{"Local_One", LocalOne},
		{"serial", Serial},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConsistency(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ParseConsistency("majority")
	require.Error(t, err)
}

func TestConsistencyText(t *testing.T) {
	var c Consistency
	require.NoError(t, c.UnmarshalText([]byte("each_quorum")))
	require.Equal(t, EachQuorum, c)

	text, err := c.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "EACH_QUORUM", string(text))

	require.Contains(t, Consistency(0x42).String(), "UNKNOWN")
	require.True(t, LocalSerial.IsSerial())
	require.False(t, Quorum.IsSerial())
}

func TestConnectionClosedError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := &ConnectionClosedError{Host: "10.0.0.1:9042", Cause: cause}

	assert.Contains(t, err.Error(), "10.0.0.1:9042")
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.True(t, errors.Is(err, cause))
}

func TestNoHostAvailableError(t *testing.T) {
	unavailable := &UnavailableError{Consistency: Quorum, Required: 2, Alive: 1}
	err := &NoHostAvailableError{Errors: map[string]error{
		"10.0.0.2:9042": errors.New("connection refused"),
		"10.0.0.1:9042": unavailable,
	}}

	msg := err.Error()
	assert.Less(t, strings.Index(msg, "10.0.0.1"), strings.Index(msg, "10.0.0.2"))
	assert.True(t, errors.Is(err, ErrNoHosts))

	var target *UnavailableError
	require.True(t, errors.As(err, &target))
	require.Equal(t, 2, target.Required)

	empty := &NoHostAvailableError{}
	assert.Contains(t, empty.Error(), "empty")
}

func TestExecutionErrorUnwrap(t *testing.T) {
	cause := &WriteTimeoutError{Consistency: LocalQuorum, Received: 1, BlockFor: 2, WriteType: WriteTypeSimple}
	err := &ExecutionError{Host: "h1", Consistency: LocalQuorum, Attempts: 3, Cause: cause}

	assert.Contains(t, err.Error(), "after 3 attempts")
	var target *WriteTimeoutError
	require.True(t, errors.As(err, &target))
	require.Equal(t, WriteTypeSimple, target.WriteType)
}

func TestOperationTimedOutError(t *testing.T) {
	err := &OperationTimedOutError{Elapsed: 2 * time.Second, Host: "h1", Attempts: 1, Cause: context.DeadlineExceeded}

	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(NewProtocolError("bad opcode 0x%02x", 0x7f)))
	require.True(t, IsFatal(&AuthenticationError{Message: "bad credentials"}))
	require.True(t, IsFatal(&ExecutionError{Cause: &QueryValidationError{ErrCode: CodeSyntaxError}}))
	require.False(t, IsFatal(&UnavailableError{}))
	require.False(t, IsFatal(&ConnectionClosedError{Host: "h"}))
}

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{
		ErrSessionClosed, ErrConnectionClosed, ErrNoHosts, ErrNoConnections,
		ErrHostIgnored, ErrStatementNotPrepared, ErrNilStatement, ErrNoContactPoints,
	} {
		require.Contains(t, err.Error(), "cqlwire:")
	}
}
