package kitlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.NewLogfmtLogger(&buf))

	l.Info("host up", "host", "10.0.0.1:9042")
	l.Error("control connection lost", "error", "eof")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, `level=info msg="host up" host=10.0.0.1:9042`, lines[0])
	require.Equal(t, `level=error msg="control connection lost" error=eof`, lines[1])
}

func TestLoggerFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(level.NewFilter(log.NewLogfmtLogger(&buf), level.AllowWarn()))

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept", "n", 1)

	require.Equal(t, "level=warn msg=kept n=1\n", buf.String())
}

func TestNewNil(t *testing.T) {
	require.NotPanics(t, func() { New(nil).Debug("nothing") })
}
