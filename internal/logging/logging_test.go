package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"weave/internal/transport"
)

func debugLogger() *zap.Logger {
	core, _ := observer.New(zapcore.DebugLevel)
	return zap.New(core)
}

type recordingSink struct {
	lines []transport.LogLinePayload
}

func (r *recordingSink) SendLogLine(p transport.LogLinePayload) {
	r.lines = append(r.lines, p)
}

func TestWithSink_ForwardsWarnAndAbove(t *testing.T) {
	base := debugLogger()
	sink := &recordingSink{}
	logger := WithSink(base, sink)

	logger.Info("below threshold")
	logger.Warn("heads up", zap.String("code", "run_timeout"))

	require.Len(t, sink.lines, 1)
	assert.Equal(t, "heads up", sink.lines[0].Msg)
	assert.Equal(t, "run_timeout", sink.lines[0].Code)
	assert.Equal(t, "warn", sink.lines[0].Level)
}

func TestWithSink_ForwardsTaggedInfoRecords(t *testing.T) {
	base := debugLogger()
	sink := &recordingSink{}
	logger := WithSink(base, sink)

	logger.Info("turn started", LogLine(), zap.Int("turn", 1))

	require.Len(t, sink.lines, 1)
	assert.Equal(t, "turn started", sink.lines[0].Msg)
}

// reentrantSink mimics a session logging a warning about its own failed
// log_line send: SendLogLine itself calls back into the wrapped logger.
type reentrantSink struct {
	logger *zap.Logger
	lines  []transport.LogLinePayload
}

func (r *reentrantSink) SendLogLine(p transport.LogLinePayload) {
	r.lines = append(r.lines, p)
	r.logger.Warn("log_line send failed")
}

func TestWithSink_GuardsAgainstSinkLoggingBackThroughItself(t *testing.T) {
	base := debugLogger()
	sink := &reentrantSink{}
	logger := WithSink(base, sink)
	sink.logger = logger

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Warn("outbound send failed")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WithSink recursed instead of guarding re-entry")
	}
	assert.Len(t, sink.lines, 1, "the re-entrant warning should be written locally, not forwarded again")
}
