// Package logging wires go.uber.org/zap the way the teacher's
// cmd/nerd/main.go does, plus a forwarding Core that projects a subset
// of structured log records onto a session's outbound `log_line`
// envelopes (spec §6).
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"weave/internal/transport"
)

// logLineKey is the zap.Field key a call site sets (zap.Bool(logLineKey,
// true)) to mark an info-level record as client-visible even though it's
// below the warn/error threshold that's always forwarded.
const logLineKey = "_logLine"

// Sink receives the client-visible projection of a log record.
type Sink interface {
	SendLogLine(transport.LogLinePayload)
}

// New builds the runtime's root logger. verbose promotes the level to
// debug, matching cmd/nerd/main.go's --verbose flag.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// WithSink returns a logger that also forwards warn/error records (and
// any info record explicitly tagged with logLineKey) to sink as
// log_line envelopes.
//
// A sink that itself logs through this same logger on failure (e.g. a
// session warning that the send it's trying to report on just failed)
// would otherwise recurse forever; forwarding is guarded so a record
// produced while already forwarding is written locally but not
// forwarded again.
func WithSink(base *zap.Logger, sink Sink) *zap.Logger {
	forwarding := new(atomic.Bool)
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &forwardingCore{Core: core, sink: sink, forwarding: forwarding}
	}))
}

type forwardingCore struct {
	zapcore.Core
	sink       Sink
	forwarding *atomic.Bool
}

func (f *forwardingCore) With(fields []zapcore.Field) zapcore.Core {
	return &forwardingCore{Core: f.Core.With(fields), sink: f.sink, forwarding: f.forwarding}
}

func (f *forwardingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if f.Enabled(ent.Level) {
		return ce.AddCore(ent, f)
	}
	return ce
}

func (f *forwardingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	forward := ent.Level >= zapcore.WarnLevel
	data := make(map[string]any, len(fields))
	var code, runID, src string
	var blockIndex *int
	for _, field := range fields {
		switch field.Key {
		case logLineKey:
			if field.Type == zapcore.BoolType && field.Integer == 1 {
				forward = true
			}
			continue
		case "code":
			code = field.String
		case "runId":
			runID = field.String
		case "src":
			src = field.String
		case "blockIndex":
			v := int(field.Integer)
			blockIndex = &v
		}
		data[field.Key] = fieldValue(field)
	}

	if f.sink != nil && forward && f.forwarding.CompareAndSwap(false, true) {
		defer f.forwarding.Store(false)
		f.sink.SendLogLine(transport.LogLinePayload{
			T:          ent.Time.Format("2006-01-02T15:04:05.000Z07:00"),
			Level:      ent.Level.String(),
			Msg:        ent.Message,
			Data:       data,
			Code:       code,
			RunID:      runID,
			BlockIndex: blockIndex,
			Src:        src,
		})
	}
	return f.Core.Write(ent, fields)
}

func fieldValue(f zapcore.Field) any {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return f.Integer
	case zapcore.BoolType:
		return f.Integer == 1
	default:
		return f.Interface
	}
}

// LogLine marks an info-level record as client-visible, e.g.
// logger.Info("turn started", logging.LogLine(), zap.Int("turn", n)).
func LogLine() zap.Field {
	return zap.Bool(logLineKey, true)
}
