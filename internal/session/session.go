// Package session owns one client connection end to end: the reactive
// registries, mount manager, interpreter, and model session a single
// interaction loop drives, plus the inbound dispatch loop that turns
// wire envelopes (spec §6) into calls against them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"weave/internal/config"
	"weave/internal/interp"
	"weave/internal/llmstream"
	"weave/internal/loop"
	"weave/internal/mount"
	"weave/internal/reactive"
	"weave/internal/transport"
)

// Session binds one transport connection to its own interpreter, mount
// manager, and reactive registries. It is not reused across connections.
type Session struct {
	id     string
	conn   *transport.Conn
	out    *loggingConn
	logger *zap.Logger

	dataReg     *reactive.Registry
	streamedReg *reactive.Registry
	mounts      *mount.Manager
	interp      *interp.Interpreter
	llm         *llmstream.Session
	loop        *loop.Loop

	mu          sync.Mutex
	turnRunning bool
	nextTurn    int
}

// loggingConn wraps the outbound connection so every envelope the
// client is sent is also recorded at debug under the session's own
// logger — the per-session audit trace, mirroring the teacher's
// category-scoped logging convention without carrying over its
// per-category log files (the runtime has no persistence non-goal to
// preserve here; debug output is ephemeral).
type loggingConn struct {
	conn   *transport.Conn
	logger *zap.Logger
}

func (l *loggingConn) Send(envType string, payload any) error {
	l.logger.Debug("outbound envelope", zap.String("type", envType))
	return l.conn.Send(envType, payload)
}

// New builds a Session wired per DESIGN.md: Globals.Data/StreamedData
// read through the session's own registries, Globals.Mount registers
// with the session's mount.Manager and forwards the resulting payload as
// an outbound `mount` envelope before handing the handle back to
// interpreted code.
func New(id string, conn *transport.Conn, provider llmstream.Provider, systemPrompt string, cfg config.Config, logger *zap.Logger, skills map[string]any) (*Session, error) {
	s := &Session{
		id:          id,
		conn:        conn,
		out:         &loggingConn{conn: conn, logger: logger},
		logger:      logger,
		dataReg:     reactive.NewRegistry(),
		streamedReg: reactive.NewRegistry(),
	}
	s.mounts = mount.NewManager(s)

	globals := interp.Globals{
		Data:         func(recID string) *reactive.Record { return s.dataReg.GetOrCreate(recID, map[string]any{}) },
		StreamedData: func(recID string) *reactive.Record { return s.streamedReg.GetOrCreate(recID, map[string]any{}) },
		Mount: func(opts mount.Options) *mount.Handle {
			h, payload := s.mounts.Mount(opts)
			s.sendMount(payload)
			return h
		},
		Skills: skills,
	}
	it, err := interp.New(globals)
	if err != nil {
		return nil, fmt.Errorf("session: building interpreter: %w", err)
	}
	s.interp = it
	s.llm = llmstream.New(provider, systemPrompt)
	s.loop = loop.New(loop.Deps{
		Interp:   it,
		LLM:      s.llm,
		Streamed: s.streamedReg,
		Out:      s.out,
		Logger:   logger,
		MaxTurns: cfg.MaxTurns,
	})
	return s, nil
}

// Close ends the session's mount subscriptions and stops any in-flight
// interaction. Call once the connection is gone.
func (s *Session) Close() {
	s.loop.Stop()
	s.mounts.Close()
}

// SendSession forwards the opening `session` envelope the client expects
// right after the connection is established.
func (s *Session) SendSession(capabilities []string) error {
	return s.out.Send(transport.TypeSession, transport.SessionPayload{
		ID:           s.id,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Capabilities: capabilities,
	})
}

// Serve reads inbound frames until the connection ends, dispatching each
// to the matching handler. It returns the error that ended the read
// loop (nil only if ctx was cancelled first).
func (s *Session) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := s.conn.Recv()
		if err != nil {
			if rej, ok := err.(*transport.RejectError); ok {
				s.logger.Warn("rejected inbound frame", zap.String("code", string(rej.Code)), zap.Error(rej.Err))
				continue
			}
			return err
		}
		s.logger.Debug("inbound envelope", zap.String("type", inboundType(msg)))
		s.dispatch(ctx, msg)
	}
}

// inboundType names the wire type tag of a decoded inbound message, for
// the per-session debug audit trail; transport.Decode already knows the
// tag but returns only the concrete payload type, so it's recovered here.
func inboundType(msg any) string {
	switch msg.(type) {
	case transport.UserMessage:
		return transport.TypeUserMessage
	case transport.UISubmit:
		return transport.TypeUISubmit
	case transport.CallbackInvoke:
		return transport.TypeCallbackInvoke
	case transport.ClientLog:
		return transport.TypeClientLog
	default:
		return fmt.Sprintf("%T", msg)
	}
}

func (s *Session) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case transport.UserMessage:
		s.handleUserMessage(ctx, m)
	case transport.UISubmit:
		if err := s.mounts.Submit(m.MountID, m.Value); err != nil {
			s.logger.Warn("ui_submit rejected", zap.String("mountId", m.MountID), zap.Error(err))
		}
	case transport.CallbackInvoke:
		s.mounts.InvokeCallback(m.MountID, m.Name, m.Args, func(err error) {
			s.logger.Error("callback_invoke failed", zap.String("mountId", m.MountID), zap.String("name", m.Name), zap.Error(err))
		})
	case transport.ClientLog:
		s.logger.Info("client_log", zap.String("lvl", m.Level), zap.String("msg", m.Msg), zap.Any("data", m.Data))
	}
}

// handleUserMessage starts a new interaction loop turn. A user message
// that arrives while one is already in flight is rejected rather than
// queued or interleaved: the interaction loop's code-segment ordering
// guarantees assume a single interaction drives the interpreter at a
// time.
func (s *Session) handleUserMessage(ctx context.Context, m transport.UserMessage) {
	s.mu.Lock()
	if s.turnRunning {
		s.mu.Unlock()
		s.logger.Warn("user_message dropped: interaction already in flight")
		return
	}
	s.turnRunning = true
	s.nextTurn++
	interactionID := m.InteractionID
	if interactionID == "" {
		interactionID = fmt.Sprintf("%s-%d", s.id, s.nextTurn)
	}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.turnRunning = false
			s.mu.Unlock()
		}()
		if err := s.loop.Run(ctx, interactionID, m.Text); err != nil {
			s.logger.Error("interaction loop failed", zap.String("interactionId", interactionID), zap.Error(err))
		}
	}()
}

func (s *Session) sendMount(p mount.Payload) {
	if err := s.out.Send(transport.TypeMount, transport.MountPayload{
		MountID:        p.MountID,
		UISource:       p.UISource,
		InitialData:    p.InitialData,
		StreamedDataID: p.StreamedDataID,
		OutputSchema:   p.OutputSchema,
		CallbackNames:  p.CallbackNames,
	}); err != nil {
		s.logger.Warn("mount send failed", zap.Error(err))
	}
}

// SendLogLine implements logging.Sink: the operator-facing projection
// of a warn/error (or explicitly tagged info) log record becomes a
// log_line envelope (spec §6, §7's "errors intended for the operator
// are reported via log_line").
func (s *Session) SendLogLine(p transport.LogLinePayload) {
	if err := s.out.Send(transport.TypeLogLine, p); err != nil {
		s.logger.Warn("log_line send failed", zap.Error(err))
	}
}

// ForwardPatch implements mount.PatchSink: every patch to a mounted
// Data record becomes a data_patch envelope tagged with the mount that
// owns it (spec §6).
func (s *Session) ForwardPatch(mountID string, p reactive.Patch) {
	tuple := transport.PatchTuple{p.Op.String(), p.Path, p.Value, p.Prev}
	if err := s.out.Send(transport.TypeDataPatch, transport.DataPatchPayload{
		MountID: mountID,
		Patches: []transport.PatchTuple{tuple},
	}); err != nil {
		s.logger.Warn("data_patch send failed", zap.Error(err))
	}
}
