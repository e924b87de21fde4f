// Package loop implements the interaction loop (C5): the per-interaction
// state machine that drives an LLM turn, parses its markdown stream into
// segments, dispatches each segment per spec §4.5, and decides whether
// the resulting transcript starts another turn.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"weave/internal/fence"
	"weave/internal/interp"
	"weave/internal/llmstream"
	"weave/internal/reactive"
	"weave/internal/transport"
)

// errLLMProviderFailure marks a turn ended by a failed model stream.
// Spec §7's error table gives this its own policy: unlike a code
// execution error (which feeds the transcript back for another turn),
// an LLM provider failure ends the interaction outright.
var errLLMProviderFailure = errors.New("loop: llm provider failed")

// OutboundSink is the subset of a session's transport connection the
// loop needs: enqueue one outbound envelope.
type OutboundSink interface {
	Send(envType string, payload any) error
}

// Deps are the collaborators one interaction loop drives. Mount
// registration lives entirely inside the interpreter's Globals.Mount
// closure (interpreted code blocks on a mount's Handle.Result() channel
// directly), so the loop itself never touches the mount manager.
type Deps struct {
	Interp   *interp.Interpreter
	LLM      *llmstream.Session
	Streamed *reactive.Registry
	Out      OutboundSink
	Logger   *zap.Logger
	MaxTurns int
}

// Loop runs one session's interaction state machine. A Loop is not
// reused across sessions.
type Loop struct {
	d       Deps
	stopped atomic.Bool
}

// New returns a Loop. MaxTurns defaults to 15 (spec §4.5) if unset.
func New(d Deps) *Loop {
	if d.MaxTurns <= 0 {
		d.MaxTurns = 15
	}
	return &Loop{d: d}
}

// Stop ends the loop promptly at the next segment or turn boundary and
// signals the interpreter to abort any in-flight run.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	l.d.Interp.Stop()
}

// Run drives one interaction from the user's first message through
// however many turns the model's output demands, up to MaxTurns.
func (l *Loop) Run(ctx context.Context, interactionID, userMessage string) error {
	turnInput := userMessage
	first := true

	for turn := 0; turn < l.d.MaxTurns; turn++ {
		if l.stopped.Load() {
			return nil
		}

		var chunks <-chan llmstream.Chunk
		var err error
		if first {
			chunks, err = l.d.LLM.StreamUserMessage(ctx, turnInput)
			first = false
		} else {
			chunks, err = l.d.LLM.StreamNextTurn(ctx, turnInput)
		}
		if err != nil {
			l.d.Logger.Error("llm provider failed", zap.Error(err), zap.String("code", "llm_provider_error"))
			return nil
		}

		transcript, err := l.runTurn(ctx, interactionID, turn, chunks)
		if err != nil {
			if errors.Is(err, errLLMProviderFailure) {
				return nil
			}
			return err
		}
		if transcript == "" {
			return nil
		}
		turnInput = transcript
	}
	// Turn cap exceeded: end the interaction as if the transcript were empty.
	return nil
}

// turnTranscript accumulates the non-empty fields a turn produces.
type turnTranscript struct {
	logs strings.Builder
	err  string
}

func (t *turnTranscript) nonEmpty() bool {
	return strings.TrimSpace(t.logs.String()) != "" || t.err != ""
}

func (t *turnTranscript) render() string {
	var b strings.Builder
	if s := strings.TrimSpace(t.logs.String()); s != "" {
		b.WriteString(s)
	}
	if t.err != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("error: ")
		b.WriteString(t.err)
	}
	return b.String()
}

func (l *Loop) runTurn(ctx context.Context, interactionID string, turnIdx int, chunks <-chan llmstream.Chunk) (string, error) {
	raw := make(chan []byte)
	streamErrCh := make(chan error, 1)
	go func() {
		defer close(raw)
		for c := range chunks {
			if c.Err != nil {
				l.d.Logger.Error("llm stream error", zap.Error(c.Err), zap.String("code", "llm_provider_error"))
				streamErrCh <- c.Err
				return
			}
			select {
			case raw <- []byte(c.Text):
			case <-ctx.Done():
				return
			}
		}
	}()

	segs := fence.Run(ctx, raw)

	var transcript turnTranscript
	var outboundWG sync.WaitGroup
	var pendingCode <-chan interp.Result
	messageSeq := 0

	mergeCode := func() {
		if pendingCode == nil {
			return
		}
		res := <-pendingCode
		pendingCode = nil
		l.d.Logger.Debug("interpreter run result", zap.Int("outputLen", len(res.Output)), zap.Bool("failed", res.Err != nil))
		transcript.logs.WriteString(res.Output)
		if res.Err != nil {
			transcript.err = res.Err.Error()
		}
	}

	for seg := range segs {
		if l.stopped.Load() {
			drainAndDiscard(seg.Body)
			continue
		}
		switch seg.Kind {
		case fence.Prose:
			messageSeq++
			mid := fmt.Sprintf("%s-%d-%d", interactionID, turnIdx, messageSeq)
			outboundWG.Add(1)
			go func(body <-chan []byte) {
				defer outboundWG.Done()
				var full strings.Builder
				for chunk := range body {
					full.Write(chunk)
					if err := l.d.Out.Send(transport.TypeMarkdownChunk, transport.MarkdownChunkPayload{
						InteractionID: interactionID,
						MessageID:     mid,
						Text:          string(chunk),
					}); err != nil {
						l.d.Logger.Warn("markdown_chunk send failed", zap.Error(err))
					}
				}
				// The parser routes any recognized fence into its own
				// Code/Data segment, so a prose message this runtime
				// emits never embeds a fenced block itself; Blocks is
				// always empty.
				if err := l.d.Out.Send(transport.TypeAssistantMessage, transport.AssistantMessagePayload{
					InteractionID: interactionID,
					MessageID:     mid,
					Markdown:      full.String(),
					Blocks:        []string{},
				}); err != nil {
					l.d.Logger.Warn("assistant_message send failed", zap.Error(err))
				}
			}(seg.Body)

		case fence.Data:
			rec, ok := l.d.Streamed.Get(seg.TargetID)
			if !ok {
				drainAndDiscard(seg.Body)
				l.d.Logger.Error("unknown_target", zap.String("target", seg.TargetID), zap.String("code", "unknown_target"))
				continue
			}
			outboundWG.Add(1)
			go l.dispatchData(&outboundWG, seg.TargetID, seg.Body, rec)

		case fence.Code:
			outboundWG.Wait()
			mergeCode()
			if transcript.err != "" {
				// A prior code segment already failed this turn: the
				// remaining code blocks in the turn are discarded.
				drainAndDiscard(seg.Body)
				continue
			}
			events, results, err := l.d.Interp.Run(ctx, seg.Body)
			if err != nil {
				transcript.err = err.Error()
				drainAndDiscard(seg.Body)
				continue
			}
			tid := fmt.Sprintf("%s-%d-block%d", interactionID, turnIdx, seg.BlockIndex)
			go func() {
				stmtSeq := 0
				for ev := range events {
					stmtSeq++
					if ev.Err != nil {
						l.d.Logger.Error("block_failed", zap.Error(ev.Err), zap.String("code", "block_failed"))
					}
					text := ev.Output
					if ev.Err != nil {
						text = ev.Err.Error()
					}
					if err := l.d.Out.Send(transport.TypeTrace, transport.TracePayload{
						InteractionID: interactionID,
						MessageID:     fmt.Sprintf("%s-%d", tid, stmtSeq),
						Text:          text,
						Category:      "execution",
					}); err != nil {
						l.d.Logger.Warn("trace send failed", zap.Error(err))
					}
				}
			}()
			pendingCode = results
		}
	}

	outboundWG.Wait()
	mergeCode()

	select {
	case streamErr := <-streamErrCh:
		transcript.err = streamErr.Error()
		return transcript.render(), errLLMProviderFailure
	default:
	}

	if !transcript.nonEmpty() {
		return "", nil
	}
	return transcript.render(), nil
}

func (l *Loop) dispatchData(wg *sync.WaitGroup, targetID string, body <-chan []byte, rec *reactive.Record) {
	defer wg.Done()
	if err := l.d.Out.Send(transport.TypeStreamedDataReset, transport.StreamedDataResetPayload{StreamedDataID: targetID}); err != nil {
		l.d.Logger.Warn("streamed_data_reset send failed", zap.Error(err))
	}
	var buf bytes.Buffer
	for chunk := range body {
		buf.Write(chunk)
		if err := l.d.Out.Send(transport.TypeStreamedDataChunk, transport.StreamedDataChunkPayload{
			StreamedDataID: targetID,
			Chunk:          string(chunk),
		}); err != nil {
			l.d.Logger.Warn("streamed_data_chunk send failed", zap.Error(err))
		}
	}
	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		l.d.Logger.Error("json_error", zap.Error(err), zap.String("code", "json_error"), zap.String("target", targetID))
		return
	}
	rec.Replace(parsed)
}

func drainAndDiscard(body <-chan []byte) {
	for range body {
	}
}
