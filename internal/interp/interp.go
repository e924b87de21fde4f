// Package interp implements the streaming interpreter (C3): a single
// cooperative, persistent-scope Go interpreter per session, fed
// incrementally from a code fence's body stream.
//
// The wire protocol's code fences are headered `tsx agent.run` (see
// internal/fence), but the statements inside them are interpreted as Go
// via github.com/traefik/yaegi, not transpiled TSX. See DESIGN.md for why.
package interp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ErrRunInProgress is returned by Run when a previous run on this
// interpreter hasn't resolved yet.
var ErrRunInProgress = errors.New("interp: a run is already in progress")

// ErrStopped is the error value a run resolves with after Stop().
var ErrStopped = errors.New("Execution stopped")

// StatementEvent reports the outcome of executing one statement.
type StatementEvent struct {
	// Source is the statement text as it was executed.
	Source string
	// Output is the console output produced while this statement ran.
	Output string
	// Err is set if the statement failed to execute. A non-nil Err ends
	// the run: subsequent text in the body stream is discarded.
	Err error
}

// Result is the terminal outcome of a run: the concatenation of every
// statement's output, plus the run's error (nil on success).
type Result struct {
	Output string
	Err    error
}

// Interpreter wraps one persistent *interp.Interpreter. Declarations made
// by one run's statements remain visible to the next run on the same
// Interpreter, which is how scope persists across code segments within a
// session.
type Interpreter struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	vm      *interp.Interpreter
	console *console
}

// New creates a persistent interpreter with the stdlib loaded and the
// given globals exposed as `Data`, `StreamedData`, `mount`, and any named
// skills.
func New(g Globals) (*Interpreter, error) {
	vm := interp.New(interp.Options{})
	if err := vm.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("interp: loading stdlib: %w", err)
	}

	c := &console{}
	exports := interp.Exports{
		runtimePkg: map[string]reflect.Value{
			"ConsoleLog":   reflect.ValueOf(c.Log),
			"ConsoleError": reflect.ValueOf(c.Error),
		},
	}
	sym := exports[runtimePkg]
	if g.Data != nil {
		sym["Data"] = reflect.ValueOf(g.Data)
	}
	if g.StreamedData != nil {
		sym["StreamedData"] = reflect.ValueOf(g.StreamedData)
	}
	if g.Mount != nil {
		sym["Mount"] = reflect.ValueOf(g.Mount)
	}
	for name, v := range g.Skills {
		sym[exportName(name)] = reflect.ValueOf(v)
	}
	if err := vm.Use(exports); err != nil {
		return nil, fmt.Errorf("interp: registering globals: %w", err)
	}

	if _, err := vm.Eval(preludeSource(g)); err != nil {
		return nil, fmt.Errorf("interp: prelude: %w", err)
	}

	return &Interpreter{vm: vm, console: c}, nil
}

// exportName capitalizes name so it is visible through yaegi's Exports
// symbol table, which obeys ordinary Go export rules.
func exportName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func preludeSource(g Globals) string {
	var b strings.Builder
	b.WriteString("import . \"" + runtimePkg + "\"\n\n")
	b.WriteString("var console = struct{ Log func(...interface{}); Error func(...interface{}) }{Log: ConsoleLog, Error: ConsoleError}\n")
	if g.Data != nil {
		b.WriteString("var Data = Data\n")
	}
	if g.StreamedData != nil {
		b.WriteString("var StreamedData = StreamedData\n")
	}
	if g.Mount != nil {
		b.WriteString("var mount = Mount\n")
	}
	for name := range g.Skills {
		exported := exportName(name)
		if exported != name {
			b.WriteString("var " + name + " = " + exported + "\n")
		}
	}
	return b.String()
}

// Run executes statements as they arrive on body, in source order,
// sharing this Interpreter's persistent scope. It returns a channel of
// per-statement events and a channel carrying the single terminal
// Result. Both channels are closed once the run ends.
//
// Run enforces the single-cooperative-interpreter rule: calling it while
// a previous run is still in flight returns ErrRunInProgress immediately
// (no channels are produced in that case — check the error first).
func (it *Interpreter) Run(ctx context.Context, body <-chan []byte) (<-chan StatementEvent, <-chan Result, error) {
	it.mu.Lock()
	if it.running {
		it.mu.Unlock()
		return nil, nil, ErrRunInProgress
	}
	it.running = true
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	it.cancel = cancel
	it.mu.Unlock()

	events := make(chan StatementEvent)
	results := make(chan Result, 1)

	go func() {
		defer func() {
			it.mu.Lock()
			it.running = false
			it.cancel = nil
			it.mu.Unlock()
			cancel()
			close(events)
			close(results)
		}()

		var buf strings.Builder
		var lex lexState
		var out strings.Builder
		var runErr error

		flushResult := func() {
			results <- Result{Output: out.String(), Err: runErr}
		}
		// discardRest keeps reading body after the run has ended early, so
		// the producer feeding it is never left blocked on a send.
		discardRest := func() {
			go func() {
				for range body {
				}
			}()
		}

		for {
			select {
			case <-runCtx.Done():
				runErr = ctxErr(runCtx)
				flushResult()
				discardRest()
				return
			case chunk, ok := <-body:
				if !ok {
					tail := strings.TrimSpace(buf.String())
					if tail != "" {
						ev := it.execStatement(runCtx, tail)
						out.WriteString(ev.Output)
						events <- ev
						if ev.Err != nil {
							if isIncomplete(ev.Err) {
								runErr = fmt.Errorf("incomplete statement: %s", tail)
							} else {
								runErr = ev.Err
							}
						}
					}
					flushResult()
					return
				}
				for _, b := range chunk {
					buf.WriteByte(b)
					if lex.feed(b) {
						stmt := strings.TrimSpace(buf.String())
						output, err, incomplete := it.tryExec(runCtx, stmt)
						if incomplete {
							// Not a real boundary: put the statement back
							// (with its terminator) and keep accumulating.
							buf.Reset()
							buf.WriteString(stmt)
							continue
						}
						buf.Reset()
						if stmt == "" {
							continue
						}
						ev := StatementEvent{Source: stmt, Output: output, Err: err}
						out.WriteString(output)
						events <- ev
						if ev.Err != nil {
							runErr = ev.Err
							flushResult()
							discardRest()
							return
						}
					}
				}
			}
		}
	}()

	return events, results, nil
}

// Stop aborts the current run, if any. Any in-flight statement's context
// is cancelled; Run's goroutine reports ErrStopped as the run's error.
// A Stop after the run has already completed is a no-op.
func (it *Interpreter) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.cancel != nil {
		it.cancel()
	}
}

// execStatement is used for the end-of-stream tail, which is always
// reported as an event (successful, a real error, or an "incomplete
// statement" error per the spec's end-of-stream flush rule).
func (it *Interpreter) execStatement(ctx context.Context, stmt string) StatementEvent {
	output, err, incomplete := it.tryExec(ctx, stmt)
	if incomplete {
		return StatementEvent{Source: stmt, Output: output, Err: fmt.Errorf("incomplete statement")}
	}
	return StatementEvent{Source: stmt, Output: output, Err: err}
}

// tryExec evaluates stmt against the persistent interpreter. incomplete
// reports that stmt failed to parse because more input is needed (the
// lexical trigger fired inside an unfinished block); callers should
// re-accumulate rather than treat this as a statement outcome.
func (it *Interpreter) tryExec(ctx context.Context, stmt string) (output string, err error, incomplete bool) {
	if stmt == "" {
		return "", nil, false
	}
	if ctx.Err() != nil {
		return "", ErrStopped, false
	}
	_, evalErr := it.vm.Eval(wrapStatement(stmt))
	output = it.console.drain()
	if evalErr == nil {
		return output, nil, false
	}
	if isIncomplete(evalErr) {
		return output, nil, true
	}
	return output, errMessage(evalErr), false
}

// wrapStatement hands the statement to yaegi as-is. Top-level var/const/
// func declarations persist in the interpreter's scope automatically
// (that persistence is yaegi's native REPL behavior); everything else
// (assignments, expression statements, control flow) yaegi also accepts
// at top level in its incremental evaluation mode.
func wrapStatement(stmt string) string {
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return stmt
}

func isIncomplete(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"unexpected EOF",
		"unexpected newline",
		"expected declaration",
		"expected '}'",
		"expected expression",
		"expected operand",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// errMessage reduces an error to its message, matching the spec's
// "error.message when available, otherwise String(error)" rule — for Go
// errors that's just err.Error(), already a string.
func errMessage(err error) error {
	return errors.New(err.Error())
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %dms", 60000)
	}
	return ErrStopped
}
