// Package mount implements the mount manager (C4): registration of
// interpreter-side UI mounts, snapshot+patch forwarding for their data,
// and dispatch of inbound callback invocations and submissions.
package mount

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"weave/internal/reactive"
)

// ErrUnknownSubmit is returned when a submission arrives for a mount
// identifier whose result has already resolved once.
var ErrUnknownSubmit = errors.New("unknown_ui_submit")

// Options configures a single mount() call from interpreted code.
type Options struct {
	// Data, if set, is snapshotted as the mount's initialData and
	// subscribed so subsequent patches are tagged with the mount id and
	// forwarded.
	Data *reactive.Record
	// StreamedDataID, if set, is recorded in the mount payload so the
	// client knows which streamed target this mount's UI renders.
	StreamedDataID string
	// OutputSchema describes the shape of the eventual submission.
	OutputSchema map[string]any
	// Callbacks maps a name forwarded to the client to the function
	// invoked when the client calls back with that name.
	Callbacks map[string]func(args []any)
	// UISource is the mount's UI definition, already in source form
	// (the interpreter does not transpile; see DESIGN.md).
	UISource string
}

// PatchSink receives patches for forwarding to the client, tagged with
// the mount that produced them.
type PatchSink interface {
	ForwardPatch(mountID string, p reactive.Patch)
}

// Handle is returned to interpreted code from mount(). Result resolves
// exactly once.
type Handle struct {
	ID string

	mu       sync.Mutex
	resolved bool
	result   chan any
}

// Result returns the channel the interpreter awaits for this mount's
// submission.
func (h *Handle) Result() <-chan any { return h.result }

func (h *Handle) resolve(v any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return false
	}
	h.resolved = true
	h.result <- v
	close(h.result)
	return true
}

type entry struct {
	handle    *Handle
	callbacks map[string]func(args []any)
	unsub     func()
}

// Manager owns every mount registered within a session.
type Manager struct {
	mu     sync.Mutex
	mounts map[string]*entry
	sink   PatchSink
}

// NewManager returns a Manager that forwards data patches to sink.
func NewManager(sink PatchSink) *Manager {
	return &Manager{mounts: make(map[string]*entry), sink: sink}
}

// Mount registers a new mount and returns its handle plus the snapshot
// payload the caller should forward to the client alongside it.
func (m *Manager) Mount(opts Options) (*Handle, Payload) {
	id := uuid.NewString()
	h := &Handle{ID: id, result: make(chan any, 1)}

	e := &entry{handle: h, callbacks: opts.Callbacks}

	payload := Payload{
		MountID:        id,
		StreamedDataID: opts.StreamedDataID,
		OutputSchema:   opts.OutputSchema,
		UISource:       opts.UISource,
	}
	if opts.Callbacks != nil {
		names := make([]string, 0, len(opts.Callbacks))
		for name := range opts.Callbacks {
			names = append(names, name)
		}
		payload.CallbackNames = names
	}
	if opts.Data != nil {
		snap, _ := opts.Data.Snapshot()
		payload.InitialData = snap
		ch, unsub := opts.Data.Subscribe()
		e.unsub = unsub
		go m.forwardPatches(id, ch)
	}

	m.mu.Lock()
	m.mounts[id] = e
	m.mu.Unlock()

	return h, payload
}

func (m *Manager) forwardPatches(mountID string, ch <-chan reactive.Patch) {
	for p := range ch {
		if m.sink != nil {
			m.sink.ForwardPatch(mountID, p)
		}
	}
}

// Payload is what gets forwarded to the client as the outbound `mount`
// envelope once mount() is called from interpreted code.
type Payload struct {
	MountID        string
	InitialData    any
	StreamedDataID string
	OutputSchema   map[string]any
	CallbackNames  []string
	UISource       string
}

// Submit resolves mountID's pending result with value. Returns
// ErrUnknownSubmit if the mount doesn't exist or has already resolved.
func (m *Manager) Submit(mountID string, value any) error {
	m.mu.Lock()
	e, ok := m.mounts[mountID]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSubmit
	}
	if !e.handle.resolve(value) {
		return ErrUnknownSubmit
	}
	return nil
}

// InvokeCallback calls the named callback for mountID synchronously.
// Panics and errors inside the callback are recovered and reported via
// onError rather than propagated; a missing mount or callback name is
// likewise reported, never returned as an error to the caller, matching
// the spec's "caught and logged, never propagated" contract.
func (m *Manager) InvokeCallback(mountID, name string, args []any, onError func(error)) {
	m.mu.Lock()
	e, ok := m.mounts[mountID]
	m.mu.Unlock()
	if !ok {
		if onError != nil {
			onError(errors.New("mount.InvokeCallback: unknown mount " + mountID))
		}
		return
	}
	fn, ok := e.callbacks[name]
	if !ok {
		if onError != nil {
			onError(errors.New("mount.InvokeCallback: unknown callback " + name))
		}
		return
	}
	defer func() {
		if r := recover(); r != nil && onError != nil {
			onError(errPanic{r})
		}
	}()
	fn(args)
}

type errPanic struct{ v any }

func (e errPanic) Error() string { return "callback panicked" }

// Close unsubscribes every mount's data forwarding. Call once the
// session that owns this Manager ends.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.mounts {
		if e.unsub != nil {
			e.unsub()
		}
	}
}
