// Package reactive implements the reactive state registry (C2): plain
// JSON-shaped Go values wrapped so that every mutation made through the
// wrapper is observable as a structured patch, without the wrapped value's
// own identity changing.
package reactive

import (
	"fmt"
	"strconv"
	"sync"
)

// Op is the kind of mutation a Patch records.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "set"
}

// Patch describes a single mutation applied to a Record.
type Patch struct {
	Op   Op
	Path []string
	// Value is the new value at Path. Zero value for OpDelete.
	Value any
	// Prev is the value previously at Path, or nil if it was unset.
	Prev any
}

// Record wraps a root value (map[string]any or []any) and makes every
// mutation made through Set/Delete observable. Record identity is its own:
// wrapping the same underlying data twice produces two independent
// registries, mirroring how the interpreter hands out one Record per
// `Data`/`StreamedData` binding.
type Record struct {
	mu   sync.Mutex
	id   string
	root any

	nextSub int
	subs    map[int]chan Patch
}

// New wraps root (expected to be a JSON-shaped map[string]any or []any) as
// a Record identified by id. id is never exposed as an enumerable field on
// the wrapped value; it exists purely for logging and mount bookkeeping.
func New(id string, root any) *Record {
	return &Record{id: id, root: root, subs: make(map[int]chan Patch)}
}

// ID returns the record's identity. Hidden from the wrapped value itself.
func (r *Record) ID() string { return r.id }

// Snapshot returns the current value at the root, or at path if given.
// The returned value is not a defensive copy; callers that hand it
// downstream (e.g. into a mount's initial render) must not mutate it.
func (r *Record) Snapshot(path ...string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return navigate(r.root, path)
}

// Set writes value at a non-empty path, creating intermediate maps as
// needed, and broadcasts the resulting patch to every subscriber.
// Returns an error if an intermediate path segment exists but is neither
// a map nor an array, if an array segment is not a valid index (one past
// the end appends), or if path is empty (use Replace to swap the whole
// root).
func (r *Record) Set(path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("reactive: Set requires a non-empty path; use Replace for the whole root")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, _ := navigate(r.root, path)
	newRoot, err := assign(r.root, path, value)
	if err != nil {
		return err
	}
	r.root = newRoot
	r.broadcast(Patch{Op: OpSet, Path: path, Value: value, Prev: prev})
	return nil
}

// Replace swaps the record's entire root value, as a streamed target
// does on every new data fence (spec §3: "wholly replaces its contents
// (no merge)"). Unlike Set/Delete this broadcasts no Patch: a Patch's
// path is always a non-empty sequence of keys naming what changed inside
// the record, and "the whole record became a different value" has no
// such key to report. Streamed-target replacement already reaches the
// client through its own streamed_data_reset/streamed_data_chunk
// envelopes, independent of this type's Subscribe mechanism, so no
// consumer needs a Patch form of it.
func (r *Record) Replace(value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = value
}

// Delete removes the value at path and broadcasts the resulting patch. A
// delete of a path that doesn't exist is a no-op (no patch is emitted).
// Returns an error if path is empty.
func (r *Record) Delete(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("reactive: Delete requires a non-empty path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := navigate(r.root, path)
	if !ok {
		return nil
	}
	newRoot, err := remove(r.root, path)
	if err != nil {
		return err
	}
	r.root = newRoot
	r.broadcast(Patch{Op: OpDelete, Path: path, Prev: prev})
	return nil
}

// Subscribe registers a new observer and returns a channel of patches plus
// an unsubscribe function. All subscribers share the same underlying
// mutation stream: a patch is broadcast to every live subscriber in the
// order Set/Delete calls were made, and a slow subscriber blocks the
// broadcaster (the channel is unbuffered) rather than dropping patches.
func (r *Record) Subscribe() (<-chan Patch, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Patch)
	r.subs[id] = ch

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
	}
	return ch, unsub
}

// broadcast must be called with mu held. It sends synchronously to each
// subscriber so ordering is preserved across the whole fan-out; a
// disconnected caller that never drains its channel will stall this
// record's mutations, so callers own draining their subscription promptly.
func (r *Record) broadcast(p Patch) {
	for _, ch := range r.subs {
		ch <- p
	}
}

func navigate(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, ok := arrayIndex(seg, len(v))
			if !ok {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func assign(root any, path []string, value any) (any, error) {
	if len(path) == 0 {
		return value, nil
	}
	if arr, ok := root.([]any); ok {
		idx, ok := arrayIndex(path[0], len(arr)+1)
		if !ok {
			return nil, fmt.Errorf("reactive: invalid array index %q", path[0])
		}
		arr = cloneSlice(arr)
		if idx == len(arr) {
			arr = append(arr, nil)
		}
		child, err := assign(arr[idx], path[1:], value)
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, ok := root.(map[string]any)
	if !ok {
		if root == nil {
			m = make(map[string]any)
		} else {
			return nil, fmt.Errorf("reactive: cannot descend into %T at %q", root, path[0])
		}
	} else {
		m = cloneMap(m)
	}
	child, err := assign(m[path[0]], path[1:], value)
	if err != nil {
		return nil, err
	}
	m[path[0]] = child
	return m, nil
}

func remove(root any, path []string) (any, error) {
	if arr, ok := root.([]any); ok {
		idx, ok := arrayIndex(path[0], len(arr))
		if !ok {
			return nil, fmt.Errorf("reactive: invalid array index %q", path[0])
		}
		arr = cloneSlice(arr)
		if len(path) == 1 {
			return append(arr[:idx], arr[idx+1:]...), nil
		}
		child, err := remove(arr[idx], path[1:])
		if err != nil {
			return nil, err
		}
		arr[idx] = child
		return arr, nil
	}

	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reactive: cannot descend into %T at %q", root, path[0])
	}
	m = cloneMap(m)
	if len(path) == 1 {
		delete(m, path[0])
		return m, nil
	}
	child, err := remove(m[path[0]], path[1:])
	if err != nil {
		return nil, err
	}
	m[path[0]] = child
	return m, nil
}

// arrayIndex parses seg as a non-negative int less than bound (exclusive).
// Set passes len(arr)+1 as bound to allow appending one past the end;
// everyone else passes len(arr).
func arrayIndex(seg string, bound int) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= bound {
		return 0, false
	}
	return idx, true
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []any) []any {
	out := make([]any, len(s))
	copy(out, s)
	return out
}
