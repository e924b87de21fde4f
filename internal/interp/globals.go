package interp

import (
	"fmt"
	"sync"

	"weave/internal/mount"
	"weave/internal/reactive"
)

// runtimePkg is the synthetic import path under which the interpreter's
// native Go globals are exported to interpreted code. Interpreted sources
// never see this path directly; the prelude dot-imports it and then
// aliases the capitalized exported names down to the spec's lowercase
// `mount` spelling.
const runtimePkg = "weaveruntime/weaveruntime"

// Globals are the bindings a session supplies when constructing an
// Interpreter: the reactive-record lookups and the mount entry point, plus
// any skill-provided extras.
type Globals struct {
	Data         func(id string) *reactive.Record
	StreamedData func(id string) *reactive.Record
	Mount        func(opts mount.Options) *mount.Handle

	// Skills maps an additional global name to the value exposed under it.
	// Supported value kinds are functions and simple data; anything
	// reflect.ValueOf can represent.
	Skills map[string]any
}

// console is the in-run log sink. Log/Error both append to the same
// ordered buffer; the distinction is carried as a prefix, mirroring the
// single-stream output capture described for the interpreter.
type console struct {
	mu  sync.Mutex
	buf []string
}

func (c *console) Log(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, fmt.Sprintln(args...))
}

func (c *console) Error(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, "error: "+fmt.Sprintln(args...))
}

func (c *console) drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out string
	for _, line := range c.buf {
		out += line
	}
	c.buf = c.buf[:0]
	return out
}
