// Package fence implements the incremental fenced-markdown parser (C1):
// a byte-at-a-time state machine that segments a live text stream into
// prose, typed code fences, and typed data fences without ever buffering
// to end-of-stream.
package fence

// Kind discriminates the three segment variants the parser produces.
type Kind int

const (
	// Prose is freeform text, including the verbatim content of any
	// fence whose header the parser does not recognize.
	Prose Kind = iota
	// Code is a ```tsx agent.run fence.
	Code
	// Data is a ```json agent.data => "id" fence.
	Data
)

func (k Kind) String() string {
	switch k {
	case Prose:
		return "prose"
	case Code:
		return "code"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// Segment is the unit the parser emits. Body is a lazy sub-stream of byte
// chunks; it must be fully drained before the parser produces the next
// outer segment, since the parser goroutine blocks sending into Body
// until the receiver drains it. A Body that is abandoned undrained
// stalls the parser.
type Segment struct {
	Kind Kind

	// BlockIndex is set for Code and Data segments; it is the shared
	// monotonic counter across code+data blocks. Prose segments carry -1.
	BlockIndex int

	// TargetID is set for Data segments: the identifier captured from the
	// `json agent.data => "<id>"` header.
	TargetID string

	// Body streams the segment's content as it is produced. Closed when
	// the segment ends (fence closed, or stream ended).
	Body <-chan []byte
}

// Text drains Body and returns its full content. Convenience for callers
// (including tests) that don't need incremental consumption.
func (s Segment) Text() string {
	var buf []byte
	for chunk := range s.Body {
		buf = append(buf, chunk...)
	}
	return string(buf)
}
