package fence

import "context"

const sentinel = "```"

// sentinelLen-1 is the maximum number of bytes the parser ever withholds
// from emission while it waits to see whether they complete a "```"
// sentinel. Besides this, the parser holds only a fence header line
// (read whole before it is classified) and a run of whitespace that may
// yet turn out to be a suppressed whitespace-only prose segment: it never
// accumulates a whole segment before emitting.
const maxHeld = len(sentinel) - 1

// state is the parser's current scanning mode.
type state int

const (
	stScan            state = iota // outside any fence; destination is prose
	stCodeBody                     // inside a ```tsx agent.run fence
	stDataBody                     // inside a ```json agent.data fence
	stPassthroughBody              // inside an unrecognized fence, transparent to prose
)

// Run starts the incremental parser. It consumes chunks from in and
// produces segments on the returned channel, which is closed once in is
// closed and any trailing state has been flushed. The parser never
// buffers to end-of-stream and never panics or surfaces an error: every
// byte is either consumed as structure or emitted as prose.
func Run(ctx context.Context, in <-chan []byte) <-chan Segment {
	p := &parser{
		src: &byteSource{in: in},
		out: make(chan Segment),
	}
	go p.run(ctx)
	return p.out
}

type parser struct {
	src *byteSource
	out chan Segment

	state state
	held  []byte // 0..maxHeld bytes, a pending prefix of "```"

	blockIndex int

	// prose segment plumbing
	proseCh        chan []byte
	proseCommitted bool
	pendingWS      []byte

	// code/data body plumbing
	bodyCh   chan []byte
	lastByte byte
	haveBody bool

	// data fence target id, captured at header classification
	targetID string
}

func (p *parser) run(ctx context.Context) {
	defer close(p.out)
	for {
		b, ok := p.src.next()
		if !ok {
			p.flushEOF()
			return
		}
		select {
		case <-ctx.Done():
			p.closeAnyOpenBody()
			p.closeProse()
			return
		default:
		}
		p.feedByte(b)
	}
}

// feedByte runs one byte through the sentinel-prefix detector and
// dispatches completed sentinels or resolved literal bytes to the
// current state's handler.
func (p *parser) feedByte(b byte) {
	candidate := append(append([]byte{}, p.held...), b)
	if isSentinelPrefix(candidate) {
		p.held = candidate
		if len(p.held) == len(sentinel) {
			p.held = nil
			p.onSentinel()
		}
		return
	}
	// held did not extend into a sentinel: flush it as literal, then
	// reconsider b on its own (it may start a fresh prefix).
	flushed := p.held
	p.held = nil
	if len(flushed) > 0 {
		p.emitLiteral(flushed)
	}
	if b == '`' {
		p.held = []byte{b}
		return
	}
	p.emitLiteral([]byte{b})
}

func isSentinelPrefix(b []byte) bool {
	if len(b) > len(sentinel) {
		return false
	}
	for i, c := range b {
		if c != sentinel[i] {
			return false
		}
	}
	return true
}

// emitLiteral routes a resolved (non-sentinel) literal byte run to
// whatever the current state's destination is.
func (p *parser) emitLiteral(b []byte) {
	switch p.state {
	case stScan, stPassthroughBody:
		p.feedProse(b)
	case stCodeBody, stDataBody:
		p.feedBody(b)
	}
}

// onSentinel fires when a full "```" has been matched.
func (p *parser) onSentinel() {
	switch p.state {
	case stScan:
		p.openFence()
	case stCodeBody:
		p.closeCodeBody()
		p.state = stScan
	case stDataBody:
		p.closeDataBody()
		p.state = stScan
	case stPassthroughBody:
		p.feedProse([]byte(sentinel))
		p.state = stScan
	}
}

// openFence reads the header line (raw, up to and including '\n', with a
// trailing '\r' stripped for classification only) and dispatches based on
// its classification.
func (p *parser) openFence() {
	var raw []byte
	for {
		b, ok := p.src.next()
		if !ok {
			// Unterminated header at EOF: not a recognized fence. Flush
			// the opening sentinel plus whatever header text we saw as
			// prose and let the caller's EOF handling take it from there.
			p.feedProse([]byte(sentinel))
			p.feedProse(raw)
			p.state = stScan
			return
		}
		raw = append(raw, b)
		if b == '\n' {
			break
		}
	}

	headerText := raw
	if n := len(headerText); n >= 2 && headerText[n-2] == '\r' && headerText[n-1] == '\n' {
		headerText = append(append([]byte{}, headerText[:n-2]...), '\n')
	}
	trimmedHeader := string(headerText[:len(headerText)-1]) // drop trailing \n

	kind, targetID := classifyHeader(trimmedHeader)
	switch kind {
	case headerCode:
		p.blockIndex++
		p.openCodeBody(p.blockIndex)
	case headerData:
		p.blockIndex++
		p.targetID = targetID
		p.openDataBody(p.blockIndex, targetID)
	default:
		p.feedProse([]byte(sentinel))
		p.feedProse(raw)
		p.state = stPassthroughBody
	}
}

// --- prose plumbing -------------------------------------------------------

func (p *parser) feedProse(b []byte) {
	if len(b) == 0 {
		return
	}
	if !p.proseCommitted {
		if isAllWhitespace(b) {
			p.pendingWS = append(p.pendingWS, b...)
			return
		}
		p.openProse()
		if len(p.pendingWS) > 0 {
			p.proseCh <- p.pendingWS
			p.pendingWS = nil
		}
	}
	p.proseCh <- b
}

func (p *parser) openProse() {
	if p.proseCommitted {
		return
	}
	ch := make(chan []byte)
	p.proseCh = ch
	p.proseCommitted = true
	p.out <- Segment{Kind: Prose, BlockIndex: -1, Body: ch}
}

func (p *parser) closeProse() {
	p.pendingWS = nil
	if p.proseCommitted {
		close(p.proseCh)
		p.proseCh = nil
		p.proseCommitted = false
	}
}

func isAllWhitespace(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		default:
			return false
		}
	}
	return true
}

// --- code/data body plumbing ----------------------------------------------

func (p *parser) openCodeBody(index int) {
	p.closeProse()
	ch := make(chan []byte)
	p.bodyCh = ch
	p.haveBody = true
	p.lastByte = 0
	p.state = stCodeBody
	p.out <- Segment{Kind: Code, BlockIndex: index, Body: ch}
}

func (p *parser) openDataBody(index int, targetID string) {
	p.closeProse()
	ch := make(chan []byte)
	p.bodyCh = ch
	p.haveBody = true
	p.state = stDataBody
	p.out <- Segment{Kind: Data, BlockIndex: index, TargetID: targetID, Body: ch}
}

func (p *parser) feedBody(b []byte) {
	if len(b) > 0 {
		p.lastByte = b[len(b)-1]
	}
	p.bodyCh <- b
}

// closeCodeBody implements the terminator policy: if the last byte
// emitted in the body was not literally ';', a ';' token is appended
// before the channel closes. Trailing whitespace after the last
// statement (e.g. a final newline) counts against termination just
// like any other non-';' byte, so a body ending "...;\n" still gets a
// second ';' appended.
func (p *parser) closeCodeBody() {
	if p.lastByte != ';' {
		p.bodyCh <- []byte(";")
	}
	close(p.bodyCh)
	p.bodyCh = nil
	p.haveBody = false
}

func (p *parser) closeDataBody() {
	close(p.bodyCh)
	p.bodyCh = nil
	p.haveBody = false
}

func (p *parser) closeAnyOpenBody() {
	if !p.haveBody {
		return
	}
	switch p.state {
	case stCodeBody:
		p.closeCodeBody()
	case stDataBody:
		p.closeDataBody()
	}
}

// --- end of stream ---------------------------------------------------------

func (p *parser) flushEOF() {
	// Flush any withheld backtick-prefix bytes as literal content; they
	// never completed into a sentinel.
	if len(p.held) > 0 {
		flushed := p.held
		p.held = nil
		p.emitLiteral(flushed)
	}
	switch p.state {
	case stScan, stPassthroughBody:
		p.closeProse()
	case stCodeBody:
		p.closeCodeBody()
	case stDataBody:
		p.closeDataBody()
	}
}
