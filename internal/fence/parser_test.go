package fence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksOf(s string, size int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for i := 0; i < len(s); i += size {
			end := i + size
			if end > len(s) {
				end = len(s)
			}
			out <- []byte(s[i:end])
		}
	}()
	return out
}

func drainAll(t *testing.T, segs <-chan Segment) []Segment {
	t.Helper()
	var got []Segment
	for s := range segs {
		text := s.Text()
		got = append(got, Segment{Kind: s.Kind, BlockIndex: s.BlockIndex, TargetID: s.TargetID, Body: textBody(text)})
	}
	return got
}

func textBody(s string) <-chan []byte {
	ch := make(chan []byte, 1)
	if s != "" {
		ch <- []byte(s)
	}
	close(ch)
	return ch
}

func TestParser_PlainProse(t *testing.T) {
	segs := drainAll(t, Run(context.Background(), chunksOf("hello world", 3)))
	require.Len(t, segs, 1)
	assert.Equal(t, Prose, segs[0].Kind)
	assert.Equal(t, "hello world", segs[0].Text())
}

func TestParser_CodeFenceAppendsSemicolon(t *testing.T) {
	input := "before\n```tsx agent.run\nlet x = 1\n```\nafter"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 4)))
	require.Len(t, segs, 3)
	assert.Equal(t, Prose, segs[0].Kind)
	assert.Equal(t, "before\n", segs[0].Text())
	assert.Equal(t, Code, segs[1].Kind)
	assert.Equal(t, 1, segs[1].BlockIndex)
	assert.Equal(t, "let x = 1\n;", segs[1].Text())
	assert.Equal(t, Prose, segs[2].Kind)
	assert.Equal(t, "\nafter", segs[2].Text())
}

// A body already ending ";\n" still gets a terminator appended: the
// policy checks the literal last byte written, which here is the
// newline after the semicolon, not the semicolon itself. The resulting
// double ";" is accepted by design — see the worked example for this
// exact input shape.
func TestParser_CodeFenceAlreadyTerminatedStillGetsSemicolonAfterTrailingNewline(t *testing.T) {
	input := "```tsx agent.run\nlet x = 1;\n```"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 5)))
	require.Len(t, segs, 1)
	assert.Equal(t, "let x = 1;\n;", segs[0].Text())
}

func TestParser_CodeFenceBodyEndingInSemicolonNoNewlineNotDoubled(t *testing.T) {
	input := "```tsx agent.run\nlet x = 1;```"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 5)))
	require.Len(t, segs, 1)
	assert.Equal(t, "let x = 1;", segs[0].Text())
}

func TestParser_DataFenceCarriesTargetID(t *testing.T) {
	input := "```json agent.data => \"todo-list\"\n{\"items\":[]}\n```"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 6)))
	require.Len(t, segs, 1)
	assert.Equal(t, Data, segs[0].Kind)
	assert.Equal(t, "todo-list", segs[0].TargetID)
	assert.Equal(t, 1, segs[0].BlockIndex)
	assert.Equal(t, "{\"items\":[]}\n", segs[0].Text())
}

func TestParser_SharedBlockIndexAcrossCodeAndData(t *testing.T) {
	input := "```tsx agent.run\n1\n```\n```json agent.data => \"a\"\n{}\n```\n```tsx agent.run\n2\n```"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 7)))
	var indices []int
	for _, s := range segs {
		if s.Kind != Prose {
			indices = append(indices, s.BlockIndex)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, indices)
}

func TestParser_UnknownHeaderPassesThroughVerbatim(t *testing.T) {
	input := "see:\n```python\nprint(1)\n```\ndone"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 3)))
	require.Len(t, segs, 1)
	assert.Equal(t, Prose, segs[0].Kind)
	assert.Equal(t, input, segs[0].Text())
}

func TestParser_WhitespaceOnlyProseBetweenFencesSuppressed(t *testing.T) {
	input := "```tsx agent.run\n1\n```\n\n   \n```tsx agent.run\n2\n```"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 2)))
	for _, s := range segs {
		assert.NotEqual(t, Prose, s.Kind, "whitespace-only run between fences must be suppressed")
	}
	require.Len(t, segs, 2)
}

func TestParser_SentinelSplitAcrossChunkBoundary(t *testing.T) {
	input := "hi\n```tsx agent.run\nx=1\n```\nbye"
	for split := 1; split <= len(input); split++ {
		segs := drainAll(t, Run(context.Background(), chunksOf(input, split)))
		require.Lenf(t, segs, 3, "split size %d", split)
		assert.Equal(t, "hi\n", segs[0].Text())
		assert.Equal(t, "x=1\n;", segs[1].Text())
		assert.Equal(t, "\nbye", segs[2].Text())
	}
}

func TestParser_EmptyInputProducesNoSegments(t *testing.T) {
	segs := drainAll(t, Run(context.Background(), chunksOf("", 1)))
	assert.Empty(t, segs)
}

func TestParser_UnterminatedCodeFenceFlushesAtEOF(t *testing.T) {
	input := "```tsx agent.run\nlet x = 1"
	segs := drainAll(t, Run(context.Background(), chunksOf(input, 3)))
	require.Len(t, segs, 1)
	assert.Equal(t, Code, segs[0].Kind)
	assert.Equal(t, "let x = 1;", segs[0].Text())
}
