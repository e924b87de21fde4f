package interp

import "testing"

func terminatorOffsets(src string) []int {
	var l lexState
	var offsets []int
	for i := 0; i < len(src); i++ {
		if l.feed(src[i]) {
			offsets = append(offsets, i)
		}
	}
	return offsets
}

func TestLexState_SemicolonInsideStringIgnored(t *testing.T) {
	got := terminatorOffsets(`x := "a;b";`)
	want := []int{len(`x := "a;b";`) - 1}
	assertIntSlice(t, want, got)
}

func TestLexState_SemicolonInsideLineCommentIgnored(t *testing.T) {
	src := "x := 1; // keep;going\n"
	got := terminatorOffsets(src)
	assertIntSlice(t, []int{6}, got)
}

func TestLexState_SemicolonInsideBlockCommentIgnored(t *testing.T) {
	src := "x := 1 /* a;b;c */;"
	got := terminatorOffsets(src)
	assertIntSlice(t, []int{len(src) - 1}, got)
}

func TestLexState_SemicolonInsideRawStringIgnored(t *testing.T) {
	src := "x := `a;b`;"
	got := terminatorOffsets(src)
	assertIntSlice(t, []int{len(src) - 1}, got)
}

func TestLexState_SemicolonInsideRuneLiteralIgnored(t *testing.T) {
	src := "x := ';';"
	got := terminatorOffsets(src)
	assertIntSlice(t, []int{len(src) - 1}, got)
}

func TestLexState_DivisionNotMistakenForComment(t *testing.T) {
	src := "x := 10 / 2;"
	got := terminatorOffsets(src)
	assertIntSlice(t, []int{len(src) - 1}, got)
}

func assertIntSlice(t *testing.T, want, got []int) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("want %v, got %v", want, got)
		}
	}
}
