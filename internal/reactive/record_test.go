package reactive

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_SetBroadcastsToAllSubscribers(t *testing.T) {
	rec := New("todo-list", map[string]any{"items": []any{}})
	chA, unsubA := rec.Subscribe()
	chB, unsubB := rec.Subscribe()
	defer unsubA()
	defer unsubB()

	done := make(chan struct{})
	go func() {
		require.NoError(t, rec.Set([]string{"title"}, "groceries"))
		close(done)
	}()

	// broadcast sends to subscribers one at a time in no fixed order, so
	// take whichever subscriber is being sent to first.
	for received := 0; received < 2; received++ {
		var p Patch
		select {
		case p = <-chA:
			chA = nil
		case p = <-chB:
			chB = nil
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for patch")
		}
		assert.Equal(t, OpSet, p.Op)
		assert.Equal(t, []string{"title"}, p.Path)
		assert.Equal(t, "groceries", p.Value)
		assert.Nil(t, p.Prev)
	}
	<-done
}

func TestRecord_SnapshotReflectsLatestState(t *testing.T) {
	rec := New("r", map[string]any{})
	require.NoError(t, rec.Set([]string{"a", "b"}, 1))
	v, ok := rec.Snapshot("a", "b")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRecord_DeleteOfMissingPathIsNoop(t *testing.T) {
	rec := New("r", map[string]any{})
	ch, unsub := rec.Subscribe()
	defer unsub()

	require.NoError(t, rec.Delete([]string{"nope"}))
	select {
	case p := <-ch:
		t.Fatalf("unexpected patch for no-op delete: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecord_IdentityStableAcrossMutation(t *testing.T) {
	rec := New("r", map[string]any{"n": 1})
	before := rec
	require.NoError(t, rec.Set([]string{"n"}, 2))
	assert.Same(t, before, rec)
	assert.Equal(t, "r", rec.ID())
}

func TestRecord_NestedSetsProduceExpectedTree(t *testing.T) {
	rec := New("r", map[string]any{})
	require.NoError(t, rec.Set([]string{"user", "name"}, "ada"))
	require.NoError(t, rec.Set([]string{"user", "age"}, 30))
	require.NoError(t, rec.Set([]string{"items"}, []any{"a", "b"}))

	got, ok := rec.Snapshot()
	require.True(t, ok)

	want := map[string]any{
		"user":  map[string]any{"name": "ada", "age": 30},
		"items": []any{"a", "b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected tree (-want +got):\n%s", diff)
	}
}

func TestRecord_SetAndDeleteDescendIntoArrays(t *testing.T) {
	rec := New("r", map[string]any{
		"items": []any{
			map[string]any{"name": "a"},
			map[string]any{"name": "b"},
			map[string]any{"name": "c"},
		},
	})

	require.NoError(t, rec.Set([]string{"items", "1", "name"}, "bee"))
	v, ok := rec.Snapshot("items", "1", "name")
	require.True(t, ok)
	assert.Equal(t, "bee", v)

	require.NoError(t, rec.Delete([]string{"items", "1"}))
	got, ok := rec.Snapshot("items")
	require.True(t, ok)
	assert.Equal(t, []any{
		map[string]any{"name": "a"},
		map[string]any{"name": "c"},
	}, got)

	_, ok = rec.Snapshot("items", "5")
	assert.False(t, ok)
}

func TestRecord_SetRejectsEmptyPath(t *testing.T) {
	rec := New("r", map[string]any{"n": 1})
	err := rec.Set(nil, map[string]any{"n": 2})
	assert.Error(t, err)
	v, ok := rec.Snapshot("n")
	require.True(t, ok)
	assert.Equal(t, 1, v, "a rejected Set must not touch the root")
}

func TestRecord_ReplaceSwapsRootWithoutBroadcastingAPatch(t *testing.T) {
	rec := New("r", map[string]any{"n": 1})
	ch, unsub := rec.Subscribe()
	defer unsub()

	rec.Replace(map[string]any{"n": 2})

	got, ok := rec.Snapshot()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": 2}, got)

	select {
	case p := <-ch:
		t.Fatalf("Replace must not emit a Patch: got %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate("x", map[string]any{"v": 1})
	b := reg.GetOrCreate("x", map[string]any{"v": 999})
	assert.Same(t, a, b)
	v, _ := a.Snapshot("v")
	assert.Equal(t, 1, v)
}
