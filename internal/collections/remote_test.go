package collections

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lobby/internal/keys"
)

// TestRemoteMap tests direct hash access
func TestRemoteMap(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	p := join(t, mr, "p")

	m := NewRemoteMap[int](p.Coordinator, "uploads", nil)

	ok, err := m.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "a", 1))
	require.NoError(t, m.Set(ctx, keys.Symbol("b"), 2))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// same encoding as a replicated map over the key
	mirror := NewMap[int](p.Coordinator, "uploads", nil)
	loaded(t, mirror)
	got, _ := mirror.Get(keys.Symbol("b"))
	assert.Equal(t, 2, got)

	require.NoError(t, m.Delete(ctx, "a"))
	ok, err = m.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Clear(ctx))
	assert.Empty(t, hashFields(t, mr, "uploads"))

	assert.ErrorIs(t, m.Set(ctx, []byte("x"), 1), ErrInvalidKeyType)
	_, err = m.Has(ctx, map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidKeyType)
}

// TestRemoteMapCorruptValue tests that an undecodable value is reported
func TestRemoteMapCorruptValue(t *testing.T) {
	mr := newBackend(t)
	seedHash(t, mr, "uploads", `"a"`, `not json`)
	p := join(t, mr, "p")

	m := NewRemoteMap[int](p.Coordinator, "uploads", nil)
	_, _, err := m.Get(context.Background(), "a")
	var corrupt *CorruptEntryError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, `"a"`, corrupt.Field)
}

// TestRemoteSet tests direct set access
func TestRemoteSet(t *testing.T) {
	ctx := context.Background()
	mr := newBackend(t)
	p := join(t, mr, "p")

	s := NewRemoteSet(p.Coordinator, "refs")
	require.NoError(t, s.Add(ctx, "f1"))
	require.NoError(t, s.Add(ctx, "f2"))
	require.NoError(t, s.Add(ctx, "f1"))

	ok, err := s.Has(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := s.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []keys.Key{keys.String("f1"), keys.String("f2")}, members)

	require.NoError(t, s.Delete(ctx, "f1"))
	ok, err = s.Has(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx))
	members, err = s.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}
