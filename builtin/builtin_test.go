package builtin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", TimeNowNS)
	r.Register("a", TimeNowNS)

	assert.Equal(t, []string{"a", "b"}, r.List())

	_, ok := r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryMergeOverrides(t *testing.T) {
	custom := NewRegistry()
	custom.Register("sprintf", func(ctx context.Context, args []any) (any, error) {
		return "custom", nil
	})

	merged := NewRegistry().Merge(Defaults()).Merge(custom)
	fn, ok := merged.Get("sprintf")
	require.True(t, ok)

	out, err := fn(context.Background(), []any{"%s", []any{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "custom", out)

	_, ok = merged.Get("yaml.marshal")
	assert.True(t, ok)
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	_, ok := r.Get("x")
	assert.False(t, ok)
	assert.Nil(t, r.All())
	assert.Empty(t, NewRegistry().Merge(r).List())
}
