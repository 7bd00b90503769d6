package specregistry

import (
	"testing"

	"github.com/hector-engine/core/coreerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name     string
		spec     AgentSpec
		wantKind coreerrors.Kind
	}{
		{
			name:     "empty name rejected",
			spec:     AgentSpec{Name: ""},
			wantKind: coreerrors.KindInvalidSpec,
		},
		{
			name:     "temperature above bound rejected",
			spec:     AgentSpec{Name: "a", Temperature: 2.1},
			wantKind: coreerrors.KindInvalidSpec,
		},
		{
			name:     "temperature below bound rejected",
			spec:     AgentSpec{Name: "a", Temperature: -0.1},
			wantKind: coreerrors.KindInvalidSpec,
		},
		{
			name: "temperature exactly 0 accepted",
			spec: AgentSpec{Name: "a", Temperature: 0},
		},
		{
			name: "temperature exactly 2 accepted",
			spec: AgentSpec{Name: "a", Temperature: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewSpecRegistry(DefaultOptions())
			err := r.Register(tt.spec, false)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, coreerrors.KindOf(err))
		})
	}
}

func TestSpecRegistry_DuplicateName(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	require.NoError(t, r.Register(AgentSpec{Name: "a"}, false))

	err := r.Register(AgentSpec{Name: "a"}, false)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindDuplicateName, coreerrors.KindOf(err))

	// replace=true succeeds
	require.NoError(t, r.Register(AgentSpec{Name: "a", Model: "v2"}, true))
	eff, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "v2", eff.Model)
}

func TestSpecRegistry_ResolveInheritanceMerge(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	require.NoError(t, r.Register(AgentSpec{
		Name: "base", Tools: []string{"A", "B"}, Skills: []string{"X"}, Temperature: 0.3,
	}, false))
	require.NoError(t, r.Register(AgentSpec{
		Name: "child", Parent: "base", Tools: []string{"C"}, Skills: []string{"Y"},
	}, false))

	eff, err := r.Resolve("child")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, eff.Tools)
	assert.Equal(t, []string{"X", "Y"}, eff.Skills)
	assert.Equal(t, 0.3, eff.Temperature)
}

func TestSpecRegistry_ResolveCycleDetection(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	require.NoError(t, r.Register(AgentSpec{Name: "a", Parent: "b"}, false))
	require.NoError(t, r.Register(AgentSpec{Name: "b", Parent: "a"}, false))

	_, err := r.Resolve("a")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindCycle, coreerrors.KindOf(err))
}

func TestSpecRegistry_ResolveNotFound(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	_, err := r.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindNotFound, coreerrors.KindOf(err))
}

func TestSpecRegistry_ResolveCachedByVersion(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	require.NoError(t, r.Register(AgentSpec{Name: "a", Model: "v1"}, false))

	first, err := r.Resolve("a")
	require.NoError(t, err)

	second, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	require.NoError(t, r.Register(AgentSpec{Name: "a", Model: "v2"}, true))
	third, err := r.Resolve("a")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, third.Version)
	assert.Equal(t, "v2", third.Model)
}

func TestSpecRegistry_UnregisterInUse(t *testing.T) {
	r := NewSpecRegistry(DefaultOptions())
	require.NoError(t, r.Register(AgentSpec{Name: "a"}, false))
	r.Acquire("a")

	err := r.Unregister("a", false)
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindInUse, coreerrors.KindOf(err))

	r.Release("a")
	require.NoError(t, r.Unregister("a", false))
}

func TestSpecRegistry_InheritanceDepthCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxInheritanceDepth = 2
	r := NewSpecRegistry(opts)

	require.NoError(t, r.Register(AgentSpec{Name: "root"}, false))
	require.NoError(t, r.Register(AgentSpec{Name: "mid", Parent: "root"}, false))
	require.NoError(t, r.Register(AgentSpec{Name: "leaf", Parent: "mid"}, false))

	_, err := r.Resolve("leaf")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindInvalidSpec, coreerrors.KindOf(err))
}
