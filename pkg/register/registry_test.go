package register

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetRoundtrip(t *testing.T) {
	g := New()
	p := Parameterize[int64](g, "uavcan.node.id", 42)

	vf, ok := g.Get("uavcan.node.id")
	require.True(t, ok)
	n, _ := vf.Value.AsInteger()
	assert.Equal(t, int64(42), n)
	assert.True(t, vf.Flags.Mutable)

	require.NoError(t, g.Set("uavcan.node.id", Integer(99)))
	assert.Equal(t, int64(99), p.Value())
}

func TestSetErrors(t *testing.T) {
	g := New()
	g.Route("ro", func() Value { return String("fixed") })
	Parameterize[int64](g, "num", 1)

	assert.ErrorIs(t, g.Set("missing", Integer(1)), SetErrorExistence)
	assert.ErrorIs(t, g.Set("ro", String("x")), SetErrorMutability)
	assert.ErrorIs(t, g.Set("num", Bit(true)), SetErrorCoercion)
}

func TestNumericCoercion(t *testing.T) {
	g := New()
	p := Parameterize[float64](g, "gain", 1.5)

	require.NoError(t, g.Set("gain", Integer(3)))
	assert.Equal(t, 3.0, p.Value())
}

func TestIndexOrderedAndComplete(t *testing.T) {
	g := New()
	names := []string{"zulu", "alpha", "mike", "echo"}
	for _, n := range names {
		name := n
		g.Route(name, func() Value { return String(name) })
	}

	require.Equal(t, len(names), g.Size())
	seen := make(map[string]bool)
	var prevKey uint64
	for i := 0; i < g.Size(); i++ {
		name := g.Index(i)
		require.NotEmpty(t, name)
		assert.False(t, seen[name], "index must be unique")
		seen[name] = true
		_, ok := g.Get(name)
		assert.True(t, ok, "get(index(i)) is never none")

		key := NewRegister(name, nil, nil, Options{}).Key()
		if i > 0 {
			assert.Greater(t, key, prevKey, "iteration is in key order")
		}
		prevKey = key
	}
	assert.Empty(t, g.Index(g.Size()), "out of range yields empty name")
	assert.Empty(t, g.Index(-1))
}

func TestAppendCollision(t *testing.T) {
	g := New()
	first := NewRegister("dup", func() Value { return Integer(1) }, nil, Options{})
	second := NewRegister("dup", func() Value { return Integer(2) }, nil, Options{})

	assert.True(t, g.Append(first))
	assert.False(t, g.Append(second), "colliding key must be rejected")
	assert.False(t, second.IsLinked())
	assert.Equal(t, 1, g.Size())

	vf, _ := g.Get("dup")
	n, _ := vf.Value.AsInteger()
	assert.Equal(t, int64(1), n, "the first register stays linked")
}

func TestUnlinkRemovesFromTree(t *testing.T) {
	g := New()
	p := Parameterize[string](g, "temp", "x")
	require.Equal(t, 1, g.Size())

	p.Register().Unlink()
	assert.Zero(t, g.Size())
	_, ok := g.Get("temp")
	assert.False(t, ok)
}

func TestSetIdempotentForMutable(t *testing.T) {
	g := New()
	Parameterize[int64](g, "v", 7)

	vf, _ := g.Get("v")
	require.NoError(t, g.Set("v", vf.Value))
	again, _ := g.Get("v")
	assert.True(t, Equal(vf.Value, again.Value))
}

func TestSnapshotRestore(t *testing.T) {
	g := New()
	p1 := Parameterize[int64](g, "persist.num", 10, Options{Persistent: true})
	Parameterize[string](g, "volatile.str", "keep")
	g.Route("persist.ro", func() Value { return Integer(5) }, Options{Persistent: true})

	require.NoError(t, g.Set("persist.num", Integer(77)))
	snap, err := g.Snapshot()
	require.NoError(t, err)

	// Fresh registry with the same layout picks the value back up; the
	// read-only and volatile registers are untouched by the snapshot.
	g2 := New()
	p2 := Parameterize[int64](g2, "persist.num", 10, Options{Persistent: true})
	require.NoError(t, g2.Restore(snap))
	assert.Equal(t, int64(77), p2.Value())
	_ = p1
}

func TestExposeMirrorsVariable(t *testing.T) {
	g := New()
	speed := int64(100)
	Expose(g, "motor.speed", &speed)

	require.NoError(t, g.Set("motor.speed", Integer(250)))
	assert.Equal(t, int64(250), speed)

	speed = 300
	vf, _ := g.Get("motor.speed")
	n, _ := vf.Value.AsInteger()
	assert.Equal(t, int64(300), n)
}

func TestSemanticsRejection(t *testing.T) {
	g := New()
	held := int64(1)
	g.RouteMutable("bounded",
		func() Value { return Integer(held) },
		func(v Value) error {
			n, _ := v.AsInteger()
			if n < 0 {
				return SetErrorSemantics
			}
			held = n
			return nil
		})

	assert.ErrorIs(t, g.Set("bounded", Integer(-5)), SetErrorSemantics)
	require.NoError(t, g.Set("bounded", Integer(5)))
	assert.Equal(t, int64(5), held)
}
