// internal/humanoid/path_test.go
package humanoid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEaseInOutCubic(t *testing.T) {
	assert.InDelta(t, 0.0, easeInOutCubic(0), 1e-9)
	assert.InDelta(t, 0.5, easeInOutCubic(0.5), 1e-9)
	assert.InDelta(t, 1.0, easeInOutCubic(1), 1e-9)
	assert.Less(t, easeInOutCubic(0.1), 0.1, "starts slow")
	assert.Greater(t, easeInOutCubic(0.9), 0.9, "ends slow")
}

func TestPath(t *testing.T) {
	start := Vector2D{X: 10, Y: 10}
	end := Vector2D{X: 300, Y: 399}

	path := Path(start, end, 10)

	require.Len(t, path, 10)
	assert.Equal(t, end, path[9], "the path ends exactly on the target")

	prev := 0.0
	for i, p := range path {
		progress := p.Sub(start).Mag()
		assert.GreaterOrEqual(t, progress, prev, "point %d moves away from the start", i)
		prev = progress
	}

	// The curve bows off the straight line but stays close to it.
	mid := path[4]
	straight := start.Add(end.Sub(start).Mul(0.5))
	offset := mid.Dist(straight)
	assert.Greater(t, offset, 0.0)
	assert.Less(t, offset, start.Dist(end)*0.2)

	assert.Equal(t, path, Path(start, end, 10), "paths are deterministic")
}

func TestPath_Degenerate(t *testing.T) {
	p := Vector2D{X: 5, Y: 5}
	assert.Equal(t, []Vector2D{p, p, p}, Path(p, p, 3))
	assert.Equal(t, []Vector2D{{X: 20, Y: 0}}, Path(Vector2D{}, Vector2D{X: 20}, 0))
}

func TestVector2D(t *testing.T) {
	v := Vector2D{X: 3, Y: 4}
	assert.Equal(t, 5.0, v.Mag())
	assert.Equal(t, Vector2D{X: -4, Y: 3}, v.Perp())
	assert.InDelta(t, 1.0, v.Normalize().Mag(), 1e-9)
	assert.Equal(t, Vector2D{}, Vector2D{}.Normalize())
	assert.Equal(t, 5.0, Vector2D{}.Dist(v))
}
