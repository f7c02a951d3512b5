// internal/humanoid/path.go
package humanoid

import "math"

// bowFactor is how far the curve's control points sit off the straight line,
// as a fraction of the distance travelled.
const bowFactor = 0.08

// easeInOutCubic accelerates over the first half and decelerates over the second.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// Path returns steps points along a gently bowed cubic Bezier from start to
// end, spaced by an ease-in-out profile. The first point is one step away from
// start; the last point is exactly end. The path is deterministic.
func Path(start, end Vector2D, steps int) []Vector2D {
	if steps < 1 {
		steps = 1
	}
	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 {
		path := make([]Vector2D, steps)
		for i := range path {
			path[i] = end
		}
		return path
	}

	dir := mainVec.Normalize()
	bow := dir.Perp().Mul(dist * bowFactor)
	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3.0)).Add(bow)
	p2 := start.Add(dir.Mul(dist * 2.0 / 3.0)).Add(bow)

	path := make([]Vector2D, steps)
	for i := 1; i <= steps; i++ {
		t := easeInOutCubic(float64(i) / float64(steps))
		omt := 1.0 - t
		path[i-1] = p0.Mul(omt * omt * omt).
			Add(p1.Mul(3 * omt * omt * t)).
			Add(p2.Mul(3 * omt * t * t)).
			Add(p3.Mul(t * t * t))
	}
	path[steps-1] = end
	return path
}
