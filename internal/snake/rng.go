package snake

import "math"

// Rand returns a deterministic value in [0,1) derived from n. It is the
// server half of the generator the client uses for food placement and must
// stay bit-identical to the client's implementation: both sides compute
// fract(sin(n) * 10000) in IEEE-754 double precision.
//
// The stream is statistically weak and predictable from the seed. That is
// acceptable here because the seed is server-issued per session; replacing
// the generator requires a lockstep client deployment.
func Rand(n float64) float64 {
	v := math.Sin(n) * 10000.0
	return v - math.Floor(v)
}

// PlaceFood returns the food cell for the given seed and food count,
// mirroring the client's placement loop. Candidate cells colliding with the
// snake advance k and retry; after grid*grid attempts the last candidate is
// used regardless, exactly as the client does.
func PlaceFood(cfg Config, seed uint32, foodEaten int, body []Point) Point {
	base := float64(seed) + float64(foodEaten)
	grid := float64(cfg.Grid)

	var p Point
	for k := 0; k < cfg.Grid*cfg.Grid; k++ {
		p = Point{
			X: int(Rand(base+float64(k)) * grid),
			Y: int(Rand(base+float64(k+1)) * grid),
		}
		if !contains(body, p) {
			return p
		}
	}
	return p
}

func contains(body []Point, p Point) bool {
	for _, c := range body {
		if c == p {
			return true
		}
	}
	return false
}
