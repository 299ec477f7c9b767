package main

import "math"

// Entity footprints, per the arena's constant table.
const (
	PlayerWidth      = 50.0
	PlayerHeight     = 50.0
	PlayerHalfWidth  = PlayerWidth / 2
	ProjectileWidth  = 20.0
	ProjectileHeight = 20.0
)

// Rect is an axis-aligned box in arena space, origin at top-left.
type Rect struct {
	X, Y, W, H float64
}

// Bounds is the left/right/top/bottom/width/height view used by collision
// and platform-landing checks.
type Bounds struct {
	Left, Right, Top, Bottom, Width, Height float64
}

// Bounds converts a Rect to its Bounds accessor form.
func (r Rect) Bounds() Bounds {
	return Bounds{
		Left:   r.X,
		Right:  r.X + r.W,
		Top:    r.Y,
		Bottom: r.Y + r.H,
		Width:  r.W,
		Height: r.H,
	}
}

// aabbOverlap reports strict half-open overlap between two rectangles.
func aabbOverlap(a, b Rect) bool {
	return a.X < b.X+b.W && a.X+a.W > b.X &&
		a.Y < b.Y+b.H && a.Y+a.H > b.Y
}

// launchVelocity returns the unit direction from spawn to target scaled by
// speed. If the two points are within 1e-8 of each other it returns (0,0)
// instead of dividing by a near-zero distance.
func launchVelocity(spawnX, spawnY, targetX, targetY, speed float64) (vx, vy float64) {
	dx := targetX - spawnX
	dy := targetY - spawnY
	dist := math.Sqrt(dx*dx + dy*dy)
	if dist < 1e-8 {
		return 0, 0
	}
	return (dx / dist) * speed, (dy / dist) * speed
}
