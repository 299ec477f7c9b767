package main

// Platform is an immutable rectangular surface players can stand on.
type Platform struct {
	x, y, width, height float64
}

// NewPlatform constructs a platform at the given top-left corner with the
// arena's standard dimensions.
func NewPlatform(x, y float64) Platform {
	return Platform{x: x, y: y, width: PlatformWidth, height: PlatformHeight}
}

// Bounds returns the left/right/top/bottom/width/height view of the platform.
func (p Platform) Bounds() Bounds {
	return Rect{X: p.x, Y: p.y, W: p.width, H: p.height}.Bounds()
}

// defaultPlatforms returns the arena's fixed initial platform set.
func defaultPlatforms(width, height float64) []Platform {
	return []Platform{
		NewPlatform(115, height-250),
		NewPlatform(width-610, height-250),
		NewPlatform(115, height-500),
		NewPlatform(width-610, height-500),
	}
}
