package main

// PendingProjectile is the server's record of a fired shot. The server
// never simulates projectile motion — it publishes the launch state once
// and relies on the client to simulate travel and report hits.
type PendingProjectile struct {
	ID      string
	OwnerID string
	X, Y    float64
	VX, VY  float64
	Dud     bool
}

// newPendingProjectile computes the launch state for a shot fired from a
// player's weapon point toward a mouse target.
func newPendingProjectile(id string, owner *Player, target MouseTarget) *PendingProjectile {
	spawnX, spawnY := owner.X, owner.Y-50
	vx, vy := launchVelocity(spawnX, spawnY, target.X, target.Y, ProjectileSpeed)
	return &PendingProjectile{
		ID:      id,
		OwnerID: owner.ID,
		X:       spawnX,
		Y:       spawnY,
		VX:      vx,
		VY:      vy,
	}
}

// toUpdate renders the pending projectile into its wire shape. A dud entry
// carries only id and the dud flag so clients despawn it without a
// redundant position update.
func (pp *PendingProjectile) toUpdate() ProjectileUpdate {
	if pp.Dud {
		dud := true
		return ProjectileUpdate{ID: pp.ID, Dud: &dud}
	}
	x, y, vx, vy, owner := round1(pp.X), round1(pp.Y), round1(pp.VX), round1(pp.VY), pp.OwnerID
	return ProjectileUpdate{ID: pp.ID, X: &x, Y: &y, VX: &vx, VY: &vy, OwnerID: &owner}
}
