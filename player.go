package main

import "time"

// Arena constants, shared by every match spawned on this process.
const (
	ArenaWidth  = 1920.0
	ArenaHeight = 1080.0

	Gravity      = 1500.0 // u/s^2
	MaxFallSpeed = 1500.0 // u/s
	WalkSpeed    = 750.0  // u/s
	JumpStrength = 750.0  // u/s

	PlatformWidth  = 500.0
	PlatformHeight = 30.0

	StartingX = 100.0
	StartingY = 100.0

	PlayerMaxHP     = 100
	DefaultDamage   = 10
	ProjectileSpeed = 30.0
	MaxKillAmount   = 4
)

// GameBounds is the arena's outer rectangle.
var GameBounds = Bounds{Left: 0, Right: ArenaWidth, Top: 0, Bottom: ArenaHeight}

// MouseTarget is the optional aim point attached to a playerInput payload.
type MouseTarget struct {
	X, Y float64
	ID   string
}

// InputVector is a single tick's worth of movement/aim intent. X and Y hold
// {-1,0,1}; Mouse is present only on the tick a shot was fired.
type InputVector struct {
	X, Y  int
	Mouse *MouseTarget
}

// AsVector drops the mouse target, leaving the bare movement vector stored
// on the input-debt stack — a shot is never replayed by prediction.
func (iv InputVector) AsVector() InputVector {
	return InputVector{X: iv.X, Y: iv.Y}
}

// InputPayload is one queued client input, FIFO-ordered by arrival.
type InputPayload struct {
	Tick   int
	Vector InputVector
}

// broadcastSnapshot is the subset of Player fields that delta encoding
// compares against to decide which optional fields changed.
type broadcastSnapshot struct {
	HP     int
	By     bool
	Name   string
	IsDead bool
	Kills  int
	Deaths int
	primed bool
}

// Player is one combatant in a match, connected or within its reconnect
// grace period.
type Player struct {
	ID   string
	Name string

	X, Y   float64
	VX, VY float64

	IsOnSurface   bool
	CanDoubleJump bool
	IsJumping     bool

	HP          int
	IsBystander bool
	IsDead      bool
	Kills       int
	Deaths      int

	InputQueue         []InputPayload
	LastProcessedInput InputPayload
	InputDebt          []InputVector
	LastInputTimestamp time.Time
	IsDisconnected     bool
	lastBroadcastState broadcastSnapshot

	// IsShooting and ShotMouse are set by update() when an applied input
	// carried a mouse target; the match reads and clears them after
	// emitting the resulting projectile update.
	IsShooting bool
	ShotMouse  *MouseTarget
}

// NewPlayer creates a player at the arena's respawn point.
func NewPlayer(id, name string) *Player {
	return &Player{
		ID:                 id,
		Name:               name,
		X:                  StartingX,
		Y:                  StartingY,
		HP:                 PlayerMaxHP,
		CanDoubleJump:      true,
		LastInputTimestamp: time.Now(),
	}
}

// bounds returns the player's AABB, pivoted at bottom-center.
func (p *Player) bounds() Rect {
	return Rect{
		X: p.X - PlayerHalfWidth,
		Y: p.Y - PlayerHeight,
		W: PlayerWidth,
		H: PlayerHeight,
	}
}

// queueInput appends a payload to the FIFO input queue and stamps the
// arrival time. It never drops anything at this layer — rate limiting is
// the Match's job.
func (p *Player) queueInput(payload InputPayload) {
	p.InputQueue = append(p.InputQueue, payload)
	p.LastInputTimestamp = time.Now()
}

// dequeueInput pops the oldest queued payload, if any.
func (p *Player) dequeueInput() (InputPayload, bool) {
	if len(p.InputQueue) == 0 {
		return InputPayload{}, false
	}
	head := p.InputQueue[0]
	p.InputQueue = p.InputQueue[1:]
	return head, true
}

// addInputDebt pushes a predicted vector onto the debt stack.
func (p *Player) addInputDebt(v InputVector) {
	p.InputDebt = append(p.InputDebt, v.AsVector())
}

// peekInputDebt returns the top of the debt stack without removing it.
func (p *Player) peekInputDebt() (InputVector, bool) {
	if len(p.InputDebt) == 0 {
		return InputVector{}, false
	}
	return p.InputDebt[len(p.InputDebt)-1], true
}

// popInputDebt removes and returns the top of the debt stack.
func (p *Player) popInputDebt() (InputVector, bool) {
	if len(p.InputDebt) == 0 {
		return InputVector{}, false
	}
	top := p.InputDebt[len(p.InputDebt)-1]
	p.InputDebt = p.InputDebt[:len(p.InputDebt)-1]
	return top, true
}

// clearInputDebt empties the debt stack. Divergence between a real input
// and the predicted top clears the whole stack, not just the mismatched
// entry.
func (p *Player) clearInputDebt() {
	p.InputDebt = p.InputDebt[:0]
}

// isAfk reports whether the given vector represents no movement/jump intent
// while the player is grounded.
func (p *Player) isAfk(v InputVector) bool {
	return v.X == 0 && v.Y == 0 && p.IsOnSurface
}

// update runs one fixed-step physics sub-step against the supplied platform
// set. tick and tag are accepted for the caller's reconciliation
// bookkeeping and telemetry; they have no effect on the physics itself.
func (p *Player) update(iv InputVector, dt float64, tick int, tag string, platforms []Platform) {
	_ = tick
	_ = tag

	if iv.X != 0 {
		p.VX = float64(iv.X) * WalkSpeed
	} else {
		p.VX = 0
	}

	if iv.Y < 0 {
		if p.IsOnSurface {
			p.VY = float64(iv.Y) * JumpStrength
			p.CanDoubleJump = true
			p.IsOnSurface = false
			p.IsJumping = true
		} else if p.CanDoubleJump {
			p.VY = float64(iv.Y) * JumpStrength
			p.CanDoubleJump = false
		}
	}

	p.VY = minFloat(p.VY+Gravity*dt, MaxFallSpeed)

	p.X += p.VX * dt
	p.Y += p.VY * dt

	p.X = Clamp(p.X, GameBounds.Left+PlayerHalfWidth, GameBounds.Right-PlayerHalfWidth)
	p.Y = Clamp(p.Y, GameBounds.Top, GameBounds.Bottom)

	if p.Y == GameBounds.Bottom {
		p.IsOnSurface = true
		p.VY = 0
		p.IsJumping = false
		p.CanDoubleJump = true
	}

	p.checkPlatformCollision(platforms)

	if iv.Mouse != nil && !p.IsBystander {
		p.IsShooting = true
		p.ShotMouse = iv.Mouse
	}
}

// checkPlatformCollision lands the player on the first platform (in
// insertion order) whose top the player has just reached or tunneled
// through while falling.
func (p *Player) checkPlatformCollision(platforms []Platform) {
	if p.VY <= 0 {
		return
	}
	pb := p.bounds().Bounds()
	for _, plat := range platforms {
		f := plat.Bounds()
		horizontalOverlap := pb.Right > f.Left && pb.Left < f.Right
		if !horizontalOverlap {
			continue
		}
		landed := pb.Bottom == f.Top
		tunneled := pb.Bottom > f.Top && pb.Bottom < f.Bottom
		if landed || tunneled {
			p.Y = f.Top
			p.VY = 0
			p.CanDoubleJump = true
			p.IsJumping = false
			p.IsOnSurface = true
			return
		}
	}
}

// damage reduces HP by n, floored at 0.
func (p *Player) damage(n int) {
	p.HP -= n
	if p.HP < 0 {
		p.HP = 0
	}
}

// heal increases HP by n, capped at PlayerMaxHP.
func (p *Player) heal(n int) {
	p.HP += n
	if p.HP > PlayerMaxHP {
		p.HP = PlayerMaxHP
	}
}

// respawn resets position, velocity, HP, and death state.
func (p *Player) respawn(x, y float64) {
	p.X = x
	p.Y = y
	p.VX = 0
	p.VY = 0
	p.HP = PlayerMaxHP
	p.IsDead = false
	p.IsOnSurface = false
	p.IsJumping = false
	p.CanDoubleJump = true
}

// addKill increments the killer's score.
func (p *Player) addKill() {
	p.Kills++
}

// addDeath marks the player dead, increments their death count, and clears
// both the input queue and the input-debt stack: a dead player carries no
// pending input state.
func (p *Player) addDeath() {
	p.Deaths++
	p.IsDead = true
	p.InputQueue = nil
	p.clearInputDebt()
}

// PlayerFullState is the wire shape of a full-state broadcast entry.
type PlayerFullState struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	Tick   int     `json:"tick"`
	HP     int     `json:"hp"`
	By     bool    `json:"by,omitempty"`
	IsDead bool    `json:"isDead,omitempty"`
	Kills  int     `json:"kills"`
	Deaths int     `json:"deaths"`
}

// PlayerDelta is the wire shape of a delta broadcast entry: always-present
// motion fields plus whichever optional fields changed since the last
// broadcast.
type PlayerDelta struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	VX     float64 `json:"vx"`
	VY     float64 `json:"vy"`
	Tick   int     `json:"tick"`
	HP     *int    `json:"hp,omitempty"`
	By     *bool   `json:"by,omitempty"`
	Name   *string `json:"name,omitempty"`
	IsDead *bool   `json:"isDead,omitempty"`
	Kills  *int    `json:"kills,omitempty"`
	Deaths *int    `json:"deaths,omitempty"`
}

// getFullBroadcastState returns every field of the player for a full-state
// broadcast (first join, rejoin, or match reset) and primes the delta
// comparison snapshot.
func (p *Player) getFullBroadcastState(tick int) PlayerFullState {
	p.primeBroadcastSnapshot()
	return PlayerFullState{
		ID: p.ID, Name: p.Name, X: round1(p.X), Y: round1(p.Y),
		VX: round1(p.VX), VY: round1(p.VY), Tick: tick,
		HP: p.HP, By: p.IsBystander, IsDead: p.IsDead,
		Kills: p.Kills, Deaths: p.Deaths,
	}
}

// getLatestStateDelta returns the always-present motion fields plus any of
// {hp, by, name, isDead, kills, deaths} that changed since the last
// broadcast, then updates the comparison snapshot.
func (p *Player) getLatestStateDelta(tick int) PlayerDelta {
	prev := p.lastBroadcastState
	d := PlayerDelta{ID: p.ID, X: round1(p.X), Y: round1(p.Y), VX: round1(p.VX), VY: round1(p.VY), Tick: tick}

	if !prev.primed || prev.HP != p.HP {
		hp := p.HP
		d.HP = &hp
	}
	if !prev.primed || prev.By != p.IsBystander {
		by := p.IsBystander
		d.By = &by
	}
	if !prev.primed || prev.Name != p.Name {
		name := p.Name
		d.Name = &name
	}
	if !prev.primed || prev.IsDead != p.IsDead {
		dead := p.IsDead
		d.IsDead = &dead
	}
	if !prev.primed || prev.Kills != p.Kills {
		kills := p.Kills
		d.Kills = &kills
	}
	if !prev.primed || prev.Deaths != p.Deaths {
		deaths := p.Deaths
		d.Deaths = &deaths
	}

	p.primeBroadcastSnapshot()
	return d
}

func (p *Player) primeBroadcastSnapshot() {
	p.lastBroadcastState = broadcastSnapshot{
		HP: p.HP, By: p.IsBystander, Name: p.Name,
		IsDead: p.IsDead, Kills: p.Kills, Deaths: p.Deaths, primed: true,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
