package main

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MatchPhase is the win/reset lifecycle state of a match.
type MatchPhase int

const (
	PhaseActive MatchPhase = iota
	PhaseAwaitingReset
)

// Broadcaster is anything a Match can push JSON or binary frames to. It is
// satisfied by *Client; the indirection keeps Match testable without a real
// socket.
type Broadcaster interface {
	SendJSON(msg interface{})
	SendBinary(data []byte)
}

type disconnectEntry struct {
	disconnectTime time.Time
}

type inputRateCounter struct {
	count       int
	windowStart time.Time
}

// Match is one fixed-tick simulation room: up to MaxPlayers players on a
// bounded arena. A Match is driven externally by the Matchmaker's global
// loop; it never runs its own ticker for the physics step, only for the
// slower disconnect-cleanup sweep.
type Match struct {
	mu sync.Mutex

	ID        string
	Region    string
	CreatedAt time.Time

	maxPlayers int
	platforms  []Platform

	players map[string]*Player
	clients map[string]Broadcaster

	serverTick     int
	accumulator    float64 // ms
	lastUpdateTime time.Time

	phase        MatchPhase
	shouldRemove bool

	respawnQueue              map[string]*time.Timer
	projectileUpdates         map[string]*PendingProjectile
	disconnectedPlayerCleanup map[string]disconnectEntry
	inputRates                map[string]*inputRateCounter
	afkTimers                 map[string]*time.Timer
	matchResetTimer           *time.Timer

	pendingFullStateBroadcast bool

	metrics *MetricsAggregator
	mm      *Matchmaker

	stopCleanup chan struct{}
}

// NewMatch creates a match ready to accept players. The caller is
// responsible for registering it with a Matchmaker.
func NewMatch(id, region string, maxPlayers int, metrics *MetricsAggregator, mm *Matchmaker) *Match {
	m := &Match{
		ID:                        id,
		Region:                    region,
		CreatedAt:                 time.Now(),
		maxPlayers:                maxPlayers,
		platforms:                 defaultPlatforms(ArenaWidth, ArenaHeight),
		players:                   make(map[string]*Player),
		clients:                   make(map[string]Broadcaster),
		lastUpdateTime:            time.Now(),
		respawnQueue:              make(map[string]*time.Timer),
		projectileUpdates:         make(map[string]*PendingProjectile),
		disconnectedPlayerCleanup: make(map[string]disconnectEntry),
		inputRates:                make(map[string]*inputRateCounter),
		afkTimers:                 make(map[string]*time.Timer),
		metrics:                   metrics,
		mm:                        mm,
		stopCleanup:               make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Size returns the current player count.
func (m *Match) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.players)
}

// ShouldRemove reports whether the driver should reap this match.
func (m *Match) ShouldRemove() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldRemove
}

// addPlayer inserts a new player, binds their broadcaster, and schedules a
// full-state broadcast on the next cycle. Derives a playerMatchId stable
// across reconnects.
func (m *Match) addPlayer(client Broadcaster, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := GenerateID(4) + "-" + lastN(m.ID, 3)
	if _, exists := m.players[id]; exists {
		// Derived id collided with one already in this match; per spec this
		// is treated as "already present" rather than retried.
		m.clients[id] = client
		if m.metrics != nil {
			m.metrics.RecordConnect()
		}
		return id
	}
	m.players[id] = NewPlayer(id, name)
	m.clients[id] = client
	m.pendingFullStateBroadcast = true
	if m.metrics != nil {
		m.metrics.RecordConnect()
	}
	return id
}

// rejoinPlayer rebinds an existing player's broadcaster after a reconnect.
func (m *Match) rejoinPlayer(client Broadcaster, playerMatchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerMatchID]
	if !ok {
		return false
	}
	p.IsDisconnected = false
	delete(m.disconnectedPlayerCleanup, playerMatchID)
	m.clients[playerMatchID] = client
	m.pendingFullStateBroadcast = true
	if m.metrics != nil {
		m.metrics.RecordReconnect()
	}
	return true
}

// disconnectPlayer marks a player disconnected without removing them from
// the world; the cleanup sweep removes them after the grace period.
func (m *Match) disconnectPlayer(playerMatchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectPlayerLocked(playerMatchID)
}

func (m *Match) disconnectPlayerLocked(playerMatchID string) {
	p, ok := m.players[playerMatchID]
	if !ok || p.IsDisconnected {
		return
	}
	p.IsDisconnected = true
	m.disconnectedPlayerCleanup[playerMatchID] = disconnectEntry{disconnectTime: time.Now()}
	delete(m.clients, playerMatchID)
	if m.mm != nil {
		m.mm.markDisconnected(playerMatchID, m.ID)
	}
	if m.metrics != nil {
		m.metrics.RecordDisconnect(true)
	}
}

// handlePlayerInput validates the rate limit and queues an input payload.
// Returns false if the player is unknown or the rate limit was exceeded.
func (m *Match) handlePlayerInput(playerID string, payload PlayerInputPayload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[playerID]
	if !ok {
		return false
	}
	if !m.allowInput(playerID) {
		log.Printf("match %s: rate limit exceeded for %s", m.ID, playerID)
		return false
	}
	p.queueInput(InputPayload{Tick: payload.Tick, Vector: payload.toInputVector()})
	if t, ok := m.afkTimers[playerID]; ok {
		t.Stop()
		delete(m.afkTimers, playerID)
	}
	return true
}

func (m *Match) allowInput(playerID string) bool {
	now := time.Now()
	rc, ok := m.inputRates[playerID]
	if !ok || now.Sub(rc.windowStart) >= inputRateWindow {
		m.inputRates[playerID] = &inputRateCounter{count: 1, windowStart: now}
		return true
	}
	if rc.count >= inputRateMax {
		return false
	}
	rc.count++
	return true
}

// handleToggleBystander flips a player's bystander flag.
func (m *Match) handleToggleBystander(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[playerID]; ok {
		p.IsBystander = !p.IsBystander
	}
}

// handleProjectileHit validates and applies a client-reported hit.
func (m *Match) handleProjectileHit(shooterID string, payload ProjectileHitPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.players[shooterID]; !ok {
		return
	}
	victim, ok := m.players[payload.EnemyID]
	if !ok || victim.IsBystander {
		return
	}

	victim.damage(projectileHitDamage)
	if pp, ok := m.projectileUpdates[payload.ProjectileID]; ok {
		pp.Dud = true
	}
	if victim.HP <= 0 {
		m.killPlayerLocked(shooterID, payload.EnemyID)
	}
}

func (m *Match) killPlayerLocked(killerID, victimID string) {
	victim, ok := m.players[victimID]
	if !ok {
		return
	}
	victim.addDeath()
	if killer, ok := m.players[killerID]; ok {
		killer.addKill()
	}
	m.scheduleRespawnLocked(victimID)
	m.checkWinConditionLocked()
}

func (m *Match) scheduleRespawnLocked(playerID string) {
	if t, ok := m.respawnQueue[playerID]; ok {
		t.Stop()
	}
	id := playerID
	m.respawnQueue[id] = time.AfterFunc(respawnDelay, func() { m.handleRespawnTimer(id) })
}

func (m *Match) handleRespawnTimer(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.respawnQueue[playerID]; !ok {
		return
	}
	delete(m.respawnQueue, playerID)
	if p, ok := m.players[playerID]; ok {
		p.respawn(StartingX, StartingY)
	}
}

// checkWinConditionLocked transitions ACTIVE -> AWAITING_RESET once any
// player's kill count reaches MaxKillAmount.
func (m *Match) checkWinConditionLocked() {
	if m.phase != PhaseActive {
		return
	}
	ids := make([]string, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.players[ids[i]].Kills > m.players[ids[j]].Kills })
	if len(ids) == 0 || m.players[ids[0]].Kills < MaxKillAmount {
		return
	}

	m.phase = PhaseAwaitingReset

	entries := make([]GameOverEntry, 0, len(ids))
	for _, id := range ids {
		p := m.players[id]
		entries = append(entries, GameOverEntry{PlayerID: id, Kills: p.Kills, Deaths: p.Deaths, Name: p.Name})
	}
	m.broadcastMsgLocked(Envelope{T: MsgGameOver, Data: entries})

	for id, t := range m.respawnQueue {
		t.Stop()
		delete(m.respawnQueue, id)
		if p, ok := m.players[id]; ok {
			p.IsDead = false
			p.HP = PlayerMaxHP
		}
	}

	if m.matchResetTimer == nil {
		m.matchResetTimer = time.AfterFunc(matchResetDelay, m.resetMatch)
	}
}

// resetMatch clears scores and projectile updates and returns the match to
// ACTIVE, keeping positions and bystander flags.
func (m *Match) resetMatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.matchResetTimer = nil
	m.projectileUpdates = make(map[string]*PendingProjectile)
	for _, p := range m.players {
		p.HP = PlayerMaxHP
		p.Kills = 0
		p.Deaths = 0
		p.IsDead = false
	}
	m.pendingFullStateBroadcast = true
	m.phase = PhaseActive
	m.broadcastMsgLocked(Envelope{T: MsgMatchReset})
	if m.metrics != nil {
		m.metrics.RecordNewRound()
	}
}

// spawnProjectile records a launch-state projectile update for the shot the
// applied input carried, then clears the shooting flag.
func (m *Match) spawnProjectile(p *Player) {
	if p.ShotMouse == nil {
		return
	}
	pp := newPendingProjectile(p.ShotMouse.ID, p, *p.ShotMouse)
	m.projectileUpdates[pp.ID] = pp
	p.IsShooting = false
	p.ShotMouse = nil
}

// update runs the fixed-step accumulator loop, per spec §4.4.2.
func (m *Match) update() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	frame := float64(now.Sub(m.lastUpdateTime).Milliseconds())
	if frame > maxFrameMs {
		frame = maxFrameMs
	}
	m.lastUpdateTime = now
	m.accumulator += frame

	for m.accumulator >= FixedStepMs {
		m.integratePlayerInputs(FixedStepS)
		m.processAfkPlayersLocked()
		m.accumulator -= FixedStepMs
		m.serverTick++
	}
}

// integratePlayerInputs runs the input-debt reconciliation protocol for
// every living player, one applied input per fixed step, per §4.4.3.
func (m *Match) integratePlayerInputs(dt float64) {
	for _, p := range m.players {
		if p.IsDead {
			continue
		}

		payload, hasPayload := p.dequeueInput()
		if !hasPayload {
			predicted := p.LastProcessedInput.Vector
			predicted.Y = 0
			predicted.Mouse = nil
			if !p.isAfk(predicted) {
				p.addInputDebt(predicted)
			}
			newTick := p.LastProcessedInput.Tick + 1
			p.update(predicted, dt, newTick, "A", m.platforms)
			p.LastProcessedInput = InputPayload{Tick: newTick, Vector: predicted}
		} else {
			top, hasTop := p.peekInputDebt()
			switch {
			case !hasTop:
				p.update(payload.Vector, dt, payload.Tick, "B", m.platforms)
				p.LastProcessedInput = payload
			case top.X == payload.Vector.X && top.Y == payload.Vector.Y && payload.Vector.Mouse == nil:
				p.popInputDebt()
			default:
				p.clearInputDebt()
				p.update(payload.Vector, dt, payload.Tick, "C", m.platforms)
				p.LastProcessedInput = payload
			}
		}

		if p.IsShooting {
			m.spawnProjectile(p)
		}
	}
}

// processAfkPlayersLocked warns and, after a further grace period, forcibly
// disconnects players who have sent no input for afkWarningAfter.
func (m *Match) processAfkPlayersLocked() {
	now := time.Now()
	for id, p := range m.players {
		if p.IsDisconnected {
			continue
		}
		if now.Sub(p.LastInputTimestamp) <= afkWarningAfter {
			continue
		}
		if _, warned := m.afkTimers[id]; warned {
			continue
		}
		if c, ok := m.clients[id]; ok {
			c.SendJSON(Envelope{T: MsgAfkWarning, Data: MessagePayload{Message: "you will be removed for inactivity"}})
		}
		pid := id
		m.afkTimers[pid] = time.AfterFunc(afkRemoveAfter, func() { m.handleAfkRemoval(pid) })
	}
}

func (m *Match) handleAfkRemoval(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.afkTimers[playerID]; !ok {
		return
	}
	delete(m.afkTimers, playerID)
	if c, ok := m.clients[playerID]; ok {
		c.SendJSON(Envelope{T: MsgAfkRemoved, Data: MessagePayload{Message: "removed for inactivity"}})
	}
	m.disconnectPlayerLocked(playerID)
}

// broadcastGameState builds and sends the per-cycle stateUpdate frame,
// draining the pending projectile updates. Returns the serialized byte
// count for metrics.
func (m *Match) broadcastGameState() int {
	m.mu.Lock()
	tick := m.serverTick
	full := m.pendingFullStateBroadcast
	m.pendingFullStateBroadcast = false

	players := make([]interface{}, 0, len(m.players))
	for _, p := range m.players {
		if full {
			players = append(players, p.getFullBroadcastState(tick))
		} else {
			players = append(players, p.getLatestStateDelta(tick))
		}
	}

	projectiles := make([]ProjectileUpdate, 0, len(m.projectileUpdates))
	for id, pp := range m.projectileUpdates {
		projectiles = append(projectiles, pp.toUpdate())
		delete(m.projectileUpdates, id)
	}

	clients := make([]Broadcaster, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	payload := StateUpdatePayload{
		STick:       tick,
		STime:       time.Now().UnixMilli(),
		Players:     players,
		Projectiles: projectiles,
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		log.Printf("match %s: state marshal error: %v", m.ID, err)
		if m.metrics != nil {
			m.metrics.RecordError()
		}
		return 0
	}
	for _, c := range clients {
		c.SendBinary(data)
	}
	if m.metrics != nil {
		m.metrics.RecordBroadcast(len(data))
	}
	return len(data)
}

// informShowIsLive notifies every connected client in the match.
func (m *Match) informShowIsLive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastMsgLocked(Envelope{T: MsgShowIsLive})
}

func (m *Match) broadcastMsgLocked(env Envelope) {
	for _, c := range m.clients {
		c.SendJSON(env)
	}
}

// cleanupLoop sweeps disconnectedPlayerCleanup every cleanupSweep interval.
func (m *Match) cleanupLoop() {
	ticker := time.NewTicker(cleanupSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepDisconnected()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *Match) sweepDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, entry := range m.disconnectedPlayerCleanup {
		if now.Sub(entry.disconnectTime) <= disconnectGrace {
			continue
		}
		delete(m.players, id)
		delete(m.disconnectedPlayerCleanup, id)
		if t, ok := m.afkTimers[id]; ok {
			t.Stop()
			delete(m.afkTimers, id)
		}
		if t, ok := m.respawnQueue[id]; ok {
			t.Stop()
			delete(m.respawnQueue, id)
		}
		if m.mm != nil {
			m.mm.clearDisconnected(id)
		}
	}
	if len(m.players) == 0 {
		m.shouldRemove = true
	}
}

// cleanUpSession releases all timers and goroutines and clears all state.
// Idempotent.
func (m *Match) cleanUpSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopCleanup:
	default:
		close(m.stopCleanup)
	}

	for _, t := range m.respawnQueue {
		t.Stop()
	}
	for _, t := range m.afkTimers {
		t.Stop()
	}
	if m.matchResetTimer != nil {
		m.matchResetTimer.Stop()
		m.matchResetTimer = nil
	}

	m.players = make(map[string]*Player)
	m.clients = make(map[string]Broadcaster)
	m.respawnQueue = make(map[string]*time.Timer)
	m.afkTimers = make(map[string]*time.Timer)
	m.projectileUpdates = make(map[string]*PendingProjectile)
	m.disconnectedPlayerCleanup = make(map[string]disconnectEntry)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
