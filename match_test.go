package main

import (
	"sync"
	"testing"
	"time"
)

// fakeBroadcaster records every frame sent to it for assertions.
type fakeBroadcaster struct {
	mu      sync.Mutex
	json    []interface{}
	binary  [][]byte
}

func (f *fakeBroadcaster) SendJSON(msg interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.json = append(f.json, msg)
}

func (f *fakeBroadcaster) SendBinary(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binary = append(f.binary, data)
}

func (f *fakeBroadcaster) lastJSON() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.json) == 0 {
		return nil
	}
	return f.json[len(f.json)-1]
}

func newTestMatch() *Match {
	return NewMatch("match-test01", "NA", maxPlayersPerMatchDefault, nil, nil)
}

func TestMatchAddPlayerAssignsID(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	id := m.addPlayer(c, "alice")
	if id == "" {
		t.Fatal("expected non-empty player id")
	}
	if m.Size() != 1 {
		t.Fatalf("expected 1 player, got %d", m.Size())
	}
}

func TestMatchRejoinPlayerClearsDisconnectEntry(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	id := m.addPlayer(c, "alice")
	m.disconnectPlayer(id)

	m.mu.Lock()
	_, disconnected := m.disconnectedPlayerCleanup[id]
	m.mu.Unlock()
	if !disconnected {
		t.Fatal("expected player to be tracked as disconnected")
	}

	c2 := &fakeBroadcaster{}
	if !m.rejoinPlayer(c2, id) {
		t.Fatal("expected rejoin to succeed")
	}

	m.mu.Lock()
	_, stillDisconnected := m.disconnectedPlayerCleanup[id]
	m.mu.Unlock()
	if stillDisconnected {
		t.Fatal("expected disconnect entry cleared on rejoin")
	}
}

func TestMatchRejoinUnknownPlayerFails(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	if m.rejoinPlayer(&fakeBroadcaster{}, "nope") {
		t.Fatal("expected rejoin of unknown player to fail")
	}
}

func TestMatchHandlePlayerInputQueuesAndCancelsAfk(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	id := m.addPlayer(c, "alice")

	m.mu.Lock()
	m.afkTimers[id] = time.AfterFunc(time.Hour, func() {})
	m.mu.Unlock()

	ok := m.handlePlayerInput(id, PlayerInputPayload{Tick: 1, Vector: wireInputVector{X: 1}})
	if !ok {
		t.Fatal("expected input to be accepted")
	}

	m.mu.Lock()
	_, stillArmed := m.afkTimers[id]
	queueLen := len(m.players[id].InputQueue)
	m.mu.Unlock()
	if stillArmed {
		t.Error("expected afk timer to be cancelled by new input")
	}
	if queueLen != 1 {
		t.Errorf("expected 1 queued input, got %d", queueLen)
	}
}

func TestMatchInputRateLimitDropsExcess(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	id := m.addPlayer(c, "alice")

	accepted := 0
	for i := 0; i < inputRateMax+10; i++ {
		if m.handlePlayerInput(id, PlayerInputPayload{Tick: i, Vector: wireInputVector{}}) {
			accepted++
		}
	}
	if accepted != inputRateMax {
		t.Errorf("expected exactly %d accepted inputs, got %d", inputRateMax, accepted)
	}
}

func TestMatchUnknownPlayerInputIsNoop(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	if m.handlePlayerInput("ghost", PlayerInputPayload{}) {
		t.Fatal("expected unknown player input to be rejected")
	}
}

func TestMatchToggleBystander(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	id := m.addPlayer(c, "alice")

	m.handleToggleBystander(id)
	m.mu.Lock()
	by := m.players[id].IsBystander
	m.mu.Unlock()
	if !by {
		t.Fatal("expected bystander flag to be set")
	}

	m.handleToggleBystander(id)
	m.mu.Lock()
	by = m.players[id].IsBystander
	m.mu.Unlock()
	if by {
		t.Fatal("expected bystander flag to be cleared")
	}
}

func TestMatchHandleProjectileHitIgnoresBystander(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	shooter := m.addPlayer(&fakeBroadcaster{}, "shooter")
	victim := m.addPlayer(&fakeBroadcaster{}, "victim")
	m.handleToggleBystander(victim)

	m.handleProjectileHit(shooter, ProjectileHitPayload{EnemyID: victim, ProjectileID: "p1"})

	m.mu.Lock()
	hp := m.players[victim].HP
	m.mu.Unlock()
	if hp != PlayerMaxHP {
		t.Errorf("expected bystander to take no damage, got hp=%d", hp)
	}
}

func TestMatchHandleProjectileHitAppliesDamageAndMarksDud(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	shooter := m.addPlayer(&fakeBroadcaster{}, "shooter")
	victim := m.addPlayer(&fakeBroadcaster{}, "victim")

	m.mu.Lock()
	m.projectileUpdates["p1"] = &PendingProjectile{ID: "p1", OwnerID: shooter}
	m.mu.Unlock()

	m.handleProjectileHit(shooter, ProjectileHitPayload{EnemyID: victim, ProjectileID: "p1"})

	m.mu.Lock()
	hp := m.players[victim].HP
	dud := m.projectileUpdates["p1"].Dud
	m.mu.Unlock()

	if hp != PlayerMaxHP-projectileHitDamage {
		t.Errorf("expected hp reduced by %d, got %d", projectileHitDamage, hp)
	}
	if !dud {
		t.Error("expected projectile marked dud")
	}
}

func TestMatchKillSchedulesRespawnAndAwardsKill(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	shooter := m.addPlayer(&fakeBroadcaster{}, "shooter")
	victim := m.addPlayer(&fakeBroadcaster{}, "victim")

	m.mu.Lock()
	m.players[victim].HP = projectileHitDamage
	m.mu.Unlock()

	m.handleProjectileHit(shooter, ProjectileHitPayload{EnemyID: victim, ProjectileID: "missing"})

	m.mu.Lock()
	isDead := m.players[victim].IsDead
	kills := m.players[shooter].Kills
	_, hasRespawnTimer := m.respawnQueue[victim]
	m.mu.Unlock()

	if !isDead {
		t.Error("expected victim to be dead")
	}
	if kills != 1 {
		t.Errorf("expected shooter to have 1 kill, got %d", kills)
	}
	if !hasRespawnTimer {
		t.Error("expected a respawn timer to be scheduled")
	}
}

func TestMatchWinConditionTransitionsToAwaitingReset(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	shooter := m.addPlayer(&fakeBroadcaster{}, "shooter")
	victim := m.addPlayer(&fakeBroadcaster{}, "victim")

	for i := 0; i < MaxKillAmount; i++ {
		m.mu.Lock()
		m.players[victim].HP = projectileHitDamage
		m.mu.Unlock()
		m.handleProjectileHit(shooter, ProjectileHitPayload{EnemyID: victim, ProjectileID: "x"})
	}

	m.mu.Lock()
	phase := m.phase
	hasResetTimer := m.matchResetTimer != nil
	m.mu.Unlock()

	if phase != PhaseAwaitingReset {
		t.Errorf("expected phase AWAITING_RESET, got %v", phase)
	}
	if !hasResetTimer {
		t.Error("expected a match-reset timer to be armed")
	}
}

func TestMatchUpdateAdvancesServerTick(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	m.mu.Lock()
	m.lastUpdateTime = time.Now().Add(-200 * time.Millisecond)
	m.mu.Unlock()

	m.update()

	m.mu.Lock()
	tick := m.serverTick
	m.mu.Unlock()

	if tick == 0 {
		t.Error("expected at least one fixed step to run")
	}
}

func TestMatchUpdateClampsSpiralOfDeath(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	m.mu.Lock()
	m.lastUpdateTime = time.Now().Add(-5 * time.Second)
	m.mu.Unlock()

	m.update()

	m.mu.Lock()
	tick := m.serverTick
	m.mu.Unlock()

	maxExpectedTicks := int(maxFrameMs/FixedStepMs) + 1
	if tick > maxExpectedTicks {
		t.Errorf("expected tick count clamped near %d, got %d", maxExpectedTicks, tick)
	}
}

func TestMatchBroadcastGameStateSendsBinaryFrame(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	m.addPlayer(c, "alice")

	n := m.broadcastGameState()
	if n == 0 {
		t.Fatal("expected non-zero broadcast size")
	}
	if len(c.binary) != 1 {
		t.Fatalf("expected 1 binary frame sent, got %d", len(c.binary))
	}
}

func TestMatchBroadcastDrainsProjectileUpdates(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c := &fakeBroadcaster{}
	m.addPlayer(c, "alice")

	m.mu.Lock()
	m.projectileUpdates["p1"] = &PendingProjectile{ID: "p1"}
	m.mu.Unlock()

	m.broadcastGameState()

	m.mu.Lock()
	remaining := len(m.projectileUpdates)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected projectile updates drained after broadcast, got %d remaining", remaining)
	}
}

func TestMatchInformShowIsLiveBroadcastsToAllClients(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	c1 := &fakeBroadcaster{}
	c2 := &fakeBroadcaster{}
	m.addPlayer(c1, "alice")
	m.addPlayer(c2, "bob")

	m.informShowIsLive()

	env1, ok1 := c1.lastJSON().(Envelope)
	env2, ok2 := c2.lastJSON().(Envelope)
	if !ok1 || !ok2 || env1.T != MsgShowIsLive || env2.T != MsgShowIsLive {
		t.Error("expected showIsLive envelope sent to every client")
	}
}

func TestMatchSweepDisconnectedRemovesAfterGrace(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")
	m.disconnectPlayer(id)

	m.mu.Lock()
	m.disconnectedPlayerCleanup[id] = disconnectEntry{disconnectTime: time.Now().Add(-disconnectGrace - time.Second)}
	m.mu.Unlock()

	m.sweepDisconnected()

	if m.Size() != 0 {
		t.Errorf("expected player removed after grace period, got size %d", m.Size())
	}
	if !m.ShouldRemove() {
		t.Error("expected match to be marked for removal once empty")
	}
}

func TestMatchSweepDisconnectedKeepsWithinGrace(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")
	m.disconnectPlayer(id)

	m.sweepDisconnected()

	if m.Size() != 1 {
		t.Errorf("expected player retained within grace period, got size %d", m.Size())
	}
}

func TestMatchResetClearsScoresKeepsPositions(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")
	m.mu.Lock()
	m.players[id].Kills = 3
	m.players[id].Deaths = 2
	m.players[id].X = 500
	m.mu.Unlock()

	m.resetMatch()

	m.mu.Lock()
	p := m.players[id]
	phase := m.phase
	m.mu.Unlock()

	if p.Kills != 0 || p.Deaths != 0 {
		t.Errorf("expected scores cleared, got kills=%d deaths=%d", p.Kills, p.Deaths)
	}
	if p.X != 500 {
		t.Errorf("expected position preserved across reset, got x=%v", p.X)
	}
	if phase != PhaseActive {
		t.Errorf("expected phase ACTIVE after reset, got %v", phase)
	}
}

func TestIntegratePlayerInputsTagAPredictsWithoutRealInput(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")

	m.mu.Lock()
	p := m.players[id]
	p.LastProcessedInput = InputPayload{Tick: 5, Vector: InputVector{X: 1, Y: 1}}
	startDebt := len(p.InputDebt)
	m.integratePlayerInputs(FixedStepS)
	endDebt := len(p.InputDebt)
	lastTick := p.LastProcessedInput.Tick
	predictedY := p.LastProcessedInput.Vector.Y
	predictedMouse := p.LastProcessedInput.Vector.Mouse
	m.mu.Unlock()

	if lastTick != 6 {
		t.Errorf("expected tick to advance to 6, got %d", lastTick)
	}
	if predictedY != 0 {
		t.Error("expected a synthesized prediction to never predict a jump")
	}
	if predictedMouse != nil {
		t.Error("expected a synthesized prediction to never predict a shot")
	}
	if endDebt != startDebt+1 {
		t.Errorf("expected one predicted input pushed onto the debt stack, went from %d to %d", startDebt, endDebt)
	}
}

func TestIntegratePlayerInputsTagBPopsDebtOnMatch(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")

	m.mu.Lock()
	p := m.players[id]
	p.LastProcessedInput = InputPayload{Tick: 10, Vector: InputVector{X: 1}}
	p.addInputDebt(InputVector{X: 1})
	p.queueInput(InputPayload{Tick: 11, Vector: InputVector{X: 1}})
	m.integratePlayerInputs(FixedStepS)
	debtLen := len(p.InputDebt)
	lastTick := p.LastProcessedInput.Tick
	m.mu.Unlock()

	if debtLen != 0 {
		t.Errorf("expected matching real input to pop the debt stack, got %d remaining", debtLen)
	}
	// A matching tag-B input is reconciled by popping debt, not by re-running
	// physics for that tick, so LastProcessedInput.Tick stays where it was.
	if lastTick != 10 {
		t.Errorf("expected no new tick recorded on a debt-matching input, got %d", lastTick)
	}
}

func TestIntegratePlayerInputsTagCClearsDebtOnDivergence(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")

	m.mu.Lock()
	p := m.players[id]
	p.LastProcessedInput = InputPayload{Tick: 20, Vector: InputVector{X: 1}}
	p.addInputDebt(InputVector{X: 1})
	p.addInputDebt(InputVector{X: -1})
	p.queueInput(InputPayload{Tick: 21, Vector: InputVector{X: 0, Y: 1}})
	m.integratePlayerInputs(FixedStepS)
	debtLen := len(p.InputDebt)
	lastTick := p.LastProcessedInput.Tick
	appliedX := p.LastProcessedInput.Vector.X
	m.mu.Unlock()

	if debtLen != 0 {
		t.Errorf("expected a diverging input to clear the entire debt stack, got %d remaining", debtLen)
	}
	if lastTick != 21 || appliedX != 0 {
		t.Errorf("expected the diverging input itself to be applied and recorded, got tick=%d x=%v", lastTick, appliedX)
	}
}

func TestIntegratePlayerInputsSkipsDeadPlayers(t *testing.T) {
	m := newTestMatch()
	defer m.cleanUpSession()

	id := m.addPlayer(&fakeBroadcaster{}, "alice")

	m.mu.Lock()
	p := m.players[id]
	p.IsDead = true
	p.LastProcessedInput = InputPayload{Tick: 1}
	m.integratePlayerInputs(FixedStepS)
	lastTick := p.LastProcessedInput.Tick
	m.mu.Unlock()

	if lastTick != 1 {
		t.Errorf("expected a dead player's input state to stay untouched, got tick %d", lastTick)
	}
}

func TestLastN(t *testing.T) {
	if lastN("abcdef", 3) != "def" {
		t.Error("expected last 3 chars")
	}
	if lastN("ab", 3) != "ab" {
		t.Error("expected full string when shorter than n")
	}
}
