package main

import (
	"crypto/rand"
	"errors"
	"log"
	"sync"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	out := make([]byte, n)
	buf := make([]byte, n)
	rand.Read(buf)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out)
}

// Matchmaker owns the match registry, routes joins/rejoins to the right
// match, and drives every match's fixed-step loop from a single goroutine,
// per §4.5 and the single-driver concurrency model of §5.
type Matchmaker struct {
	mu sync.Mutex

	matches             map[string]*Match
	order               []string
	disconnectedPlayers map[string]string // playerMatchId -> matchId

	showIsLivePending bool

	maxPlayers int
	metrics    *MetricsAggregator
	db         *DB

	stop   chan struct{}
	doneCh chan struct{}
}

// NewMatchmaker builds an idle matchmaker. Call Start to launch the driver.
func NewMatchmaker(maxPlayers int, metrics *MetricsAggregator, db *DB) *Matchmaker {
	return &Matchmaker{
		matches:             make(map[string]*Match),
		disconnectedPlayers: make(map[string]string),
		maxPlayers:          maxPlayers,
		metrics:             metrics,
		db:                  db,
	}
}

// Start launches the global 30 Hz driver goroutine.
func (mm *Matchmaker) Start() {
	mm.stop = make(chan struct{})
	mm.doneCh = make(chan struct{})
	go mm.runDriver()
}

// Shutdown stops the driver, flushes every match's timers, and clears the
// registry. Safe to call once at process exit.
func (mm *Matchmaker) Shutdown() {
	if mm.stop != nil {
		close(mm.stop)
		<-mm.doneCh
	}

	mm.mu.Lock()
	matches := make([]*Match, 0, len(mm.matches))
	for _, m := range mm.matches {
		matches = append(matches, m)
	}
	mm.matches = make(map[string]*Match)
	mm.order = nil
	mm.disconnectedPlayers = make(map[string]string)
	mm.mu.Unlock()

	for _, m := range matches {
		m.cleanUpSession()
	}
	if mm.metrics != nil {
		mm.metrics.Stop()
	}
}

// TriggerShowIsLive arms the one-shot flag that makes the next driver cycle
// send showIsLive to every active match.
func (mm *Matchmaker) TriggerShowIsLive() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.showIsLivePending = true
}

// enqueuePlayer implements §4.5's join/rejoin/create-or-place logic. It
// emits matchFound/rejoinedMatch/error directly to client and returns the
// resulting matchId/playerId for the caller (the websocket session) to
// remember for subsequent input routing.
func (mm *Matchmaker) enqueuePlayer(client Broadcaster, payload JoinQueuePayload) (matchID, playerID string, err error) {
	if payload.PlayerMatchID != nil {
		mm.mu.Lock()
		mid, known := mm.disconnectedPlayers[*payload.PlayerMatchID]
		var match *Match
		if known {
			match = mm.matches[mid]
			delete(mm.disconnectedPlayers, *payload.PlayerMatchID)
		}
		mm.mu.Unlock()

		// A reconnect attempt is resolved strictly as rejoin-or-error: once the
		// grace period has expired the disconnected-player entry is gone and
		// this must not silently fall through to a fresh placement.
		if !known || match == nil || !match.rejoinPlayer(client, *payload.PlayerMatchID) {
			client.SendJSON(Envelope{T: MsgError, Data: MessagePayload{Message: "reconnect grace period expired"}})
			return "", "", errors.New("reconnect target missing")
		}
		client.SendJSON(Envelope{T: MsgRejoinedMatch, Data: RejoinedMatchPayload{MatchID: mid, Region: match.Region}})
		return mid, *payload.PlayerMatchID, nil
	}

	mm.mu.Lock()
	ids := append([]string{}, mm.order...)
	snapshot := make(map[string]*Match, len(mm.matches))
	for k, v := range mm.matches {
		snapshot[k] = v
	}
	mm.mu.Unlock()

	for _, mid := range ids {
		match, ok := snapshot[mid]
		if !ok || match.ShouldRemove() || match.Region != payload.Region || match.Size() >= mm.maxPlayers {
			continue
		}
		pid := match.addPlayer(client, payload.Name)
		client.SendJSON(Envelope{T: MsgMatchFound, Data: MatchFoundPayload{MatchID: mid, Region: payload.Region, PlayerID: pid}})
		return mid, pid, nil
	}

	mid := "match-" + randomBase36(6)
	match := NewMatch(mid, payload.Region, mm.maxPlayers, mm.metrics, mm)

	mm.mu.Lock()
	mm.matches[mid] = match
	mm.order = append(mm.order, mid)
	mm.mu.Unlock()

	pid := match.addPlayer(client, payload.Name)
	client.SendJSON(Envelope{T: MsgMatchFound, Data: MatchFoundPayload{MatchID: mid, Region: payload.Region, PlayerID: pid}})
	return mid, pid, nil
}

// lookupMatch returns the match for id, if it still exists.
func (mm *Matchmaker) lookupMatch(id string) (*Match, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.matches[id]
	return m, ok
}

// markDisconnected and clearDisconnected are called by a Match while it
// holds its own lock; they only ever touch mm.mu, never a match's lock, to
// keep the two locks from nesting in opposite orders.
func (mm *Matchmaker) markDisconnected(playerID, matchID string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.disconnectedPlayers[playerID] = matchID
}

func (mm *Matchmaker) clearDisconnected(playerID string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.disconnectedPlayers, playerID)
}

func (mm *Matchmaker) removeFromOrderLocked(id string) {
	for i, v := range mm.order {
		if v == id {
			mm.order = append(mm.order[:i], mm.order[i+1:]...)
			return
		}
	}
}

// runDriver is the single global loop that advances every match, per §4.5's
// self-rescheduling cadence: fire, measure elapsed, wait max(1, step-elapsed).
func (mm *Matchmaker) runDriver() {
	defer close(mm.doneCh)

	last := time.Now()
	stepMs := float64(FixedStepMs)
	timer := time.NewTimer(time.Duration(stepMs * float64(time.Millisecond)))
	defer timer.Stop()

	for {
		select {
		case <-mm.stop:
			return
		case <-timer.C:
			elapsed := time.Since(last)
			if float64(elapsed.Milliseconds()) >= FixedStepMs {
				start := time.Now()
				last = start
				mm.tickAllMatches()
				if mm.metrics != nil {
					mm.metrics.RecordLoop(float64(time.Since(start).Microseconds()) / 1000.0)
				}
			}
			wait := FixedStepMs - float64(elapsed.Milliseconds())
			if wait < 1 {
				wait = 1
			}
			timer.Reset(time.Duration(wait) * time.Millisecond)
		}
	}
}

func (mm *Matchmaker) tickAllMatches() {
	mm.mu.Lock()
	ids := append([]string{}, mm.order...)
	snapshot := make(map[string]*Match, len(mm.matches))
	for k, v := range mm.matches {
		snapshot[k] = v
	}
	showLive := mm.showIsLivePending
	mm.showIsLivePending = false
	mm.mu.Unlock()

	var reaped []*Match
	concurrent := 0
	for _, id := range ids {
		match, ok := snapshot[id]
		if !ok {
			continue
		}
		if match.ShouldRemove() {
			reaped = append(reaped, match)
			continue
		}
		if showLive {
			match.informShowIsLive()
		}
		match.update()
		match.broadcastGameState()
		concurrent += match.Size()
	}

	if mm.metrics != nil {
		mm.metrics.SetConcurrentPlayers(concurrent)
	}

	if len(reaped) == 0 {
		return
	}

	mm.mu.Lock()
	for _, match := range reaped {
		delete(mm.matches, match.ID)
		mm.removeFromOrderLocked(match.ID)
		for pid, mid := range mm.disconnectedPlayers {
			if mid == match.ID {
				delete(mm.disconnectedPlayers, pid)
			}
		}
	}
	mm.mu.Unlock()

	for _, match := range reaped {
		match.cleanUpSession()
		log.Printf("matchmaker: reaped empty match %s", match.ID)
	}
}
