package main

import "time"

const (
	TickRate    = 30
	FixedStepMs = 1000.0 / TickRate
	FixedStepS  = 1.0 / TickRate

	maxFrameMs = 100.0 // spiral-of-death clamp

	maxPlayersPerMatchDefault = 10

	respawnDelay       = 3 * time.Second
	matchResetDelay    = 10 * time.Second
	afkWarningAfter    = 60 * time.Second
	afkRemoveAfter     = 10 * time.Second
	disconnectGrace    = 20 * time.Second
	cleanupSweep       = 3 * time.Second
	inputRateWindow    = 1000 * time.Millisecond
	inputRateMax       = 100

	projectileHitDamage = 10
)
