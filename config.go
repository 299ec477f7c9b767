package main

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the process-level settings loaded from the environment.
type Config struct {
	ClientURL          string
	Port               string
	MaxPlayersPerMatch int
	ValidRegions       map[string]bool
	DBPath             string
}

// LoadConfig reads Config from the environment, applying the same defaults
// spec.md assigns each setting.
func LoadConfig() Config {
	cfg := Config{
		ClientURL:          os.Getenv("CLIENT_URL"),
		Port:               getEnvOr("PORT", "3001"),
		MaxPlayersPerMatch: getEnvIntOr("MAX_PLAYERS_PER_MATCH", 10),
		DBPath:             getEnvOr("ARENA_DB_PATH", "./arena.db"),
	}

	regionsCSV := getEnvOr("VALID_REGIONS", "NA,EU,ASIA")
	cfg.ValidRegions = make(map[string]bool)
	for _, r := range strings.Split(regionsCSV, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			cfg.ValidRegions[r] = true
		}
	}
	return cfg
}

// IsValidRegion reports whether r is one of the configured regions.
func (c Config) IsValidRegion(r string) bool {
	return c.ValidRegions[r]
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
