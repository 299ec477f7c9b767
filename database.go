package main

import (
	"database/sql"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection backing the two durable document
// types this server keeps: bug reports and the daily metrics rollup.
type DB struct {
	conn *sql.DB
}

// DailyRollup is the daily metrics document persisted at local midnight.
type DailyRollup struct {
	Date                   string
	TotalPlayersConnected  int
	PeakConcurrentPlayers  int
	AvgConcurrentPlayers   float64
	TotalRoundsPlayed      int
	TotalDisconnects       int
	TemporaryDisconnects   int
	Reconnects             int
	ReconnectRate          float64
	SlowLoopsCount         int
	ErrorCount             int
	PeakMemoryUsageMB      float64
	PeakBandwidthMBPerSec  float64
}

// OpenDB opens (or creates) the SQLite database at path.
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bug_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS daily_rollups (
		date TEXT PRIMARY KEY,
		total_players_connected INTEGER NOT NULL DEFAULT 0,
		peak_concurrent_players INTEGER NOT NULL DEFAULT 0,
		avg_concurrent_players REAL NOT NULL DEFAULT 0,
		total_rounds_played INTEGER NOT NULL DEFAULT 0,
		total_disconnects INTEGER NOT NULL DEFAULT 0,
		temporary_disconnects INTEGER NOT NULL DEFAULT 0,
		reconnects INTEGER NOT NULL DEFAULT 0,
		reconnect_rate REAL NOT NULL DEFAULT 0,
		slow_loops_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		peak_memory_usage_mb REAL NOT NULL DEFAULT 0,
		peak_bandwidth_mb_per_sec REAL NOT NULL DEFAULT 0
	);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("DB migration error: %v", err)
	}
	return err
}

// SaveBugReport persists a bug report body, returning its row ID.
func (db *DB) SaveBugReport(body string) (int64, error) {
	res, err := db.conn.Exec("INSERT INTO bug_reports (body) VALUES (?)", body)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpsertDailyRollup writes or replaces the rollup document for r.Date.
func (db *DB) UpsertDailyRollup(r DailyRollup) error {
	_, err := db.conn.Exec(`
		INSERT INTO daily_rollups (
			date, total_players_connected, peak_concurrent_players, avg_concurrent_players,
			total_rounds_played, total_disconnects, temporary_disconnects, reconnects,
			reconnect_rate, slow_loops_count, error_count, peak_memory_usage_mb, peak_bandwidth_mb_per_sec
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_players_connected = excluded.total_players_connected,
			peak_concurrent_players = excluded.peak_concurrent_players,
			avg_concurrent_players = excluded.avg_concurrent_players,
			total_rounds_played = excluded.total_rounds_played,
			total_disconnects = excluded.total_disconnects,
			temporary_disconnects = excluded.temporary_disconnects,
			reconnects = excluded.reconnects,
			reconnect_rate = excluded.reconnect_rate,
			slow_loops_count = excluded.slow_loops_count,
			error_count = excluded.error_count,
			peak_memory_usage_mb = excluded.peak_memory_usage_mb,
			peak_bandwidth_mb_per_sec = excluded.peak_bandwidth_mb_per_sec
	`,
		r.Date, r.TotalPlayersConnected, r.PeakConcurrentPlayers, r.AvgConcurrentPlayers,
		r.TotalRoundsPlayed, r.TotalDisconnects, r.TemporaryDisconnects, r.Reconnects,
		r.ReconnectRate, r.SlowLoopsCount, r.ErrorCount, r.PeakMemoryUsageMB, r.PeakBandwidthMBPerSec,
	)
	return err
}

// GetDailyRollup returns the rollup document for date, if any.
func (db *DB) GetDailyRollup(date string) (*DailyRollup, error) {
	row := db.conn.QueryRow(`
		SELECT date, total_players_connected, peak_concurrent_players, avg_concurrent_players,
			total_rounds_played, total_disconnects, temporary_disconnects, reconnects,
			reconnect_rate, slow_loops_count, error_count, peak_memory_usage_mb, peak_bandwidth_mb_per_sec
		FROM daily_rollups WHERE date = ?`, date)

	var r DailyRollup
	err := row.Scan(
		&r.Date, &r.TotalPlayersConnected, &r.PeakConcurrentPlayers, &r.AvgConcurrentPlayers,
		&r.TotalRoundsPlayed, &r.TotalDisconnects, &r.TemporaryDisconnects, &r.Reconnects,
		&r.ReconnectRate, &r.SlowLoopsCount, &r.ErrorCount, &r.PeakMemoryUsageMB, &r.PeakBandwidthMBPerSec,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// todayKey returns the local-midnight date key used by daily rollups.
func todayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
