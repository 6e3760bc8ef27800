package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsArchive stores periodic registry samples in SQLite.
type StatsArchive struct {
	db *Database
}

// Sample is one archived registry measurement. The wire counters are
// cumulative since process start, not deltas.
type Sample struct {
	ID         int64          `json:"id"`
	SampledAt  time.Time      `json:"sampled_at"`
	Active     int            `json:"active"`
	Capacity   int            `json:"capacity"`
	IPv4       int            `json:"ipv4"`
	IPv6       int            `json:"ipv6"`
	Heartbeats uint64         `json:"heartbeats"`
	Queries    uint64         `json:"queries"`
	Evictions  uint64         `json:"evictions"`
	PerGame    map[string]int `json:"per_game,omitempty"`
}

// NewStatsArchive creates and initializes the statistics archive.
func NewStatsArchive(dbPath string) (*StatsArchive, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	sa := &StatsArchive{db: database}

	// Run migrations
	if err := sa.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate stats archive: %w", err)
	}

	return sa, nil
}

// migrate creates the database schema.
func (sa *StatsArchive) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sampled_at INTEGER NOT NULL,
			active INTEGER NOT NULL,
			capacity INTEGER NOT NULL,
			ipv4 INTEGER NOT NULL,
			ipv6 INTEGER NOT NULL,
			heartbeats INTEGER NOT NULL,
			queries INTEGER NOT NULL,
			evictions INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sample_games (
			sample_id INTEGER NOT NULL,
			game TEXT NOT NULL,
			servers INTEGER NOT NULL,
			PRIMARY KEY (sample_id, game),
			FOREIGN KEY (sample_id) REFERENCES samples(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_samples_sampled_at ON samples(sampled_at);
	`

	_, err := sa.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("stats archive schema migrated")
	return nil
}

// Insert archives one sample together with its per-game breakdown.
func (sa *StatsArchive) Insert(s Sample) error {
	return sa.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO samples (sampled_at, active, capacity, ipv4, ipv6, heartbeats, queries, evictions)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.SampledAt.Unix(), s.Active, s.Capacity, s.IPv4, s.IPv6,
			s.Heartbeats, s.Queries, s.Evictions,
		)
		if err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get sample id: %w", err)
		}

		for game, servers := range s.PerGame {
			if _, err := tx.Exec(
				`INSERT INTO sample_games (sample_id, game, servers) VALUES (?, ?, ?)`,
				id, game, servers,
			); err != nil {
				return fmt.Errorf("failed to insert game row: %w", err)
			}
		}
		return nil
	})
}

// Recent returns the newest samples, newest first, at most limit of them.
func (sa *StatsArchive) Recent(limit int) ([]Sample, error) {
	rows, err := sa.db.Query(
		`SELECT id, sampled_at, active, capacity, ipv4, ipv6, heartbeats, queries, evictions
		 FROM samples ORDER BY sampled_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var at int64
		if err := rows.Scan(&s.ID, &at, &s.Active, &s.Capacity, &s.IPv4, &s.IPv6,
			&s.Heartbeats, &s.Queries, &s.Evictions); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.SampledAt = time.Unix(at, 0).UTC()
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range samples {
		games, err := sa.gamesFor(samples[i].ID)
		if err != nil {
			return nil, err
		}
		samples[i].PerGame = games
	}
	return samples, nil
}

func (sa *StatsArchive) gamesFor(sampleID int64) (map[string]int, error) {
	rows, err := sa.db.Query(
		`SELECT game, servers FROM sample_games WHERE sample_id = ?`, sampleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query game rows: %w", err)
	}
	defer rows.Close()

	games := make(map[string]int)
	for rows.Next() {
		var game string
		var servers int
		if err := rows.Scan(&game, &servers); err != nil {
			return nil, fmt.Errorf("failed to scan game row: %w", err)
		}
		games[game] = servers
	}
	return games, rows.Err()
}

// Prune deletes samples older than the cutoff and returns how many went.
func (sa *StatsArchive) Prune(cutoff time.Time) (int64, error) {
	res, err := sa.db.Exec(`DELETE FROM samples WHERE sampled_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Int64("removed", n).Time("cutoff", cutoff).Msg("pruned old samples")
	}
	return n, nil
}

// Close closes the underlying database.
func (sa *StatsArchive) Close() error {
	return sa.db.Close()
}
