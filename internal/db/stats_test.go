package db

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestArchive(t *testing.T) *StatsArchive {
	t.Helper()
	sa, err := NewStatsArchive(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("NewStatsArchive: %v", err)
	}
	t.Cleanup(func() { sa.Close() })
	return sa
}

func TestInsertAndRecent(t *testing.T) {
	sa := newTestArchive(t)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := sa.Insert(Sample{
			SampledAt:  base.Add(time.Duration(i) * time.Minute),
			Active:     10 + i,
			Capacity:   4096,
			IPv4:       8 + i,
			IPv6:       2,
			Heartbeats: uint64(100 * (i + 1)),
			Queries:    uint64(50 * (i + 1)),
			PerGame:    map[string]int{"DarkPlaces": 6 + i, "Nexuiz": 4},
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	samples, err := sa.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}

	// Newest first.
	if samples[0].Active != 12 || samples[1].Active != 11 {
		t.Errorf("wrong order: active counts %d, %d", samples[0].Active, samples[1].Active)
	}
	if !samples[0].SampledAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp mangled: %v", samples[0].SampledAt)
	}
	if samples[0].PerGame["DarkPlaces"] != 8 {
		t.Errorf("per-game breakdown lost: %+v", samples[0].PerGame)
	}
	if samples[0].PerGame["Nexuiz"] != 4 {
		t.Errorf("per-game breakdown lost: %+v", samples[0].PerGame)
	}
}

func TestRecentEmpty(t *testing.T) {
	sa := newTestArchive(t)

	samples, err := sa.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected no samples, got %d", len(samples))
	}
}

func TestPrune(t *testing.T) {
	sa := newTestArchive(t)

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{old, fresh} {
		if err := sa.Insert(Sample{SampledAt: at, Capacity: 64, PerGame: map[string]int{"Xonotic": 1}}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	removed, err := sa.Prune(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned sample, got %d", removed)
	}

	samples, err := sa.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(samples) != 1 || !samples[0].SampledAt.Equal(fresh) {
		t.Errorf("wrong survivor: %+v", samples)
	}

	// Cascade should have removed the orphaned game rows.
	var orphans int
	if err := sa.db.QueryRow(`SELECT COUNT(*) FROM sample_games`).Scan(&orphans); err != nil {
		t.Fatalf("count game rows: %v", err)
	}
	if orphans != 1 {
		t.Errorf("expected 1 remaining game row, got %d", orphans)
	}
}
