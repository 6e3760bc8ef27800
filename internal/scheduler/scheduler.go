// Package scheduler runs the periodic background tasks: registry snapshot
// dumps, statistics archiving and telemetry status pushes.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/db"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/master"
	"github.com/lighthouse-project/lighthouse/internal/registry"
	"github.com/lighthouse-project/lighthouse/internal/util"
)

// statusInterval is how often the registry status is pushed to telemetry.
const statusInterval = 60 * time.Second

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	registry *registry.Registry
	mst      *master.Master
	archive  *db.StatsArchive // nil when the stats archive is disabled
}

// NewScheduler creates a new task scheduler. archive may be nil.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, reg *registry.Registry, mst *master.Master, archive *db.StatsArchive) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		registry: reg,
		mst:      mst,
		archive:  archive,
	}
}

// Start begins running all scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	app := s.cfg.GetApplicationData()

	// Snapshot dumps
	if app.Snapshot.Enabled {
		go s.runSnapshotLoop(ctx, app.Snapshot)
	}

	// Statistics archiving, with daily pruning
	if app.Stats.Enabled && s.archive != nil {
		go s.runStatsLoop(ctx, app.Stats)
		go s.runPruneLoop(ctx, app.Stats)
	}

	// Telemetry status pushes
	if app.MQTT.Enabled {
		go s.runStatusLoop(ctx)
	}

	// Block until context is cancelled
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runSnapshotLoop periodically dumps the live server list to disk.
func (s *Scheduler) runSnapshotLoop(ctx context.Context, snapCfg config.SnapshotConfig) {
	ticker := time.NewTicker(time.Duration(snapCfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// One final dump so the file reflects the state at shutdown.
			if err := s.WriteSnapshot(snapCfg.Path); err != nil {
				log.Warn().Err(err).Msg("final snapshot failed")
			}
			return
		case <-ticker.C:
			if err := s.WriteSnapshot(snapCfg.Path); err != nil {
				log.Warn().Err(err).Str("path", snapCfg.Path).Msg("snapshot failed")
			}
		}
	}
}

// WriteSnapshot dumps the live server list to path. The file is written to
// a temporary name and renamed into place so readers never see a partial
// snapshot.
func (s *Scheduler) WriteSnapshot(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := util.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := s.registry.WriteInfo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	log.Debug().Str("path", path).Msg("snapshot written")
	return nil
}

// runStatsLoop periodically archives a registry sample.
func (s *Scheduler) runStatsLoop(ctx context.Context, statsCfg config.StatsConfig) {
	ticker := time.NewTicker(time.Duration(statsCfg.SampleIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.archiveSample(); err != nil {
				log.Warn().Err(err).Msg("failed to archive stats sample")
			}
		}
	}
}

// archiveSample stores one registry measurement in the stats archive.
func (s *Scheduler) archiveSample() error {
	stats := s.registry.Stats()
	wire := s.mst.CounterValues()

	return s.archive.Insert(db.Sample{
		SampledAt:  time.Now().UTC(),
		Active:     stats.Active,
		Capacity:   stats.Capacity,
		IPv4:       stats.IPv4,
		IPv6:       stats.IPv6,
		Heartbeats: wire.Heartbeats,
		Queries:    wire.Queries,
		Evictions:  stats.Counters.Evictions,
		PerGame:    stats.PerGame,
	})
}

// runPruneLoop removes archived samples past their retention once a day.
func (s *Scheduler) runPruneLoop(ctx context.Context, statsCfg config.StatsConfig) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -statsCfg.RetentionDays)
			if _, err := s.archive.Prune(cutoff); err != nil {
				log.Warn().Err(err).Msg("failed to prune stats archive")
			}
		}
	}
}

// runStatusLoop periodically pushes the registry status to telemetry.
func (s *Scheduler) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.registry.Stats()
			wire := s.mst.CounterValues()
			s.eventBus.Emit(ctx, events.Event{
				Type:   events.EventNotifyMQTT,
				Source: "scheduler",
				Payload: events.StatusPayload{
					Active:     stats.Active,
					Capacity:   stats.Capacity,
					IPv4:       stats.IPv4,
					IPv6:       stats.IPv6,
					PerGame:    stats.PerGame,
					Heartbeats: wire.Heartbeats,
					Queries:    wire.Queries,
					Evictions:  stats.Counters.Evictions,
				},
			})
		}
	}
}
