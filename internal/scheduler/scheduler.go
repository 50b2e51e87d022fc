// Package scheduler implements background task scheduling for the
// GameStore daemon: periodic dead-room sweeps and storage statistics
// collection.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gamestore-project/gamestored/internal/config"
	"github.com/gamestore-project/gamestored/internal/events"
	"github.com/gamestore-project/gamestored/internal/room"
)

// statsInterval is how often storage statistics are logged.
const statsInterval = 24 * time.Hour

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	rooms    *room.Orchestrator
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, rooms *room.Orchestrator) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
		rooms:    rooms,
	}
}

// Start begins running all scheduled tasks and blocks until the context
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	go s.runRoomSweepLoop(ctx)
	go s.runStatsCollectionLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runRoomSweepLoop periodically reaps rooms whose server process has
// exited between client requests. JoinRoom evicts dead rooms on demand;
// the sweep covers rooms nobody tries to join.
func (s *Scheduler) runRoomSweepLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.GetRooms().SweepIntervalSec) * time.Second
	if interval <= 0 {
		log.Info().Msg("room sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.rooms.Sweep(ctx); evicted > 0 {
				log.Info().
					Int("evicted", evicted).
					Int("remaining", s.rooms.Count()).
					Msg("room sweep reaped dead rooms")
			}
		}
	}
}

// runStatsCollectionLoop logs storage statistics once a day.
func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats()
		}
	}
}

// collectStats gathers artifact counts and sizes from the storage
// directory.
func (s *Scheduler) collectStats() {
	storage := s.cfg.GetStorage()

	var (
		artifactCount int
		totalSize     int64
	)

	entries, err := os.ReadDir(storage.ArtifactsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
				continue
			}
			artifactCount++
			if info, err := entry.Info(); err == nil {
				totalSize += info.Size()
			}
		}
	}

	log.Info().
		Int("artifacts", artifactCount).
		Str("storage_used", formatBytes(totalSize)).
		Int("active_rooms", s.rooms.Count()).
		Msg("daily stats collected")
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
