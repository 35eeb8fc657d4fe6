package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RegistrySweeper periodically marks agents with elapsed leases
// UNAVAILABLE.
type RegistrySweeper struct {
	registry *RegistryService
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewRegistrySweeper schedules sweeps of registry. schedule is a cron spec
// such as "@every 15s" or "*/1 * * * *".
func NewRegistrySweeper(registry *RegistryService, schedule string, logger *slog.Logger) (*RegistrySweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RegistrySweeper{
		registry: registry,
		cron:     cron.New(),
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("registry sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *RegistrySweeper) Start() {
	s.cron.Start()
	s.logger.Info("registry sweeper started")
}

// Stop stops scheduling sweeps and waits for a running sweep to finish.
func (s *RegistrySweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("registry sweeper stopped")
}

// Sweep runs one sweep.
func (s *RegistrySweeper) Sweep() {
	ids, err := s.registry.MarkExpiredAgents(context.Background())
	if err != nil {
		s.logger.Error("registry sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("registry sweep", "expired", len(ids))
	}
}
