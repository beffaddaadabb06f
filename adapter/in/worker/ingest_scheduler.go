package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncAller is the part of the sync service the scheduler drives.
type SyncAller interface {
	SyncAll(ctx context.Context) error
}

// SchedulerConfig configures the periodic sync.
type SchedulerConfig struct {
	Interval time.Duration
	// RunTimeout bounds one SyncAll pass.
	RunTimeout time.Duration
	// StartDelay postpones the first pass after Start.
	StartDelay time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:   5 * time.Minute,
		RunTimeout: 4 * time.Minute,
		StartDelay: 10 * time.Second,
	}
}

// Scheduler syncs every active connection on a fixed interval. A pass that is
// still running when the ticker fires is not overlapped; the tick is skipped.
type Scheduler struct {
	syncer SyncAller
	cfg    SchedulerConfig
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	busy   bool
}

func NewScheduler(syncer SyncAller, cfg SchedulerConfig, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncer: syncer,
		cfg:    cfg,
		log:    log.With().Str("component", "sync_scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) Start() {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("starting")
	s.wg.Add(1)
	go s.run()
}

// Stop cancels the running pass and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping")
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	if s.cfg.StartDelay > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.StartDelay):
		}
	}
	s.tick()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.log.Warn().Msg("previous pass still running, skipping tick")
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()
		s.runOnce()
	}()
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	if err := s.syncer.SyncAll(ctx); err != nil {
		s.log.Error().Err(err).Msg("sync pass failed")
		return
	}
	s.log.Debug().Dur("took", time.Since(start)).Msg("sync pass done")
}
