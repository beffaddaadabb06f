package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ingest_server/adapter/in/worker"
	"ingest_server/adapter/out/messaging"
	"ingest_server/config"
)

// Worker runs the stream consumer and the periodic sync scheduler.
type Worker struct {
	consumer  *messaging.Consumer
	scheduler *worker.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewScheduler(deps.Sync, worker.SchedulerConfig{
			Interval:   cfg.SyncInterval,
			RunTimeout: cfg.SyncRunTimeout,
			StartDelay: 10 * time.Second,
		}, zlog)
	}

	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:                cfg.ConsumerGroup,
			Consumer:             cfg.WorkerID,
			Streams:              []string{messaging.StreamMailSync},
			Handler:              worker.NewSyncJobHandler(deps.Sync, zlog),
			Logger:               zlog.With().Str("component", "consumer").Logger(),
			PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
			PendingIdleTime:      time.Duration(cfg.ConsumerPendingIdleMin) * time.Minute,
			MaxRetries:           cfg.ConsumerMaxRetries,
			Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
		})
		zlog.Info().Str("group", cfg.ConsumerGroup).Msg("Redis Stream Consumer configured")
	} else {
		zlog.Warn().Msg("Redis not available, sync jobs run inline and the consumer is disabled")
	}

	return w
}

// Start blocks until Stop is called and the consumer has exited.
func (w *Worker) Start() {
	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Msg("Started sync scheduler")
	}

	<-w.ctx.Done()
	w.wg.Wait()
}

func (w *Worker) Stop() {
	w.cancel()
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.wg.Wait()
}
