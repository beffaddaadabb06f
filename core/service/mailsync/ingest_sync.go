// Package mailsync pulls provider mailboxes through extraction and the
// ingestion pipeline.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest_server/core/domain"
	"ingest_server/core/port/in"
	"ingest_server/core/port/out"
	"ingest_server/core/service/extract"
	"ingest_server/core/service/ingest"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/metrics"
)

// ErrSyncInProgress is returned when another worker holds the connection lease.
var ErrSyncInProgress = errors.New("sync already in progress for connection")

type Config struct {
	// InitialLookback is how far back the first sync of a connection reaches.
	InitialLookback time.Duration
	// LeaseTTL is the connection lease and also the deadline of one cycle, so
	// a cycle never runs unguarded.
	LeaseTTL time.Duration
	// Concurrency is the number of connections SyncAll runs at once.
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		InitialLookback: 30 * 24 * time.Hour,
		LeaseTTL:        10 * time.Minute,
		Concurrency:     4,
	}
}

// TokenProvider hands out valid access tokens.
type TokenProvider interface {
	EnsureValid(ctx context.Context, conn *domain.ProviderConnection) (string, error)
}

// Ingester stores one message.
type Ingester interface {
	Ingest(ctx context.Context, in *ingest.Input) (*ingest.Result, error)
}

type Service struct {
	conns     out.ConnectionRepository
	sources   map[domain.Provider]out.MailSource
	tokens    TokenProvider
	locker    out.ConnectionLocker
	limiter   out.RateLimiter
	extractor *extract.Extractor
	ingester  Ingester
	publisher out.EventPublisher
	recorder  Recorder
	cfg       Config
	now       func() time.Time
}

func NewService(
	conns out.ConnectionRepository,
	tokens TokenProvider,
	locker out.ConnectionLocker,
	limiter out.RateLimiter,
	extractor *extract.Extractor,
	ingester Ingester,
	cfg Config,
	sources ...out.MailSource,
) *Service {
	s := &Service{
		conns:     conns,
		sources:   make(map[domain.Provider]out.MailSource, len(sources)),
		tokens:    tokens,
		locker:    locker,
		limiter:   limiter,
		extractor: extractor,
		ingester:  ingester,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, src := range sources {
		s.sources[src.Provider()] = src
	}
	return s
}

// SetPublisher enables queued syncs for RequestSync.
func (s *Service) SetPublisher(publisher out.EventPublisher) {
	s.publisher = publisher
}

// Recorder receives the outcome of every sync that reached the provider.
type Recorder interface {
	RecordSync(sample metrics.SyncSample)
}

func (s *Service) SetRecorder(recorder Recorder) {
	s.recorder = recorder
}

func (s *Service) observe(provider domain.Provider, report *in.SyncReport, failed bool) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordSync(metrics.SyncSample{
		Provider:   string(provider),
		Duration:   report.Duration,
		Fetched:    report.Fetched,
		Created:    report.Created,
		Duplicates: report.Duplicates,
		Dropped:    report.Dropped,
		Failed:     report.Failed,
		Err:        failed,
	})
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

var (
	_ in.SyncService   = (*Service)(nil)
	_ in.SyncRequester = (*Service)(nil)
)

// Sync runs one cycle for a connection under its lease. Per-message failures
// are counted and skipped; a fetch failure aborts the cycle and counts
// against the connection.
func (s *Service) Sync(ctx context.Context, connectionID int64) (*in.SyncReport, error) {
	ctx = logger.ContextWithConnection(ctx, connectionID)
	log := logger.WithContext(ctx)

	release, err := s.locker.Acquire(ctx, connectionID, s.cfg.LeaseTTL)
	if errors.Is(err, out.ErrLeaseHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer release()

	if s.cfg.LeaseTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LeaseTTL)
		defer cancel()
	}

	conn, err := s.conns.GetByID(ctx, connectionID)
	if errors.Is(err, out.ErrNotFound) {
		return nil, apperr.NotFound("connection")
	}
	if err != nil {
		return nil, apperr.DatabaseError("get connection", err)
	}
	if !conn.IsActive {
		return nil, apperr.ProviderAuth(string(conn.Provider), errors.New("connection is inactive"))
	}
	ctx = logger.ContextWithTenant(ctx, conn.TenantID)

	source, ok := s.sources[conn.Provider]
	if !ok {
		return nil, apperr.BadRequest(fmt.Sprintf("no mail source for provider: %s", conn.Provider))
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, fmt.Sprintf("sync:%s:%d", conn.Provider, conn.ID)); err != nil {
			return nil, apperr.RateLimited(fmt.Sprintf("connection:%d", conn.ID)).WithError(err)
		}
	}

	token, err := s.tokens.EnsureValid(ctx, conn)
	if err != nil {
		return nil, err
	}

	start := s.now()
	report := &in.SyncReport{ConnectionID: conn.ID, Since: s.cursor(conn, start)}

	messages, err := source.FetchSince(ctx, conn, token, report.Since)
	partial, truncated := out.AsPartialFetch(err)
	if err != nil && !truncated {
		report.Duration = s.now().Sub(start)
		s.observe(conn.Provider, report, true)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("[SyncService.Sync] connection %d fetch outlived the lease", conn.ID)
			return report, apperr.Timeout("sync connection").WithError(err)
		}
		return report, s.fetchFailed(ctx, conn, err)
	}
	report.Fetched = len(messages)

	for i := range messages {
		if err := ctx.Err(); err != nil {
			// Cursor stays put; the next cycle re-fetches and dedups.
			report.Duration = s.now().Sub(start)
			s.observe(conn.Provider, report, true)
			if errors.Is(err, context.DeadlineExceeded) {
				return report, apperr.Timeout("sync connection").WithError(err)
			}
			return report, err
		}
		s.process(ctx, conn, &messages[i], report)
	}

	report.Until = start
	if truncated {
		report.Truncated = true
		report.Until = report.Since
		if partial.Until.After(report.Since) {
			report.Until = partial.Until
		}
		log.Warn("[SyncService.Sync] %s listing truncated for connection %d, cursor held at %s",
			conn.Provider, conn.ID, report.Until.UTC().Format(time.RFC3339))
	}

	if err := s.conns.RecordSyncSuccess(ctx, conn.ID, report.Until); err != nil {
		return report, apperr.DatabaseError("advance cursor", err)
	}

	report.Duration = s.now().Sub(start)
	s.observe(conn.Provider, report, false)
	log.WithDuration(report.Duration).Info("[SyncService.Sync] %s connection %d: fetched=%d created=%d duplicates=%d dropped=%d failed=%d",
		conn.Provider, conn.ID, report.Fetched, report.Created, report.Duplicates, report.Dropped, report.Failed)
	return report, nil
}

func (s *Service) cursor(conn *domain.ProviderConnection, now time.Time) time.Time {
	if conn.LastSyncAt != nil && !conn.LastSyncAt.IsZero() {
		return *conn.LastSyncAt
	}
	return now.Add(-s.cfg.InitialLookback)
}

func (s *Service) process(ctx context.Context, conn *domain.ProviderConnection, msg *domain.CanonicalMessage, report *in.SyncReport) {
	if conn.ExcludesDomain(msg) {
		report.Dropped++
		return
	}

	extracted := s.extractor.Extract(extract.FromCanonical(msg))
	if conn.ExcludesContent(msg.Subject, extracted.Text) {
		report.Dropped++
		return
	}
	res, err := s.ingester.Ingest(ctx, &ingest.Input{
		TenantID:   conn.TenantID,
		Provider:   conn.Provider,
		Connection: conn,
		Message:    *msg,
		Body:       extracted.Text,
	})
	if err != nil {
		report.Failed++
		logger.WithContext(ctx).WithError(err).Warn("[SyncService.Sync] message %s failed", msg.ProviderMessageID)
		return
	}

	switch res.Status {
	case ingest.StatusIngested:
		report.Created++
	case ingest.StatusDuplicate:
		report.Duplicates++
	case ingest.StatusDropped:
		report.Dropped++
	}
}

func (s *Service) fetchFailed(ctx context.Context, conn *domain.ProviderConnection, err error) error {
	state, recErr := s.conns.RecordFailure(ctx, conn.ID, err.Error(), domain.MaxConsecutiveFailures)
	log := logger.WithContext(ctx).WithError(err)
	if recErr != nil {
		log.Error("[SyncService.Sync] failed to record fetch failure: %v", recErr)
	} else if !state.IsActive {
		log.Warn("[SyncService.Sync] connection %d deactivated after %d failures", conn.ID, state.ErrorCount)
	} else {
		log.Warn("[SyncService.Sync] fetch failed for connection %d (%d/%d)", conn.ID, state.ErrorCount, domain.MaxConsecutiveFailures)
	}

	if out.IsAuthError(err) {
		return apperr.ProviderAuth(string(conn.Provider), err)
	}
	return apperr.TransientProvider(string(conn.Provider), err)
}

// SyncAll syncs every active connection, Concurrency at a time. Individual
// failures are logged; only listing the connections can fail the call.
func (s *Service) SyncAll(ctx context.Context) error {
	conns, err := s.conns.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}

	limit := s.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for _, conn := range conns {
		id := conn.ID
		g.Go(func() error {
			_, err := s.Sync(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, ErrSyncInProgress):
				logger.Debug("[SyncService.SyncAll] connection %d already syncing", id)
			default:
				logger.WithError(err).Warn("[SyncService.SyncAll] connection %d sync failed", id)
			}
			return nil
		})
	}
	return g.Wait()
}

// RequestSync queues a sync job, or runs the sync inline when no publisher is
// set. queued reports which happened.
func (s *Service) RequestSync(ctx context.Context, tenantID, connectionID int64) (*in.SyncReport, bool, error) {
	conn, err := s.conns.GetByID(ctx, connectionID)
	if errors.Is(err, out.ErrNotFound) || (err == nil && conn.TenantID != tenantID) {
		return nil, false, apperr.NotFound("connection")
	}
	if err != nil {
		return nil, false, apperr.DatabaseError("get connection", err)
	}

	if s.publisher != nil {
		job := &out.SyncJob{
			ConnectionID: conn.ID,
			TenantID:     conn.TenantID,
			Reason:       "manual",
			RequestedAt:  s.now(),
		}
		err := s.publisher.PublishSyncRequested(ctx, job)
		if err == nil {
			return nil, true, nil
		}
		logger.WithContext(ctx).WithError(err).Warn("[SyncService.RequestSync] publish failed, syncing inline")
	}

	report, err := s.Sync(ctx, connectionID)
	if errors.Is(err, ErrSyncInProgress) {
		return nil, false, apperr.Conflict(err.Error())
	}
	return report, false, err
}
