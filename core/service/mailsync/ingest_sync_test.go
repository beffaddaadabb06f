package mailsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"ingest_server/adapter/out/lease"
	"ingest_server/adapter/out/memory"
	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/extract"
	"ingest_server/core/service/ingest"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/metrics"
	"ingest_server/pkg/ratelimit"
)

var syncNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	provider domain.Provider
	messages []domain.CanonicalMessage
	err      error

	mu     sync.Mutex
	sinces []time.Time
	tokens []string
}

func (f *fakeSource) Provider() domain.Provider { return f.provider }

func (f *fakeSource) FetchSince(ctx context.Context, conn *domain.ProviderConnection, accessToken string, since time.Time) ([]domain.CanonicalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	f.tokens = append(f.tokens, accessToken)
	if _, partial := out.AsPartialFetch(f.err); f.err != nil && !partial {
		return nil, f.err
	}
	return append([]domain.CanonicalMessage(nil), f.messages...), f.err
}

// blockingSource holds FetchSince until the context ends.
type blockingSource struct {
	hadDeadline bool
}

func (b *blockingSource) Provider() domain.Provider { return domain.ProviderMicrosoft }

func (b *blockingSource) FetchSince(ctx context.Context, conn *domain.ProviderConnection, accessToken string, since time.Time) ([]domain.CanonicalMessage, error) {
	_, b.hadDeadline = ctx.Deadline()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, nil
	}
}

type staticTokens struct{ err error }

func (s staticTokens) EnsureValid(ctx context.Context, conn *domain.ProviderConnection) (string, error) {
	return "access-" + string(conn.Provider), s.err
}

type queuePublisher struct{ jobs []*out.SyncJob }

func (q *queuePublisher) PublishSyncRequested(ctx context.Context, job *out.SyncJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *queuePublisher) PublishMessageIngested(ctx context.Context, event *out.MessageIngestedEvent) error {
	return nil
}

type harness struct {
	svc     *Service
	store   *memory.Store
	source  *fakeSource
	locker  *lease.LocalLocker
	conn    *domain.ProviderConnection
	metrics *metrics.SyncMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	for _, email := range []string{"client@acme.io", "buyer@acme.io"} {
		if err := store.Contacts().Create(ctx, &domain.Contact{TenantID: 1, Email: email}); err != nil {
			t.Fatal(err)
		}
	}
	conn := &domain.ProviderConnection{
		TenantID:            1,
		Provider:            domain.ProviderMicrosoft,
		Email:               "me@crm.example",
		IsActive:            true,
		SyncOnlyCRMContacts: true,
		ExcludedDomains:     []string{"family.net"},
	}
	if err := store.Connections().Create(ctx, conn); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{
		provider: domain.ProviderMicrosoft,
		messages: []domain.CanonicalMessage{
			{
				Direction: domain.DirectionInbound, From: "Client <client@acme.io>", To: []string{"me@crm.example"},
				Subject: "Re: Renewal", RawBody: "<p>Yes, renew for a year.</p>", BodyKind: domain.BodyHTML,
				ProviderMessageID: "AAMk-1", Timestamp: syncNow.Add(-2 * time.Hour),
			},
			{
				Direction: domain.DirectionOutbound, From: "me@crm.example", To: []string{"buyer@acme.io"},
				Subject: "Invoice", RawBody: "Attached is the invoice.", BodyKind: domain.BodyText,
				ProviderMessageID: "AAMk-2", Timestamp: syncNow.Add(-time.Hour),
			},
			{
				Direction: domain.DirectionInbound, From: "mom@family.net", To: []string{"me@crm.example"},
				Subject: "Dinner", RawBody: "Sunday?", BodyKind: domain.BodyText,
				ProviderMessageID: "AAMk-3", Timestamp: syncNow.Add(-time.Hour),
			},
			{
				Direction: domain.DirectionInbound, From: "stranger@else.com", To: []string{"me@crm.example"},
				Subject: "Cold pitch", RawBody: "Buy our thing", BodyKind: domain.BodyText,
				ProviderMessageID: "AAMk-4", Timestamp: syncNow.Add(-time.Hour),
			},
		},
	}

	pipeline := ingest.NewPipeline(store.Contacts(), store.Threads(), store.Messages(), store.Activities(), nil).
		WithClock(func() time.Time { return syncNow })
	locker := lease.NewLocalLocker()
	svc := NewService(store.Connections(), staticTokens{}, locker, nil, extract.NewExtractor(), pipeline, DefaultConfig(), source)
	svc.SetClock(func() time.Time { return syncNow })
	rec := metrics.NewSyncMetrics(10)
	svc.SetRecorder(rec)

	return &harness{svc: svc, store: store, source: source, locker: locker, conn: conn, metrics: rec}
}

func TestService_Sync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.svc.Sync(ctx, h.conn.ID)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Fetched != 4 || report.Created != 2 || report.Dropped != 2 || report.Duplicates != 0 || report.Failed != 0 {
		t.Errorf("Sync() report = %+v, want fetched 4 created 2 dropped 2", report)
	}
	if want := syncNow.Add(-DefaultConfig().InitialLookback); !h.source.sinces[0].Equal(want) {
		t.Errorf("first since = %v, want %v", h.source.sinces[0], want)
	}
	if h.source.tokens[0] != "access-microsoft" {
		t.Errorf("token = %q", h.source.tokens[0])
	}

	stored, _ := h.store.Connections().GetByID(ctx, h.conn.ID)
	if stored.LastSyncAt == nil || !stored.LastSyncAt.Equal(syncNow) {
		t.Errorf("last_sync_at = %v, want %v", stored.LastSyncAt, syncNow)
	}

	msg, _ := h.store.Messages().GetByProviderID(ctx, 1, domain.ProviderMicrosoft, "AAMk-1")
	if msg == nil || msg.Body != "Yes, renew for a year." {
		t.Errorf("html message body = %+v", msg)
	}
}

func TestService_Sync_KeywordsMatchDecodedText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := &domain.ProviderConnection{
		TenantID:         1,
		Provider:         domain.ProviderGoogle,
		Email:            "me@crm.example",
		IsActive:         true,
		ExcludedKeywords: []string{"google", "payroll"},
	}
	if err := h.store.Connections().Create(ctx, conn); err != nil {
		t.Fatal(err)
	}
	source := &fakeSource{
		provider: domain.ProviderGoogle,
		messages: []domain.CanonicalMessage{
			{
				Direction: domain.DirectionInbound, From: "client@acme.io", To: []string{"me@crm.example"},
				Subject: "Renewal", BodyKind: domain.BodyMIME, ProviderMessageID: "g-1", Timestamp: syncNow.Add(-time.Hour),
				RawBody: "Received: by mail-ed1.google.com\r\nFrom: client@acme.io\r\nContent-Type: text/plain\r\n\r\nHappy to renew.\r\n",
			},
			{
				Direction: domain.DirectionInbound, From: "client@acme.io", To: []string{"me@crm.example"},
				Subject: "Numbers", BodyKind: domain.BodyMIME, ProviderMessageID: "g-2", Timestamp: syncNow.Add(-time.Hour),
				RawBody: "From: client@acme.io\r\nContent-Type: text/plain\r\nContent-Transfer-Encoding: base64\r\n\r\n" +
					"UGF5cm9sbCBudW1iZXJzIGF0dGFjaGVk\r\n",
			},
		},
	}
	pipeline := ingest.NewPipeline(h.store.Contacts(), h.store.Threads(), h.store.Messages(), h.store.Activities(), nil).
		WithClock(func() time.Time { return syncNow })
	svc := NewService(h.store.Connections(), staticTokens{}, lease.NewLocalLocker(), nil, extract.NewExtractor(), pipeline, DefaultConfig(), source)
	svc.SetClock(func() time.Time { return syncNow })

	report, err := svc.Sync(ctx, conn.ID)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.Created != 1 || report.Dropped != 1 {
		t.Errorf("Sync() report = %+v, want created 1 dropped 1", report)
	}
	if msg, _ := h.store.Messages().GetByProviderID(ctx, 1, domain.ProviderGoogle, "g-1"); msg == nil {
		t.Error("message with keyword only in transport headers was dropped")
	}
	if msg, _ := h.store.Messages().GetByProviderID(ctx, 1, domain.ProviderGoogle, "g-2"); msg != nil {
		t.Error("message with keyword in encoded body was stored")
	}
}

func TestService_Sync_RerunCreatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Sync(ctx, h.conn.ID); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	before := h.store.MessageCount()

	report, err := h.svc.Sync(ctx, h.conn.ID)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if report.Created != 0 || report.Duplicates != 2 {
		t.Errorf("second Sync() report = %+v, want 0 created 2 duplicates", report)
	}
	if got := h.store.MessageCount(); got != before {
		t.Errorf("messages after re-sync = %d, want %d", got, before)
	}
	if !h.source.sinces[1].Equal(syncNow) {
		t.Errorf("second since = %v, want cursor %v", h.source.sinces[1], syncNow)
	}
}

func TestService_Sync_RecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Sync(ctx, h.conn.ID); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	h.source.err = out.ProviderErrorFromStatus(domain.ProviderMicrosoft, http.StatusBadGateway, "list messages", nil)
	_, _ = h.svc.Sync(ctx, h.conn.ID)

	got := h.metrics.Snapshot()["microsoft"]
	if got.Runs != 2 || got.Errors != 1 || got.Created != 2 || got.Dropped != 2 {
		t.Errorf("metrics = %+v, want 2 runs 1 error 2 created 2 dropped", got)
	}
}

func TestService_Sync_LeaseHeld(t *testing.T) {
	h := newHarness(t)
	release, err := h.locker.Acquire(context.Background(), h.conn.ID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := h.svc.Sync(context.Background(), h.conn.ID); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Sync() error = %v, want ErrSyncInProgress", err)
	}
	if len(h.source.sinces) != 0 {
		t.Error("provider fetched while lease was held")
	}
}

func TestService_Sync_CycleBoundedByLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := &blockingSource{}
	cfg := DefaultConfig()
	cfg.LeaseTTL = 50 * time.Millisecond
	pipeline := ingest.NewPipeline(h.store.Contacts(), h.store.Threads(), h.store.Messages(), h.store.Activities(), nil)
	svc := NewService(h.store.Connections(), staticTokens{}, h.locker, nil, extract.NewExtractor(), pipeline, cfg, source)

	start := time.Now()
	_, err := svc.Sync(ctx, h.conn.ID)
	if !apperr.HasCode(err, apperr.CodeTimeout) {
		t.Fatalf("Sync() error = %v, want %s", err, apperr.CodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Sync() took %v, want it cut at the lease TTL", elapsed)
	}
	if !source.hadDeadline {
		t.Error("FetchSince() ran without a deadline")
	}

	stored, _ := h.store.Connections().GetByID(ctx, h.conn.ID)
	if stored.SyncErrorCount != 0 || stored.LastSyncAt != nil {
		t.Errorf("connection after timeout = errors %d last_sync_at %v, want untouched", stored.SyncErrorCount, stored.LastSyncAt)
	}

	release, err := h.locker.Acquire(ctx, h.conn.ID, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after timed out cycle error = %v", err)
	}
	release()
}

func TestService_Sync_TruncatedListingHoldsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	until := syncNow.Add(-90 * time.Minute)
	h.source.err = &out.PartialFetchError{Provider: domain.ProviderMicrosoft, Until: until}

	report, err := h.svc.Sync(ctx, h.conn.ID)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !report.Truncated || !report.Until.Equal(until) || report.Created != 2 {
		t.Errorf("Sync() report = %+v, want truncated at %v with 2 created", report, until)
	}
	stored, _ := h.store.Connections().GetByID(ctx, h.conn.ID)
	if stored.LastSyncAt == nil || !stored.LastSyncAt.Equal(until) {
		t.Errorf("last_sync_at = %v, want %v", stored.LastSyncAt, until)
	}

	h.source.err = nil
	if _, err := h.svc.Sync(ctx, h.conn.ID); err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if !h.source.sinces[1].Equal(until) {
		t.Errorf("second since = %v, want %v", h.source.sinces[1], until)
	}
}

func TestService_Sync_FetchFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"server error", out.ProviderErrorFromStatus(domain.ProviderMicrosoft, http.StatusBadGateway, "list messages", nil), apperr.CodeProviderUnavailable},
		{"unauthorized", out.ProviderErrorFromStatus(domain.ProviderMicrosoft, http.StatusUnauthorized, "list messages", nil), apperr.CodeProviderAuth},
		{"network", context.DeadlineExceeded, apperr.CodeProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.source.err = tt.err

			_, err := h.svc.Sync(context.Background(), h.conn.ID)
			if !apperr.HasCode(err, tt.wantCode) {
				t.Fatalf("Sync() error = %v, want %s", err, tt.wantCode)
			}
			stored, _ := h.store.Connections().GetByID(context.Background(), h.conn.ID)
			if stored.SyncErrorCount != 1 || stored.LastSyncAt != nil {
				t.Errorf("connection = count %d cursor %v, want 1 and unchanged", stored.SyncErrorCount, stored.LastSyncAt)
			}
		})
	}
}

func TestService_Sync_DeactivatesAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("connection reset")

	for i := 0; i < domain.MaxConsecutiveFailures; i++ {
		_, _ = h.svc.Sync(context.Background(), h.conn.ID)
	}
	_, err := h.svc.Sync(context.Background(), h.conn.ID)
	if !apperr.HasCode(err, apperr.CodeProviderAuth) {
		t.Errorf("Sync() on deactivated connection error = %v, want %s", err, apperr.CodeProviderAuth)
	}
	if got := len(h.source.sinces); got != domain.MaxConsecutiveFailures {
		t.Errorf("fetch attempts = %d, want %d", got, domain.MaxConsecutiveFailures)
	}
}

func TestService_Sync_TokenFailure(t *testing.T) {
	h := newHarness(t)
	h.svc.tokens = staticTokens{err: apperr.ProviderAuth("microsoft", errors.New("invalid_grant"))}

	if _, err := h.svc.Sync(context.Background(), h.conn.ID); !apperr.HasCode(err, apperr.CodeProviderAuth) {
		t.Errorf("Sync() error = %v, want %s", err, apperr.CodeProviderAuth)
	}
	if len(h.source.sinces) != 0 {
		t.Error("provider fetched without a token")
	}
}

func TestService_Sync_RateLimited(t *testing.T) {
	h := newHarness(t)
	h.svc.limiter = ratelimit.New(nil, &ratelimit.Config{Requests: 1, Window: time.Hour, MaxWait: time.Millisecond})

	if _, err := h.svc.Sync(context.Background(), h.conn.ID); err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if _, err := h.svc.Sync(context.Background(), h.conn.ID); !apperr.HasCode(err, apperr.CodeRateLimited) {
		t.Errorf("second Sync() error = %v, want %s", err, apperr.CodeRateLimited)
	}
}

func TestService_SyncAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := &domain.ProviderConnection{TenantID: 1, Provider: domain.ProviderMicrosoft, Email: "other@crm.example", IsActive: true}
	inactive := &domain.ProviderConnection{TenantID: 1, Provider: domain.ProviderMicrosoft, Email: "off@crm.example"}
	_ = h.store.Connections().Create(ctx, other)
	_ = h.store.Connections().Create(ctx, inactive)

	if err := h.svc.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll() error = %v", err)
	}
	if got := len(h.source.sinces); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
	for _, id := range []int64{h.conn.ID, other.ID} {
		stored, _ := h.store.Connections().GetByID(ctx, id)
		if stored.LastSyncAt == nil {
			t.Errorf("connection %d cursor not advanced", id)
		}
	}
}

func TestService_RequestSync(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		h := newHarness(t)
		pub := &queuePublisher{}
		h.svc.SetPublisher(pub)

		report, queued, err := h.svc.RequestSync(context.Background(), 1, h.conn.ID)
		if err != nil || !queued || report != nil {
			t.Fatalf("RequestSync() = %v, %v, %v, want queued", report, queued, err)
		}
		if len(pub.jobs) != 1 || pub.jobs[0].ConnectionID != h.conn.ID {
			t.Errorf("published jobs = %+v", pub.jobs)
		}
	})

	t.Run("inline", func(t *testing.T) {
		h := newHarness(t)
		report, queued, err := h.svc.RequestSync(context.Background(), 1, h.conn.ID)
		if err != nil || queued || report == nil || report.Created != 2 {
			t.Errorf("RequestSync() = %+v, %v, %v, want inline report", report, queued, err)
		}
	})

	t.Run("other tenant", func(t *testing.T) {
		h := newHarness(t)
		_, _, err := h.svc.RequestSync(context.Background(), 2, h.conn.ID)
		if apperr.GetHTTPStatus(err) != http.StatusNotFound {
			t.Errorf("RequestSync() error = %v, want 404", err)
		}
	})
}
