// Package memory is an in-process implementation of the repository ports,
// used when no database is configured and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	nextID      int64
	connections map[int64]*domain.ProviderConnection
	contacts    map[int64]*domain.Contact
	threads     map[int64]*domain.Thread
	messages    map[int64]*domain.Message
	activities  []*domain.Activity
}

func NewStore() *Store {
	return &Store{
		connections: make(map[int64]*domain.ProviderConnection),
		contacts:    make(map[int64]*domain.Contact),
		threads:     make(map[int64]*domain.Thread),
		messages:    make(map[int64]*domain.Message),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Connections() *ConnectionRepository { return &ConnectionRepository{s} }
func (s *Store) Contacts() *ContactRepository       { return &ContactRepository{s} }
func (s *Store) Threads() *ThreadRepository         { return &ThreadRepository{s} }
func (s *Store) Messages() *MessageRepository       { return &MessageRepository{s} }
func (s *Store) Activities() *ActivityRepository    { return &ActivityRepository{s} }

// Snapshot helpers for callers that inspect state directly.

func (s *Store) Thread(id int64) *domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[id]; ok {
		c := *t
		return &c
	}
	return nil
}

func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) ActivityLog() []domain.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Activity, len(s.activities))
	for i, a := range s.activities {
		out[i] = *a
	}
	return out
}

// ConnectionRepository implements out.ConnectionRepository.
type ConnectionRepository struct{ s *Store }

var _ out.ConnectionRepository = (*ConnectionRepository)(nil)

func (r *ConnectionRepository) GetByID(ctx context.Context, id int64) (*domain.ProviderConnection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ConnectionRepository) GetByEmail(ctx context.Context, tenantID int64, provider domain.Provider, email string) (*domain.ProviderConnection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.connections {
		if c.TenantID == tenantID && c.Provider == provider && strings.EqualFold(c.Email, email) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ConnectionRepository) ListActive(ctx context.Context) ([]*domain.ProviderConnection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*domain.ProviderConnection
	for _, c := range r.s.connections {
		if c.IsActive {
			cp := *c
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *ConnectionRepository) Create(ctx context.Context, conn *domain.ProviderConnection) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	conn.ID = r.s.id()
	conn.CreatedAt, conn.UpdatedAt = now, now
	cp := *conn
	r.s.connections[conn.ID] = &cp
	return nil
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return out.ErrNotFound
	}
	c.AccessToken, c.RefreshToken, c.ExpiresAt = accessToken, refreshToken, expiresAt
	if len(scopes) > 0 {
		c.Scopes = scopes
	}
	c.SyncErrorCount, c.LastError, c.IsActive = 0, "", true
	c.UpdatedAt = time.Now()
	return nil
}

func (r *ConnectionRepository) RecordFailure(ctx context.Context, id int64, lastError string, maxFailures int) (*out.FailureState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	c.SyncErrorCount++
	c.LastError = lastError
	if c.SyncErrorCount >= maxFailures {
		c.IsActive = false
	}
	c.UpdatedAt = time.Now()
	return &out.FailureState{ErrorCount: c.SyncErrorCount, IsActive: c.IsActive}, nil
}

func (r *ConnectionRepository) RecordSyncSuccess(ctx context.Context, id int64, lastSyncAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.connections[id]
	if !ok {
		return out.ErrNotFound
	}
	at := lastSyncAt
	c.LastSyncAt = &at
	c.SyncErrorCount, c.LastError = 0, ""
	c.UpdatedAt = time.Now()
	return nil
}

// ContactRepository implements out.ContactRepository.
type ContactRepository struct{ s *Store }

var _ out.ContactRepository = (*ContactRepository)(nil)

func (r *ContactRepository) GetByID(ctx context.Context, id int64) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, out.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ContactRepository) GetByEmail(ctx context.Context, tenantID int64, email string) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, c := range r.s.contacts {
		if c.TenantID == tenantID && c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ContactRepository) Create(ctx context.Context, contact *domain.Contact) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	contact.Email = strings.ToLower(strings.TrimSpace(contact.Email))
	for _, c := range r.s.contacts {
		if c.TenantID == contact.TenantID && c.Email == contact.Email {
			*contact = *c
			return nil
		}
	}
	if contact.ID == 0 {
		contact.ID = r.s.id()
	}
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = time.Now()
	}
	cp := *contact
	r.s.contacts[contact.ID] = &cp
	return nil
}

// ThreadRepository implements out.ThreadRepository.
type ThreadRepository struct{ s *Store }

var _ out.ThreadRepository = (*ThreadRepository)(nil)

func (r *ThreadRepository) GetByKey(ctx context.Context, tenantID int64, threadKey string) (*domain.Thread, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.threads {
		if t.TenantID == tenantID && t.ThreadKey == threadKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *ThreadRepository) FindBySubject(ctx context.Context, tenantID, contactID int64, normalizedSubject string) (*domain.Thread, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *domain.Thread
	for _, t := range r.s.threads {
		if t.TenantID != tenantID || t.ContactID != contactID || !strings.HasPrefix(t.ThreadKey, normalizedSubject+domain.ThreadKeySeparator) {
			continue
		}
		if best == nil || t.LastActivityAt.After(best.LastActivityAt) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (r *ThreadRepository) GetOrCreate(ctx context.Context, thread *domain.Thread) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.threads {
		if t.TenantID == thread.TenantID && t.ThreadKey == thread.ThreadKey {
			*thread = *t
			return nil
		}
	}
	thread.ID = r.s.id()
	thread.CreatedAt = time.Now()
	cp := *thread
	r.s.threads[thread.ID] = &cp
	return nil
}

// MessageRepository implements out.MessageRepository.
type MessageRepository struct{ s *Store }

var _ out.MessageRepository = (*MessageRepository)(nil)

func (r *MessageRepository) GetByProviderID(ctx context.Context, tenantID int64, provider domain.Provider, providerMessageID string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m := r.s.findMessage(tenantID, provider, providerMessageID); m != nil {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) findMessage(tenantID int64, provider domain.Provider, providerMessageID string) *domain.Message {
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.Provider == provider && m.ProviderMessageID == providerMessageID {
			return m
		}
	}
	return nil
}

func (r *MessageRepository) Append(ctx context.Context, msg *domain.Message, preview string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.findMessage(msg.TenantID, msg.Provider, msg.ProviderMessageID) != nil {
		return false, nil
	}
	thread, ok := r.s.threads[msg.ThreadID]
	if !ok {
		return false, out.ErrNotFound
	}

	msg.ID = r.s.id()
	msg.CreatedAt = at
	cp := *msg
	r.s.messages[msg.ID] = &cp

	thread.MessageCount++
	thread.Preview = preview
	thread.LastActivityAt = at
	return true, nil
}

// ActivityRepository implements out.ActivityRepository.
type ActivityRepository struct{ s *Store }

var _ out.ActivityRepository = (*ActivityRepository)(nil)

func (r *ActivityRepository) Append(ctx context.Context, activity *domain.Activity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	activity.ID = r.s.id()
	cp := *activity
	r.s.activities = append(r.s.activities, &cp)
	return nil
}
