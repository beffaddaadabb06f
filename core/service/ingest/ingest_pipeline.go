// Package ingest stores canonical messages as deduplicated, threaded records.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/core/service/extract"
	"ingest_server/core/service/threading"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// PreviewLength is the number of body runes kept on the thread.
const PreviewLength = 100

type Status string

const (
	StatusIngested  Status = "ingested"
	StatusDuplicate Status = "duplicate"
	// StatusDropped means no contact could be resolved for the counterpart.
	StatusDropped Status = "dropped"
)

// Input is one message ready to store. Body is already extracted and cleaned.
//
// Contact and Thread may be pre-resolved by the caller; the webhook does this
// because it addresses an existing contact directly.
type Input struct {
	TenantID   int64
	Provider   domain.Provider
	Connection *domain.ProviderConnection
	Contact    *domain.Contact
	Thread     *domain.Thread
	Message    domain.CanonicalMessage
	Body       string
}

type Result struct {
	Status    Status
	ThreadID  int64
	MessageID int64
	ContactID int64
}

// Pipeline resolves contact and thread, appends the message and records the
// activity. Publisher may be nil.
type Pipeline struct {
	contacts   out.ContactRepository
	threads    out.ThreadRepository
	messages   out.MessageRepository
	activities out.ActivityRepository
	publisher  out.EventPublisher
	now        func() time.Time
}

func NewPipeline(
	contacts out.ContactRepository,
	threads out.ThreadRepository,
	messages out.MessageRepository,
	activities out.ActivityRepository,
	publisher out.EventPublisher,
) *Pipeline {
	return &Pipeline{
		contacts:   contacts,
		threads:    threads,
		messages:   messages,
		activities: activities,
		publisher:  publisher,
		now:        time.Now,
	}
}

// WithClock replaces the clock used for last_activity_at.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Ingest stores in.Message once. A repeated provider message id returns
// StatusDuplicate with the stored ids and writes nothing.
func (p *Pipeline) Ingest(ctx context.Context, in *Input) (*Result, error) {
	msg := &in.Message
	if msg.ProviderMessageID == "" {
		return nil, apperr.MissingField("provider_message_id")
	}

	existing, err := p.messages.GetByProviderID(ctx, in.TenantID, in.Provider, msg.ProviderMessageID)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		return p.duplicate(in, existing), nil
	}

	contact := in.Contact
	if contact == nil {
		contact, err = p.resolveContact(ctx, in)
		if err != nil {
			return nil, err
		}
		if contact == nil {
			return &Result{Status: StatusDropped}, nil
		}
	}

	thread := in.Thread
	if thread == nil {
		thread, err = p.resolveThread(ctx, in.TenantID, contact, msg.Subject)
		if err != nil {
			return nil, err
		}
	}

	body := in.Body
	if strings.TrimSpace(body) == "" {
		body = extract.FallbackBody
	}

	at := p.now()
	stored := &domain.Message{
		TenantID:          in.TenantID,
		ThreadID:          thread.ID,
		Direction:         msg.Direction,
		Provider:          in.Provider,
		ProviderMessageID: msg.ProviderMessageID,
		FromEmail:         domain.ParseAddress(msg.From).Email,
		ToEmails:          addressList(msg.To),
		Subject:           msg.Subject,
		Body:              body,
		SentAt:            msg.Timestamp,
	}
	if stored.SentAt.IsZero() {
		stored.SentAt = at
	}

	created, err := p.messages.Append(ctx, stored, Preview(body), at)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if !created {
		// Lost a race with a concurrent ingest of the same message.
		existing, err := p.messages.GetByProviderID(ctx, in.TenantID, in.Provider, msg.ProviderMessageID)
		if err != nil || existing == nil {
			return &Result{Status: StatusDuplicate, ThreadID: thread.ID, ContactID: contact.ID}, nil
		}
		return p.duplicate(in, existing), nil
	}

	p.record(ctx, contact, thread, stored, at)

	return &Result{
		Status:    StatusIngested,
		ThreadID:  thread.ID,
		MessageID: stored.ID,
		ContactID: contact.ID,
	}, nil
}

func (p *Pipeline) duplicate(in *Input, existing *domain.Message) *Result {
	res := &Result{Status: StatusDuplicate, ThreadID: existing.ThreadID, MessageID: existing.ID}
	if in.Contact != nil {
		res.ContactID = in.Contact.ID
	}
	return res
}

// record writes the timeline entry and the ingested event. The message is
// already committed, so failures here are logged only.
func (p *Pipeline) record(ctx context.Context, contact *domain.Contact, thread *domain.Thread, msg *domain.Message, at time.Time) {
	activity := &domain.Activity{
		TenantID:   msg.TenantID,
		ContactID:  contact.ID,
		ThreadID:   thread.ID,
		MessageID:  msg.ID,
		Kind:       domain.ActivityKindFor(msg.Direction),
		OccurredAt: at,
	}
	if err := p.activities.Append(ctx, activity); err != nil {
		logger.WithContext(ctx).WithError(err).Error("[Pipeline.Ingest] failed to append activity for message %d", msg.ID)
	}

	if p.publisher == nil {
		return
	}
	event := &out.MessageIngestedEvent{
		TenantID:          msg.TenantID,
		ContactID:         contact.ID,
		ThreadID:          thread.ID,
		MessageID:         msg.ID,
		Direction:         string(msg.Direction),
		Provider:          string(msg.Provider),
		ProviderMessageID: msg.ProviderMessageID,
		OccurredAt:        at,
	}
	if err := p.publisher.PublishMessageIngested(ctx, event); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[Pipeline.Ingest] failed to publish ingested event for message %d", msg.ID)
	}
}

func (p *Pipeline) resolveContact(ctx context.Context, in *Input) (*domain.Contact, error) {
	addr := domain.ParseAddress(in.Message.Counterpart())
	if addr.Email == "" {
		return nil, nil
	}

	contact, err := p.contacts.GetByEmail(ctx, in.TenantID, addr.Email)
	if err != nil {
		return nil, fmt.Errorf("lookup contact: %w", err)
	}
	if contact != nil {
		return contact, nil
	}
	if in.Connection == nil || !in.Connection.MayCreateContacts() {
		return nil, nil
	}

	first, last := SplitName(addr.Name, addr.Email)
	contact = &domain.Contact{
		TenantID:  in.TenantID,
		Email:     addr.Email,
		FirstName: first,
		LastName:  last,
		Source:    domain.ContactSourceEmailSync,
	}
	if err := p.contacts.Create(ctx, contact); err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	logger.WithContext(ctx).Info("[Pipeline.Ingest] created contact %d for %s", contact.ID, addr.Email)
	return contact, nil
}

// FindThread looks a thread up by key and falls back to the contact's most
// recent thread with the same normalized subject. Returns nil, nil on miss.
func (p *Pipeline) FindThread(ctx context.Context, tenantID int64, contact *domain.Contact, subject string) (*domain.Thread, error) {
	key := threading.ThreadKey(subject, contact.Email)
	thread, err := p.threads.GetByKey(ctx, tenantID, key)
	if err != nil {
		return nil, fmt.Errorf("lookup thread: %w", err)
	}
	if thread != nil {
		return thread, nil
	}

	thread, err = p.threads.FindBySubject(ctx, tenantID, contact.ID, threading.NormalizeSubject(subject))
	if err != nil {
		return nil, fmt.Errorf("lookup thread by subject: %w", err)
	}
	return thread, nil
}

func (p *Pipeline) resolveThread(ctx context.Context, tenantID int64, contact *domain.Contact, subject string) (*domain.Thread, error) {
	thread, err := p.FindThread(ctx, tenantID, contact, subject)
	if err != nil || thread != nil {
		return thread, err
	}

	thread = &domain.Thread{
		TenantID:       tenantID,
		ContactID:      contact.ID,
		Subject:        strings.TrimSpace(subject),
		ThreadKey:      threading.ThreadKey(subject, contact.Email),
		LastActivityAt: p.now(),
	}
	if err := p.threads.GetOrCreate(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

// Preview is the first PreviewLength runes of body, with "..." when cut.
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= PreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:PreviewLength]) + "..."
}

func addressList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if a := domain.ParseAddress(r); a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}
