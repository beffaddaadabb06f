package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"ingest_server/core/domain"
	"ingest_server/core/port/in"
	"ingest_server/core/port/out"
	"ingest_server/core/service/extract"
	"ingest_server/pkg/apperr"
	"ingest_server/pkg/logger"
)

// ReplyLocalPrefix is the local-part prefix of reply-tracking addresses.
const ReplyLocalPrefix = "replies+"

// InboundService handles inbound-parse webhook deliveries. It never calls a
// provider.
type InboundService struct {
	contacts  out.ContactRepository
	pipeline  *Pipeline
	extractor *extract.Extractor
	now       func() time.Time
}

func NewInboundService(contacts out.ContactRepository, pipeline *Pipeline, extractor *extract.Extractor) *InboundService {
	return &InboundService{
		contacts:  contacts,
		pipeline:  pipeline,
		extractor: extractor,
		now:       time.Now,
	}
}

var _ in.InboundEmailService = (*InboundService)(nil)

// Receive ingests one reply addressed to replies+{contact_id}@domain. The
// contact and its thread must already exist.
func (s *InboundService) Receive(ctx context.Context, req *in.InboundEmailRequest) (*in.InboundEmailResult, error) {
	contactID, err := ParseReplyAddress(req.To)
	if err != nil {
		return nil, err
	}

	contact, err := s.contacts.GetByID(ctx, contactID)
	if errors.Is(err, out.ErrNotFound) || (err == nil && contact == nil) {
		return nil, apperr.NotFound("contact")
	}
	if err != nil {
		return nil, apperr.DatabaseError("get contact", err)
	}
	ctx = logger.ContextWithTenant(ctx, contact.TenantID)

	extracted := s.extractor.Extract(extract.Payload{
		Text:    req.Text,
		HTML:    req.HTML,
		RawMIME: req.RawMIME,
		Fields:  req.Fields,
	})
	logger.WithContext(ctx).Debug("[InboundService.Receive] contact %d body from %s", contactID, extracted)

	thread, err := s.pipeline.FindThread(ctx, contact.TenantID, contact, req.Subject)
	if err != nil {
		return nil, apperr.DatabaseError("find thread", err)
	}
	if thread == nil {
		return nil, apperr.NotFound("thread")
	}

	headers := parseHeaderBlock(req.Headers)
	messageID := headerMessageID(headers)
	if messageID == "" {
		messageID = FallbackMessageID(req.From, req.To, req.Subject, extracted.Text)
	}
	sentAt := headerDate(headers)
	if sentAt.IsZero() {
		sentAt = s.now()
	}

	res, err := s.pipeline.Ingest(ctx, &Input{
		TenantID: contact.TenantID,
		Provider: domain.ProviderSendGrid,
		Contact:  contact,
		Thread:   thread,
		Message: domain.CanonicalMessage{
			Direction:         domain.DirectionInbound,
			From:              req.From,
			To:                []string{req.To},
			Subject:           req.Subject,
			BodyKind:          domain.BodyText,
			ProviderMessageID: messageID,
			Timestamp:         sentAt,
		},
		Body: extracted.Text,
	})
	if err != nil {
		if apperr.IsAppError(err) {
			return nil, err
		}
		return nil, apperr.DatabaseError("ingest reply", err)
	}

	return &in.InboundEmailResult{
		ThreadID:         res.ThreadID,
		ReplyID:          res.MessageID,
		ExtractedContent: extracted.Text,
		Duplicate:        res.Status == StatusDuplicate,
	}, nil
}

// ParseReplyAddress returns the contact id encoded in a reply-tracking
// address. The first recipient whose local part starts with "replies+" is
// used, and the id is the digits after its last "+".
func ParseReplyAddress(to string) (int64, error) {
	local, ok := replyLocalPart(to)
	if !ok {
		return 0, apperr.MalformedPayload("to", "no replies+{contact_id} recipient")
	}

	raw := local[strings.LastIndex(local, "+")+1:]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.MalformedPayload("to", "contact id is not a positive integer")
	}
	return id, nil
}

func replyLocalPart(to string) (string, bool) {
	var candidates []string
	if list, err := mail.ParseAddressList(to); err == nil {
		for _, a := range list {
			candidates = append(candidates, a.Address)
		}
	} else {
		for _, part := range strings.Split(to, ",") {
			candidates = append(candidates, domain.ParseAddress(part).Email)
		}
	}

	for _, addr := range candidates {
		at := strings.LastIndex(addr, "@")
		if at <= 0 {
			continue
		}
		local := strings.ToLower(addr[:at])
		if strings.HasPrefix(local, ReplyLocalPrefix) {
			return local, true
		}
	}
	return "", false
}

// FallbackMessageID identifies a delivery without a Message-ID header, so
// that webhook retries still dedup.
func FallbackMessageID(from, to, subject, body string) string {
	sum := sha256.Sum256([]byte(from + "|" + to + "|" + subject + "|" + body))
	return hex.EncodeToString(sum[:])
}

func parseHeaderBlock(raw string) textproto.Header {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return textproto.Header{}
	}
	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(raw + "\r\n\r\n")))
	if err != nil {
		logger.Debug("[InboundService] unparseable headers field: %v", err)
	}
	return h
}

func headerMessageID(h textproto.Header) string {
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
}

func headerDate(h textproto.Header) time.Time {
	raw := h.Get("Date")
	if raw == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
