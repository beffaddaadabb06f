// Package gmail lists a Gmail mailbox through the Gmail API.
package gmail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/resilience"
)

const (
	defaultPageSize    = 100
	defaultConcurrency = 5
	sentLabel          = "SENT"
)

// Config tunes the source. Endpoint is only set by tests.
type Config struct {
	Endpoint         string
	PageSize         int64
	FetchConcurrency int
}

// Source implements out.MailSource for Gmail.
type Source struct {
	httpClient *http.Client
	cfg        Config
	cb         *resilience.Breaker
}

// NewSource creates a Gmail source. httpClient supplies the transport and
// timeout; the bearer token is added per call.
func NewSource(httpClient *http.Client, cfg Config) *Source {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultConcurrency
	}
	return &Source{
		httpClient: httpClient,
		cfg:        cfg,
		cb:         resilience.NewBreaker("gmail-api", tripsCircuit),
	}
}

func (s *Source) Provider() domain.Provider {
	return domain.ProviderGoogle
}

// FetchSince returns the messages received or sent after since, oldest first.
// Excluded domains and keywords are filtered by the search query.
func (s *Source) FetchSince(ctx context.Context, conn *domain.ProviderConnection, accessToken string, since time.Time) ([]domain.CanonicalMessage, error) {
	svc, err := s.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	query := BuildQuery(since, conn.ExcludedDomains, conn.ExcludedKeywords)
	ids, err := s.listIDs(ctx, svc, query)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := s.fetchAll(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	logger.WithContext(ctx).
		WithField("connection_id", conn.ID).
		WithField("listed", len(ids)).
		WithField("fetched", len(messages)).
		Debug("[GmailSource.FetchSince] query=%q", query)

	return messages, nil
}

func (s *Source) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   s.httpClient.Transport,
		},
		Timeout: s.httpClient.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if s.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

func (s *Source) listIDs(ctx context.Context, svc *gmail.Service, query string) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		var resp *gmail.ListMessagesResponse
		err := s.cb.Execute(func() error {
			call := svc.Users.Messages.List("me").
				Q(query).
				MaxResults(s.cfg.PageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, wrapError(err, "list messages")
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// fetchAll fetches raw messages with bounded concurrency. A message deleted
// between list and get is skipped; any other failure aborts the fetch.
func (s *Source) fetchAll(ctx context.Context, svc *gmail.Service, ids []string) ([]domain.CanonicalMessage, error) {
	results := make([]*domain.CanonicalMessage, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.cfg.FetchConcurrency)

	for i, id := range ids {
		wg.Add(1)
		go func(idx int, messageID string) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				errs[idx] = ctx.Err()
				return
			}

			var raw *gmail.Message
			err := s.cb.Execute(func() error {
				var err error
				raw, err = svc.Users.Messages.Get("me", messageID).
					Format("raw").
					Context(ctx).
					Do()
				return err
			})
			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
					logger.Warn("[GmailSource.fetchAll] message %s disappeared before fetch", messageID)
					return
				}
				errs[idx] = wrapError(err, "get message")
				return
			}

			msg, err := ParseRawMessage(raw)
			if err != nil {
				logger.WithError(err).Warn("[GmailSource.fetchAll] dropping unparseable message %s", messageID)
				return
			}
			results[idx] = msg
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	messages := make([]domain.CanonicalMessage, 0, len(results))
	for _, m := range results {
		if m != nil {
			messages = append(messages, *m)
		}
	}
	return messages, nil
}

// ParseRawMessage turns a format=raw Gmail message into a canonical message.
// The full MIME source is kept as the body for the extractor's MIME walk.
func ParseRawMessage(m *gmail.Message) (*domain.CanonicalMessage, error) {
	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw: %w", err)
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	msg := &domain.CanonicalMessage{
		Direction:         domain.DirectionInbound,
		RawBody:           string(raw),
		BodyKind:          domain.BodyMIME,
		ProviderMessageID: m.Id,
	}
	for _, label := range m.LabelIds {
		if label == sentLabel {
			msg.Direction = domain.DirectionOutbound
			break
		}
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}
	msg.To = recipients(h)

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	switch {
	case m.InternalDate > 0:
		msg.Timestamp = time.UnixMilli(m.InternalDate).UTC()
	default:
		if date, err := h.Date(); err == nil {
			msg.Timestamp = date.UTC()
		}
	}

	return msg, nil
}

func recipients(h mail.Header) []string {
	var to []string
	for _, key := range []string{"To", "Cc"} {
		list, err := h.AddressList(key)
		if err != nil {
			if v := strings.TrimSpace(h.Get(key)); v != "" {
				to = append(to, v)
			}
			continue
		}
		for _, a := range list {
			to = append(to, a.String())
		}
	}
	return to
}

// decodeRaw accepts padded and unpadded base64url.
func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// tripsCircuit keeps client errors out of the breaker's failure count.
func tripsCircuit(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403, 404:
			return false
		}
	}
	return !errors.Is(err, context.Canceled)
}

// wrapError maps Gmail API errors to provider errors.
func wrapError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrOpen) {
		return out.NewProviderError(domain.ProviderGoogle, out.ProviderErrServer, operation+": circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return out.ProviderErrorFromStatus(domain.ProviderGoogle, apiErr.Code, operation, err)
	}
	return out.NewProviderError(domain.ProviderGoogle, out.ProviderErrNetwork, operation, err, true)
}

var _ out.MailSource = (*Source)(nil)
