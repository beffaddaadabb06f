// Package outlook lists an Office 365 mailbox through Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/goccy/go-json"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
	"ingest_server/pkg/resilience"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize     = 50
	// defaultMaxPages bounds one folder listing per cycle.
	defaultMaxPages = 200
)

// folders are listed in this order; the folder decides the direction.
var folders = []struct {
	name      string
	direction domain.Direction
}{
	{"inbox", domain.DirectionInbound},
	{"sentitems", domain.DirectionOutbound},
}

// Source implements out.MailSource for Microsoft Graph.
type Source struct {
	client   *http.Client
	baseURL  string
	cb       *resilience.Breaker
	maxPages int
}

// NewSource creates a Graph source. An empty baseURL means the public v1.0
// endpoint.
func NewSource(client *http.Client, baseURL string) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	return &Source{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cb:       resilience.NewBreaker("graph-api", tripsCircuit),
		maxPages: defaultMaxPages,
	}
}

func (s *Source) Provider() domain.Provider {
	return domain.ProviderMicrosoft
}

// FetchSince lists inbox and sent items received at or after since, oldest
// first. Graph has no negative search, so excluded domains are dropped here.
// Keywords are matched later against the extracted text.
//
// A folder longer than the page bound is cut; the result then carries an
// *out.PartialFetchError with the received time of the last listed message.
func (s *Source) FetchSince(ctx context.Context, conn *domain.ProviderConnection, accessToken string, since time.Time) ([]domain.CanonicalMessage, error) {
	var messages []domain.CanonicalMessage
	var partial *out.PartialFetchError
	excluded := 0

	for _, f := range folders {
		listed, truncated, err := s.listFolder(ctx, accessToken, f.name, since)
		if err != nil {
			return nil, err
		}
		if truncated && len(listed) > 0 {
			until, _ := time.Parse(time.RFC3339, listed[len(listed)-1].ReceivedDateTime)
			if partial == nil || until.Before(partial.Until) {
				partial = &out.PartialFetchError{Provider: domain.ProviderMicrosoft, Until: until}
			}
		}
		for i := range listed {
			msg := convertMessage(&listed[i], f.direction)
			if conn.ExcludesDomain(&msg) {
				excluded++
				continue
			}
			messages = append(messages, msg)
		}
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	logger.WithContext(ctx).
		WithField("connection_id", conn.ID).
		WithField("fetched", len(messages)).
		WithField("excluded", excluded).
		Debug("[GraphSource.FetchSince] since=%s", since.UTC().Format(time.RFC3339))

	if partial != nil {
		return messages, partial
	}
	return messages, nil
}

// listFolder reports truncated when nextLink was still set after the last
// allowed page.
func (s *Source) listFolder(ctx context.Context, accessToken, folder string, since time.Time) ([]graphMessage, bool, error) {
	params := url.Values{}
	params.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$top", fmt.Sprintf("%d", pageSize))
	params.Set("$select", "id,subject,body,from,toRecipients,ccRecipients,receivedDateTime,sentDateTime")

	next := fmt.Sprintf("%s/me/mailFolders/%s/messages?%s", s.baseURL, folder, params.Encode())

	var all []graphMessage
	for page := 0; next != "" && page < s.maxPages; page++ {
		var resp graphPage
		err := s.cb.Execute(func() error {
			return s.get(ctx, accessToken, next, &resp)
		})
		if err != nil {
			if errors.Is(err, resilience.ErrOpen) {
				return nil, false, out.NewProviderError(domain.ProviderMicrosoft, out.ProviderErrServer, "list "+folder+": circuit open", err, true)
			}
			return nil, false, err
		}
		all = append(all, resp.Value...)
		next = resp.NextLink
	}
	return all, next != "", nil
}

func (s *Source) get(ctx context.Context, accessToken, rawURL string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	return s.doRequest(req, result)
}

func (s *Source) doRequest(req *http.Request, result interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return out.NewProviderError(domain.ProviderMicrosoft, out.ProviderErrNetwork, "graph request", err, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("graph API error: %d - %s", resp.StatusCode, graphErrorMessage(body))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " (retry after " + ra + "s)"
		}
		return out.ProviderErrorFromStatus(domain.ProviderMicrosoft, resp.StatusCode, msg, nil)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return out.NewProviderError(domain.ProviderMicrosoft, out.ProviderErrServer, "decode graph response", err, true)
		}
	}
	return nil
}

func graphErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Code != "" {
		return e.Error.Code + ": " + e.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func tripsCircuit(err error) bool {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// Graph API types

type graphPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	Subject          string           `json:"subject"`
	Body             graphBody        `json:"body"`
	From             graphRecipient   `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
	ReceivedDateTime string           `json:"receivedDateTime"`
	SentDateTime     string           `json:"sentDateTime"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func convertMessage(msg *graphMessage, direction domain.Direction) domain.CanonicalMessage {
	cm := domain.CanonicalMessage{
		Direction:         direction,
		From:              formatAddress(msg.From),
		Subject:           msg.Subject,
		RawBody:           msg.Body.Content,
		BodyKind:          domain.BodyText,
		ProviderMessageID: msg.ID,
	}
	if strings.EqualFold(msg.Body.ContentType, "html") {
		cm.BodyKind = domain.BodyHTML
	}

	for _, list := range [][]graphRecipient{msg.ToRecipients, msg.CcRecipients} {
		for _, r := range list {
			if r.EmailAddress.Address != "" {
				cm.To = append(cm.To, formatAddress(r))
			}
		}
	}

	stamp := msg.ReceivedDateTime
	if direction == domain.DirectionOutbound && msg.SentDateTime != "" {
		stamp = msg.SentDateTime
	}
	cm.Timestamp, _ = time.Parse(time.RFC3339, stamp)

	return cm
}

func formatAddress(r graphRecipient) string {
	if r.EmailAddress.Address == "" {
		return ""
	}
	a := &mail.Address{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address}
	return a.String()
}

var _ out.MailSource = (*Source)(nil)
