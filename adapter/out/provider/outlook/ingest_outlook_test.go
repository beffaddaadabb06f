package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

type fakeGraph struct {
	mu       sync.Mutex
	requests []*http.Request
	status   int
	srvURL   string
}

func (f *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(context.Background()))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(f.status)
		fmt.Fprint(w, `{"error":{"code":"ErrorCode","message":"nope"}}`)
		return
	}

	switch {
	case r.URL.Path == "/me/mailFolders/inbox/messages" && r.URL.Query().Get("page") == "":
		fmt.Fprintf(w, `{"value":[
			{"id":"in-2","subject":"Re: Budget proposal","body":{"contentType":"html","content":"<p>Sounds good</p>"},
			 "from":{"emailAddress":{"name":"Jane Doe","address":"jane@acme.com"}},
			 "toRecipients":[{"emailAddress":{"name":"Sales","address":"sales@example.com"}}],
			 "receivedDateTime":"2024-01-02T10:00:00Z"}
		],"@odata.nextLink":"%s/me/mailFolders/inbox/messages?page=2"}`, f.srvURL)
	case r.URL.Path == "/me/mailFolders/inbox/messages":
		fmt.Fprint(w, `{"value":[
			{"id":"in-3","subject":"Newsletter","body":{"contentType":"text","content":"weekly"},
			 "from":{"emailAddress":{"address":"news@bank.com"}},
			 "toRecipients":[{"emailAddress":{"address":"sales@example.com"}}],
			 "receivedDateTime":"2024-01-03T10:00:00Z"}
		]}`)
	case r.URL.Path == "/me/mailFolders/sentitems/messages":
		fmt.Fprint(w, `{"value":[
			{"id":"out-1","subject":"Budget proposal","body":{"contentType":"text","content":"Here it is"},
			 "from":{"emailAddress":{"address":"sales@example.com"}},
			 "toRecipients":[{"emailAddress":{"name":"Doe, Jane","address":"jane@acme.com"}}],
			 "ccRecipients":[{"emailAddress":{"address":""}}],
			 "receivedDateTime":"2024-01-01T09:00:01Z","sentDateTime":"2024-01-01T09:00:00Z"}
		]}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"ErrorItemNotFound","message":"not found"}}`)
	}
}

func newTestSource(t *testing.T, f *fakeGraph) *Source {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	f.srvURL = srv.URL
	return NewSource(srv.Client(), srv.URL)
}

func TestSource_FetchSince(t *testing.T) {
	f := &fakeGraph{}
	src := newTestSource(t, f)
	conn := &domain.ProviderConnection{ID: 9, ExcludedDomains: []string{"bank.com"}}
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := src.FetchSince(context.Background(), conn, "graph-token", since)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}

	if len(f.requests) != 3 {
		t.Fatalf("requests = %d, want 3 (inbox, inbox page 2, sentitems)", len(f.requests))
	}
	first := f.requests[0]
	if got := first.Header.Get("Authorization"); got != "Bearer graph-token" {
		t.Errorf("Authorization = %q", got)
	}
	q := first.URL.Query()
	if q.Get("$filter") != "receivedDateTime ge 2024-01-01T00:00:00Z" {
		t.Errorf("$filter = %q", q.Get("$filter"))
	}
	if q.Get("$orderby") != "receivedDateTime asc" || q.Get("$top") != "50" {
		t.Errorf("$orderby = %q, $top = %q", q.Get("$orderby"), q.Get("$top"))
	}

	if len(got) != 2 {
		t.Fatalf("FetchSince() = %d messages, want 2 (bank.com excluded)", len(got))
	}

	sent, in := got[0], got[1]
	if sent.ProviderMessageID != "out-1" || sent.Direction != domain.DirectionOutbound {
		t.Errorf("got[0] = %s %s, want out-1 outbound", sent.ProviderMessageID, sent.Direction)
	}
	if !sent.Timestamp.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("sent Timestamp = %v, want sentDateTime", sent.Timestamp)
	}
	if len(sent.To) != 1 {
		t.Fatalf("sent To = %v, want the empty cc dropped", sent.To)
	}
	if a := domain.ParseAddress(sent.To[0]); a.Email != "jane@acme.com" || a.Name != "Doe, Jane" {
		t.Errorf("sent To[0] parsed = %+v", a)
	}

	if in.ProviderMessageID != "in-2" || in.Direction != domain.DirectionInbound {
		t.Errorf("got[1] = %s %s, want in-2 inbound", in.ProviderMessageID, in.Direction)
	}
	if in.BodyKind != domain.BodyHTML || in.RawBody != "<p>Sounds good</p>" {
		t.Errorf("in body = %s %q", in.BodyKind, in.RawBody)
	}
	if a := domain.ParseAddress(in.From); a.Email != "jane@acme.com" || a.Name != "Jane Doe" {
		t.Errorf("in From parsed = %+v", a)
	}
}

func TestSource_FetchSince_TruncatedFolder(t *testing.T) {
	f := &fakeGraph{}
	src := newTestSource(t, f)
	src.maxPages = 1

	got, err := src.FetchSince(context.Background(), &domain.ProviderConnection{ID: 9}, "graph-token", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	partial, ok := out.AsPartialFetch(err)
	if !ok {
		t.Fatalf("FetchSince() error = %v, want *out.PartialFetchError", err)
	}
	if want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC); !partial.Until.Equal(want) {
		t.Errorf("Until = %v, want %v", partial.Until, want)
	}
	if len(got) != 2 {
		t.Errorf("FetchSince() = %d messages, want the 2 listed before the cut", len(got))
	}
	if len(f.requests) != 2 {
		t.Errorf("requests = %d, want 2 (inbox page 1, sentitems)", len(f.requests))
	}
}

func TestSource_FetchSince_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  out.ProviderErrorCode
		retryable bool
	}{
		{name: "expired token", status: 401, wantCode: out.ProviderErrAuth},
		{name: "throttled", status: 429, wantCode: out.ProviderErrRateLimit, retryable: true},
		{name: "service unavailable", status: 503, wantCode: out.ProviderErrServer, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, &fakeGraph{status: tt.status})

			_, err := src.FetchSince(context.Background(), &domain.ProviderConnection{}, "tok", time.Now())
			var pe *out.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("FetchSince() error = %v, want *out.ProviderError", err)
			}
			if pe.Code != tt.wantCode || pe.Retryable != tt.retryable {
				t.Errorf("error = {%s retryable=%v}, want {%s retryable=%v}", pe.Code, pe.Retryable, tt.wantCode, tt.retryable)
			}
			if !strings.Contains(pe.Error(), "ErrorCode: nope") {
				t.Errorf("Error() = %q, want the Graph error message", pe.Error())
			}
		})
	}
}

func TestSource_FetchSince_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	src := NewSource(&http.Client{Timeout: time.Second}, srv.URL)

	_, err := src.FetchSince(context.Background(), &domain.ProviderConnection{}, "tok", time.Now())
	var pe *out.ProviderError
	if !errors.As(err, &pe) || pe.Code != out.ProviderErrNetwork || !pe.Retryable {
		t.Errorf("FetchSince() error = %v, want retryable network error", err)
	}
}
