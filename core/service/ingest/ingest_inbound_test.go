package ingest

import (
	"context"
	"net/http"
	"testing"

	"ingest_server/adapter/out/memory"
	"ingest_server/core/domain"
	"ingest_server/core/port/in"
	"ingest_server/core/service/extract"
	"ingest_server/core/service/threading"
	"ingest_server/pkg/apperr"
)

const budgetReplyMIME = "From: Jane Doe <jane@acme.io>\r\n" +
	"To: replies+42@crm.example\r\n" +
	"Subject: Re: Budget proposal\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Sounds good, let's proceed.\r\n"

func newInboundFixture(t *testing.T) (*InboundService, *memory.Store, *domain.Thread) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	contact := &domain.Contact{ID: 42, TenantID: 5, Email: "jane@acme.io", FirstName: "Jane"}
	if err := store.Contacts().Create(ctx, contact); err != nil {
		t.Fatal(err)
	}
	thread := &domain.Thread{
		TenantID:  5,
		ContactID: 42,
		Subject:   "Budget proposal",
		ThreadKey: threading.ThreadKey("Budget proposal", contact.Email),
	}
	if err := store.Threads().GetOrCreate(ctx, thread); err != nil {
		t.Fatal(err)
	}

	svc := NewInboundService(store.Contacts(), newTestPipeline(store, nil), extract.NewExtractor())
	return svc, store, thread
}

func TestInboundService_Receive(t *testing.T) {
	svc, store, thread := newInboundFixture(t)

	res, err := svc.Receive(context.Background(), &in.InboundEmailRequest{
		From:    "Jane Doe <jane@acme.io>",
		To:      "replies+42@crm.example",
		Subject: "Re: Budget proposal",
		RawMIME: budgetReplyMIME,
	})
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if res.ThreadID != thread.ID {
		t.Errorf("Receive() thread = %d, want %d", res.ThreadID, thread.ID)
	}
	if res.ExtractedContent != "Sounds good, let's proceed." {
		t.Errorf("Receive() content = %q", res.ExtractedContent)
	}
	if res.Duplicate {
		t.Error("Receive() duplicate = true on first delivery")
	}

	got := store.Thread(thread.ID)
	if got.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", got.MessageCount)
	}
	msg, _ := store.Messages().GetByProviderID(context.Background(), 5, domain.ProviderSendGrid, FallbackMessageID(
		"Jane Doe <jane@acme.io>", "replies+42@crm.example", "Re: Budget proposal", "Sounds good, let's proceed."))
	if msg == nil || msg.Direction != domain.DirectionInbound || msg.Body != "Sounds good, let's proceed." {
		t.Errorf("stored message = %+v", msg)
	}
}

func TestInboundService_Receive_RetryIsDuplicate(t *testing.T) {
	svc, store, thread := newInboundFixture(t)
	req := &in.InboundEmailRequest{
		From:    "jane@acme.io",
		To:      "Replies <replies+42@crm.example>",
		Subject: "Budget proposal",
		Headers: "Message-ID: <abc@mail.acme.io>\nDate: Mon, 1 Jan 2024 15:00:00 +0000",
		Text:    "Approved on our side.",
	}

	if _, err := svc.Receive(context.Background(), req); err != nil {
		t.Fatalf("first Receive() error = %v", err)
	}
	res, err := svc.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("second Receive() error = %v", err)
	}
	if !res.Duplicate {
		t.Error("second Receive() duplicate = false")
	}
	if got := store.Thread(thread.ID).MessageCount; got != 1 {
		t.Errorf("message_count = %d, want 1", got)
	}
	msg, _ := store.Messages().GetByProviderID(context.Background(), 5, domain.ProviderSendGrid, "abc@mail.acme.io")
	if msg == nil || msg.SentAt.Year() != 2024 {
		t.Errorf("stored message = %+v, want Message-ID dedup key and header date", msg)
	}
}

func TestInboundService_Receive_Errors(t *testing.T) {
	tests := []struct {
		name       string
		req        *in.InboundEmailRequest
		wantStatus int
	}{
		{
			name:       "malformed to",
			req:        &in.InboundEmailRequest{To: "support@crm.example", Subject: "Budget proposal", Text: "hello there"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown contact",
			req:        &in.InboundEmailRequest{To: "replies+77@crm.example", Subject: "Budget proposal", Text: "hello there"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown thread",
			req:        &in.InboundEmailRequest{To: "replies+42@crm.example", Subject: "Something else", Text: "hello there"},
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newInboundFixture(t)
			_, err := svc.Receive(context.Background(), tt.req)
			if err == nil {
				t.Fatal("Receive() error = nil")
			}
			if got := apperr.GetHTTPStatus(err); got != tt.wantStatus {
				t.Errorf("Receive() status = %d, want %d (%v)", got, tt.wantStatus, err)
			}
			if store.MessageCount() != 0 {
				t.Error("message stored for rejected request")
			}
		})
	}
}

func TestParseReplyAddress(t *testing.T) {
	tests := []struct {
		to      string
		want    int64
		wantErr bool
	}{
		{"replies+42@crm.example", 42, false},
		{"REPLIES+42@crm.example", 42, false},
		{"CRM <replies+7@crm.example>", 7, false},
		{"other@x.com, replies+9@crm.example", 9, false},
		{"replies+acme+15@crm.example", 15, false},
		{"replies+@crm.example", 0, true},
		{"replies+abc@crm.example", 0, true},
		{"replies+0@crm.example", 0, true},
		{"replies+-3@crm.example", 0, true},
		{"sales+42@crm.example", 0, true},
		{"", 0, true},
		{"not an address", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			got, err := ParseReplyAddress(tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseReplyAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseReplyAddress() = %d, want %d", got, tt.want)
			}
			if err != nil && !apperr.HasCode(err, apperr.CodeMalformedPayload) {
				t.Errorf("ParseReplyAddress() error code = %v, want %s", err, apperr.CodeMalformedPayload)
			}
		})
	}
}
