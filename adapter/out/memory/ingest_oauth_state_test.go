package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"ingest_server/core/port/out"
)

func TestOAuthStateStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewOAuthStateStore()
	s.now = func() time.Time { return now }

	payload := &out.OAuthStatePayload{TenantID: 7, UserID: "u-1", Provider: "google"}
	if err := s.StoreState(ctx, "abc", payload, time.Minute); err != nil {
		t.Fatalf("StoreState() error = %v", err)
	}

	got, err := s.ConsumeState(ctx, "abc")
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if *got != *payload {
		t.Errorf("ConsumeState() = %+v, want %+v", got, payload)
	}

	if _, err := s.ConsumeState(ctx, "abc"); !errors.Is(err, out.ErrStateNotFound) {
		t.Errorf("second ConsumeState() error = %v, want ErrStateNotFound", err)
	}

	_ = s.StoreState(ctx, "late", payload, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, err := s.ConsumeState(ctx, "late"); !errors.Is(err, out.ErrStateNotFound) {
		t.Errorf("expired ConsumeState() error = %v, want ErrStateNotFound", err)
	}
}
