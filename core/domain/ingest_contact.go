package domain

import "time"

// Contact is owned by the CRM. This service reads it by email and may create
// it when a connection allows.
type Contact struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactSourceEmailSync marks contacts created by ingestion.
const ContactSourceEmailSync = "email_sync"
