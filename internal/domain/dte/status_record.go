package dte

import (
	"time"

	"github.com/google/uuid"
)

// StatusRecord is the last known authority status of a document
type StatusRecord struct {
	DocumentID uuid.UUID     `json:"document_id"`
	State      DocumentState `json:"state"`
	Code       string        `json:"code"`
	Detail     string        `json:"detail"`
	TrackID    string        `json:"track_id,omitempty"`
	PolledAt   time.Time     `json:"polled_at"`
}
