// Package models defines types shared across internal packages.
package models

import "time"

// Conversation is the durable pairing of one patient and one doctor.
type Conversation struct {
	ID         int64     `json:"id"`
	PatientID  int64     `json:"patient_id"`
	DoctorID   int64     `json:"doctor_id"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// APIKey is a pre-configured MCP API key. Only the SHA-256 hash of the
// key is kept after startup.
type APIKey struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
