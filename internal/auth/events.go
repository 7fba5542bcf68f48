package auth

import (
	"context"
	"time"
)

const (
	EventRegistered             = "registered"
	EventLoggedIn               = "loggedIn"
	EventLoggedOut              = "loggedOut"
	EventPasswordResetRequested = "passwordResetRequested"
	EventAccountLocked          = "accountLocked"
	EventPasswordReset          = "passwordReset"
	EventPasswordChanged        = "passwordChanged"
	EventEmailVerified          = "emailVerified"
	EventVerificationRequested  = "verificationRequested"
)

// Event is a plain data notification for mailer/broadcast collaborators.
// Token is only populated for registered, passwordResetRequested and
// verificationRequested.
type Event struct {
	Name         string    `json:"name"`
	CredentialID string    `json:"credential_id"`
	Identifier   string    `json:"identifier"`
	IP           string    `json:"ip,omitempty"`
	Token        string    `json:"token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	At           time.Time `json:"at"`
}

// EventSink receives events. Delivery failures never undo the state change
// that produced the event.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }
