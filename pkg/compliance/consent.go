// Package compliance provides the consent gate and audit trail consumed by
// the attendance core.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// ConsentType identifies what a consent covers.
type ConsentType string

const (
	ConsentFaceRecognition       ConsentType = "face_recognition"
	ConsentDataRetention         ConsentType = "data_retention"
	ConsentNotifications         ConsentType = "notifications"
	ConsentDataSharing           ConsentType = "data_sharing"
	ConsentCulturalAccommodation ConsentType = "cultural_accommodation"
)

// Purpose returns the human readable purpose recorded with a consent.
func (t ConsentType) Purpose() string {
	switch t {
	case ConsentFaceRecognition:
		return "Facial recognition for secure attendance tracking"
	case ConsentDataRetention:
		return "Storage of attendance and identification data"
	case ConsentNotifications:
		return "Sending attendance notifications to parents/guardians"
	case ConsentDataSharing:
		return "Sharing attendance data with authorized school staff"
	case ConsentCulturalAccommodation:
		return "Recording cultural/religious accommodation requirements"
	default:
		return "General purpose"
	}
}

// ConsentStatus is the state of a recorded consent.
type ConsentStatus string

const (
	StatusActive    ConsentStatus = "active"
	StatusWithdrawn ConsentStatus = "withdrawn"
	StatusExpired   ConsentStatus = "expired"
)

// DefaultConsentValidity is how long a consent lasts when no expiry is given.
const DefaultConsentValidity = 365 * 24 * time.Hour

// ErrNoConsent is returned when withdrawing a consent that was never given.
var ErrNoConsent = errors.New("no active consent")

// Consent is one consent record.
type Consent struct {
	Subject     string
	Type        ConsentType
	GivenBy     string
	GivenAt     time.Time
	ValidUntil  time.Time
	Status      ConsentStatus
	Purpose     string
	WithdrawnBy string
	WithdrawnAt time.Time
	Reason      string
}

// ConsentGate answers whether a subject has a valid consent of a given type.
type ConsentGate interface {
	HasConsent(ctx context.Context, subject string, t ConsentType) (bool, error)
}

// AllowAll is a ConsentGate that grants every request. It is meant for
// deployments that record consent outside rollcall.
type AllowAll struct{}

// HasConsent implements ConsentGate.
func (AllowAll) HasConsent(context.Context, string, ConsentType) (bool, error) { return true, nil }

// Registry is an in-memory ConsentGate that keeps the full consent history.
type Registry struct {
	mu      sync.RWMutex
	history map[string][]Consent
	now     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{history: make(map[string][]Consent), now: time.Now}
}

// Grant records a new active consent. A zero validUntil means one year from now.
func (r *Registry) Grant(subject string, t ConsentType, givenBy string, validUntil time.Time) Consent {
	now := r.now()
	if validUntil.IsZero() {
		validUntil = now.Add(DefaultConsentValidity)
	}
	c := Consent{
		Subject:    subject,
		Type:       t,
		GivenBy:    givenBy,
		GivenAt:    now,
		ValidUntil: validUntil,
		Status:     StatusActive,
		Purpose:    t.Purpose(),
	}

	r.mu.Lock()
	r.history[subject] = append(r.history[subject], c)
	r.mu.Unlock()

	logging.Component("compliance").WithFields(logging.Fields{
		"subject": subject,
		"consent": t,
	}).Info("Recorded consent")
	return c
}

// Withdraw marks every active consent of type t for subject as withdrawn.
func (r *Registry) Withdraw(subject string, t ConsentType, by, reason string) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for i := range r.history[subject] {
		c := &r.history[subject][i]
		if c.Type != t || c.Status != StatusActive {
			continue
		}
		c.Status = StatusWithdrawn
		c.WithdrawnBy = by
		c.WithdrawnAt = now
		c.Reason = reason
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrNoConsent, subject, t)
	}

	logging.Component("compliance").WithFields(logging.Fields{
		"subject": subject,
		"consent": t,
	}).Info("Consent withdrawn")
	return nil
}

// HasConsent implements ConsentGate.
func (r *Registry) HasConsent(ctx context.Context, subject string, t ConsentType) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.history[subject] {
		if c.Type == t && c.Status == StatusActive && !now.After(c.ValidUntil) {
			return true, nil
		}
	}
	return false, nil
}

// History returns every consent recorded for subject, oldest first. Active
// consents past their expiry are reported as expired.
func (r *Registry) History(subject string) []Consent {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Consent, len(r.history[subject]))
	copy(out, r.history[subject])
	for i := range out {
		if out[i].Status == StatusActive && now.After(out[i].ValidUntil) {
			out[i].Status = StatusExpired
		}
	}
	return out
}
