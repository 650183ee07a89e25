// Package policy decides whether a stored template may be used and when it
// must be re-verified. It never persists anything: updates are returned to
// the caller.
package policy

import "time"

// Default thresholds.
const (
	DefaultReverifyAfterDays = 90
	DefaultMaxUsageCount     = 1000
	DefaultMinQualityScore   = 80
	DefaultValidityDays      = 365
)

// Verification statuses.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusFailed   = "failed"
)

// Thresholds are the re-verification limits.
type Thresholds struct {
	ReverifyAfterDays int `yaml:"reverify_after_days"`
	MaxUsageCount     int `yaml:"max_usage_count"`
	MinQualityScore   int `yaml:"min_quality_score"`
}

// DefaultThresholds returns the standard limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReverifyAfterDays: DefaultReverifyAfterDays,
		MaxUsageCount:     DefaultMaxUsageCount,
		MinQualityScore:   DefaultMinQualityScore,
	}
}

// Record holds the template record fields the policy reads.
type Record struct {
	Active bool
	// ValidUntil is the zero time when the template never expires.
	ValidUntil time.Time
	LastUsed   *time.Time
	UsageCount int
	// QualityScore is nil when no score was recorded.
	QualityScore       *int
	VerificationStatus string
	LastVerification   *time.Time
}

// Usage is the updated usage state to persist after a template is used.
type Usage struct {
	Count    int
	LastUsed time.Time
}

// Verification is the updated verification state to persist.
type Verification struct {
	Status       string
	VerifiedAt   time.Time
	QualityScore *int
}

// Policy evaluates records against thresholds.
type Policy struct {
	Thresholds Thresholds
	Now        func() time.Time
}

// New returns a policy with the given thresholds and the wall clock.
func New(t Thresholds) *Policy {
	return &Policy{Thresholds: t, Now: time.Now}
}

func (p *Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// IsValid reports whether the record is active and unexpired.
func (p *Policy) IsValid(r Record) bool {
	if !r.Active {
		return false
	}
	if !r.ValidUntil.IsZero() && p.now().After(r.ValidUntil) {
		return false
	}
	return true
}

// NeedsReverification reports whether the template must be re-verified: it
// was never verified or failed its last verification, the last verification
// is too old, it was used too often, or its recorded quality is too low.
func (p *Policy) NeedsReverification(r Record) bool {
	if r.LastVerification == nil || r.VerificationStatus == StatusFailed {
		return true
	}

	days := int(p.now().Sub(*r.LastVerification).Hours() / 24)
	if days > p.Thresholds.ReverifyAfterDays {
		return true
	}

	if r.UsageCount > p.Thresholds.MaxUsageCount {
		return true
	}

	if r.QualityScore != nil && *r.QualityScore < p.Thresholds.MinQualityScore {
		return true
	}

	return false
}

// Usable combines IsValid and NeedsReverification.
func (p *Policy) Usable(r Record) bool {
	return p.IsValid(r) && !p.NeedsReverification(r)
}

// RecordUsage returns the usage state after one more use.
func (p *Policy) RecordUsage(r Record) Usage {
	return Usage{Count: r.UsageCount + 1, LastUsed: p.now()}
}

// Verify returns the verification state for a new verification outcome. A
// nil quality keeps the existing score.
func (p *Policy) Verify(r Record, status string, quality *int) Verification {
	v := Verification{Status: status, VerifiedAt: p.now(), QualityScore: r.QualityScore}
	if quality != nil {
		q := *quality
		v.QualityScore = &q
	}
	return v
}

// ValidUntil returns the expiry for a template created at from.
func ValidUntil(from time.Time, days int) time.Time {
	return from.AddDate(0, 0, days)
}
