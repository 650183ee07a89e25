package compliance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// EventType is the audit category of an event.
type EventType string

const (
	EventFaceRecognition EventType = "face_recognition"
	EventDataAccess      EventType = "data_access"
	EventDataMod         EventType = "data_modification"
	EventConsentChange   EventType = "consent_change"
	EventSecurity        EventType = "security_event"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is an audit record with a fixed set of fields per type.
type Event interface {
	Type() EventType
	Severity() Severity
	Fields() logging.Fields
}

// RecognitionEvent records that a subject was recognized in a session.
type RecognitionEvent struct {
	SessionID string
	Subject   string
	Distance  float64
}

func (RecognitionEvent) Type() EventType    { return EventFaceRecognition }
func (RecognitionEvent) Severity() Severity { return SeverityInfo }
func (e RecognitionEvent) Fields() logging.Fields {
	return logging.Fields{"session_id": e.SessionID, "subject": e.Subject, "distance": e.Distance}
}

// TemplateAccessEvent records a read or write of a stored template.
type TemplateAccessEvent struct {
	Subject    string
	TemplateID string
	Action     string
	Purpose    string
}

func (TemplateAccessEvent) Type() EventType    { return EventDataAccess }
func (TemplateAccessEvent) Severity() Severity { return SeverityInfo }
func (e TemplateAccessEvent) Fields() logging.Fields {
	return logging.Fields{
		"subject":     e.Subject,
		"template_id": e.TemplateID,
		"action":      e.Action,
		"purpose":     e.Purpose,
	}
}

// KeyRotationEvent records a key rotation and how many templates were resealed.
type KeyRotationEvent struct {
	OldKeyID string
	NewKeyID string
	Resealed int
}

func (KeyRotationEvent) Type() EventType    { return EventDataMod }
func (KeyRotationEvent) Severity() Severity { return SeverityInfo }
func (e KeyRotationEvent) Fields() logging.Fields {
	return logging.Fields{"old_key_id": e.OldKeyID, "new_key_id": e.NewKeyID, "resealed": e.Resealed}
}

// ConsentDeniedEvent records an operation refused for lack of consent.
type ConsentDeniedEvent struct {
	Subject string
	Consent ConsentType
	Action  string
}

func (ConsentDeniedEvent) Type() EventType    { return EventConsentChange }
func (ConsentDeniedEvent) Severity() Severity { return SeverityWarning }
func (e ConsentDeniedEvent) Fields() logging.Fields {
	return logging.Fields{"subject": e.Subject, "consent": string(e.Consent), "action": e.Action}
}

// SecurityEvent records an integrity or key failure.
type SecurityEvent struct {
	Action string
	Detail string
	Level  Severity
}

func (SecurityEvent) Type() EventType { return EventSecurity }
func (e SecurityEvent) Severity() Severity {
	if e.Level == "" {
		return SeverityError
	}
	return e.Level
}
func (e SecurityEvent) Fields() logging.Fields {
	return logging.Fields{"action": e.Action, "detail": e.Detail}
}

// Entry is a recorded event with its envelope fields.
type Entry struct {
	ID            string
	Timestamp     time.Time
	CorrelationID string
	Event         Event
}

// Sink is a write-only audit trail.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID to ctx for audit entries.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func newEntry(ctx context.Context, e Event, now time.Time) Entry {
	return Entry{
		ID:            uuid.NewString(),
		Timestamp:     now.UTC(),
		CorrelationID: CorrelationID(ctx),
		Event:         e,
	}
}

// LogSink writes audit entries to the application log.
type LogSink struct {
	now func() time.Time
}

// NewLogSink returns a sink logging through the "audit" component.
func NewLogSink() *LogSink {
	return &LogSink{now: time.Now}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, e Event) error {
	entry := newEntry(ctx, e, s.now())

	fields := e.Fields()
	fields["event_id"] = entry.ID
	fields["event_type"] = string(e.Type())
	fields["severity"] = string(e.Severity())
	if entry.CorrelationID != "" {
		fields["correlation_id"] = entry.CorrelationID
	}

	logging.Component("audit").WithFields(fields).Log(severityLevel(e.Severity()), "Audit event")
	return nil
}

func severityLevel(s Severity) logrus.Level {
	switch s {
	case SeverityWarning:
		return logrus.WarnLevel
	case SeverityError, SeverityCritical:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (s *MemorySink) Record(ctx context.Context, e Event) error {
	entry := newEntry(ctx, e, time.Now())
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// OfType returns the recorded events of the given type.
func (s *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Entries() {
		if e.Event.Type() == t {
			out = append(out, e.Event)
		}
	}
	return out
}
