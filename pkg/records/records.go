// Package records persists template records and attendance in SQLite through
// gorm. The biometric core never writes here directly; the attendance service
// hands it the updates computed by the vault and the lifecycle policy.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/vault"
)

// ErrNotFound is returned when an update targets a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
)

// DateLayout is the layout of attendance dates.
const DateLayout = "2006-01-02"

// TemplateRecordModel is the gorm model for a stored template.
type TemplateRecordModel struct {
	ID                 string `gorm:"type:char(36);primaryKey"`
	Subject            string `gorm:"type:varchar(64);not null;index:idx_template_subject"`
	Ciphertext         []byte `gorm:"type:blob;not null"`
	KeyID              string `gorm:"type:varchar(32);not null;index:idx_template_key"`
	SealedAt           time.Time
	SchemaVersion      string `gorm:"type:varchar(16);not null"`
	QualityScore       *int
	Active             bool `gorm:"not null;index:idx_template_active"`
	ValidUntil         *time.Time
	LastUsed           *time.Time
	UsageCount         int    `gorm:"not null"`
	VerificationStatus string `gorm:"type:varchar(16);not null"`
	LastVerification   *time.Time
	CreatedAt          time.Time `gorm:"autoCreateTime"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name.
func (TemplateRecordModel) TableName() string {
	return "template_records"
}

// BeforeCreate assigns a UUID when none is set.
func (m *TemplateRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// AttendanceModel is the gorm model for one attendance mark.
type AttendanceModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	Subject   string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_attendance_subject_date"`
	Date      string    `gorm:"type:char(10);not null;uniqueIndex:uk_attendance_subject_date;index:idx_attendance_date"`
	Status    string    `gorm:"type:varchar(16);not null"`
	SessionID string    `gorm:"type:char(36)"`
	MarkedBy  string    `gorm:"type:varchar(64)"`
	MarkedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name.
func (AttendanceModel) TableName() string {
	return "attendance"
}

// BeforeCreate assigns a UUID when none is set.
func (m *AttendanceModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// Template is a stored template record.
type Template struct {
	ID       string
	Subject  string
	Envelope vault.Envelope
	// Policy holds the lifecycle fields.
	Policy    policy.Record
	CreatedAt time.Time
}

func (m *TemplateRecordModel) toTemplate() Template {
	return Template{
		ID:      m.ID,
		Subject: m.Subject,
		Envelope: vault.Envelope{
			Ciphertext:    m.Ciphertext,
			KeyID:         m.KeyID,
			CreatedAt:     m.SealedAt,
			SchemaVersion: m.SchemaVersion,
		},
		Policy: policy.Record{
			Active:             m.Active,
			ValidUntil:         derefTime(m.ValidUntil),
			LastUsed:           m.LastUsed,
			UsageCount:         m.UsageCount,
			QualityScore:       m.QualityScore,
			VerificationStatus: m.VerificationStatus,
			LastVerification:   m.LastVerification,
		},
		CreatedAt: m.CreatedAt,
	}
}

// Attendance is one attendance mark.
type Attendance struct {
	Subject   string
	Date      string
	Status    string
	SessionID string
	MarkedBy  string
	MarkedAt  time.Time
}

// Store is the record store.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database at dsn and migrates it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer, and ":memory:" databases are per connection.
	sqlDB.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&TemplateRecordModel{}, &AttendanceModel{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTemplate stores a new template record and sets its ID.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	return createTemplate(s.db.WithContext(ctx), t)
}

// ReplaceTemplate deactivates every active template of t.Subject and stores t
// in one transaction. It returns how many templates were deactivated. When
// the new record cannot be stored the old ones stay active.
func (s *Store) ReplaceTemplate(ctx context.Context, t *Template) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if n, err = deactivate(tx, t.Subject); err != nil {
			return err
		}
		return createTemplate(tx, t)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func createTemplate(db *gorm.DB, t *Template) error {
	m := &TemplateRecordModel{
		ID:                 t.ID,
		Subject:            t.Subject,
		Ciphertext:         t.Envelope.Ciphertext,
		KeyID:              t.Envelope.KeyID,
		SealedAt:           t.Envelope.CreatedAt,
		SchemaVersion:      t.Envelope.SchemaVersion,
		QualityScore:       t.Policy.QualityScore,
		Active:             t.Policy.Active,
		ValidUntil:         timePtr(t.Policy.ValidUntil),
		LastUsed:           t.Policy.LastUsed,
		UsageCount:         t.Policy.UsageCount,
		VerificationStatus: t.Policy.VerificationStatus,
		LastVerification:   t.Policy.LastVerification,
	}
	if m.VerificationStatus == "" {
		m.VerificationStatus = policy.StatusPending
	}

	if err := db.Create(m).Error; err != nil {
		logging.Component("records").WithError(err).WithField("subject", t.Subject).Error("Failed to create template record")
		return err
	}
	t.ID = m.ID
	t.CreatedAt = m.CreatedAt
	return nil
}

// ActiveTemplates returns all active template records ordered by subject and
// creation time.
func (s *Store) ActiveTemplates(ctx context.Context) ([]Template, error) {
	var models []TemplateRecordModel
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("subject ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toTemplates(models), nil
}

// TemplatesForSubject returns every template record of subject.
func (s *Store) TemplatesForSubject(ctx context.Context, subject string) ([]Template, error) {
	var models []TemplateRecordModel
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toTemplates(models), nil
}

// TemplatesNotUnderKey returns the records sealed under any key other than keyID.
func (s *Store) TemplatesNotUnderKey(ctx context.Context, keyID string) ([]Template, error) {
	var models []TemplateRecordModel
	err := s.db.WithContext(ctx).
		Where("key_id <> ?", keyID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toTemplates(models), nil
}

// UpdateUsage persists a usage update.
func (s *Store) UpdateUsage(ctx context.Context, id string, u policy.Usage) error {
	return s.update(ctx, id, map[string]interface{}{
		"usage_count": u.Count,
		"last_used":   u.LastUsed,
	})
}

// UpdateVerification persists a verification update.
func (s *Store) UpdateVerification(ctx context.Context, id string, v policy.Verification) error {
	return s.update(ctx, id, map[string]interface{}{
		"verification_status": v.Status,
		"last_verification":   v.VerifiedAt,
		"quality_score":       v.QualityScore,
	})
}

// ReplaceEnvelope stores a resealed envelope for a record.
func (s *Store) ReplaceEnvelope(ctx context.Context, id string, env vault.Envelope) error {
	return s.update(ctx, id, map[string]interface{}{
		"ciphertext":     env.Ciphertext,
		"key_id":         env.KeyID,
		"sealed_at":      env.CreatedAt,
		"schema_version": env.SchemaVersion,
	})
}

// Deactivate marks every active template of subject inactive and returns how
// many were changed.
func (s *Store) Deactivate(ctx context.Context, subject string) (int64, error) {
	return deactivate(s.db.WithContext(ctx), subject)
}

func deactivate(db *gorm.DB, subject string) (int64, error) {
	res := db.
		Model(&TemplateRecordModel{}).
		Where("subject = ? AND active = ?", subject, true).
		Update("active", false)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (s *Store) update(ctx context.Context, id string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&TemplateRecordModel{}).
		Where("id = ?", id).
		Updates(values)
	if res.Error != nil {
		logging.Component("records").WithError(res.Error).WithField("id", id).Error("Failed to update template record")
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	return nil
}

// MarkAttendance records a mark for the subject's day. A subject is marked at
// most once per day; it reports whether a new mark was created.
func (s *Store) MarkAttendance(ctx context.Context, a Attendance) (bool, error) {
	if a.MarkedAt.IsZero() {
		a.MarkedAt = time.Now()
	}
	if a.Date == "" {
		a.Date = a.MarkedAt.Format(DateLayout)
	}
	if a.Status == "" {
		a.Status = StatusPresent
	}

	m := &AttendanceModel{
		Subject:   a.Subject,
		Date:      a.Date,
		Status:    a.Status,
		SessionID: a.SessionID,
		MarkedBy:  a.MarkedBy,
		MarkedAt:  a.MarkedAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AttendanceFor returns the marks for one day, ordered by subject.
func (s *Store) AttendanceFor(ctx context.Context, date time.Time) ([]Attendance, error) {
	var models []AttendanceModel
	err := s.db.WithContext(ctx).
		Where("date = ?", date.Format(DateLayout)).
		Order("subject ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]Attendance, 0, len(models))
	for _, m := range models {
		out = append(out, Attendance{
			Subject:   m.Subject,
			Date:      m.Date,
			Status:    m.Status,
			SessionID: m.SessionID,
			MarkedBy:  m.MarkedBy,
			MarkedAt:  m.MarkedAt,
		})
	}
	return out, nil
}

func toTemplates(models []TemplateRecordModel) []Template {
	out := make([]Template, 0, len(models))
	for i := range models {
		out = append(out, models[i].toTemplate())
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
