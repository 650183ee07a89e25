package attendance

import (
	"context"
	"io/fs"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/keystore"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/vault"
)

// GalleryBuilder builds a gallery from labeled reference images.
type GalleryBuilder interface {
	Build(ctx context.Context, fsys fs.FS, root string) (*gallery.Gallery, *gallery.Report, error)
}

// TemplateStore reads templates and persists usage.
type TemplateStore interface {
	ActiveTemplates(ctx context.Context) ([]records.Template, error)
	UpdateUsage(ctx context.Context, id string, u policy.Usage) error
}

// AttendanceStore persists attendance marks.
type AttendanceStore interface {
	MarkAttendance(ctx context.Context, a records.Attendance) (bool, error)
}

// EnrollmentStore persists newly enrolled templates. ReplaceTemplate
// deactivates the subject's templates and inserts t atomically.
type EnrollmentStore interface {
	CreateTemplate(ctx context.Context, t *records.Template) error
	ReplaceTemplate(ctx context.Context, t *records.Template) (int64, error)
}

// VerificationStore loads a subject's templates and persists reverification.
type VerificationStore interface {
	TemplatesForSubject(ctx context.Context, subject string) ([]records.Template, error)
	UpdateVerification(ctx context.Context, id string, v policy.Verification) error
}

// ResealStore finds and updates templates sealed under retired keys.
type ResealStore interface {
	TemplatesNotUnderKey(ctx context.Context, keyID string) ([]records.Template, error)
	ReplaceEnvelope(ctx context.Context, id string, env vault.Envelope) error
}

// Sealer encrypts templates.
type Sealer interface {
	Seal(emb recognition.Embedding) (vault.Envelope, error)
}

// Opener decrypts templates.
type Opener interface {
	Open(env vault.Envelope) (recognition.Embedding, error)
}

// EnvelopeResealer re-encrypts envelopes under the current key.
type EnvelopeResealer interface {
	Reseal(env vault.Envelope) (vault.Envelope, error)
}

// KeyRotator exposes the current key and rotation.
type KeyRotator interface {
	Current() keystore.Key
	Rotate() (string, error)
}
