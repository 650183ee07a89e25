package attendance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
)

// EnrollResult is the outcome of an enrollment run.
type EnrollResult struct {
	Enrolled []string
	Denied   []string
	Failed   map[string]error
	Report   *gallery.Report
}

// Enroller turns reference images into encrypted template records.
type Enroller struct {
	Builder GalleryBuilder
	Vault   Sealer
	Store   EnrollmentStore
	Consent compliance.ConsentGate
	Audit   compliance.Sink
	Policy  *policy.Policy

	ValidityDays   int
	DefaultQuality int
	// Replace deactivates a subject's existing templates in the same
	// transaction that stores the new one.
	Replace bool
}

// Enroll extracts one template per subject below root, seals it and stores
// it. Subjects without face recognition consent are skipped. Enrollment
// counts as a verification of the new template.
func (e *Enroller) Enroll(ctx context.Context, fsys fs.FS, root string) (*EnrollResult, error) {
	log := logging.Component("attendance")

	g, report, err := e.Builder.Build(ctx, fsys, root)
	if err != nil {
		return nil, NewError(ErrCodeNoReferences, false, err)
	}

	res := &EnrollResult{Report: report, Failed: make(map[string]error)}
	for _, entry := range g.Entries() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if e.Consent != nil {
			ok, err := e.Consent.HasConsent(ctx, entry.Label, compliance.ConsentFaceRecognition)
			if err != nil {
				return res, err
			}
			if !ok {
				res.Denied = append(res.Denied, entry.Label)
				record(ctx, e.Audit, compliance.ConsentDeniedEvent{
					Subject: entry.Label,
					Consent: compliance.ConsentFaceRecognition,
					Action:  "enroll",
				})
				log.WithField("subject", entry.Label).Warn("Enrollment skipped: no consent")
				continue
			}
		}

		env, err := e.Vault.Seal(entry.Embedding)
		if err != nil {
			res.Failed[entry.Label] = err
			continue
		}

		quality := e.DefaultQuality
		v := e.Policy.Verify(policy.Record{}, policy.StatusVerified, &quality)
		t := &records.Template{
			Subject:  entry.Label,
			Envelope: env,
			Policy: policy.Record{
				Active:             true,
				ValidUntil:         policy.ValidUntil(v.VerifiedAt, e.ValidityDays),
				QualityScore:       v.QualityScore,
				VerificationStatus: v.Status,
				LastVerification:   &v.VerifiedAt,
			},
		}
		var replaced int64
		if e.Replace {
			replaced, err = e.Store.ReplaceTemplate(ctx, t)
		} else {
			err = e.Store.CreateTemplate(ctx, t)
		}
		if err != nil {
			res.Failed[entry.Label] = fmt.Errorf("store template: %w", err)
			continue
		}
		if replaced > 0 {
			log.WithField("subject", entry.Label).Infof("Deactivated %d previous template(s)", replaced)
		}

		res.Enrolled = append(res.Enrolled, entry.Label)
		record(ctx, e.Audit, compliance.TemplateAccessEvent{
			Subject:    entry.Label,
			TemplateID: t.ID,
			Action:     "create",
			Purpose:    compliance.ConsentFaceRecognition.Purpose(),
		})
	}

	log.Infof("Enrolled %d subject(s), %d denied, %d failed", len(res.Enrolled), len(res.Denied), len(res.Failed))
	switch {
	case len(res.Enrolled) > 0:
	case len(res.Failed) > 0:
		errs := make([]error, 0, len(res.Failed))
		for subject, err := range res.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", subject, err))
		}
		return res, NewError(ErrCodeStore, true, errors.Join(errs...))
	case len(res.Denied) > 0:
		return res, NewError(ErrCodeConsentDenied, false, fmt.Errorf("%d subject(s) without consent", len(res.Denied)))
	}
	return res, nil
}
