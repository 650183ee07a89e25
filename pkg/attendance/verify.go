package attendance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
	"github.com/MrCodeEU/rollcall/pkg/policy"
)

// VerifyResult is the outcome of a reverification run. Each list holds
// template IDs.
type VerifyResult struct {
	Verified []string
	Rejected []string

	// Current templates were still usable and left alone.
	Current []string

	// Missing lists subjects with a fresh image but no valid template.
	Missing []string

	// Failed holds templates that could not be opened or compared.
	Failed map[string]error
	Report *gallery.Report
}

// Verifier re-verifies stored templates against fresh reference images. A
// template whose decrypted embedding matches the fresh one within Tolerance
// becomes verified, anything else is marked failed and stops being used.
type Verifier struct {
	Builder GalleryBuilder
	Vault   Opener
	Store   VerificationStore
	Audit   compliance.Sink
	Policy  *policy.Policy

	Tolerance float64
	Quality   int

	// All re-verifies templates the policy still considers usable.
	All bool
}

// Verify extracts one embedding per subject below root and checks it against
// every valid template of that subject.
func (v *Verifier) Verify(ctx context.Context, fsys fs.FS, root string) (*VerifyResult, error) {
	log := logging.Component("attendance")

	tolerance := v.Tolerance
	if tolerance == 0 {
		tolerance = matcher.DefaultTolerance
	}

	fresh, report, err := v.Builder.Build(ctx, fsys, root)
	if err != nil {
		return nil, NewError(ErrCodeNoReferences, false, err)
	}

	res := &VerifyResult{Report: report, Failed: make(map[string]error)}
	for _, entry := range fresh.Entries() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		templates, err := v.Store.TemplatesForSubject(ctx, entry.Label)
		if err != nil {
			return res, NewError(ErrCodeStore, true, err)
		}

		checked := 0
		for _, t := range templates {
			if !v.Policy.IsValid(t.Policy) {
				continue
			}
			checked++
			if !v.All && v.Policy.Usable(t.Policy) {
				res.Current = append(res.Current, t.ID)
				continue
			}

			stored, err := v.Vault.Open(t.Envelope)
			if err != nil {
				res.Failed[t.ID] = err
				record(ctx, v.Audit, compliance.SecurityEvent{
					Action: "verify_template",
					Detail: fmt.Sprintf("template %s: %v", t.ID, err),
					Level:  compliance.SeverityCritical,
				})
				continue
			}

			ref := gallery.New()
			ref.Put(entry.Label, stored)
			m, err := matcher.Match(ref, entry.Embedding, tolerance)
			if err != nil {
				res.Failed[t.ID] = err
				continue
			}

			status, quality := policy.StatusFailed, (*int)(nil)
			if m.Known {
				q := v.Quality
				status, quality = policy.StatusVerified, &q
			}
			if err := v.Store.UpdateVerification(ctx, t.ID, v.Policy.Verify(t.Policy, status, quality)); err != nil {
				return res, NewError(ErrCodeStore, true, err)
			}

			if m.Known {
				res.Verified = append(res.Verified, t.ID)
			} else {
				res.Rejected = append(res.Rejected, t.ID)
				log.WithFields(logging.Fields{"subject": entry.Label, "template": t.ID}).Warn("Template no longer matches the subject")
			}
			record(ctx, v.Audit, compliance.TemplateAccessEvent{
				Subject:    entry.Label,
				TemplateID: t.ID,
				Action:     "verify",
				Purpose:    compliance.ConsentFaceRecognition.Purpose(),
			})
		}
		if checked == 0 {
			res.Missing = append(res.Missing, entry.Label)
		}
	}

	log.Infof("Verified %d template(s), %d rejected, %d current, %d failed",
		len(res.Verified), len(res.Rejected), len(res.Current), len(res.Failed))
	if len(res.Failed) > 0 {
		errs := make([]error, 0, len(res.Failed))
		for id, err := range res.Failed {
			errs = append(errs, fmt.Errorf("template %s: %w", id, err))
		}
		return res, NewError(ErrCodeIntegrity, false, errors.Join(errs...))
	}
	return res, nil
}
