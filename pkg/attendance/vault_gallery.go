package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/vault"
)

// Reasons a stored template is left out of a vault gallery.
const (
	SkipInvalid     = "invalid"
	SkipReverify    = "needs_reverification"
	SkipNoConsent   = "no_consent"
	SkipUndecrypted = "undecryptable"
)

// VaultSkip records a template left out of the gallery.
type VaultSkip struct {
	Subject    string
	TemplateID string
	Reason     string
	Err        error
}

// VaultReport summarizes a vault gallery build.
type VaultReport struct {
	Loaded  int
	Skipped []VaultSkip
}

// VaultGallery builds session galleries from encrypted template records. Only
// templates the lifecycle policy allows are decrypted.
type VaultGallery struct {
	Store   TemplateStore
	Vault   Opener
	Policy  *policy.Policy
	Consent compliance.ConsentGate
	Audit   compliance.Sink

	mu   sync.Mutex
	used map[string]records.Template
}

// Build decrypts every usable active template. When a subject has several
// templates the most recently created one is used.
func (vg *VaultGallery) Build(ctx context.Context) (*gallery.Gallery, *VaultReport, error) {
	log := logging.Component("attendance")

	templates, err := vg.Store.ActiveTemplates(ctx)
	if err != nil {
		return nil, nil, NewError(ErrCodeStore, true, err)
	}

	g := gallery.New()
	report := &VaultReport{}
	loaded := make(map[string]records.Template)

	for _, t := range templates {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		skip := func(reason string, err error) {
			report.Skipped = append(report.Skipped, VaultSkip{Subject: t.Subject, TemplateID: t.ID, Reason: reason, Err: err})
			log.WithFields(logging.Fields{"subject": t.Subject, "template": t.ID, "reason": reason}).Debug("Template not used")
		}

		if !vg.Policy.IsValid(t.Policy) {
			skip(SkipInvalid, nil)
			continue
		}
		if vg.Policy.NeedsReverification(t.Policy) {
			skip(SkipReverify, nil)
			continue
		}
		if vg.Consent != nil {
			ok, err := vg.Consent.HasConsent(ctx, t.Subject, compliance.ConsentFaceRecognition)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				skip(SkipNoConsent, nil)
				record(ctx, vg.Audit, compliance.ConsentDeniedEvent{
					Subject: t.Subject,
					Consent: compliance.ConsentFaceRecognition,
					Action:  "load_template",
				})
				continue
			}
		}

		emb, err := vg.Vault.Open(t.Envelope)
		if err != nil {
			skip(SkipUndecrypted, err)
			log.WithError(err).WithField("template", t.ID).Warn("Stored template could not be opened")
			if errors.Is(err, vault.ErrIntegrity) || errors.Is(err, vault.ErrKeyMismatch) || errors.Is(err, vault.ErrKeyNotFound) {
				record(ctx, vg.Audit, compliance.SecurityEvent{
					Action: "open_template",
					Detail: fmt.Sprintf("template %s: %v", t.ID, err),
					Level:  compliance.SeverityCritical,
				})
			}
			continue
		}

		if g.Len() > 0 && len(emb) != g.Dim() {
			skip(SkipUndecrypted, fmt.Errorf("template has %d values, gallery has %d", len(emb), g.Dim()))
			continue
		}

		g.Put(t.Subject, emb)
		loaded[t.Subject] = t
		record(ctx, vg.Audit, compliance.TemplateAccessEvent{
			Subject:    t.Subject,
			TemplateID: t.ID,
			Action:     "read",
			Purpose:    compliance.ConsentFaceRecognition.Purpose(),
		})
	}

	vg.mu.Lock()
	vg.used = loaded
	vg.mu.Unlock()

	report.Loaded = g.Len()
	log.Infof("Vault gallery built: %d subject(s), %d template(s) skipped", g.Len(), len(report.Skipped))
	return g, report, nil
}

// RecordMatch persists one more use of the template that matched subject in
// the last built gallery.
func (vg *VaultGallery) RecordMatch(ctx context.Context, subject string) error {
	vg.mu.Lock()
	t, ok := vg.used[subject]
	if ok {
		u := vg.Policy.RecordUsage(t.Policy)
		t.Policy.UsageCount = u.Count
		t.Policy.LastUsed = &u.LastUsed
		vg.used[subject] = t
	}
	vg.mu.Unlock()

	if !ok {
		return nil
	}
	return vg.Store.UpdateUsage(ctx, t.ID, policy.Usage{Count: t.Policy.UsageCount, LastUsed: *t.Policy.LastUsed})
}
