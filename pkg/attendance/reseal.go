package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Resealer re-encrypts stored templates under the current key. Rotation never
// does this implicitly.
type Resealer struct {
	Keys  KeyRotator
	Vault EnvelopeResealer
	Store ResealStore
	Audit compliance.Sink
}

// RotateResult is the outcome of RotateAndReseal.
type RotateResult struct {
	OldKeyID string
	NewKeyID string
	Resealed int
}

// Reseal re-encrypts every template not sealed under the current key and
// returns how many were updated. A template that fails to open is left
// untouched and reported in the returned error; the others are still resealed.
func (r *Resealer) Reseal(ctx context.Context) (int, error) {
	log := logging.Component("attendance")
	current := r.Keys.Current().ID

	stale, err := r.Store.TemplatesNotUnderKey(ctx, current)
	if err != nil {
		return 0, NewError(ErrCodeStore, true, err)
	}

	n := 0
	var errs []error
	for _, t := range stale {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		env, err := r.Vault.Reseal(t.Envelope)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", t.ID, err))
			record(ctx, r.Audit, compliance.SecurityEvent{
				Action: "reseal_template",
				Detail: fmt.Sprintf("template %s: %v", t.ID, err),
			})
			continue
		}
		if err := r.Store.ReplaceEnvelope(ctx, t.ID, env); err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", t.ID, err))
			continue
		}
		n++
	}

	log.Infof("Resealed %d of %d template(s) under key %s", n, len(stale), current)
	if len(errs) > 0 {
		return n, NewError(ErrCodeIntegrity, false, errors.Join(errs...))
	}
	return n, nil
}

// RotateAndReseal rotates the key and then reseals every stored template.
func (r *Resealer) RotateAndReseal(ctx context.Context) (RotateResult, error) {
	res := RotateResult{OldKeyID: r.Keys.Current().ID}

	id, err := r.Keys.Rotate()
	if err != nil {
		return res, err
	}
	res.NewKeyID = id

	res.Resealed, err = r.Reseal(ctx)
	record(ctx, r.Audit, compliance.KeyRotationEvent{OldKeyID: res.OldKeyID, NewKeyID: res.NewKeyID, Resealed: res.Resealed})
	return res, err
}
