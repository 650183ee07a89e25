package attendance

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/acquisition"
	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/keystore"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/vault"
)

var (
	aliceEmb = recognition.Embedding{0, 0, 0}
	bobEmb   = recognition.Embedding{1, 1, 1}
)

func referenceBuilder() *MockGalleryBuilder {
	return &MockGalleryBuilder{
		BuildFunc: func(ctx context.Context, fsys fs.FS, root string) (*gallery.Gallery, *gallery.Report, error) {
			g := gallery.New()
			g.Put("alice", aliceEmb)
			g.Put("bob", bobEmb)
			return g, &gallery.Report{Scanned: 2}, nil
		},
	}
}

// seeing returns an extractor that sees the given embedding on each call.
func seeing(perCall map[int]recognition.Embedding) *MockExtractor {
	return &MockExtractor{
		DetectFunc: func(call int) ([]recognition.Face, error) {
			emb, ok := perCall[call]
			if !ok {
				return nil, nil
			}
			return []recognition.Face{{BoundingBox: recognition.Rectangle{Width: 4, Height: 4}, Descriptor: emb}}, nil
		},
	}
}

type harness struct {
	keys    *keystore.Store
	vault   *vault.Vault
	store   *records.Store
	policy  *policy.Policy
	audit   *compliance.MemorySink
	consent *compliance.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend, err := keystore.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("key backend: %v", err)
	}
	keys, err := keystore.Open(backend)
	if err != nil {
		t.Fatalf("key store: %v", err)
	}
	store, err := records.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &harness{
		keys:    keys,
		vault:   vault.New(keys),
		store:   store,
		policy:  policy.New(policy.DefaultThresholds()),
		audit:   &compliance.MemorySink{},
		consent: compliance.NewRegistry(),
	}
}

func (h *harness) enroller() *Enroller {
	return &Enroller{
		Builder:        referenceBuilder(),
		Vault:          h.vault,
		Store:          h.store,
		Consent:        h.consent,
		Audit:          h.audit,
		Policy:         h.policy,
		ValidityDays:   policy.DefaultValidityDays,
		DefaultQuality: 90,
	}
}

func (h *harness) vaultGallery() *VaultGallery {
	return &VaultGallery{Store: h.store, Vault: h.vault, Policy: h.policy, Consent: h.consent, Audit: h.audit}
}

func TestTakeAttendance_FromImages(t *testing.T) {
	h := newHarness(t)
	src := &MockSource{Frames: 4}

	svc := &Service{
		Extractor:  seeing(map[int]recognition.Embedding{2: aliceEmb, 3: bobEmb, 4: aliceEmb}),
		Images:     referenceBuilder(),
		Attendance: h.store,
		Audit:      h.audit,
		MarkedBy:   "staff-1",
	}

	sum, err := svc.TakeAttendance(context.Background(), Session{Source: src, FS: fstest.MapFS{}, Root: "refs"})
	if err != nil {
		t.Fatalf("TakeAttendance failed: %v", err)
	}

	if sum.State != acquisition.Exhausted {
		t.Errorf("expected Exhausted, got %v", sum.State)
	}
	if !reflect.DeepEqual(sum.Present, []string{"alice", "bob"}) {
		t.Errorf("unexpected present list %v", sum.Present)
	}
	if sum.NewlyMarked != 2 || sum.Frames != 4 || sum.References != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if !src.Closed {
		t.Error("source must be closed")
	}

	marks, err := h.store.AttendanceFor(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("AttendanceFor failed: %v", err)
	}
	if len(marks) != 2 || marks[0].MarkedBy != "staff-1" || marks[0].SessionID != sum.SessionID {
		t.Errorf("unexpected marks %+v", marks)
	}

	events := h.audit.OfType(compliance.EventFaceRecognition)
	if len(events) != 2 {
		t.Errorf("expected 2 recognition events, got %d", len(events))
	}
	for _, e := range h.audit.Entries() {
		if e.CorrelationID != sum.SessionID {
			t.Errorf("expected audit correlation %s, got %s", sum.SessionID, e.CorrelationID)
		}
	}
}

func TestTakeAttendance_SecondSessionSameDay(t *testing.T) {
	h := newHarness(t)
	svc := &Service{
		Extractor:  seeing(map[int]recognition.Embedding{1: aliceEmb, 2: aliceEmb}),
		Images:     referenceBuilder(),
		Attendance: h.store,
	}

	first, err := svc.TakeAttendance(context.Background(), Session{Source: &MockSource{Frames: 1}, FS: fstest.MapFS{}})
	if err != nil || first.NewlyMarked != 1 {
		t.Fatalf("first session: %+v %v", first, err)
	}
	second, err := svc.TakeAttendance(context.Background(), Session{Source: &MockSource{Frames: 1}, FS: fstest.MapFS{}})
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if second.NewlyMarked != 0 || len(second.Present) != 1 {
		t.Errorf("expected alice present but not re-marked, got %+v", second)
	}
}

func TestTakeAttendance_NoReferences(t *testing.T) {
	svc := &Service{
		Extractor: &MockExtractor{},
		Images: &MockGalleryBuilder{
			BuildFunc: func(context.Context, fs.FS, string) (*gallery.Gallery, *gallery.Report, error) {
				return nil, nil, fmt.Errorf("%w: refs", gallery.ErrRootUnreadable)
			},
		},
		Attendance: &MockAttendanceStore{},
	}

	_, err := svc.TakeAttendance(context.Background(), Session{Source: &MockSource{}, FS: fstest.MapFS{}})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeNoReferences {
		t.Fatalf("expected NO_REFERENCES, got %v", err)
	}
	if !errors.Is(err, gallery.ErrRootUnreadable) {
		t.Error("expected the cause to be preserved")
	}
}

func TestTakeAttendance_EmptyGalleryIsCancelled(t *testing.T) {
	src := &MockSource{Frames: 3}
	store := &MockAttendanceStore{}
	svc := &Service{
		Extractor:  &MockExtractor{},
		Images:     &MockGalleryBuilder{},
		Attendance: store,
	}

	sum, err := svc.TakeAttendance(context.Background(), Session{Source: src, FS: fstest.MapFS{}})
	if err != nil {
		t.Fatalf("TakeAttendance failed: %v", err)
	}
	if sum.State != acquisition.Cancelled || sum.Frames != 0 || len(store.Marked) != 0 {
		t.Errorf("expected empty cancelled session, got %+v", sum)
	}
}

func TestTakeAttendance_CameraError(t *testing.T) {
	svc := &Service{
		Extractor:  &MockExtractor{},
		Images:     referenceBuilder(),
		Attendance: &MockAttendanceStore{},
	}
	src := &MockSource{OpenFunc: func() error { return errors.New("no such device") }}

	_, err := svc.TakeAttendance(context.Background(), Session{Source: src, FS: fstest.MapFS{}})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeCamera || !aerr.Retry {
		t.Fatalf("expected retryable CAMERA_ERROR, got %v", err)
	}
}

func TestTakeAttendance_StoreFailureKeepsPresentList(t *testing.T) {
	store := &MockAttendanceStore{
		MarkAttendanceFunc: func(a records.Attendance) (bool, error) {
			if a.Subject == "bob" {
				return false, errors.New("disk full")
			}
			return true, nil
		},
	}
	svc := &Service{
		Extractor:  seeing(map[int]recognition.Embedding{1: bobEmb, 2: aliceEmb}),
		Images:     referenceBuilder(),
		Attendance: store,
	}

	sum, err := svc.TakeAttendance(context.Background(), Session{Source: &MockSource{Frames: 2}, FS: fstest.MapFS{}})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeStore {
		t.Fatalf("expected STORE_ERROR, got %v", err)
	}
	if !reflect.DeepEqual(sum.Present, []string{"bob", "alice"}) || sum.NewlyMarked != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestTakeAttendance_CancelledStillMarks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &MockAttendanceStore{}
	ext := seeing(map[int]recognition.Embedding{1: aliceEmb})
	inner := ext.DetectFunc
	ext.DetectFunc = func(call int) ([]recognition.Face, error) {
		if call == 1 {
			cancel()
		}
		return inner(call)
	}

	svc := &Service{Extractor: ext, Images: referenceBuilder(), Attendance: store}
	sum, err := svc.TakeAttendance(ctx, Session{Source: &MockSource{Frames: 100}, FS: fstest.MapFS{}})
	if err != nil {
		t.Fatalf("TakeAttendance failed: %v", err)
	}
	if sum.State != acquisition.Cancelled {
		t.Errorf("expected Cancelled, got %v", sum.State)
	}
	if len(store.Marked) != 1 || store.Marked[0].Subject != "alice" {
		t.Errorf("expected alice to be marked, got %+v", store.Marked)
	}
}

func TestEnrollThenTakeFromVault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.consent.Grant("alice", compliance.ConsentFaceRecognition, "guardian", time.Time{})

	res, err := h.enroller().Enroll(ctx, fstest.MapFS{}, "refs")
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if !reflect.DeepEqual(res.Enrolled, []string{"alice"}) || !reflect.DeepEqual(res.Denied, []string{"bob"}) {
		t.Fatalf("unexpected enrollment %+v", res)
	}
	if len(h.audit.OfType(compliance.EventConsentChange)) != 1 {
		t.Error("expected a consent denied event for bob")
	}

	stored, err := h.store.TemplatesForSubject(ctx, "alice")
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored template: %v", err)
	}
	p := stored[0].Policy
	if p.VerificationStatus != policy.StatusVerified || p.LastVerification == nil || *p.QualityScore != 90 {
		t.Errorf("unexpected stored policy fields %+v", p)
	}
	if p.ValidUntil.Before(time.Now().AddDate(0, 0, 364)) {
		t.Errorf("expected validity of about a year, got %v", p.ValidUntil)
	}

	svc := &Service{
		Extractor:  seeing(map[int]recognition.Embedding{2: aliceEmb, 3: aliceEmb}),
		Vault:      h.vaultGallery(),
		Attendance: h.store,
		Audit:      h.audit,
	}
	sum, err := svc.TakeAttendance(ctx, Session{Source: &MockSource{Frames: 3}})
	if err != nil {
		t.Fatalf("TakeAttendance failed: %v", err)
	}
	if !reflect.DeepEqual(sum.Present, []string{"alice"}) || sum.VaultReport.Loaded != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}

	stored, _ = h.store.TemplatesForSubject(ctx, "alice")
	if stored[0].Policy.UsageCount != 1 || stored[0].Policy.LastUsed == nil {
		t.Errorf("expected one recorded usage, got %+v", stored[0].Policy)
	}
}

func TestEnroll_ReplaceDeactivatesOld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.enroller()
	e.Consent = compliance.AllowAll{}
	if _, err := e.Enroll(ctx, fstest.MapFS{}, "refs"); err != nil {
		t.Fatalf("first Enroll failed: %v", err)
	}
	e.Replace = true
	if _, err := e.Enroll(ctx, fstest.MapFS{}, "refs"); err != nil {
		t.Fatalf("second Enroll failed: %v", err)
	}

	active, err := h.store.ActiveTemplates(ctx)
	if err != nil {
		t.Fatalf("ActiveTemplates failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected one active template per subject, got %d", len(active))
	}
}

func TestVaultGallery_PolicyGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env, err := h.vault.Seal(aliceEmb)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	now := time.Now()
	verified := now.AddDate(0, 0, -1)
	stale := now.AddDate(0, 0, -200)

	add := func(subject string, rec policy.Record, env vault.Envelope) {
		t.Helper()
		if err := h.store.CreateTemplate(ctx, &records.Template{Subject: subject, Envelope: env, Policy: rec}); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
	}

	tampered := env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0xff

	add("ok", policy.Record{Active: true, LastVerification: &verified}, env)
	add("expired", policy.Record{Active: true, ValidUntil: now.Add(-time.Hour), LastVerification: &verified}, env)
	add("unverified", policy.Record{Active: true}, env)
	add("stale", policy.Record{Active: true, LastVerification: &stale}, env)
	add("tampered", policy.Record{Active: true, LastVerification: &verified}, tampered)
	add("noconsent", policy.Record{Active: true, LastVerification: &verified}, env)

	for _, s := range []string{"ok", "expired", "unverified", "stale", "tampered"} {
		h.consent.Grant(s, compliance.ConsentFaceRecognition, "guardian", time.Time{})
	}

	g, report, err := h.vaultGallery().Build(ctx)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(g.Labels(), []string{"ok"}) {
		t.Errorf("expected only ok, got %v", g.Labels())
	}

	reasons := make(map[string]string)
	for _, s := range report.Skipped {
		reasons[s.Subject] = s.Reason
	}
	want := map[string]string{
		"expired":    SkipInvalid,
		"unverified": SkipReverify,
		"stale":      SkipReverify,
		"tampered":   SkipUndecrypted,
		"noconsent":  SkipNoConsent,
	}
	if !reflect.DeepEqual(reasons, want) {
		t.Errorf("unexpected skip reasons %v", reasons)
	}
	if len(h.audit.OfType(compliance.EventSecurity)) != 1 {
		t.Error("expected a security event for the tampered template")
	}
}

func TestResealer_RotateAndReseal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.enroller()
	e.Consent = nil
	if _, err := e.Enroll(ctx, fstest.MapFS{}, "refs"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	oldKey := h.keys.Current().ID

	r := &Resealer{Keys: h.keys, Vault: h.vault, Store: h.store, Audit: h.audit}
	res, err := r.RotateAndReseal(ctx)
	if err != nil {
		t.Fatalf("RotateAndReseal failed: %v", err)
	}
	if res.OldKeyID != oldKey || res.NewKeyID == oldKey || res.Resealed != 2 {
		t.Errorf("unexpected rotation result %+v", res)
	}

	stale, err := h.store.TemplatesNotUnderKey(ctx, res.NewKeyID)
	if err != nil || len(stale) != 0 {
		t.Errorf("expected no templates under the old key, got %d (%v)", len(stale), err)
	}

	active, _ := h.store.ActiveTemplates(ctx)
	for _, tpl := range active {
		emb, err := h.vault.Open(tpl.Envelope)
		if err != nil {
			t.Fatalf("resealed template does not open: %v", err)
		}
		if tpl.Subject == "alice" && !reflect.DeepEqual(emb, aliceEmb) {
			t.Errorf("unexpected embedding %v", emb)
		}
	}

	if len(h.audit.OfType(compliance.EventDataMod)) != 1 {
		t.Error("expected a key rotation event")
	}

	n, err := r.Reseal(ctx)
	if err != nil || n != 0 {
		t.Errorf("second reseal should be a no-op, got %d %v", n, err)
	}
}

func TestResealer_ReportsBrokenTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good, _ := h.vault.Seal(aliceEmb)
	bad, _ := h.vault.Seal(bobEmb)
	bad.Ciphertext[len(bad.Ciphertext)-1] ^= 0x01

	for subject, env := range map[string]vault.Envelope{"alice": good, "bob": bad} {
		if err := h.store.CreateTemplate(ctx, &records.Template{Subject: subject, Envelope: env, Policy: policy.Record{Active: true}}); err != nil {
			t.Fatalf("CreateTemplate failed: %v", err)
		}
	}
	if _, err := h.keys.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	r := &Resealer{Keys: h.keys, Vault: h.vault, Store: h.store, Audit: h.audit}
	n, err := r.Reseal(ctx)
	if n != 1 {
		t.Errorf("expected the intact template to be resealed, got %d", n)
	}
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeIntegrity {
		t.Fatalf("expected INTEGRITY_ERROR, got %v", err)
	}
	if !errors.Is(err, vault.ErrIntegrity) {
		t.Error("expected vault.ErrIntegrity in the chain")
	}
}

func TestGetErrorMessage(t *testing.T) {
	if GetErrorMessage(ErrCodeConsentDenied) == GetErrorMessage("UNKNOWN") {
		t.Error("expected a specific message for known codes")
	}
	err := NewError(ErrCodeStore, true, errors.New("boom"))
	if err.Error() != "The record store could not be updated: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestTakeAttendance_NoFramesIsCaptureEnded(t *testing.T) {
	svc := &Service{
		Extractor:  &MockExtractor{},
		Images:     referenceBuilder(),
		Attendance: &MockAttendanceStore{},
	}

	sum, err := svc.TakeAttendance(context.Background(), Session{Source: &MockSource{Frames: 0}, FS: fstest.MapFS{}})
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeCaptureEnded {
		t.Fatalf("expected CAPTURE_ENDED, got %v", err)
	}
	if sum.State != acquisition.Exhausted {
		t.Errorf("expected Exhausted, got %v", sum.State)
	}
}

func TestEnroll_NobodyConsented(t *testing.T) {
	h := newHarness(t)

	res, err := h.enroller().Enroll(context.Background(), fstest.MapFS{}, "refs")
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeConsentDenied {
		t.Fatalf("expected CONSENT_DENIED, got %v", err)
	}
	if len(res.Denied) != 2 || len(res.Enrolled) != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	active, _ := h.store.ActiveTemplates(context.Background())
	if len(active) != 0 {
		t.Errorf("expected no stored templates, got %d", len(active))
	}
}

func TestEnroll_FailedReplaceKeepsActiveTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.enroller()
	e.Consent = compliance.AllowAll{}
	if _, err := e.Enroll(ctx, fstest.MapFS{}, "refs"); err != nil {
		t.Fatalf("first Enroll failed: %v", err)
	}
	before, err := h.store.ActiveTemplates(ctx)
	if err != nil || len(before) != 2 {
		t.Fatalf("expected 2 active templates, got %d (%v)", len(before), err)
	}
	ids := make(map[string]string)
	for _, tpl := range before {
		ids[tpl.Subject] = tpl.ID
	}

	e.Replace = true
	e.Store = &MockEnrollmentStore{
		ReplaceTemplateFunc: func(ctx context.Context, tpl *records.Template) (int64, error) {
			// A reused ID makes every insert fail after the deactivation ran.
			tpl.ID = ids[tpl.Subject]
			return h.store.ReplaceTemplate(ctx, tpl)
		},
	}

	res, err := e.Enroll(ctx, fstest.MapFS{}, "refs")
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeStore {
		t.Fatalf("expected STORE_ERROR, got %v", err)
	}
	if len(res.Enrolled) != 0 || len(res.Failed) != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	after, err := h.store.ActiveTemplates(ctx)
	if err != nil {
		t.Fatalf("ActiveTemplates failed: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected both old templates to stay active, got %d", len(after))
	}
	for _, tpl := range after {
		if ids[tpl.Subject] != tpl.ID {
			t.Errorf("expected %s to keep template %s, got %s", tpl.Subject, ids[tpl.Subject], tpl.ID)
		}
	}
}

func freshImages(labels []string, embs []recognition.Embedding) *MockGalleryBuilder {
	return &MockGalleryBuilder{
		BuildFunc: func(context.Context, fs.FS, string) (*gallery.Gallery, *gallery.Report, error) {
			g := gallery.New()
			for i, l := range labels {
				g.Put(l, embs[i])
			}
			return g, &gallery.Report{Scanned: len(labels)}, nil
		},
	}
}

func TestVerifier_ReverifiesStaleTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.enroller()
	e.Consent = compliance.AllowAll{}
	if _, err := e.Enroll(ctx, fstest.MapFS{}, "refs"); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	for _, s := range []string{"alice", "bob"} {
		h.consent.Grant(s, compliance.ConsentFaceRecognition, "guardian", time.Time{})
	}
	later := time.Now().AddDate(0, 0, 200).Truncate(time.Second)
	h.policy.Now = func() time.Time { return later }

	g, _, err := h.vaultGallery().Build(ctx)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Len() != 0 {
		t.Fatalf("expected stale templates to be left out, got %v", g.Labels())
	}

	v := &Verifier{
		Builder: freshImages(
			[]string{"alice", "bob", "carol"},
			[]recognition.Embedding{{0.1, 0, 0}, {5, 5, 5}, {9, 9, 9}},
		),
		Vault:     h.vault,
		Store:     h.store,
		Audit:     h.audit,
		Policy:    h.policy,
		Tolerance: 0.6,
		Quality:   85,
	}
	accessBefore := len(h.audit.OfType(compliance.EventDataAccess))
	res, err := v.Verify(ctx, fstest.MapFS{}, "fresh")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(res.Verified) != 1 || len(res.Rejected) != 1 || len(res.Current) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if !reflect.DeepEqual(res.Missing, []string{"carol"}) {
		t.Errorf("expected carol to be missing, got %v", res.Missing)
	}

	alice, _ := h.store.TemplatesForSubject(ctx, "alice")
	p := alice[0].Policy
	if p.VerificationStatus != policy.StatusVerified || p.LastVerification == nil || !p.LastVerification.Equal(later) {
		t.Errorf("expected alice verified at %v, got %+v", later, p)
	}
	if p.QualityScore == nil || *p.QualityScore != 85 {
		t.Errorf("expected quality 85, got %v", p.QualityScore)
	}
	bob, _ := h.store.TemplatesForSubject(ctx, "bob")
	if bob[0].Policy.VerificationStatus != policy.StatusFailed {
		t.Errorf("expected bob to fail verification, got %s", bob[0].Policy.VerificationStatus)
	}
	if n := len(h.audit.OfType(compliance.EventDataAccess)) - accessBefore; n != 2 {
		t.Errorf("expected 2 verify access events, got %d", n)
	}

	g, report, err := h.vaultGallery().Build(ctx)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !reflect.DeepEqual(g.Labels(), []string{"alice"}) {
		t.Errorf("expected only alice after reverification, got %v", g.Labels())
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Subject != "bob" || report.Skipped[0].Reason != SkipReverify {
		t.Errorf("expected bob to need reverification, got %+v", report.Skipped)
	}

	res, err = v.Verify(ctx, fstest.MapFS{}, "fresh")
	if err != nil {
		t.Fatalf("second Verify failed: %v", err)
	}
	if len(res.Current) != 1 || len(res.Rejected) != 1 || len(res.Verified) != 0 {
		t.Errorf("expected alice current and bob rejected again, got %+v", res)
	}
}

func TestVerifier_ReportsUnreadableTemplates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	env, err := h.vault.Seal(aliceEmb)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x01
	if err := h.store.CreateTemplate(ctx, &records.Template{Subject: "alice", Envelope: env, Policy: policy.Record{Active: true}}); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}

	v := &Verifier{
		Builder: freshImages([]string{"alice"}, []recognition.Embedding{aliceEmb}),
		Vault:   h.vault,
		Store:   h.store,
		Audit:   h.audit,
		Policy:  h.policy,
	}
	res, err := v.Verify(ctx, fstest.MapFS{}, "fresh")
	var aerr *Error
	if !errors.As(err, &aerr) || aerr.Code != ErrCodeIntegrity {
		t.Fatalf("expected INTEGRITY_ERROR, got %v", err)
	}
	if len(res.Failed) != 1 || len(res.Verified) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(h.audit.OfType(compliance.EventSecurity)) != 1 {
		t.Error("expected a security event for the unreadable template")
	}

	stored, _ := h.store.TemplatesForSubject(ctx, "alice")
	if stored[0].Policy.VerificationStatus != policy.StatusPending {
		t.Errorf("expected the unreadable template to stay pending, got %s", stored[0].Policy.VerificationStatus)
	}
}
