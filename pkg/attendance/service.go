package attendance

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/acquisition"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Session describes one attendance session. When FS is nil the gallery is
// built from the vault.
type Session struct {
	Source camera.Source
	FS     fs.FS
	Root   string
}

// Summary is the outcome of a session.
type Summary struct {
	SessionID string
	State     acquisition.State
	// Present lists recognized subjects in order of first recognition.
	Present     []string
	NewlyMarked int
	Frames      int
	FrameErrors int
	References  int
	ImageReport *gallery.Report
	VaultReport *VaultReport
}

// Service runs attendance sessions.
type Service struct {
	Extractor  recognition.Extractor
	Images     GalleryBuilder
	Vault      *VaultGallery
	Attendance AttendanceStore
	Audit      compliance.Sink

	Tolerance float64
	Downscale float64
	Overlay   acquisition.Overlay
	MarkedBy  string

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// TakeAttendance builds the session gallery, runs the acquisition loop until
// the source ends or ctx is cancelled, and marks every recognized subject
// present. Recognized subjects are returned even when saving fails.
func (s *Service) TakeAttendance(ctx context.Context, sess Session) (*Summary, error) {
	sum := &Summary{SessionID: uuid.NewString()}
	ctx = compliance.WithCorrelationID(ctx, sum.SessionID)
	log := logging.Component("attendance").WithField("session", sum.SessionID)

	g, err := s.buildGallery(ctx, sess, sum)
	if err != nil {
		return sum, err
	}
	sum.References = g.Len()
	if g.Len() == 0 {
		log.Warn("No usable references, session will not start")
	}

	loop := acquisition.New(sess.Source, s.Extractor, g, acquisition.Options{
		Tolerance: s.Tolerance,
		Downscale: s.Downscale,
		Overlay:   s.Overlay,
		SessionID: sum.SessionID,
		OnRecognized: func(label string, distance float64) {
			record(ctx, s.Audit, compliance.RecognitionEvent{SessionID: sum.SessionID, Subject: label, Distance: distance})
			if s.Vault != nil && sess.FS == nil {
				if err := s.Vault.RecordMatch(ctx, label); err != nil {
					log.WithError(err).WithField("subject", label).Warn("Failed to record template usage")
				}
			}
		},
	})

	res, err := loop.Run(ctx)
	sum.State = res.State
	sum.Present = res.Labels
	sum.Frames = res.Frames
	sum.FrameErrors = res.FrameErrors
	if err != nil {
		return sum, NewError(ErrCodeCamera, true, err)
	}
	if res.State == acquisition.Exhausted && res.Frames == 0 {
		return sum, NewError(ErrCodeCaptureEnded, true, res.Err)
	}

	// Marks are written with a fresh context so a cancelled session still
	// records who was seen.
	markCtx := context.WithoutCancel(ctx)
	var markErrs []error
	for _, subject := range sum.Present {
		created, err := s.Attendance.MarkAttendance(markCtx, records.Attendance{
			Subject:   subject,
			Status:    records.StatusPresent,
			SessionID: sum.SessionID,
			MarkedBy:  s.MarkedBy,
			MarkedAt:  s.clock(),
		})
		if err != nil {
			log.WithError(err).WithField("subject", subject).Error("Failed to mark attendance")
			markErrs = append(markErrs, err)
			continue
		}
		if created {
			sum.NewlyMarked++
		}
	}
	if len(markErrs) > 0 {
		return sum, NewError(ErrCodeStore, true, errors.Join(markErrs...))
	}

	log.Infof("Attendance taken: %d present, %d newly marked", len(sum.Present), sum.NewlyMarked)
	return sum, nil
}

func (s *Service) buildGallery(ctx context.Context, sess Session, sum *Summary) (*gallery.Gallery, error) {
	if sess.FS != nil {
		g, report, err := s.Images.Build(ctx, sess.FS, sess.Root)
		if err != nil {
			if errors.Is(err, gallery.ErrRootUnreadable) {
				return nil, NewError(ErrCodeNoReferences, false, err)
			}
			return nil, err
		}
		sum.ImageReport = report
		return g, nil
	}

	if s.Vault == nil {
		return nil, NewError(ErrCodeNoReferences, false, errors.New("no reference source configured"))
	}
	g, report, err := s.Vault.Build(ctx)
	if err != nil {
		return nil, err
	}
	sum.VaultReport = report
	return g, nil
}

// record writes an audit event. Audit failures are logged, never fatal.
func record(ctx context.Context, sink compliance.Sink, e compliance.Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, e); err != nil {
		logging.Component("attendance").WithError(err).Warn("Failed to record audit event")
	}
}
