// Package acquisition runs the frame-by-frame recognition loop of an
// attendance session.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/matcher"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// State is the lifecycle state of a Loop.
type State int

const (
	Idle State = iota
	Running
	Cancelled
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotIdle is returned when Run is called on a loop that already ran.
var ErrNotIdle = errors.New("acquisition loop is not idle")

// DefaultDownscale is the linear factor applied to frames before detection.
const DefaultDownscale = 0.5

// Annotation is one face to draw on a frame, in original frame coordinates.
type Annotation struct {
	Box      recognition.Rectangle
	Label    string
	Distance float64
	Known    bool
}

// Overlay renders annotations for a frame. Rendering is up to the caller.
type Overlay interface {
	Render(frame camera.Frame, annotations []Annotation)
}

// OverlayFunc adapts a function to Overlay.
type OverlayFunc func(frame camera.Frame, annotations []Annotation)

// Render implements Overlay.
func (f OverlayFunc) Render(frame camera.Frame, annotations []Annotation) { f(frame, annotations) }

// Result is returned when the loop terminates.
type Result struct {
	SessionID string
	State     State
	// Labels holds each recognized label once, in order of first recognition.
	Labels      []string
	Frames      int
	FrameErrors int
	// Err is the end-of-stream cause when State is Exhausted.
	Err error
}

// Options configures a Loop.
type Options struct {
	Tolerance float64
	Downscale float64
	Overlay   Overlay
	// SessionID identifies the session in logs; a random one is used if empty.
	SessionID string
	// OnRecognized is called the first time a label is recognized.
	OnRecognized func(label string, distance float64)
}

// Loop matches faces from a frame source against a gallery until the source
// ends or the context is cancelled. A Loop runs once.
type Loop struct {
	source    camera.Source
	extractor recognition.Extractor
	gallery   *gallery.Gallery
	opts      Options

	mu    sync.Mutex
	state State
}

// New creates an idle loop. Zero option values take their defaults.
func New(source camera.Source, extractor recognition.Extractor, g *gallery.Gallery, opts Options) *Loop {
	if opts.Tolerance <= 0 {
		opts.Tolerance = matcher.DefaultTolerance
	}
	if opts.Downscale <= 0 {
		opts.Downscale = DefaultDownscale
	}
	return &Loop{
		source:    source,
		extractor: extractor,
		gallery:   g,
		opts:      opts,
	}
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run executes the session. Cancelling ctx stops the loop after the current
// frame. The source is always closed before Run returns. An empty gallery
// ends the session immediately as Cancelled without opening the source.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	l.mu.Lock()
	if l.state != Idle {
		l.mu.Unlock()
		return Result{State: l.state}, ErrNotIdle
	}
	l.state = Running
	l.mu.Unlock()

	res := Result{SessionID: l.opts.SessionID}
	if res.SessionID == "" {
		res.SessionID = uuid.NewString()
	}
	log := logging.Component("acquisition").WithField("session", res.SessionID)

	if l.gallery.Len() == 0 {
		log.Warn("Gallery is empty, nothing to match against")
		l.setState(Cancelled)
		res.State = Cancelled
		return res, nil
	}

	if err := l.source.Open(ctx); err != nil {
		// A half-opened device may still hold resources.
		if cerr := l.source.Close(); cerr != nil {
			log.WithError(cerr).Debug("Failed to close frame source after open error")
		}
		l.setState(Cancelled)
		res.State = Cancelled
		return res, fmt.Errorf("failed to open frame source: %w", err)
	}
	defer func() {
		if err := l.source.Close(); err != nil {
			log.WithError(err).Warn("Failed to close frame source")
		}
	}()

	log.Infof("Session started with %d reference(s)", l.gallery.Len())

	seen := make(map[string]struct{})
	finish := func(s State) (Result, error) {
		l.setState(s)
		res.State = s
		log.Infof("Session %s after %d frame(s), %d recognized", s, res.Frames, len(res.Labels))
		return res, nil
	}

	for {
		if ctx.Err() != nil {
			return finish(Cancelled)
		}

		frame, err := l.source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return finish(Cancelled)
			}
			log.WithError(err).Info("Frame source ended")
			res.Err = err
			return finish(Exhausted)
		}
		res.Frames++

		annotations, err := l.processFrame(ctx, frame)
		if err != nil {
			res.FrameErrors++
			log.WithError(err).WithField("frame", frame.Index).Warn("Frame processing failed")
		}

		for _, a := range annotations {
			if !a.Known {
				continue
			}
			if _, ok := seen[a.Label]; ok {
				continue
			}
			seen[a.Label] = struct{}{}
			res.Labels = append(res.Labels, a.Label)
			log.WithField("label", a.Label).Infof("Recognized (distance %.3f)", a.Distance)
			if l.opts.OnRecognized != nil {
				l.opts.OnRecognized(a.Label, a.Distance)
			}
		}

		if l.opts.Overlay != nil {
			l.opts.Overlay.Render(frame, annotations)
		}
	}
}

// processFrame detects and matches faces on a downscaled copy of the frame
// and returns annotations in original frame coordinates. Faces whose template
// cannot be compared with the gallery are dropped.
func (l *Loop) processFrame(ctx context.Context, frame camera.Frame) ([]Annotation, error) {
	small := camera.Downscale(frame.Image, l.opts.Downscale)
	faces, err := l.extractor.Detect(ctx, small)
	if err != nil {
		return nil, err
	}

	// Geometry goes back through the factors actually applied, per axis.
	scaleX := float64(frame.Image.Bounds().Dx()) / float64(small.Bounds().Dx())
	scaleY := float64(frame.Image.Bounds().Dy()) / float64(small.Bounds().Dy())

	annotations := make([]Annotation, 0, len(faces))
	var errs []error
	for _, f := range faces {
		m, err := matcher.Match(l.gallery, f.Descriptor, l.opts.Tolerance)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		annotations = append(annotations, Annotation{
			Box:      f.BoundingBox.ScaleXY(scaleX, scaleY),
			Label:    m.Label,
			Distance: m.Distance,
			Known:    m.Known,
		})
	}
	return annotations, errors.Join(errs...)
}
