package gallery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// Per-image skip reasons. None of them aborts a build.
var (
	// ErrDecode is recorded when the image bytes cannot be decoded.
	ErrDecode = errors.New("image could not be decoded")
	// ErrFormat is recorded when the image cannot be reduced to 3-channel RGB.
	ErrFormat = errors.New("unsupported image format")
	// ErrNoFace is recorded when the extractor finds no face.
	ErrNoFace = errors.New("no face detected")
	// ErrRead is recorded when the image file cannot be read.
	ErrRead = errors.New("image could not be read")
)

// ErrRootUnreadable is returned when the reference root cannot be enumerated.
var ErrRootUnreadable = errors.New("reference root cannot be enumerated")

// DefaultExtensions are the reference image types picked up by a build.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// Skip records an image that did not contribute to the gallery.
type Skip struct {
	Path  string
	Label string
	Err   error
}

// Report summarizes a build.
type Report struct {
	Scanned    int
	Skipped    []Skip
	Duplicates []string
	// MultiFace lists labels whose reference image held more than one face;
	// only the first detected face was kept.
	MultiFace []string
}

// Count returns how many images were skipped for the given reason.
func (r *Report) Count(reason error) int {
	n := 0
	for _, s := range r.Skipped {
		if errors.Is(s.Err, reason) {
			n++
		}
	}
	return n
}

// Builder turns a tree of labeled reference images into a Gallery.
type Builder struct {
	Extractor  recognition.Extractor
	Workers    int
	Extensions []string
	// Progress, when set, is called once per processed image.
	Progress func()
}

// NewBuilder returns a Builder with default workers and extensions.
func NewBuilder(extractor recognition.Extractor) *Builder {
	return &Builder{
		Extractor:  extractor,
		Workers:    4,
		Extensions: DefaultExtensions,
	}
}

type outcome struct {
	embedding recognition.Embedding
	faces     int
	err       error
}

// Build walks root inside fsys, extracts one template per image and returns the
// gallery together with a report of skipped images.
//
// Images are processed in parallel, but results are committed in walk order:
// when two images map to the same label the one walked last wins.
func (b *Builder) Build(ctx context.Context, fsys fs.FS, root string) (*Gallery, *Report, error) {
	log := logging.Component("gallery")

	paths, err := b.scan(fsys, root)
	if err != nil {
		return nil, nil, err
	}
	log.Debugf("Found %d reference image(s) under %s", len(paths), root)

	results := make([]outcome, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	workers := b.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = b.process(gctx, fsys, p)
			if b.Progress != nil {
				b.Progress()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	gal := New()
	report := &Report{Scanned: len(paths)}

	for i, p := range paths {
		label := Label(p)
		res := results[i]

		if res.err == nil && gal.Len() > 0 && len(res.embedding) != gal.Dim() {
			res.err = fmt.Errorf("%w: got %d, gallery has %d", recognition.ErrDimensionMismatch, len(res.embedding), gal.Dim())
		}
		if res.err != nil {
			log.WithError(res.err).WithField("path", p).Warn("Skipping reference image")
			report.Skipped = append(report.Skipped, Skip{Path: p, Label: label, Err: res.err})
			continue
		}

		if res.faces > 1 {
			report.MultiFace = append(report.MultiFace, label)
		}
		if gal.Put(label, res.embedding) {
			log.Warnf("Duplicate label %q, %s replaces the earlier image", label, p)
			report.Duplicates = append(report.Duplicates, label)
		}
	}

	log.Infof("Gallery built: %d entr(ies), %d skipped", gal.Len(), len(report.Skipped))
	return gal, report, nil
}

// scan lists reference images below root in lexical walk order. Only a failure
// to read root itself is fatal; unreadable subdirectories are skipped.
func (b *Builder) scan(fsys fs.FS, root string) ([]string, error) {
	if _, err := fs.ReadDir(fsys, root); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}

	var paths []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			logging.Component("gallery").WithError(err).Warnf("Skipping unreadable path %s", p)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !b.accepts(p) {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootUnreadable, root, err)
	}
	return paths, nil
}

func (b *Builder) accepts(p string) bool {
	exts := b.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(path.Ext(p))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (b *Builder) process(ctx context.Context, fsys fs.FS, p string) outcome {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return outcome{err: fmt.Errorf("%w: %v", ErrRead, err)}
	}

	img, err := Decode(data)
	if err != nil {
		return outcome{err: err}
	}

	rgb, err := Normalize(img)
	if err != nil {
		return outcome{err: err}
	}

	faces, err := b.Extractor.Detect(ctx, rgb)
	if err != nil {
		return outcome{err: fmt.Errorf("extraction failed: %w", err)}
	}
	if len(faces) == 0 {
		return outcome{err: ErrNoFace}
	}

	// Reference images are single-subject; only the first face is kept.
	return outcome{embedding: faces[0].Descriptor, faces: len(faces)}
}

// DirFS returns an fs.FS rooted at dir on the local file system.
func DirFS(dir string) fs.FS {
	return os.DirFS(dir)
}
