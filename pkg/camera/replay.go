package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Replay is a Source that yields still images from a file system in order and
// then reports ErrEndOfStream. It is used for offline attendance from photos.
type Replay struct {
	fsys  fs.FS
	paths []string

	mu   sync.Mutex
	open bool
	next int
}

// NewReplay creates a Replay over the given paths inside fsys.
func NewReplay(fsys fs.FS, paths ...string) *Replay {
	return &Replay{fsys: fsys, paths: paths}
}

// Open rewinds the replay.
func (r *Replay) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	r.next = 0
	return nil
}

// ReadFrame decodes the next image.
func (r *Replay) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		return Frame{}, ErrCameraNotOpen
	}

	// Unreadable photos are skipped rather than ending the stream.
	for r.next < len(r.paths) {
		p := r.paths[r.next]
		r.next++

		img, err := decodeFile(r.fsys, p)
		if err != nil {
			logging.Component("camera").WithError(err).Warnf("Skipping replay frame %s", p)
			continue
		}
		return Frame{Image: img, Index: r.next, Timestamp: time.Now()}, nil
	}
	return Frame{}, ErrEndOfStream
}

// IsOpen reports whether the replay is between Open and Close.
func (r *Replay) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func decodeFile(fsys fs.FS, p string) (image.Image, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return img, nil
}

// Close marks the replay closed.
func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	return nil
}
