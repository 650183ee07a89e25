// Package camera provides frame sources for the acquisition loop: a gocv
// capture device and a replay source over still images.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// Frame represents a single captured frame.
type Frame struct {
	Image     image.Image
	Index     int
	Timestamp time.Time
}

// Source yields frames until it reports ErrEndOfStream.
type Source interface {
	Open(ctx context.Context) error
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	Path   string
	Width  int
	Height int
}

// ErrCameraNotFound is returned when the camera device cannot be opened.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when trying to capture from a closed camera.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrEndOfStream is returned when the source has no more frames, including a
// disconnected device. It is not recoverable for the session.
var ErrEndOfStream = errors.New("capture end of stream")

// ErrDeviceBusy is returned when another session already owns the device.
var ErrDeviceBusy = errors.New("capture device already in use")

var (
	claimsMu sync.Mutex
	claims   = make(map[string]struct{})
)

// Claim takes exclusive ownership of device for this process. The returned
// release function is idempotent.
func Claim(device string) (func(), error) {
	claimsMu.Lock()
	defer claimsMu.Unlock()

	if _, busy := claims[device]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, device)
	}
	claims[device] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			claimsMu.Lock()
			delete(claims, device)
			claimsMu.Unlock()
		})
	}, nil
}

// Downscale resizes img by factor using bilinear interpolation. Factors
// outside (0, 1) return img unchanged.
func Downscale(img image.Image, factor float64) image.Image {
	if factor <= 0 || factor >= 1 {
		return img
	}
	b := img.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())*factor)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*factor)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
