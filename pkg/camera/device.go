package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Device is a Source backed by an OpenCV video capture.
type Device struct {
	path   string
	width  int
	height int

	mu      sync.Mutex
	cap     *gocv.VideoCapture
	mat     gocv.Mat
	release func()
	index   int
}

// NewDevice creates a capture source for path, which is either a numeric
// device index or a device/file path. Zero width or height keeps the driver
// default.
func NewDevice(path string, width, height int) *Device {
	return &Device{path: path, width: width, height: height}
}

// Info returns the device parameters: the resolution the driver granted
// while open, the requested one otherwise.
func (d *Device) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info()
}

func (d *Device) info() DeviceInfo {
	if d.cap == nil {
		return DeviceInfo{Path: d.path, Width: d.width, Height: d.height}
	}
	return DeviceInfo{
		Path:   d.path,
		Width:  int(d.cap.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(d.cap.Get(gocv.VideoCaptureFrameHeight)),
	}
}

// Open claims and opens the device.
func (d *Device) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap != nil {
		return nil
	}

	release, err := Claim(d.path)
	if err != nil {
		return err
	}

	var target interface{} = d.path
	if idx, err := strconv.Atoi(d.path); err == nil {
		target = idx
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		release()
		return fmt.Errorf("%w: %s: %v", ErrCameraNotFound, d.path, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		release()
		return fmt.Errorf("%w: %s", ErrCameraNotFound, d.path)
	}

	if d.width > 0 && d.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(d.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(d.height))
	}

	d.cap = vc
	d.mat = gocv.NewMat()
	d.release = release
	d.index = 0

	info := d.info()
	logging.Component("camera").WithFields(logging.Fields{
		"device": info.Path,
		"width":  info.Width,
		"height": info.Height,
	}).Info("Opened capture device")
	return nil
}

// ReadFrame blocks until the next frame is available. A failed read is
// reported as ErrEndOfStream.
func (d *Device) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap == nil {
		return Frame{}, ErrCameraNotOpen
	}

	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return Frame{}, fmt.Errorf("%w: %s", ErrEndOfStream, d.path)
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to convert frame: %w", err)
	}

	d.index++
	return Frame{Image: img, Index: d.index, Timestamp: time.Now()}, nil
}

// Close releases the capture and the device claim. It is safe to call more
// than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap == nil {
		return nil
	}

	_ = d.mat.Close()
	err := d.cap.Close()
	d.cap = nil
	d.release()
	d.release = nil

	logging.Component("camera").Infof("Closed capture device %s", d.path)
	return err
}
