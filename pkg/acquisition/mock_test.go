package acquisition

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// MockSource yields Frames frames of the given size and then ends.
type MockSource struct {
	Frames        int
	Width, Height int
	OpenFunc      func(ctx context.Context) error
	ReadFrameFunc func(ctx context.Context, index int) (camera.Frame, error)

	mu     sync.Mutex
	opened int
	closed int
	read   int
}

func (m *MockSource) Open(ctx context.Context) error {
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx)
	}
	return nil
}

func (m *MockSource) ReadFrame(ctx context.Context) (camera.Frame, error) {
	m.mu.Lock()
	m.read++
	idx := m.read
	m.mu.Unlock()

	if m.ReadFrameFunc != nil {
		return m.ReadFrameFunc(ctx, idx)
	}
	if idx > m.Frames {
		return camera.Frame{}, camera.ErrEndOfStream
	}
	w, h := m.Width, m.Height
	if w == 0 {
		w, h = 64, 48
	}
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, w, h)), Index: idx, Timestamp: time.Now()}, nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *MockSource) counts() (opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

// MockExtractor returns DetectFunc's result for the n-th call (1-based).
type MockExtractor struct {
	DetectFunc func(call int, img image.Image) ([]recognition.Face, error)

	mu    sync.Mutex
	calls int
	sizes []image.Rectangle
}

func (m *MockExtractor) Detect(ctx context.Context, img image.Image) ([]recognition.Face, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.sizes = append(m.sizes, img.Bounds())
	m.mu.Unlock()

	if m.DetectFunc != nil {
		return m.DetectFunc(call, img)
	}
	return nil, nil
}
