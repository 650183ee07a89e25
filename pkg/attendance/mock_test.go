package attendance

import (
	"context"
	"image"
	"io/fs"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/records"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
)

// MockExtractor is a mock implementation of recognition.Extractor.
type MockExtractor struct {
	DetectFunc func(call int) ([]recognition.Face, error)

	mu    sync.Mutex
	calls int
}

func (m *MockExtractor) Detect(ctx context.Context, img image.Image) ([]recognition.Face, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	if m.DetectFunc != nil {
		return m.DetectFunc(call)
	}
	return nil, nil
}

// MockSource is a mock implementation of camera.Source yielding blank frames.
type MockSource struct {
	Frames   int
	OpenFunc func() error

	read   int
	Closed bool
}

func (m *MockSource) Open(ctx context.Context) error {
	if m.OpenFunc != nil {
		return m.OpenFunc()
	}
	return nil
}

func (m *MockSource) ReadFrame(ctx context.Context) (camera.Frame, error) {
	m.read++
	if m.read > m.Frames {
		return camera.Frame{}, camera.ErrEndOfStream
	}
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 32, 32)), Index: m.read}, nil
}

func (m *MockSource) Close() error {
	m.Closed = true
	return nil
}

// MockGalleryBuilder is a mock implementation of GalleryBuilder.
type MockGalleryBuilder struct {
	BuildFunc func(ctx context.Context, fsys fs.FS, root string) (*gallery.Gallery, *gallery.Report, error)
}

func (m *MockGalleryBuilder) Build(ctx context.Context, fsys fs.FS, root string) (*gallery.Gallery, *gallery.Report, error) {
	if m.BuildFunc != nil {
		return m.BuildFunc(ctx, fsys, root)
	}
	return gallery.New(), &gallery.Report{}, nil
}

// MockAttendanceStore is a mock implementation of AttendanceStore.
type MockAttendanceStore struct {
	MarkAttendanceFunc func(a records.Attendance) (bool, error)
	Marked             []records.Attendance
}

func (m *MockAttendanceStore) MarkAttendance(ctx context.Context, a records.Attendance) (bool, error) {
	m.Marked = append(m.Marked, a)
	if m.MarkAttendanceFunc != nil {
		return m.MarkAttendanceFunc(a)
	}
	return true, nil
}

// MockEnrollmentStore is a mock implementation of EnrollmentStore.
type MockEnrollmentStore struct {
	CreateTemplateFunc  func(ctx context.Context, t *records.Template) error
	ReplaceTemplateFunc func(ctx context.Context, t *records.Template) (int64, error)
}

func (m *MockEnrollmentStore) CreateTemplate(ctx context.Context, t *records.Template) error {
	if m.CreateTemplateFunc != nil {
		return m.CreateTemplateFunc(ctx, t)
	}
	return nil
}

func (m *MockEnrollmentStore) ReplaceTemplate(ctx context.Context, t *records.Template) (int64, error) {
	if m.ReplaceTemplateFunc != nil {
		return m.ReplaceTemplateFunc(ctx, t)
	}
	return 0, nil
}
