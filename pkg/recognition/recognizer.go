// Package recognition defines the face template extractor used by the rest of
// rollcall and a dlib implementation of it built on go-face.
package recognition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Embedding is a fixed-length face template. Embeddings are only comparable
// when they have the same length.
type Embedding []float32

// Rectangle represents a bounding box in pixel coordinates.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// ScaleXY multiplies horizontal coordinates by fx and vertical ones by fy,
// rounding to the nearest pixel.
func (r Rectangle) ScaleXY(fx, fy float64) Rectangle {
	s := func(v int, f float64) int { return int(math.Round(float64(v) * f)) }
	return Rectangle{X: s(r.X, fx), Y: s(r.Y, fy), Width: s(r.Width, fx), Height: s(r.Height, fy)}
}

// Face is one detected face region and its template.
type Face struct {
	BoundingBox Rectangle
	Descriptor  Embedding
}

// Extractor finds faces in an image and computes one template per face.
// An image without faces yields an empty slice and no error.
type Extractor interface {
	Detect(ctx context.Context, img image.Image) ([]Face, error)
}

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrDimensionMismatch is returned when two embeddings of different length are compared.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// FaceEngine is the subset of *face.Recognizer used by DlibExtractor.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// cnnEngine is implemented by engines that support the CNN detector.
type cnnEngine interface {
	RecognizeCNN(imgData []byte) ([]face.Face, error)
}

// EngineFactory creates a FaceEngine from a model directory.
type EngineFactory func(modelPath string) (FaceEngine, error)

func defaultFactory(modelPath string) (FaceEngine, error) {
	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DlibExtractor implements Extractor using dlib via go-face.
type DlibExtractor struct {
	engine      FaceEngine
	factory     EngineFactory
	modelPath   string
	loaded      bool
	useCNN      bool
	jpegQuality int
	mu          sync.Mutex
}

// NewDlibExtractor creates an extractor; call LoadModels before Detect.
func NewDlibExtractor() *DlibExtractor {
	return &DlibExtractor{
		factory:     defaultFactory,
		jpegQuality: 95,
	}
}

// SetEngineFactory replaces the go-face constructor.
func (r *DlibExtractor) SetEngineFactory(factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
}

// UseCNN switches to the CNN face detector (mmod_human_face_detector.dat).
func (r *DlibExtractor) UseCNN(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useCNN = enabled
}

// LoadModels loads the dlib models from the specified path.
// The path should contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat (optional, for CNN detection)
func (r *DlibExtractor) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Component("recognition").Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibExtractor) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibExtractor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// Detect implements Extractor. The dlib engine is not safe for concurrent use,
// so calls are serialized. The context is checked before the engine runs; a
// running dlib call cannot be interrupted.
func (r *DlibExtractor) Detect(ctx context.Context, img image.Image) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	var (
		faces []face.Face
		err   error
	)
	if cnn, ok := r.engine.(cnnEngine); ok && r.useCNN {
		faces, err = cnn.RecognizeCNN(buf.Bytes())
	} else {
		faces, err = r.engine.Recognize(buf.Bytes())
	}
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		rect := f.Rectangle
		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Descriptor: FromDescriptor(f.Descriptor),
		}
	}

	logging.Component("recognition").Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// EuclideanDistance calculates the Euclidean distance between two embeddings.
func EuclideanDistance(a, b Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// FromDescriptor converts a dlib descriptor to an Embedding.
func FromDescriptor(d face.Descriptor) Embedding {
	e := make(Embedding, len(d))
	copy(e, d[:])
	return e
}
