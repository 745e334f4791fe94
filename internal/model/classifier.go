package model

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/Brownie44l1/retina-api/internal/imaging"
)

// Classifier produces a label and confidence for one normalized image.
// Implementations are safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, tensor imaging.Tensor) (Prediction, error)
	Metadata() Metadata
	Classes() []string
	Placeholder() bool
	Close()
}

// InferenceError wraps any failure inside a forward pass.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// IsInferenceError reports whether err came from a failed forward pass.
func IsInferenceError(err error) bool {
	var inferenceErr *InferenceError
	return errors.As(err, &inferenceErr)
}

type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	// ImageSize sizes the placeholder network when no artifact is present.
	ImageSize int
	Seed      uint64
}

// Load opens the trained model at opts.ModelPath. When the artifact is
// missing or unusable an untrained placeholder is returned instead.
func Load(opts Options) (Classifier, error) {
	if _, err := os.Stat(opts.ModelPath); err != nil {
		log.Printf("WARNING: no model artifact at %s (%v); using untrained placeholder model, predictions are not meaningful", opts.ModelPath, err)
		return newPlaceholderFromOptions(opts)
	}

	server, err := NewServer(opts.ModelPath, opts.MetadataPath, opts.LibraryPath)
	if err != nil {
		log.Printf("WARNING: failed to load model %s: %v; using untrained placeholder model, predictions are not meaningful", opts.ModelPath, err)
		return newPlaceholderFromOptions(opts)
	}
	return server, nil
}

func newPlaceholderFromOptions(opts Options) (Classifier, error) {
	metadata := Metadata{ImageSize: opts.ImageSize}
	metadata.applyDefaults()
	return NewPlaceholder(metadata, opts.Seed)
}

func recoverInference(err *error) {
	if r := recover(); r != nil {
		*err = &InferenceError{Err: fmt.Errorf("panic: %v", r)}
	}
}

func argmax(output []float32, classes []string) (Prediction, error) {
	if len(output) == 0 {
		return Prediction{}, &InferenceError{Err: errors.New("model produced no output")}
	}

	maxIdx := -1
	var maxVal float32
	predictions := make(map[string]float32, len(classes))

	for i, val := range output {
		if i >= len(classes) {
			break
		}
		if math.IsNaN(float64(val)) {
			return Prediction{}, &InferenceError{Err: fmt.Errorf("output %d is NaN", i)}
		}
		predictions[classes[i]] = val
		if maxIdx < 0 || val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return Prediction{}, &InferenceError{Err: errors.New("model has no classes")}
	}

	return Prediction{
		Class:       classes[maxIdx],
		Confidence:  clampUnit(maxVal),
		Predictions: predictions,
	}, nil
}

func softmax(values []float32) {
	if len(values) == 0 {
		return
	}
	maxVal := values[0]
	for _, v := range values[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range values {
		e := math.Exp(float64(v - maxVal))
		values[i] = float32(e)
		sum += e
	}
	for i := range values {
		values[i] = float32(float64(values[i]) / sum)
	}
}

func clampUnit(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
