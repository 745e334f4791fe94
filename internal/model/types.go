package model

import "github.com/Brownie44l1/retina-api/internal/imaging"

// DefaultClasses is the label vocabulary of the stock retinopathy model.
var DefaultClasses = []string{"No DR", "Mild", "Moderate", "Severe", "Proliferative DR"}

type Metadata struct {
	InputShape  []int64        `json:"input_shape"`
	OutputShape []int64        `json:"output_shape"`
	InputName   string         `json:"input_name"`
	OutputName  string         `json:"output_name"`
	Classes     []string       `json:"classes"`
	ImageSize   int            `json:"image_size"`
	Layout      imaging.Layout `json:"layout"`
	// Softmax is set when the graph emits logits instead of probabilities.
	Softmax bool `json:"softmax"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Prediction struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions"`
}

func (m *Metadata) applyDefaults() {
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), DefaultClasses...)
	}
	if m.ImageSize <= 0 {
		m.ImageSize = imaging.DefaultSize
	}
	if m.Layout != imaging.LayoutNHWC {
		m.Layout = imaging.LayoutNCHW
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	size := int64(m.ImageSize)
	if len(m.InputShape) == 0 {
		if m.Layout == imaging.LayoutNHWC {
			m.InputShape = []int64{1, size, size, 3}
		} else {
			m.InputShape = []int64{1, 3, size, size}
		}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

// InputSize is the number of float32 values one prediction consumes.
func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}

// NormalizerOptions derives the preprocessing the model expects.
func (m Metadata) NormalizerOptions(enhance bool) imaging.Options {
	return imaging.Options{Size: m.ImageSize, Layout: m.Layout, Enhance: enhance}
}
