package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Brownie44l1/retina-api/internal/imaging"
)

const placeholderHidden = 128

// Placeholder is an untrained Flatten -> Dense(128, relu) -> Dense(softmax)
// network. It keeps the service runnable without a trained artifact; its
// output carries no diagnostic meaning. Weights are never written after
// construction.
type Placeholder struct {
	metadata Metadata
	inputs   int
	outputs  int
	w1       []float32 // inputs x hidden, row major
	b1       []float32
	w2       []float32 // hidden x outputs, row major
	b2       []float32
}

func NewPlaceholder(metadata Metadata, seed uint64) (*Placeholder, error) {
	metadata.applyDefaults()
	inputs := metadata.InputSize()
	outputs := len(metadata.Classes)
	if inputs <= 0 || outputs == 0 {
		return nil, fmt.Errorf("invalid placeholder shape: %d inputs, %d classes", inputs, outputs)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Placeholder{
		metadata: metadata,
		inputs:   inputs,
		outputs:  outputs,
		w1:       glorot(rng, inputs, placeholderHidden),
		b1:       make([]float32, placeholderHidden),
		w2:       glorot(rng, placeholderHidden, outputs),
		b2:       make([]float32, outputs),
	}, nil
}

func glorot(rng *rand.Rand, fanIn, fanOut int) []float32 {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	w := make([]float32, fanIn*fanOut)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return w
}

func (p *Placeholder) Metadata() Metadata { return p.metadata }

func (p *Placeholder) Classes() []string { return p.metadata.Classes }

func (p *Placeholder) Placeholder() bool { return true }

func (p *Placeholder) Predict(ctx context.Context, tensor imaging.Tensor) (pred Prediction, err error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, &InferenceError{Err: err}
	}
	if len(tensor.Data) != p.inputs {
		return Prediction{}, &InferenceError{Err: fmt.Errorf("expected %d input values, got %d", p.inputs, len(tensor.Data))}
	}
	defer recoverInference(&err)

	hidden := append([]float32(nil), p.b1...)
	for i, x := range tensor.Data {
		if x == 0 {
			continue
		}
		row := p.w1[i*placeholderHidden : (i+1)*placeholderHidden]
		for j, w := range row {
			hidden[j] += x * w
		}
	}

	output := append([]float32(nil), p.b2...)
	for j, h := range hidden {
		if h <= 0 {
			continue
		}
		row := p.w2[j*p.outputs : (j+1)*p.outputs]
		for k, w := range row {
			output[k] += h * w
		}
	}
	softmax(output)
	return argmax(output, p.metadata.Classes)
}

func (p *Placeholder) Close() {}
