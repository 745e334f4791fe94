package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Brownie44l1/retina-api/internal/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// Server runs a trained ONNX graph. The session reuses one pair of
// pre-allocated tensors, so Predict calls are serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(modelPath, metadataPath, libraryPath string) (*Server, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	metadata.applyDefaults()

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Server) Metadata() Metadata { return s.metadata }

func (s *Server) Classes() []string { return s.metadata.Classes }

func (s *Server) Placeholder() bool { return false }

func (s *Server) Predict(ctx context.Context, tensor imaging.Tensor) (pred Prediction, err error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, &InferenceError{Err: err}
	}
	if want := s.metadata.InputSize(); len(tensor.Data) != want {
		return Prediction{}, &InferenceError{Err: fmt.Errorf("expected %d input values, got %d", want, len(tensor.Data))}
	}
	defer recoverInference(&err)

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), tensor.Data)
	if err := s.session.Run(); err != nil {
		return Prediction{}, &InferenceError{Err: err}
	}

	output := append([]float32(nil), s.outputTensor.GetData()...)
	if s.metadata.Softmax {
		softmax(output)
	}
	return argmax(output, s.metadata.Classes)
}

func (s *Server) Close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
	ort.DestroyEnvironment()
}
