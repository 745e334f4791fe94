// Package telemetry counts and reports failures that the service absorbs
// instead of crashing.
package telemetry

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

type Reporter struct {
	sentry            bool
	inferenceFailures atomic.Uint64
	handlerPanics     atomic.Uint64
}

// New initializes Sentry when dsn is set. Without a DSN failures are only
// logged and counted.
func New(dsn, environment, release string) (*Reporter, error) {
	r := &Reporter{}
	if dsn == "" {
		return r, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}
	r.sentry = true
	return r, nil
}

// Inference records a failed forward pass.
func (r *Reporter) Inference(err error, tags map[string]string) {
	r.inferenceFailures.Add(1)
	log.Printf("Inference error: %v", err)
	r.capture(err, "inference", tags)
}

// Panic records a recovered handler panic.
func (r *Reporter) Panic(err error, tags map[string]string) {
	r.handlerPanics.Add(1)
	log.Printf("Recovered panic: %v", err)
	r.capture(err, "panic", tags)
}

func (r *Reporter) capture(err error, kind string, tags map[string]string) {
	if !r.sentry {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", kind)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

type Snapshot struct {
	InferenceFailures uint64 `json:"inference_failures"`
	HandlerPanics     uint64 `json:"handler_panics"`
}

func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		InferenceFailures: r.inferenceFailures.Load(),
		HandlerPanics:     r.handlerPanics.Load(),
	}
}

// Flush waits for buffered Sentry events.
func (r *Reporter) Flush() {
	if r.sentry {
		sentry.Flush(2 * time.Second)
	}
}
