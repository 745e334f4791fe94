// Package detect runs the screening pipeline: normalize the image, classify
// it, resolve the canonical stage, persist the test and look up the
// matching dietary recommendation.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/retina-api/internal/diet"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/media"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
	"github.com/Brownie44l1/retina-api/internal/telemetry"
)

const historyLimit = 10

// ValidationError is a bad request rejected before the image reaches the
// model.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type Store interface {
	diet.Repository
	CreateTest(ctx context.Context, t store.TestRecord) (store.TestRecord, error)
	GetTest(ctx context.Context, id int64) (store.TestRecord, bool, error)
	ListRecentTests(ctx context.Context, limit int) ([]store.TestRecord, error)
	DeleteTest(ctx context.Context, id int64) (store.TestRecord, bool, error)
	GetCountry(ctx context.Context, id int64) (store.Country, bool, error)
	GetCountryByCode(ctx context.Context, code string) (store.Country, bool, error)
	ListCountries(ctx context.Context) ([]store.Country, error)
	Ping(ctx context.Context) error
}

type Service struct {
	normalizer *imaging.Normalizer
	classifier model.Classifier
	resolver   *stage.Resolver
	store      Store
	lookup     *diet.Lookup
	media      *media.Storage
	reporter   *telemetry.Reporter
}

type Deps struct {
	Normalizer *imaging.Normalizer
	Classifier model.Classifier
	Resolver   *stage.Resolver
	Store      Store
	Media      *media.Storage
	Reporter   *telemetry.Reporter
}

func NewService(d Deps) *Service {
	if d.Resolver == nil {
		d.Resolver = stage.NewResolver(stage.DefaultRules())
	}
	if d.Normalizer == nil {
		d.Normalizer = imaging.NewNormalizer(d.Classifier.Metadata().NormalizerOptions(true))
	}
	if d.Media == nil {
		d.Media = media.NewStorage("")
	}
	if d.Reporter == nil {
		d.Reporter, _ = telemetry.New("", "", "")
	}
	return &Service{
		normalizer: d.Normalizer,
		classifier: d.Classifier,
		resolver:   d.Resolver,
		store:      d.Store,
		lookup:     diet.NewLookup(d.Store),
		media:      d.Media,
		reporter:   d.Reporter,
	}
}

func (s *Service) Classifier() model.Classifier { return s.classifier }

func (s *Service) Reporter() *telemetry.Reporter { return s.reporter }

func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

type Input struct {
	Image []byte
	// Ext is the declared file extension; the sniffed format is used when
	// empty.
	Ext     string
	Country store.Country
}

type Result struct {
	Test           store.TestRecord
	Stage          stage.Stage
	Prediction     model.Prediction
	Country        store.Country
	Recommendation *store.Recommendation
}

// ResolveCountry accepts a numeric id or an ISO code.
func (s *Service) ResolveCountry(ctx context.Context, ident string) (store.Country, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return store.Country{}, invalid("Country selection is required")
	}

	var (
		c     store.Country
		found bool
		err   error
	)
	if id, convErr := strconv.ParseInt(ident, 10, 64); convErr == nil {
		c, found, err = s.store.GetCountry(ctx, id)
	} else {
		c, found, err = s.store.GetCountryByCode(ctx, ident)
	}
	if err != nil {
		return store.Country{}, fmt.Errorf("load country %q: %w", ident, err)
	}
	if !found {
		return store.Country{}, invalid("Invalid country selected")
	}
	return c, nil
}

// Detect runs the full pipeline on raw image bytes.
func (s *Service) Detect(ctx context.Context, in Input) (Result, error) {
	tensor, err := s.normalizer.Normalize(in.Image)
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	pred, err := s.classifier.Predict(ctx, tensor)
	if err != nil {
		s.reporter.Inference(err, map[string]string{
			"placeholder": strconv.FormatBool(s.classifier.Placeholder()),
		})
		return Result{}, err
	}
	st := s.resolver.Resolve(pred.Class)
	log.Printf("Prediction: %s (%.4f) -> %s in %s", pred.Class, pred.Confidence, st.Key, time.Since(started).Round(time.Millisecond))

	ext := strings.ToLower(strings.TrimPrefix(in.Ext, "."))
	if ext == "" {
		ext = imaging.Sniff(in.Image)
	}
	imageRef, err := s.media.Save(in.Image, ext)
	if err != nil {
		return Result{}, fmt.Errorf("store image: %w", err)
	}

	test, err := s.store.CreateTest(ctx, store.TestRecord{
		ImageRef:   imageRef,
		Result:     st.Key,
		Confidence: float64(pred.Confidence),
	})
	if err != nil {
		if rmErr := s.media.Remove(imageRef); rmErr != nil {
			log.Printf("Failed to release image %s: %v", imageRef, rmErr)
		}
		return Result{}, fmt.Errorf("save test record: %w", err)
	}

	var country *store.Country
	if in.Country.ID != 0 {
		country = &in.Country
	}
	rec, err := s.lookup.Find(ctx, st.Key, country)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Test:           test,
		Stage:          st,
		Prediction:     pred,
		Country:        in.Country,
		Recommendation: rec,
	}, nil
}

// DetectBase64 is Detect for a base64 string or data URI.
func (s *Service) DetectBase64(ctx context.Context, encoded string, country store.Country) (Result, error) {
	data, err := imaging.DecodeBase64(encoded)
	if err != nil {
		return Result{}, err
	}
	return s.Detect(ctx, Input{Image: data, Country: country})
}

// PredictTensor classifies an already normalized input without persisting
// anything.
func (s *Service) PredictTensor(ctx context.Context, data []float32) (model.Prediction, stage.Stage, error) {
	meta := s.classifier.Metadata()
	if want := meta.InputSize(); len(data) != want {
		return model.Prediction{}, stage.Stage{}, invalid("Expected %d values, got %d", want, len(data))
	}
	pred, err := s.classifier.Predict(ctx, imaging.Tensor{Shape: meta.InputShape, Data: data})
	if err != nil {
		s.reporter.Inference(err, map[string]string{"endpoint": "predict"})
		return model.Prediction{}, stage.Stage{}, err
	}
	return pred, s.resolver.Resolve(pred.Class), nil
}

func (s *Service) History(ctx context.Context) ([]store.TestRecord, error) {
	return s.store.ListRecentTests(ctx, historyLimit)
}

type TestDetail struct {
	Test           store.TestRecord
	Stage          stage.Stage
	Recommendation *store.Recommendation
}

func (s *Service) Test(ctx context.Context, id int64) (TestDetail, bool, error) {
	t, found, err := s.store.GetTest(ctx, id)
	if err != nil || !found {
		return TestDetail{}, found, err
	}
	st, ok := stage.ByKey(t.Result)
	if !ok {
		st = stage.Unknown(t.Result)
	}
	rec, err := s.lookup.Find(ctx, t.Result, nil)
	if err != nil {
		return TestDetail{}, false, err
	}
	return TestDetail{Test: t, Stage: st, Recommendation: rec}, true, nil
}

// DeleteTest removes the record and its stored image.
func (s *Service) DeleteTest(ctx context.Context, id int64) (bool, error) {
	t, found, err := s.store.DeleteTest(ctx, id)
	if err != nil || !found {
		return found, err
	}
	if err := s.media.Remove(t.ImageRef); err != nil {
		log.Printf("Failed to release image %s for test %d: %v", t.ImageRef, id, err)
	}
	return true, nil
}

// Recommendation looks up advice for stageKey. An unknown or empty country
// falls through to the default record.
func (s *Service) Recommendation(ctx context.Context, stageKey, countryIdent string) (*store.Recommendation, *store.Country, error) {
	stageKey = strings.TrimSpace(stageKey)
	if stageKey == "" {
		return nil, nil, invalid("Stage is required")
	}

	var country *store.Country
	if strings.TrimSpace(countryIdent) != "" {
		c, err := s.ResolveCountry(ctx, countryIdent)
		var vErr *ValidationError
		switch {
		case err == nil:
			country = &c
		case !errors.As(err, &vErr):
			return nil, nil, err
		}
	}

	rec, err := s.lookup.Find(ctx, stageKey, country)
	return rec, country, err
}

func (s *Service) Countries(ctx context.Context) ([]store.Country, error) {
	return s.store.ListCountries(ctx)
}
