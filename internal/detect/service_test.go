package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/media"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/seed"
	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
	"github.com/Brownie44l1/retina-api/internal/telemetry"
)

const testImageSize = 64

type fixture struct {
	svc      *Service
	store    *store.Store
	mediaDir string
	reporter *telemetry.Reporter
}

func newFixture(t *testing.T, classifier model.Classifier) fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(store.DriverSQLite, filepath.Join(dir, "detect.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	f, err := seed.Load(filepath.Join("..", "..", "data", "seed.yaml"))
	if err != nil {
		t.Fatalf("seed.Load failed: %v", err)
	}
	if _, err := f.Apply(context.Background(), s); err != nil {
		t.Fatalf("seed.Apply failed: %v", err)
	}

	if classifier == nil {
		classifier, err = model.Load(model.Options{
			ModelPath: filepath.Join(dir, "missing.onnx"),
			ImageSize: testImageSize,
			Seed:      42,
		})
		if err != nil {
			t.Fatalf("model.Load failed: %v", err)
		}
	}

	reporter, err := telemetry.New("", "test", "test")
	if err != nil {
		t.Fatalf("telemetry.New failed: %v", err)
	}

	mediaDir := filepath.Join(dir, "media")
	svc := NewService(Deps{
		Normalizer: imaging.NewNormalizer(classifier.Metadata().NormalizerOptions(true)),
		Classifier: classifier,
		Store:      s,
		Media:      media.NewStorage(mediaDir),
		Reporter:   reporter,
	})
	return fixture{svc: svc, store: s, mediaDir: mediaDir, reporter: reporter}
}

func blackPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

type failingClassifier struct {
	model.Classifier
}

func (failingClassifier) Predict(context.Context, imaging.Tensor) (model.Prediction, error) {
	return model.Prediction{}, &model.InferenceError{Err: errors.New("session run failed")}
}

type fixedClassifier struct {
	model.Classifier
	label string
}

func (f fixedClassifier) Predict(context.Context, imaging.Tensor) (model.Prediction, error) {
	return model.Prediction{Class: f.label, Confidence: 0.9}, nil
}

func TestDetectBlackImageEndToEnd(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	country, err := fx.svc.ResolveCountry(ctx, "US")
	if err != nil {
		t.Fatalf("ResolveCountry failed: %v", err)
	}

	res, err := fx.svc.Detect(ctx, Input{Image: blackPNG(t, 50, 50), Ext: "png", Country: country})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if _, ok := stage.ByKey(res.Stage.Key); !ok {
		t.Fatalf("expected canonical stage key, got %q", res.Stage.Key)
	}
	if res.Test.Confidence < 0 || res.Test.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Test.Confidence)
	}
	if res.Test.ID == 0 {
		t.Fatalf("expected persisted test id")
	}

	stored, found, err := fx.store.GetTest(ctx, res.Test.ID)
	if err != nil || !found {
		t.Fatalf("GetTest failed: found=%v err=%v", found, err)
	}
	if stored.Result != res.Stage.Key {
		t.Fatalf("stored result %q, want %q", stored.Result, res.Stage.Key)
	}
	if _, err := os.Stat(filepath.Join(fx.mediaDir, filepath.FromSlash(stored.ImageRef))); err != nil {
		t.Fatalf("expected stored image at %q: %v", stored.ImageRef, err)
	}
	if res.Recommendation == nil || res.Recommendation.Condition != res.Stage.Key {
		t.Fatalf("expected recommendation for %q, got %+v", res.Stage.Key, res.Recommendation)
	}
}

func TestDetectBase64DataURI(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	country, err := fx.svc.ResolveCountry(ctx, "IN")
	if err != nil {
		t.Fatalf("ResolveCountry failed: %v", err)
	}

	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(blackPNG(t, 20, 30))
	res, err := fx.svc.DetectBase64(ctx, encoded, country)
	if err != nil {
		t.Fatalf("DetectBase64 failed: %v", err)
	}
	if filepath.Ext(res.Test.ImageRef) != ".png" {
		t.Fatalf("expected sniffed png extension, got %q", res.Test.ImageRef)
	}
}

func TestDetectRejectsGarbage(t *testing.T) {
	fx := newFixture(t, nil)
	_, err := fx.svc.Detect(context.Background(), Input{Image: []byte("not an image")})
	var decodeErr *imaging.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	recent, _ := fx.svc.History(context.Background())
	if len(recent) != 0 {
		t.Fatalf("expected nothing persisted, got %d records", len(recent))
	}
}

func TestDetectInferenceFailure(t *testing.T) {
	placeholder, err := model.NewPlaceholder(model.Metadata{ImageSize: testImageSize}, 1)
	if err != nil {
		t.Fatalf("NewPlaceholder failed: %v", err)
	}
	fx := newFixture(t, failingClassifier{Classifier: placeholder})
	ctx := context.Background()

	_, err = fx.svc.Detect(ctx, Input{Image: blackPNG(t, 10, 10)})
	if !model.IsInferenceError(err) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if got := fx.reporter.Snapshot().InferenceFailures; got != 1 {
		t.Fatalf("expected one counted failure, got %d", got)
	}
	recent, _ := fx.svc.History(ctx)
	if len(recent) != 0 {
		t.Fatalf("expected no record after inference failure, got %d", len(recent))
	}
	entries, _ := os.ReadDir(filepath.Join(fx.mediaDir, "retinopathy_images"))
	if len(entries) != 0 {
		t.Fatalf("expected no stored image, got %d", len(entries))
	}
}

func TestDetectUnknownLabelIsPersistedAsIs(t *testing.T) {
	placeholder, err := model.NewPlaceholder(model.Metadata{ImageSize: testImageSize}, 1)
	if err != nil {
		t.Fatalf("NewPlaceholder failed: %v", err)
	}
	fx := newFixture(t, fixedClassifier{Classifier: placeholder, label: "Glaucoma Suspect"})

	res, err := fx.svc.Detect(context.Background(), Input{Image: blackPNG(t, 10, 10)})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Stage.Known() || res.Test.Result != "glaucoma_suspect" {
		t.Fatalf("unexpected unknown stage handling: %+v", res.Stage)
	}
	if res.Recommendation != nil {
		t.Fatalf("expected no recommendation for unknown stage, got %+v", res.Recommendation)
	}
}

func TestDetectUsesCountryRecommendation(t *testing.T) {
	placeholder, err := model.NewPlaceholder(model.Metadata{ImageSize: testImageSize}, 1)
	if err != nil {
		t.Fatalf("NewPlaceholder failed: %v", err)
	}
	fx := newFixture(t, fixedClassifier{Classifier: placeholder, label: "Mild"})
	ctx := context.Background()
	india, err := fx.svc.ResolveCountry(ctx, "in")
	if err != nil {
		t.Fatalf("ResolveCountry failed: %v", err)
	}

	res, err := fx.svc.Detect(ctx, Input{Image: blackPNG(t, 10, 10), Country: india})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Recommendation == nil || res.Recommendation.IsDefault {
		t.Fatalf("expected country-specific record, got %+v", res.Recommendation)
	}
	if res.Recommendation.CountryID == nil || *res.Recommendation.CountryID != india.ID {
		t.Fatalf("recommendation bound to wrong country: %+v", res.Recommendation)
	}
}

func TestResolveCountry(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	us, err := fx.svc.ResolveCountry(ctx, "US")
	if err != nil {
		t.Fatalf("ResolveCountry by code failed: %v", err)
	}
	byID, err := fx.svc.ResolveCountry(ctx, strconv.FormatInt(us.ID, 10))
	if err != nil || byID.Code != "US" {
		t.Fatalf("ResolveCountry by id: %+v err=%v", byID, err)
	}

	for _, ident := range []string{"", "  ", "ZZ", "99999"} {
		_, err := fx.svc.ResolveCountry(ctx, ident)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("ResolveCountry(%q): expected ValidationError, got %v", ident, err)
		}
	}
}

func TestHistoryTestAndDelete(t *testing.T) {
	placeholder, err := model.NewPlaceholder(model.Metadata{ImageSize: testImageSize}, 1)
	if err != nil {
		t.Fatalf("NewPlaceholder failed: %v", err)
	}
	fx := newFixture(t, fixedClassifier{Classifier: placeholder, label: "Severe"})
	ctx := context.Background()

	var last Result
	for i := 0; i < 12; i++ {
		last, err = fx.svc.Detect(ctx, Input{Image: blackPNG(t, 8, 8), Ext: ".PNG"})
		if err != nil {
			t.Fatalf("Detect #%d failed: %v", i, err)
		}
	}

	recent, err := fx.svc.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(recent) != historyLimit || recent[0].ID != last.Test.ID {
		t.Fatalf("unexpected history: len=%d first=%+v", len(recent), recent[0])
	}

	detail, found, err := fx.svc.Test(ctx, last.Test.ID)
	if err != nil || !found {
		t.Fatalf("Test failed: found=%v err=%v", found, err)
	}
	if detail.Stage.Key != stage.KeySevere || detail.Recommendation == nil || !detail.Recommendation.IsDefault {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	imagePath := filepath.Join(fx.mediaDir, filepath.FromSlash(last.Test.ImageRef))
	deleted, err := fx.svc.DeleteTest(ctx, last.Test.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteTest failed: deleted=%v err=%v", deleted, err)
	}
	if _, err := os.Stat(imagePath); !os.IsNotExist(err) {
		t.Fatalf("expected image removed, stat err=%v", err)
	}
	if _, found, _ := fx.svc.Test(ctx, last.Test.ID); found {
		t.Fatalf("expected deleted test to be gone")
	}
	if deleted, _ := fx.svc.DeleteTest(ctx, last.Test.ID); deleted {
		t.Fatalf("expected second delete to report not found")
	}
}

func TestPredictTensor(t *testing.T) {
	fx := newFixture(t, nil)
	meta := fx.svc.Classifier().Metadata()

	pred, st, err := fx.svc.PredictTensor(context.Background(), make([]float32, meta.InputSize()))
	if err != nil {
		t.Fatalf("PredictTensor failed: %v", err)
	}
	if !st.Known() || pred.Confidence < 0 || pred.Confidence > 1 {
		t.Fatalf("unexpected prediction %+v stage %+v", pred, st)
	}

	_, _, err = fx.svc.PredictTensor(context.Background(), make([]float32, 3))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError for short input, got %v", err)
	}
}

func TestRecommendation(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	rec, country, err := fx.svc.Recommendation(ctx, "moderate", "NG")
	if err != nil {
		t.Fatalf("Recommendation failed: %v", err)
	}
	if country == nil || country.Code != "NG" || rec == nil || rec.IsDefault {
		t.Fatalf("expected Nigeria-specific record, got %+v country=%+v", rec, country)
	}

	rec, country, err = fx.svc.Recommendation(ctx, "moderate", "ZZ")
	if err != nil {
		t.Fatalf("Recommendation failed: %v", err)
	}
	if country != nil || rec == nil || !rec.IsDefault {
		t.Fatalf("expected default record for unknown country, got %+v", rec)
	}

	rec, _, err = fx.svc.Recommendation(ctx, "not_a_stage", "")
	if err != nil || rec != nil {
		t.Fatalf("expected no record for unknown stage, got %+v err=%v", rec, err)
	}

	if _, _, err := fx.svc.Recommendation(ctx, "", "US"); err == nil {
		t.Fatalf("expected error for empty stage")
	}
}
