package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Brownie44l1/retina-api/internal/detect"
	"github.com/Brownie44l1/retina-api/internal/media"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/seed"
	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
	"github.com/Brownie44l1/retina-api/internal/telemetry"
)

func newTestServer(t *testing.T, maxUpload int64) (http.Handler, *Handler) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(store.DriverSQLite, filepath.Join(dir, "handlers.db"))
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

	classifier, err := model.Load(model.Options{
		ModelPath: filepath.Join(dir, "missing.onnx"),
		ImageSize: 64,
		Seed:      7,
	})
	if err != nil {
		t.Fatalf("model.Load failed: %v", err)
	}
	reporter, err := telemetry.New("", "test", "test")
	if err != nil {
		t.Fatalf("telemetry.New failed: %v", err)
	}

	svc := detect.NewService(detect.Deps{
		Classifier: classifier,
		Store:      s,
		Media:      media.NewStorage(filepath.Join(dir, "media")),
		Reporter:   reporter,
	})
	h := NewHandler(svc, maxUpload)
	mux := http.NewServeMux()
	h.Register(mux)
	return h.Recover(mux), h
}

func pngBytes(t *testing.T, w, h int) []byte {
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

func multipartRequest(t *testing.T, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("write form file failed: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField failed: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/detect", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(srv http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectFailure(t *testing.T, rr *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if out["success"] != false || out["message"] == "" {
		t.Fatalf("expected failure envelope, got %v", out)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)
	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	out := decode(t, rr)
	if out["status"] != "healthy" || out["placeholder"] != true || out["model"] != "placeholder" {
		t.Fatalf("unexpected health payload %v", out)
	}
	if classes, ok := out["classes"].([]any); !ok || len(classes) != 5 {
		t.Fatalf("expected five classes, got %v", out["classes"])
	}
}

func TestDetectMultipartUpload(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)

	rr := serve(srv, multipartRequest(t, "fundus.png", pngBytes(t, 50, 50), map[string]string{"country": "US"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if out["success"] != true {
		t.Fatalf("expected success, got %v", out)
	}
	if _, ok := stage.ByKey(out["stage_key"].(string)); !ok {
		t.Fatalf("expected canonical stage key, got %v", out["stage_key"])
	}
	confidence := out["confidence"].(float64)
	if confidence < 0 || confidence > 1 {
		t.Fatalf("confidence out of range: %v", confidence)
	}
	if !strings.HasSuffix(out["confidence_percent"].(string), "%") || !strings.HasPrefix(out["stage_number"].(string), "Stage ") {
		t.Fatalf("unexpected derived fields: %v", out)
	}
	if out["test_id"].(float64) <= 0 || out["country_id"].(float64) <= 0 {
		t.Fatalf("expected persisted ids, got %v", out)
	}
	rec, ok := out["recommendation"].(map[string]any)
	if !ok || rec["condition"] != out["stage_key"] {
		t.Fatalf("expected recommendation for stage, got %v", out["recommendation"])
	}
}

func TestDetectBase64Field(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)
	encoded := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t, 30, 20))

	rr := serve(srv, multipartRequest(t, "", nil, map[string]string{"image_data": encoded, "country": "IN"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	form := url.Values{"image_data": {encoded}, "country": {"GB"}}
	req := httptest.NewRequest(http.MethodPost, "/detect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = serve(srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for urlencoded form, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDetectValidation(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)
	img := pngBytes(t, 10, 10)

	cases := []struct {
		name     string
		filename string
		data     []byte
		fields   map[string]string
		status   int
	}{
		{"missing country", "eye.png", img, nil, http.StatusBadRequest},
		{"unknown country", "eye.png", img, map[string]string{"country": "ZZ"}, http.StatusBadRequest},
		{"bad extension", "eye.gif", img, map[string]string{"country": "US"}, http.StatusBadRequest},
		{"no image", "", nil, map[string]string{"country": "US"}, http.StatusBadRequest},
		{"not an image", "eye.jpg", []byte("plain text"), map[string]string{"country": "US"}, http.StatusBadRequest},
		{"bad base64", "", nil, map[string]string{"country": "US", "image_data": "!!!"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(srv, multipartRequest(t, tc.filename, tc.data, tc.fields))
			expectFailure(t, rr, tc.status)
		})
	}
}

func TestDetectOversizedUpload(t *testing.T) {
	srv, _ := newTestServer(t, 1<<10)
	big := bytes.Repeat([]byte{0xff}, 4<<10)

	rr := serve(srv, multipartRequest(t, "big.png", big, map[string]string{"country": "US"}))
	out := expectFailure(t, rr, http.StatusRequestEntityTooLarge)
	if !strings.Contains(out["message"].(string), "File size") {
		t.Fatalf("unexpected message %v", out["message"])
	}
}

func TestDetectImageRawBody(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)

	req := httptest.NewRequest(http.MethodPost, "/detect/image?country=NG", bytes.NewReader(pngBytes(t, 40, 40)))
	req.Header.Set("Content-Type", "image/png")
	rr := serve(srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/detect/image?country=NG", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	expectFailure(t, serve(srv, req), http.StatusUnsupportedMediaType)

	for _, ct := range []string{"image/gif", "image/webp", "image/svg+xml"} {
		req = httptest.NewRequest(http.MethodPost, "/detect/image?country=NG", bytes.NewReader(pngBytes(t, 40, 40)))
		req.Header.Set("Content-Type", ct)
		expectFailure(t, serve(srv, req), http.StatusUnsupportedMediaType)
	}

	req = httptest.NewRequest(http.MethodPost, "/detect/image?country=NG", bytes.NewReader(pngBytes(t, 40, 40)))
	req.Header.Set("Content-Type", "image/x-ms-bmp")
	rr = serve(srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bmp alias to pass the type check, got %d: %s", rr.Code, rr.Body.String())
	}

	small, _ := newTestServer(t, 1<<10)
	req = httptest.NewRequest(http.MethodPost, "/detect/image?country=NG", bytes.NewReader(bytes.Repeat([]byte{1}, 4<<10)))
	req.Header.Set("Content-Type", "image/png")
	expectFailure(t, serve(small, req), http.StatusRequestEntityTooLarge)
}

func TestPredictRawTensor(t *testing.T) {
	srv, h := newTestServer(t, 10<<20)
	size := h.svc.Classifier().Metadata().InputSize()

	body, _ := json.Marshal(model.PredictionRequest{Image: make([]float32, size)})
	rr := serve(srv, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if _, ok := stage.ByKey(out["stage_key"].(string)); !ok || out["class"] == "" {
		t.Fatalf("unexpected predict payload %v", out)
	}

	body, _ = json.Marshal(model.PredictionRequest{Image: []float32{1, 2, 3}})
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))), http.StatusBadRequest)
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{"))), http.StatusBadRequest)
}

func TestHistoryDetailAndDelete(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)

	var testID float64
	for i := 0; i < 3; i++ {
		rr := serve(srv, multipartRequest(t, "eye.jpeg", pngBytes(t, 12, 12), map[string]string{"country": "US"}))
		if rr.Code != http.StatusOK {
			t.Fatalf("detect #%d failed: %d %s", i, rr.Code, rr.Body.String())
		}
		testID = decode(t, rr)["test_id"].(float64)
	}

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/history", nil))
	tests, ok := decode(t, rr)["tests"].([]any)
	if rr.Code != http.StatusOK || !ok || len(tests) != 3 {
		t.Fatalf("unexpected history: %d %s", rr.Code, rr.Body.String())
	}
	if first := tests[0].(map[string]any); first["id"].(float64) != testID {
		t.Fatalf("expected newest test first, got %v", first)
	}

	path := "/tests/" + strconv.FormatInt(int64(testID), 10)
	rr = serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if out["recommendation"] == nil {
		t.Fatalf("expected default recommendation in detail, got %v", out)
	}

	rr = serve(srv, httptest.NewRequest(http.MethodDelete, path, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d: %s", rr.Code, rr.Body.String())
	}
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodGet, path, nil)), http.StatusNotFound)
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodDelete, path, nil)), http.StatusNotFound)
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodGet, "/tests/abc", nil)), http.StatusBadRequest)
}

func TestDiet(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/diet/mild/IN", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rec := decode(t, rr)["recommendation"].(map[string]any)
	if rec["is_default"] != false || rec["food_item_count"].(float64) <= 0 {
		t.Fatalf("expected India-specific record, got %v", rec)
	}

	rr = serve(srv, httptest.NewRequest(http.MethodGet, "/diet?stage=Severe+NPDR", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	out := decode(t, rr)
	if out["recommendation"].(map[string]any)["condition"] != stage.KeySevere || out["country"] != nil {
		t.Fatalf("expected default severe record, got %v", out)
	}

	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodGet, "/diet", nil)), http.StatusBadRequest)
	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodGet, "/diet/glaucoma/US", nil)), http.StatusNotFound)
}

func TestCountriesAndStages(t *testing.T) {
	srv, _ := newTestServer(t, 10<<20)

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/countries", nil))
	countries, ok := decode(t, rr)["countries"].([]any)
	if rr.Code != http.StatusOK || !ok || len(countries) == 0 {
		t.Fatalf("unexpected countries response: %d %s", rr.Code, rr.Body.String())
	}
	var names []string
	for _, c := range countries {
		fields := c.(map[string]any)
		names = append(names, fields["name"].(string))

		foods := []rune(fields["common_foods"].(string))
		want := string(foods)
		if len(foods) > 100 {
			want = string(foods[:100]) + "..."
		}
		if fields["common_foods_preview"] != want {
			t.Fatalf("unexpected preview for %s: %q", fields["name"], fields["common_foods_preview"])
		}
	}
	long := store.Country{CommonFoods: strings.Repeat("x", 120)}
	if got := long.CommonFoodsPreview(foodsPreviewLength); len(got) != 103 {
		t.Fatalf("expected 100 characters plus ellipsis, got %d", len(got))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("countries not ordered by name: %v", names)
		}
	}

	rr = serve(srv, httptest.NewRequest(http.MethodGet, "/stages", nil))
	stages, ok := decode(t, rr)["stages"].([]any)
	if !ok || len(stages) != 5 {
		t.Fatalf("expected five stages, got %s", rr.Body.String())
	}
}

func TestRecoverReportsPanics(t *testing.T) {
	_, h := newTestServer(t, 10<<20)
	srv := h.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	expectFailure(t, serve(srv, httptest.NewRequest(http.MethodGet, "/anything", nil)), http.StatusInternalServerError)
	if got := h.svc.Reporter().Snapshot().HandlerPanics; got != 1 {
		t.Fatalf("expected one recorded panic, got %d", got)
	}
}
