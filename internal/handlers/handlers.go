package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/retina-api/internal/detect"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
)

// formOverhead is the slack allowed on top of the image limit for multipart
// boundaries and the other form fields.
const formOverhead = 1 << 20

const foodsPreviewLength = 100

var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "bmp": true, "tiff": true, "tif": true,
}

// imageSubtypes maps accepted image/* subtypes to a file extension.
var imageSubtypes = map[string]string{
	"jpeg":     "jpg",
	"jpg":      "jpg",
	"pjpeg":    "jpg",
	"png":      "png",
	"bmp":      "bmp",
	"x-bmp":    "bmp",
	"x-ms-bmp": "bmp",
	"tiff":     "tiff",
	"tif":      "tiff",
}

type Handler struct {
	svc       *detect.Service
	maxUpload int64
}

func NewHandler(svc *detect.Service, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:       svc,
		maxUpload: maxUploadBytes,
	}
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /detect", h.Detect)
	mux.HandleFunc("POST /detect/image", h.DetectImage)
	mux.HandleFunc("POST /predict", h.Predict)
	mux.HandleFunc("GET /history", h.History)
	mux.HandleFunc("GET /tests/{id}", h.Test)
	mux.HandleFunc("DELETE /tests/{id}", h.DeleteTest)
	mux.HandleFunc("GET /diet", h.Diet)
	mux.HandleFunc("GET /diet/{stage}/{country}", h.Diet)
	mux.HandleFunc("GET /countries", h.Countries)
	mux.HandleFunc("GET /stages", h.Stages)
}

// Recover turns a handler panic into a 500 envelope and reports it.
func (h *Handler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.svc.Reporter().Panic(fmt.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec),
					map[string]string{"path": r.URL.Path})
				writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	classifier := h.svc.Classifier()
	modelKind := "onnx"
	if classifier.Placeholder() {
		modelKind = "placeholder"
	}
	status, code, database := "healthy", http.StatusOK, "ok"
	if err := h.svc.Ping(r.Context()); err != nil {
		log.Printf("Health check: database unavailable: %v", err)
		status, code, database = "degraded", http.StatusServiceUnavailable, "unavailable"
	}
	snap := h.svc.Reporter().Snapshot()
	writeJSON(w, code, map[string]any{
		"status":             status,
		"database":           database,
		"model":              modelKind,
		"placeholder":        classifier.Placeholder(),
		"classes":            classifier.Classes(),
		"inference_failures": snap.InferenceFailures,
		"handler_panics":     snap.HandlerPanics,
	})
}

// Detect accepts multipart uploads: an "image" file or an "image_data"
// base64 field, plus "country".
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, h.sizeMessage())
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	var (
		data []byte
		ext  string
	)
	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		log.Printf("Received file: %s, size: %d bytes", header.Filename, header.Size)

		if header.Size > h.maxUpload {
			writeError(w, http.StatusRequestEntityTooLarge, h.sizeMessage())
			return
		}
		ext = strings.ToLower(strings.TrimPrefix(filepath.Ext(header.Filename), "."))
		if !allowedExtensions[ext] {
			writeError(w, http.StatusBadRequest, "Unsupported file extension. Allowed: jpg, jpeg, png, bmp, tiff")
			return
		}
		if data, err = io.ReadAll(file); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
			return
		}
	case r.FormValue("image_data") != "":
		decoded, decodeErr := imaging.DecodeBase64(r.FormValue("image_data"))
		if decodeErr != nil {
			h.writeServiceError(w, decodeErr)
			return
		}
		if int64(len(decoded)) > h.maxUpload {
			writeError(w, http.StatusRequestEntityTooLarge, h.sizeMessage())
			return
		}
		data = decoded
		log.Printf("Received base64 image: %d bytes", len(data))
	default:
		writeError(w, http.StatusBadRequest, "No image provided. Use 'image' as the file field or 'image_data' for base64")
		return
	}

	h.detect(w, r, data, ext, r.FormValue("country"))
}

// DetectImage accepts the raw image as the request body with ?country=.
func (h *Handler) DetectImage(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	ext, ok := imageSubtypes[strings.TrimPrefix(mediaType, "image/")]
	if err != nil || !strings.HasPrefix(mediaType, "image/") || !ok {
		writeError(w, http.StatusUnsupportedMediaType, "Invalid file type. Allowed: jpg, jpeg, png, bmp, tiff")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, h.sizeMessage())
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	log.Printf("Received raw image: %s, size: %d bytes", mediaType, len(data))
	h.detect(w, r, data, ext, r.URL.Query().Get("country"))
}

func (h *Handler) detect(w http.ResponseWriter, r *http.Request, data []byte, ext, countryIdent string) {
	ctx := r.Context()
	country, err := h.svc.ResolveCountry(ctx, countryIdent)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	res, err := h.svc.Detect(ctx, detect.Input{Image: data, Ext: ext, Country: country})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detectResponse{
		Success:           true,
		StageKey:          res.Stage.Key,
		Result:            res.Stage.DisplayName,
		StageNumber:       res.Stage.OrdinalLabel,
		StageDescription:  res.Stage.Description,
		Confidence:        res.Test.Confidence,
		ConfidencePercent: res.Test.ConfidencePercent(),
		TestID:            res.Test.ID,
		CountryID:         res.Country.ID,
		Recommendation:    recommendationView(res.Recommendation),
	})
}

// Predict classifies a pre-normalized tensor. Nothing is persisted.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	pred, st, err := h.svc.PredictTensor(r.Context(), req.Image)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{Prediction: pred, StageKey: st.Key, Stage: st})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	tests, err := h.svc.History(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := make([]testView, 0, len(tests))
	for _, t := range tests {
		views = append(views, newTestView(t, stageFor(t.Result)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tests": views})
}

func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	detail, found, err := h.svc.Test(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Test not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"test":           newTestView(detail.Test, detail.Stage),
		"recommendation": recommendationView(detail.Recommendation),
	})
}

func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := h.svc.DeleteTest(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Test not found")
		return
	}
	log.Printf("Deleted test %d", id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Test deleted successfully"})
}

// Diet serves both /diet?stage=&country= and /diet/{stage}/{country}. The
// stage may be a canonical key or any label the resolver understands.
func (h *Handler) Diet(w http.ResponseWriter, r *http.Request) {
	rawStage := r.PathValue("stage")
	countryIdent := r.PathValue("country")
	if rawStage == "" {
		rawStage = r.URL.Query().Get("stage")
		countryIdent = r.URL.Query().Get("country")
	}
	if strings.TrimSpace(rawStage) == "" {
		writeError(w, http.StatusBadRequest, "Stage is required")
		return
	}

	st := stage.Resolve(rawStage)
	rec, country, err := h.svc.Recommendation(r.Context(), st.Key, countryIdent)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No dietary recommendation found for %s", st.DisplayName))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"stage":          st,
		"country":        country,
		"recommendation": recommendationView(rec),
	})
}

func (h *Handler) Countries(w http.ResponseWriter, r *http.Request) {
	countries, err := h.svc.Countries(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := make([]countryView, 0, len(countries))
	for _, c := range countries {
		views = append(views, countryView{Country: c, CommonFoodsPreview: c.CommonFoodsPreview(foodsPreviewLength)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "countries": views})
}

func (h *Handler) Stages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stages": stage.Stages()})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validationErr *detect.ValidationError
		decodeErr     *imaging.DecodeError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusBadRequest, "Invalid image: "+decodeErr.Error())
	case model.IsInferenceError(err):
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	default:
		log.Printf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) sizeMessage() string {
	return fmt.Sprintf("File size must be less than %dMB", h.maxUpload>>20)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid test id")
		return 0, false
	}
	return id, true
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}

func stageFor(key string) stage.Stage {
	if st, ok := stage.ByKey(key); ok {
		return st
	}
	return stage.Unknown(key)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message})
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type detectResponse struct {
	Success           bool                `json:"success"`
	StageKey          string              `json:"stage_key"`
	Result            string              `json:"result"`
	StageNumber       string              `json:"stage_number"`
	StageDescription  string              `json:"stage_description"`
	Confidence        float64             `json:"confidence"`
	ConfidencePercent string              `json:"confidence_percent"`
	TestID            int64               `json:"test_id"`
	CountryID         int64               `json:"country_id"`
	Recommendation    *recommendationJSON `json:"recommendation"`
}

type predictResponse struct {
	model.Prediction
	StageKey string      `json:"stage_key"`
	Stage    stage.Stage `json:"stage"`
}

type recommendationJSON struct {
	*store.Recommendation
	FoodItemCount int `json:"food_item_count"`
}

func recommendationView(rec *store.Recommendation) *recommendationJSON {
	if rec == nil {
		return nil
	}
	return &recommendationJSON{Recommendation: rec, FoodItemCount: rec.FoodItemCount()}
}

type testView struct {
	store.TestRecord
	ConfidencePercent string      `json:"confidence_percent"`
	Stage             stage.Stage `json:"stage"`
}

func newTestView(t store.TestRecord, st stage.Stage) testView {
	return testView{TestRecord: t, ConfidencePercent: t.ConfidencePercent(), Stage: st}
}

type countryView struct {
	store.Country
	CommonFoodsPreview string `json:"common_foods_preview"`
}
