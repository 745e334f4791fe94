package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/retina-api/internal/config"
	"github.com/Brownie44l1/retina-api/internal/detect"
	"github.com/Brownie44l1/retina-api/internal/handlers"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/media"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/retention"
	"github.com/Brownie44l1/retina-api/internal/seed"
	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
	"github.com/Brownie44l1/retina-api/internal/telemetry"
)

// version is set with -ldflags "-X main.version=..." and tags Sentry events.
var version = "dev"

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// projectRoot resolves relative paths when the binary is started from
// cmd/server.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}
	if filepath.Base(wd) == "server" {
		return filepath.Join(wd, "../..")
	}
	return wd
}

func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// imageSizeWarning flags a configured image_size that a loaded model
// overrides with its own metadata.
func imageSizeWarning(configured int, c model.Classifier) string {
	if c.Placeholder() {
		return ""
	}
	if got := c.Metadata().ImageSize; got != configured {
		return fmt.Sprintf("WARNING: image_size %d ignored, model metadata expects %d", configured, got)
	}
	return ""
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	root := projectRoot()

	reporter, err := telemetry.New(cfg.SentryDSN, cfg.Environment, version)
	if err != nil {
		log.Fatalf("Failed to initialize Sentry: %v", err)
	}
	defer reporter.Flush()

	dsn := cfg.DBDSN
	if cfg.DBDriver == store.DriverSQLite {
		dsn = resolvePath(root, dsn)
	}
	db, err := store.Open(cfg.DBDriver, dsn)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	if cfg.SeedPath != "" {
		seedPath := resolvePath(root, cfg.SeedPath)
		data, err := seed.Load(seedPath)
		if err != nil {
			log.Fatalf("Failed to load seed data: %v", err)
		}
		summary, err := data.Apply(context.Background(), db)
		if err != nil {
			log.Fatalf("Failed to apply seed data: %v", err)
		}
		log.Printf("Seeded %d countries and %d recommendations from %s", summary.Countries, summary.Recommendations, seedPath)
	}

	modelPath := resolvePath(root, cfg.ModelPath)
	log.Printf("Loading model from: %s", modelPath)
	classifier, err := model.Load(model.Options{
		ModelPath:    modelPath,
		MetadataPath: resolvePath(root, cfg.MetadataPath),
		LibraryPath:  cfg.ONNXRuntimeLib,
		ImageSize:    cfg.ImageSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize model: %v", err)
	}
	defer classifier.Close()

	if msg := imageSizeWarning(cfg.ImageSize, classifier); msg != "" {
		log.Print(msg)
	}

	normOpts := classifier.Metadata().NormalizerOptions(cfg.Enhance())
	normOpts.MaxPixels = cfg.MaxImagePixels()

	mediaStore := media.NewStorage(resolvePath(root, cfg.MediaDir))
	svc := detect.NewService(detect.Deps{
		Normalizer: imaging.NewNormalizer(normOpts),
		Classifier: classifier,
		Resolver:   stage.NewResolver(stage.DefaultRules()),
		Store:      db,
		Media:      mediaStore,
		Reporter:   reporter,
	})
	handler := handlers.NewHandler(svc, cfg.MaxUploadBytes())

	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           enableCORS(handler.Recover(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Println("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RetentionSchedule != "" {
		sched, err := config.ParseSchedule(cfg.RetentionSchedule)
		if err != nil {
			log.Fatalf("Invalid retention schedule: %v", err)
		}
		sweeper := retention.NewSweeper(db, mediaStore, cfg.RetentionDays)
		log.Printf("Retention sweep scheduled (cron: %s, max age %d days)", cfg.RetentionSchedule, cfg.RetentionDays)
		g.Go(func() error { return sweeper.Run(gctx, sched) })
	} else {
		log.Println("Retention sweep disabled (retention_schedule not set)")
	}

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Model: %s (placeholder=%v)", modelPath, classifier.Placeholder())
	log.Printf("Classes: %v", classifier.Classes())
	log.Printf("Store: %s", db.Driver())
	log.Println("Endpoints:")
	log.Println("  GET    /health                  - Health check")
	log.Println("  POST   /detect                  - Screen an uploaded image (image or image_data, country)")
	log.Println("  POST   /detect/image            - Screen a raw image body (?country=)")
	log.Println("  POST   /predict                 - Raw tensor prediction")
	log.Println("  GET    /history                 - Latest tests")
	log.Println("  GET    /tests/{id}              - Test detail")
	log.Println("  DELETE /tests/{id}              - Delete a test")
	log.Println("  GET    /diet/{stage}/{country}  - Dietary recommendation")
	log.Println("  GET    /countries               - Countries")
	log.Println("  GET    /stages                  - Stage reference")
	log.Printf("Upload test: curl -X POST -F \"image=@fundus.jpg\" -F country=US http://localhost:%s/detect", cfg.Port)

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
