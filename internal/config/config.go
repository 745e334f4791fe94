package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/retina-api/internal/store"
)

const (
	defaultMaxUploadMB    = 10
	defaultMaxImageMegapx = 40
)

type Config struct {
	Port string `yaml:"port"`

	ModelPath      string `yaml:"model_path"`
	MetadataPath   string `yaml:"metadata_path"`
	ONNXRuntimeLib string `yaml:"onnxruntime_lib"`
	ImageSize      int    `yaml:"image_size"`
	// Pointer so an explicit false in YAML survives defaulting.
	EnhanceContrast *bool `yaml:"enhance_contrast"`

	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`
	MediaDir string `yaml:"media_dir"`
	SeedPath string `yaml:"seed_path"`

	MaxUploadMB int `yaml:"max_upload_mb"`
	// MaxImageMegapixels caps the decoded dimensions of an upload.
	MaxImageMegapixels int `yaml:"max_image_megapixels"`

	RetentionSchedule string `yaml:"retention_schedule"`
	RetentionDays     int    `yaml:"retention_days"`

	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// Load reads config.yaml (or $CONFIG_PATH), applies environment overrides
// and defaults, then validates the result.
func Load() (Config, error) {
	cfg := Config{
		MediaDir: "./media",
		SeedPath: "data/seed.yaml",
	}

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	case !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}

	envOverride(&cfg.Port, "PORT")
	envOverride(&cfg.ModelPath, "MODEL_PATH")
	envOverride(&cfg.MetadataPath, "METADATA_PATH")
	envOverride(&cfg.ONNXRuntimeLib, "ONNXRUNTIME_LIB")
	envOverride(&cfg.DBDriver, "DB_DRIVER")
	envOverride(&cfg.DBDSN, "DB_DSN")
	envOverrideAllowEmpty(&cfg.MediaDir, "MEDIA_DIR")
	envOverrideAllowEmpty(&cfg.SeedPath, "SEED_PATH")
	envOverrideAllowEmpty(&cfg.RetentionSchedule, "RETENTION_SCHEDULE")
	envOverride(&cfg.SentryDSN, "SENTRY_DSN")
	envOverride(&cfg.Environment, "ENVIRONMENT")
	if err := envOverrideInt(&cfg.ImageSize, "IMAGE_SIZE"); err != nil {
		return Config{}, err
	}
	if err := envOverrideInt(&cfg.MaxUploadMB, "MAX_UPLOAD_MB"); err != nil {
		return Config{}, err
	}
	if err := envOverrideInt(&cfg.MaxImageMegapixels, "MAX_IMAGE_MEGAPIXELS"); err != nil {
		return Config{}, err
	}
	if err := envOverrideInt(&cfg.RetentionDays, "RETENTION_DAYS"); err != nil {
		return Config{}, err
	}
	envOverrideBool(&cfg.EnhanceContrast, "ENHANCE_CONTRAST")

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.ModelPath == "" {
		c.ModelPath = "models/model.onnx"
	}
	if c.MetadataPath == "" {
		c.MetadataPath = "models/model_metadata.json"
	}
	if c.ImageSize == 0 {
		c.ImageSize = 224
	}
	if c.EnhanceContrast == nil {
		enhance := true
		c.EnhanceContrast = &enhance
	}
	if c.DBDriver == "" {
		c.DBDriver = store.DriverSQLite
	}
	if c.DBDSN == "" && c.DBDriver == store.DriverSQLite {
		c.DBDSN = "./retina.db"
	}
	if c.MaxUploadMB == 0 {
		c.MaxUploadMB = defaultMaxUploadMB
	}
	if c.MaxImageMegapixels == 0 {
		c.MaxImageMegapixels = defaultMaxImageMegapx
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 365
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q: %w", c.Port, err)
	}
	if c.ImageSize < 16 || c.ImageSize > 1024 {
		return fmt.Errorf("invalid image_size '%d': must be between 16 and 1024", c.ImageSize)
	}
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("db_driver must be '%s' or '%s', got '%s'", store.DriverSQLite, store.DriverPostgres, c.DBDriver)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("db_dsn is required when db_driver=%s", c.DBDriver)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("invalid max_upload_mb '%d': must be >= 1", c.MaxUploadMB)
	}
	if c.MaxImageMegapixels < 1 {
		return fmt.Errorf("invalid max_image_megapixels '%d': must be >= 1", c.MaxImageMegapixels)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("invalid retention_days '%d': must be >= 1", c.RetentionDays)
	}
	if c.RetentionSchedule != "" {
		if _, err := ParseSchedule(c.RetentionSchedule); err != nil {
			return fmt.Errorf("invalid retention_schedule '%s': %w", c.RetentionSchedule, err)
		}
	}
	return nil
}

func (c Config) Enhance() bool {
	return c.EnhanceContrast == nil || *c.EnhanceContrast
}

func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func (c Config) MaxImagePixels() int {
	return c.MaxImageMegapixels * 1_000_000
}

// ParseSchedule accepts a standard 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(strings.TrimSpace(expr))
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideAllowEmpty(field *string, envKey string) {
	if val, ok := os.LookupEnv(envKey); ok {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field **bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		b := strings.EqualFold(val, "true") || val == "1"
		*field = &b
	}
}
