package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

type Config struct {
	Tenant           string
	Application      string
	Instance         string
	Environment      models.Environment
	Regions          []string
	ControlPlaneURL  string
	APIKey           string
	APIKeyID         string
	DataPlaneToken   string
	DataPlaneCert    string
	DataPlaneKey     string
	DataPlaneCA      string
	MaxWait          time.Duration
	PollInterval     time.Duration
	OverrideLeadDays int
	RateLimit        float64
	DatabaseURL      string
	KafkaBrokers     []string
	KafkaTopic       string
	S3Bucket         string
	S3Prefix         string
	Addr             string
	SourceURL        string
}

const (
	defaultInstance         = "default"
	defaultEnvironment      = "dev"
	defaultControlPlaneURL  = "https://api-ctl.vespa-cloud.com:4443"
	defaultMaxWait          = 20 * time.Minute
	defaultPollInterval     = 5 * time.Second
	defaultOverrideLeadDays = 1
	defaultRateLimit        = 10
	defaultKafkaTopic       = "searchdeploy.lifecycle"
	defaultAddr             = ":8071"
)

func Load() (Config, error) {
	cfg := Config{
		Tenant:           os.Getenv("SEARCHDEPLOY_TENANT"),
		Application:      os.Getenv("SEARCHDEPLOY_APPLICATION"),
		Instance:         getEnv("SEARCHDEPLOY_INSTANCE", defaultInstance),
		Regions:          getList("SEARCHDEPLOY_REGIONS"),
		ControlPlaneURL:  getEnv("SEARCHDEPLOY_CONTROL_PLANE_URL", defaultControlPlaneURL),
		APIKey:           os.Getenv("SEARCHDEPLOY_API_KEY"),
		APIKeyID:         os.Getenv("SEARCHDEPLOY_API_KEY_ID"),
		DataPlaneToken:   os.Getenv("SEARCHDEPLOY_DATA_PLANE_TOKEN"),
		DataPlaneCert:    os.Getenv("SEARCHDEPLOY_DATA_PLANE_CERT"),
		DataPlaneKey:     os.Getenv("SEARCHDEPLOY_DATA_PLANE_KEY"),
		DataPlaneCA:      os.Getenv("SEARCHDEPLOY_DATA_PLANE_CA"),
		MaxWait:          getDuration("SEARCHDEPLOY_MAX_WAIT", defaultMaxWait),
		PollInterval:     getDuration("SEARCHDEPLOY_POLL_INTERVAL", defaultPollInterval),
		OverrideLeadDays: getInt("SEARCHDEPLOY_OVERRIDE_LEAD_DAYS", defaultOverrideLeadDays),
		RateLimit:        getFloat("SEARCHDEPLOY_RATE_LIMIT", defaultRateLimit),
		DatabaseURL:      firstNonEmpty(os.Getenv("SEARCHDEPLOY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:     getList("SEARCHDEPLOY_KAFKA_BROKERS"),
		KafkaTopic:       getEnv("SEARCHDEPLOY_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:         os.Getenv("SEARCHDEPLOY_S3_BUCKET"),
		S3Prefix:         os.Getenv("SEARCHDEPLOY_S3_PREFIX"),
		Addr:             getEnv("SEARCHDEPLOY_ADDR", defaultAddr),
		SourceURL:        os.Getenv("SEARCHDEPLOY_SOURCE_URL"),
	}
	env, ok := models.ParseEnvironment(getEnv("SEARCHDEPLOY_ENVIRONMENT", defaultEnvironment))
	if !ok {
		return Config{}, fmt.Errorf("SEARCHDEPLOY_ENVIRONMENT must be one of dev, perf, prod")
	}
	cfg.Environment = env
	if cfg.MaxWait <= 0 || cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("SEARCHDEPLOY_MAX_WAIT and SEARCHDEPLOY_POLL_INTERVAL must be positive")
	}
	if (cfg.DataPlaneCert == "") != (cfg.DataPlaneKey == "") {
		return Config{}, fmt.Errorf("SEARCHDEPLOY_DATA_PLANE_CERT and SEARCHDEPLOY_DATA_PLANE_KEY must be set together")
	}
	if cfg.OverrideLeadDays < 1 {
		return Config{}, fmt.Errorf("SEARCHDEPLOY_OVERRIDE_LEAD_DAYS must be at least 1")
	}
	return cfg, nil
}

// ValidateDeploy checks the settings needed to talk to the control plane.
func (c Config) ValidateDeploy() error {
	var missing []string
	if c.Tenant == "" {
		missing = append(missing, "SEARCHDEPLOY_TENANT")
	}
	if c.Application == "" {
		missing = append(missing, "SEARCHDEPLOY_APPLICATION")
	}
	if c.APIKey == "" {
		missing = append(missing, "SEARCHDEPLOY_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	if c.Environment.IsProd() && len(c.Regions) == 0 {
		return fmt.Errorf("SEARCHDEPLOY_REGIONS required for prod deployments")
	}
	return nil
}

// Identity returns the deployment identity the config names.
func (c Config) Identity() models.Identity {
	return models.Identity{Tenant: c.Tenant, Application: c.Application, Instance: c.Instance}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
