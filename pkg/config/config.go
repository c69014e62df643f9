package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threatlens/threatscan/pkg/scoring"
)

const (
	defaultProjectID      = "threatscan"
	defaultSubscriptionID = "scan-requests"

	// Local persistence defaults to sqlite, stored in workspace
	defaultDatastore = "sqlite"
	defaultDBPath    = "data/threatscan.db"
	defaultCachePath = "data/cache"

	redacted = "REDACTED"
)

// ProviderConfig configures one intelligence provider.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	RateLimit int    `yaml:"rate_limit"`
}

type MITREConfig struct {
	CatalogURL string `yaml:"catalog_url"`
	RateLimit  int    `yaml:"rate_limit"`
	CacheTTL   string `yaml:"cache_ttl"`
}

type ProvidersConfig struct {
	NVD        ProviderConfig `yaml:"nvd"`
	OTX        ProviderConfig `yaml:"otx"`
	VirusTotal ProviderConfig `yaml:"virustotal"`
	MITRE      MITREConfig    `yaml:"mitre"`
}

type InferenceConfig struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	Timeout        string `yaml:"timeout"`
	RateLimit      int    `yaml:"rate_limit"`
	MaxPromptChars int    `yaml:"max_prompt_chars"`
}

// HTTPConfig is the outbound call policy shared by every provider.
type HTTPConfig struct {
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelay     string `yaml:"retry_delay"`
	RequestTimeout string `yaml:"request_timeout"`
	AuditBodyLimit int    `yaml:"audit_body_limit"`
}

type ScanConfig struct {
	Concurrency    int             `yaml:"concurrency"`
	RescanSchedule string          `yaml:"rescan_schedule"`
	RescanTimeout  string          `yaml:"rescan_timeout"`
	Weights        scoring.Weights `yaml:"weights"`
}

type StorageConfig struct {
	Datastore string `yaml:"datastore"`
	DBPath    string `yaml:"db_path"`
	CachePath string `yaml:"cache_path"`
}

type PubSubConfig struct {
	ProjectID      string `yaml:"project_id"`
	SubscriptionID string `yaml:"subscription_id"`
	EmulatorHost   string `yaml:"emulator_host"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config aggregates runtime settings for the scanner binaries.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Inference InferenceConfig `yaml:"inference"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scan      ScanConfig      `yaml:"scan"`
	Storage   StorageConfig   `yaml:"storage"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Log       LogConfig       `yaml:"log"`
}

func Default() Config {
	return Config{
		Providers: ProvidersConfig{
			NVD:        ProviderConfig{RateLimit: 50},
			OTX:        ProviderConfig{RateLimit: 100},
			VirusTotal: ProviderConfig{RateLimit: 4},
			MITRE:      MITREConfig{RateLimit: 30, CacheTTL: "24h"},
		},
		Inference: InferenceConfig{
			Provider:       "huggingface",
			Timeout:        "20s",
			RateLimit:      60,
			MaxPromptChars: scoring.DefaultMaxPromptChars,
		},
		HTTP: HTTPConfig{
			RetryAttempts:  3,
			RetryDelay:     "5s",
			RequestTimeout: "15s",
			AuditBodyLimit: 2048,
		},
		Scan: ScanConfig{
			Concurrency:   4,
			RescanTimeout: "5m",
			Weights:       scoring.DefaultWeights(),
		},
		Storage: StorageConfig{
			Datastore: defaultDatastore,
			DBPath:    defaultDBPath,
			CachePath: defaultCachePath,
		},
		PubSub: PubSubConfig{
			ProjectID:      defaultProjectID,
			SubscriptionID: defaultSubscriptionID,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file named by CONFIG_FILE (if any), then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	return LoadFrom(readEnv("CONFIG_FILE", ""))
}

// LoadFrom is Load with an explicit file path. An empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(dst *string, key string) { *dst = readEnv(key, *dst) }
	num := func(dst *int, key string) {
		raw := readEnv(key, "")
		if raw == "" {
			return
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s must be an integer: %q", key, raw))
			return
		}
		*dst = v
	}

	str(&c.Providers.NVD.APIKey, "NVD_API_KEY")
	str(&c.Providers.NVD.BaseURL, "NVD_BASE_URL")
	num(&c.Providers.NVD.RateLimit, "NVD_RATE_LIMIT")
	str(&c.Providers.OTX.APIKey, "OTX_API_KEY")
	str(&c.Providers.OTX.BaseURL, "OTX_BASE_URL")
	num(&c.Providers.OTX.RateLimit, "OTX_RATE_LIMIT")
	str(&c.Providers.VirusTotal.APIKey, "VIRUSTOTAL_API_KEY")
	str(&c.Providers.VirusTotal.BaseURL, "VIRUSTOTAL_BASE_URL")
	num(&c.Providers.VirusTotal.RateLimit, "VIRUSTOTAL_RATE_LIMIT")
	str(&c.Providers.MITRE.CatalogURL, "MITRE_CATALOG_URL")
	num(&c.Providers.MITRE.RateLimit, "MITRE_RATE_LIMIT")
	str(&c.Providers.MITRE.CacheTTL, "MITRE_CACHE_TTL")

	str(&c.Inference.Provider, "INFERENCE_PROVIDER")
	str(&c.Inference.APIKey, "HUGGINGFACE_API_KEY")
	str(&c.Inference.APIKey, "INFERENCE_API_KEY")
	str(&c.Inference.Endpoint, "INFERENCE_ENDPOINT")
	str(&c.Inference.Model, "INFERENCE_MODEL")
	str(&c.Inference.Timeout, "INFERENCE_TIMEOUT")
	num(&c.Inference.RateLimit, "INFERENCE_RATE_LIMIT")
	num(&c.Inference.MaxPromptChars, "INFERENCE_MAX_PROMPT_CHARS")

	num(&c.HTTP.RetryAttempts, "RETRY_ATTEMPTS")
	str(&c.HTTP.RetryDelay, "RETRY_DELAY")
	str(&c.HTTP.RequestTimeout, "REQUEST_TIMEOUT")
	num(&c.HTTP.AuditBodyLimit, "AUDIT_BODY_LIMIT")

	num(&c.Scan.Concurrency, "SCAN_CONCURRENCY")
	str(&c.Scan.RescanSchedule, "RESCAN_SCHEDULE")
	str(&c.Scan.RescanTimeout, "RESCAN_TIMEOUT")

	str(&c.Storage.Datastore, "DATASTORE")
	str(&c.Storage.DBPath, "DB_PATH")
	str(&c.Storage.CachePath, "CACHE_PATH")

	str(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	str(&c.PubSub.SubscriptionID, "PUBSUB_SUBSCRIPTION_ID")
	str(&c.PubSub.EmulatorHost, "PUBSUB_EMULATOR_HOST")

	str(&c.Log.Level, "LOG_LEVEL")
	str(&c.Log.Format, "LOG_FORMAT")

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []string

	rates := map[string]int{
		"providers.nvd.rate_limit":        c.Providers.NVD.RateLimit,
		"providers.otx.rate_limit":        c.Providers.OTX.RateLimit,
		"providers.virustotal.rate_limit": c.Providers.VirusTotal.RateLimit,
		"providers.mitre.rate_limit":      c.Providers.MITRE.RateLimit,
		"inference.rate_limit":            c.Inference.RateLimit,
	}
	for _, name := range sortedKeys(rates) {
		if rates[name] < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}

	durations := map[string]string{
		"providers.mitre.cache_ttl": c.Providers.MITRE.CacheTTL,
		"inference.timeout":         c.Inference.Timeout,
		"http.retry_delay":          c.HTTP.RetryDelay,
		"http.request_timeout":      c.HTTP.RequestTimeout,
		"scan.rescan_timeout":       c.Scan.RescanTimeout,
	}
	for _, name := range sortedKeys(durations) {
		if v := durations[name]; v != "" {
			if d, err := time.ParseDuration(v); err != nil || d < 0 {
				errs = append(errs, name+" must be a valid duration (e.g. 15s)")
			}
		}
	}

	switch strings.ToLower(c.Inference.Provider) {
	case "", "huggingface", "gemini":
	default:
		errs = append(errs, "inference.provider must be one of: huggingface, gemini")
	}
	if c.Inference.MaxPromptChars < 64 {
		errs = append(errs, "inference.max_prompt_chars must be at least 64")
	}

	if c.HTTP.RetryAttempts < 1 {
		errs = append(errs, "http.retry_attempts must be at least 1")
	}
	if c.HTTP.AuditBodyLimit < 0 {
		errs = append(errs, "http.audit_body_limit must not be negative")
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, "scan.concurrency must be at least 1")
	}
	w := c.Scan.Weights
	if w.Critical < 0 || w.High < 0 || w.Medium < 0 || w.Low < 0 {
		errs = append(errs, "scan.weights must not be negative")
	}

	if c.Storage.Datastore != "sqlite" {
		errs = append(errs, "storage.datastore must be sqlite")
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, "log.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	clone := c
	for _, key := range []*string{
		&clone.Providers.NVD.APIKey,
		&clone.Providers.OTX.APIKey,
		&clone.Providers.VirusTotal.APIKey,
		&clone.Inference.APIKey,
	} {
		if *key != "" {
			*key = redacted
		}
	}
	return clone
}

// RateCeilings returns requests-per-minute ceilings keyed by provider name.
func (c Config) RateCeilings() map[string]int {
	return map[string]int{
		"nvd":        c.Providers.NVD.RateLimit,
		"otx":        c.Providers.OTX.RateLimit,
		"virustotal": c.Providers.VirusTotal.RateLimit,
		"mitre":      c.Providers.MITRE.RateLimit,
		"inference":  c.Inference.RateLimit,
	}
}

func (h HTTPConfig) RetryDelayDuration() time.Duration     { return duration(h.RetryDelay) }
func (h HTTPConfig) RequestTimeoutDuration() time.Duration { return duration(h.RequestTimeout) }
func (i InferenceConfig) TimeoutDuration() time.Duration   { return duration(i.Timeout) }
func (m MITREConfig) CacheTTLDuration() time.Duration      { return duration(m.CacheTTL) }
func (s ScanConfig) RescanTimeoutDuration() time.Duration  { return duration(s.RescanTimeout) }

func duration(v string) time.Duration {
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// readEnv returns a key's value from environment, or fallback
func readEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
