package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Detector  DetectorConfig  `json:"detector"`
	Security  SecurityConfig  `json:"security"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Audit     AuditConfig     `json:"audit"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
	UploadDir    string        `json:"upload_dir"`
}

type DetectorConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"-"`
	AllowedOrigins []string      `json:"allowed_origins"`
	MetricsIPs     []string      `json:"metrics_ips"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	MaxUploadSize  int64         `json:"max_upload_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type AnalysisConfig struct {
	SmoothingWindow         int           `json:"smoothing_window"`
	ConfThreshold           float64       `json:"conf_threshold"`
	DefaultFPS              float64       `json:"default_fps"`
	SnapshotIntervalSeconds float64       `json:"snapshot_interval_seconds"`
	RecentWindowFrames      int           `json:"recent_window_frames"`
	ProgressEveryFrames     int           `json:"progress_every_frames"`
	EmissionFactor          float64       `json:"emission_factor"`
	MaxWorkers              int           `json:"max_workers"`
	MaxQueueSize            int           `json:"max_queue_size"`
	JobTimeout              time.Duration `json:"job_timeout"`
	ResultTTL               time.Duration `json:"result_ttl"`
}

type ArtifactsConfig struct {
	Renderer   string `json:"renderer"`
	OutputsDir string `json:"outputs_dir"`
}

type AuditConfig struct {
	Enabled  bool          `json:"enabled"`
	DBPath   string        `json:"db_path"`
	DedupTTL time.Duration `json:"dedup_ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig reads the environment, after loading envFile when it exists.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
			UploadDir:    getEnv("UPLOAD_DIR", "uploads"),
		},
		Detector: DetectorConfig{
			BaseURL:             getEnv("DETECTOR_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("DETECTOR_TIMEOUT", 5*time.Minute),
			MaxRetries:          getEnvAsInt("DETECTOR_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsDuration("DETECTOR_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("DETECTOR_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			MetricsIPs:     getEnvAsStringSlice("METRICS_ALLOWED_IPS", []string{"127.0.0.1", "::1"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 20),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 50*1024*1024),
			MaxUploadSize:  getEnvAsInt64("MAX_UPLOAD_SIZE", 500*1024*1024),
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Minute),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Analysis: AnalysisConfig{
			SmoothingWindow:         getEnvAsInt("SMOOTHING_WINDOW", 5),
			ConfThreshold:           getEnvAsFloat("CONF_THRESHOLD", 0.4),
			DefaultFPS:              getEnvAsFloat("DEFAULT_FPS", 30),
			SnapshotIntervalSeconds: getEnvAsFloat("SNAPSHOT_INTERVAL_SECONDS", 2),
			RecentWindowFrames:      getEnvAsInt("RECENT_WINDOW_FRAMES", 300),
			ProgressEveryFrames:     getEnvAsInt("PROGRESS_EVERY_FRAMES", 10),
			EmissionFactor:          getEnvAsFloat("EMISSION_FACTOR", 0.23),
			MaxWorkers:              getEnvAsInt("ANALYSIS_WORKERS", 2),
			MaxQueueSize:            getEnvAsInt("ANALYSIS_QUEUE_SIZE", 32),
			JobTimeout:              getEnvAsDuration("ANALYSIS_JOB_TIMEOUT", 15*time.Minute),
			ResultTTL:               getEnvAsDuration("RESULT_TTL", 24*time.Hour),
		},
		Artifacts: ArtifactsConfig{
			Renderer:   getEnv("ARTIFACT_RENDERER", "file"),
			OutputsDir: getEnv("OUTPUTS_DIR", "outputs"),
		},
		Audit: AuditConfig{
			Enabled:  getEnvAsBool("AUDIT_ENABLED", true),
			DBPath:   getEnv("AUDIT_DB_PATH", "audit.db"),
			DedupTTL: getEnvAsDuration("AUDIT_DEDUP_TTL", 24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// ValidateConfig reports every violation at once.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Detector.BaseURL == "" {
		errors = append(errors, "detector base URL is required")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT_SECRET_KEY not set, admin endpoints are disabled")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Analysis.SmoothingWindow < 1 {
		errors = append(errors, "smoothing window must be at least 1")
	}

	if c.Analysis.ConfThreshold <= 0 || c.Analysis.ConfThreshold > 1 {
		errors = append(errors, "confidence threshold must be in (0, 1]")
	}

	if c.Analysis.DefaultFPS <= 0 {
		errors = append(errors, "default fps must be positive")
	}

	if c.Analysis.EmissionFactor <= 0 {
		errors = append(errors, "emission factor must be positive")
	}

	if c.Analysis.ProgressEveryFrames < 1 {
		errors = append(errors, "progress interval must be at least 1 frame")
	}

	switch strings.ToLower(c.Artifacts.Renderer) {
	case "file", "png":
		if c.Artifacts.OutputsDir == "" {
			errors = append(errors, "outputs dir is required for the file renderer")
		}
	case "none", "":
	default:
		errors = append(errors, fmt.Sprintf("unknown artifact renderer %q", c.Artifacts.Renderer))
	}

	if c.Audit.Enabled && c.Audit.DBPath == "" {
		errors = append(errors, "audit db path is required when audit is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
