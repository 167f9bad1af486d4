package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// Assistant provider configuration
	AssistantAPIKey      string // API key for the assistant provider
	AssistantBaseURL     string // Base URL (optional, defaults to the provider's public endpoint)
	AssistantID          string // Provider-side assistant identifier used to start runs
	TranscriptionModel   string // Speech-to-text model name (default: whisper-1)
	AssistantTimeout     int    // Gateway request timeout in seconds (default: 120)
	RunPollIntervalMilli int    // Interval between run status polls in milliseconds (default: 1000)
	RunPollTimeoutSec    int    // Wall-clock bound on run polling in seconds (default: 30)

	// Server configuration
	Mode     string
	Addr     string
	UNIXSock string
	Data     string
	Driver   string
	DSN      string
	Version  string
	Port     int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAssistantEnabled returns true if the assistant provider is configured.
func (p *Profile) IsAssistantEnabled() bool {
	return p.AssistantAPIKey != "" && p.AssistantID != ""
}

// RunPollInterval returns the configured poll interval as a duration.
func (p *Profile) RunPollInterval() time.Duration {
	return time.Duration(p.RunPollIntervalMilli) * time.Millisecond
}

// RunPollTimeout returns the configured poll timeout as a duration.
func (p *Profile) RunPollTimeout() time.Duration {
	return time.Duration(p.RunPollTimeoutSec) * time.Second
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.AssistantAPIKey = getEnvOrDefault("CONCIERGE_ASSISTANT_API_KEY", p.AssistantAPIKey)
	p.AssistantBaseURL = getEnvOrDefault("CONCIERGE_ASSISTANT_BASE_URL", p.AssistantBaseURL)
	p.AssistantID = getEnvOrDefault("CONCIERGE_ASSISTANT_ID", p.AssistantID)
	p.TranscriptionModel = getEnvOrDefault("CONCIERGE_TRANSCRIPTION_MODEL", "whisper-1")
	p.AssistantTimeout = getEnvOrDefaultInt("CONCIERGE_ASSISTANT_TIMEOUT_SECONDS", 120)
	p.RunPollIntervalMilli = getEnvOrDefaultInt("CONCIERGE_RUN_POLL_INTERVAL_MS", 1000)
	p.RunPollTimeoutSec = getEnvOrDefaultInt("CONCIERGE_RUN_POLL_TIMEOUT_SECONDS", 30)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and rejects configurations the server
// cannot start with.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/concierge"
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return errors.Wrap(err, "invalid data directory")
	}
	p.Data = dataDir

	switch p.Driver {
	case "sqlite":
		if p.DSN == "" {
			dbFile := fmt.Sprintf("concierge_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile)
		}
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn is required for postgres driver")
		}
	default:
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}

	if p.RunPollIntervalMilli <= 0 {
		p.RunPollIntervalMilli = 1000
	}
	if p.RunPollTimeoutSec <= 0 {
		p.RunPollTimeoutSec = 30
	}

	return nil
}
