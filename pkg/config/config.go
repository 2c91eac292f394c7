// Package config loads the relay's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sonoria/voice-relay/pkg/trace"
)

// ServiceName identifies the relay in traces.
const ServiceName = "voice-relay"

// Config is the process configuration. Load fills it from the environment;
// Validate checks what the relay cannot start without.
type Config struct {
	Port string
	// StreamURL is the public wss:// URL of /media handed to Twilio.
	StreamURL string

	OpenAIAPIKey  string
	RealtimeModel string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	FrontendURL string

	ConfigProviderURL   string
	ConfigProviderToken string
	ConfigFile          string

	SetupTimeout           time.Duration
	ActionTimeout          time.Duration
	TransferOnSetupFailure bool

	LogFormat     string
	TraceExporter string
	OTLPEndpoint  string
	// TraceSampleRate is the fraction of new calls that are traced.
	TraceSampleRate float64
	Environment     string
	ServiceVersion  string
}

// Load reads the environment, after loading .env files when present.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load(envFiles...)

	var errs []error
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		StreamURL:              getEnv("TWILIO_STREAM_URL", ""),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		RealtimeModel:          getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-mini-realtime-preview"),
		TwilioAccountSID:       getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:        getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:      getEnv("TWILIO_PHONE_NUMBER", ""),
		FrontendURL:            getEnv("FRONTEND_URL", "http://localhost:3000"),
		ConfigProviderURL:      getEnv("CONFIG_PROVIDER_URL", ""),
		ConfigProviderToken:    getEnv("CONFIG_PROVIDER_TOKEN", ""),
		ConfigFile:             getEnv("CONFIG_FILE", ""),
		SetupTimeout:           getDuration("SETUP_TIMEOUT", 10*time.Second, &errs),
		ActionTimeout:          getDuration("ACTION_TIMEOUT", 15*time.Second, &errs),
		TransferOnSetupFailure: getBool("TRANSFER_ON_SETUP_FAILURE", false, &errs),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		TraceExporter:          getEnv("TRACE_EXPORTER", "none"),
		OTLPEndpoint:           getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceSampleRate:        getFloat("TRACE_SAMPLE_RATE", 1.0, &errs),
		Environment:            getEnv("ENVIRONMENT", "development"),
		ServiceVersion:         getEnv("SERVICE_VERSION", "dev"),
	}
	if cfg.TraceSampleRate < 0 || cfg.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE: %v is outside [0, 1]", cfg.TraceSampleRate))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.StreamURL == "" {
		missing = append(missing, "TWILIO_STREAM_URL")
	}
	if c.ConfigProviderURL == "" && c.ConfigFile == "" {
		missing = append(missing, "CONFIG_PROVIDER_URL or CONFIG_FILE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TwilioConfigured reports whether REST credentials are present.
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioPhoneNumber != ""
}

// Trace returns the tracing settings.
func (c *Config) Trace() trace.Config {
	return trace.Config{
		ServiceName:    ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		Exporter:       c.TraceExporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRate:     c.TraceSampleRate,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}
