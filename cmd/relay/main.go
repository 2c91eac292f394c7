// Command relay answers Twilio calls with an OpenAI Realtime voice assistant.
//
// Environment:
//
//	TWILIO_STREAM_URL    public wss:// URL of /media (required)
//	OPENAI_API_KEY       OpenAI API key (required)
//	CONFIG_PROVIDER_URL  assistant configuration service, or
//	CONFIG_FILE          YAML file of organizations
//	TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_PHONE_NUMBER
//	                     enable SMS and call transfer; without them actions are only logged
//
// Point the Twilio number's voice webhook at https://<host>/twiml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sonoria/voice-relay/pkg/actions"
	"github.com/sonoria/voice-relay/pkg/config"
	"github.com/sonoria/voice-relay/pkg/orgconfig"
	"github.com/sonoria/voice-relay/pkg/server"
	"github.com/sonoria/voice-relay/pkg/session"
	"github.com/sonoria/voice-relay/pkg/speech"
	"github.com/sonoria/voice-relay/pkg/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped with error", zap.Error(err))
	}
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	if err := trace.Initialize(ctx, cfg.Trace(), logger); err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", zap.Error(err))
		}
	}()

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	var messenger actions.Messenger
	var calls actions.CallController
	if cfg.TwilioConfigured() {
		client := actions.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, logger)
		messenger, calls = client, client
	} else {
		logger.Warn("Twilio credentials not set, SMS and transfers will only be logged")
		client := actions.NewLogOnlyClient(logger)
		messenger, calls = client, client
	}
	dispatcher := actions.NewDispatcher(messenger, calls, actions.Config{
		FrontendURL: cfg.FrontendURL,
		Timeout:     cfg.ActionTimeout,
	}, logger)

	relay := server.NewTwilioMediaServer(server.TwilioServerConfig{
		Address:   ":" + cfg.Port,
		StreamURL: cfg.StreamURL,
		Session: session.Options{
			Configs:                provider,
			Dialer:                 speech.OpenAIDialer{APIKey: cfg.OpenAIAPIKey, Model: cfg.RealtimeModel},
			Dispatcher:             dispatcher,
			SetupTimeout:           cfg.SetupTimeout,
			TransferOnSetupFailure: cfg.TransferOnSetupFailure,
		},
	}, logger)

	if err := relay.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("relay started",
		zap.String("port", cfg.Port),
		zap.String("twiml_webhook", "/twiml"),
		zap.String("stream_url", cfg.StreamURL))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("shutting down", zap.String("signal", sig.String()))
	return relay.Stop()
}

func newProvider(cfg *config.Config, logger *zap.Logger) (orgconfig.Provider, error) {
	if cfg.ConfigProviderURL != "" {
		var opts []orgconfig.HTTPProviderOption
		if cfg.ConfigProviderToken != "" {
			opts = append(opts, orgconfig.WithBearerToken(cfg.ConfigProviderToken))
		}
		return orgconfig.NewHTTPProvider(cfg.ConfigProviderURL, logger, opts...), nil
	}
	provider, err := orgconfig.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.ConfigFile, err)
	}
	return provider, nil
}
