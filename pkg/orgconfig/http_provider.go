package orgconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sonoria/voice-relay/pkg/trace"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPProvider reads configurations from the CRM backend.
//
//	GET <base>/organizations/<id>/assistant-config
//	GET <base>/assistants/by-number/<e164>
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// HTTPProviderOption configures an HTTPProvider.
type HTTPProviderOption func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPProviderOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithBearerToken sets the Authorization header sent with every request.
func WithBearerToken(token string) HTTPProviderOption {
	return func(p *HTTPProvider) { p.token = token }
}

// NewHTTPProvider creates a provider for baseURL.
func NewHTTPProvider(baseURL string, logger *zap.Logger, opts ...HTTPProviderOption) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger.Named("orgconfig"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get implements Provider.
func (p *HTTPProvider) Get(ctx context.Context, orgID string) (Config, error) {
	if orgID == "" {
		return Config{}, ErrNotFound
	}
	cfg, err := p.fetch(ctx, "/organizations/"+url.PathEscape(orgID)+"/assistant-config")
	if err != nil {
		return Config{}, err
	}
	if cfg.OrganizationID == "" {
		cfg.OrganizationID = orgID
	}
	return cfg, nil
}

// LookupByNumber implements Provider.
func (p *HTTPProvider) LookupByNumber(ctx context.Context, number string) (Config, error) {
	if number == "" {
		return Config{}, ErrNotFound
	}
	cfg, err := p.fetch(ctx, "/assistants/by-number/"+url.PathEscape(number))
	if err != nil {
		return Config{}, err
	}
	if cfg.OrganizationID == "" {
		return Config{}, fmt.Errorf("lookup %s: response has no organization_id", number)
	}
	return cfg, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, path string) (Config, error) {
	var cfg Config
	err := trace.WithSpan(ctx, "orgconfig.fetch", func(ctx context.Context) error {
		var err error
		cfg, err = p.get(ctx, path)
		return err
	})
	return cfg, err
}

func (p *HTTPProvider) get(ctx context.Context, path string) (Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return Config{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Config{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Config{}, fmt.Errorf("fetch %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cfg Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	p.logger.Debug("fetched assistant config",
		zap.String("path", path),
		zap.String("org_id", cfg.OrganizationID))
	return cfg.WithDefaults(), nil
}
