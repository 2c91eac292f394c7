package orgconfig

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileProvider serves configurations from a YAML document of the form
//
//	organizations:
//	  - organization_id: "7"
//	    organization_name: Pilates Studio
//	    phone_number: "+15550001111"
//	    greeting: Hi there
type FileProvider struct {
	byID     map[string]Config
	byNumber map[string]string
}

type fileDocument struct {
	Organizations []Config `yaml:"organizations"`
}

// LoadFile reads a FileProvider from path.
func LoadFile(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile builds a FileProvider from YAML bytes.
func ParseFile(data []byte) (*FileProvider, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return NewStaticProvider(doc.Organizations...)
}

// NewStaticProvider builds a FileProvider from in-memory configurations.
func NewStaticProvider(configs ...Config) (*FileProvider, error) {
	p := &FileProvider{
		byID:     make(map[string]Config, len(configs)),
		byNumber: make(map[string]string),
	}
	for i, cfg := range configs {
		if cfg.OrganizationID == "" {
			return nil, fmt.Errorf("organization %d: missing organization_id", i)
		}
		if _, dup := p.byID[cfg.OrganizationID]; dup {
			return nil, fmt.Errorf("organization %q: duplicate id", cfg.OrganizationID)
		}
		p.byID[cfg.OrganizationID] = cfg.WithDefaults()
		if cfg.PhoneNumber != "" {
			p.byNumber[cfg.PhoneNumber] = cfg.OrganizationID
		}
	}
	return p, nil
}

// Get implements Provider.
func (p *FileProvider) Get(_ context.Context, orgID string) (Config, error) {
	cfg, ok := p.byID[orgID]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

// LookupByNumber implements Provider.
func (p *FileProvider) LookupByNumber(ctx context.Context, number string) (Config, error) {
	id, ok := p.byNumber[number]
	if !ok {
		return Config{}, ErrNotFound
	}
	return p.Get(ctx, id)
}
