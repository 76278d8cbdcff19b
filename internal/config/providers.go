package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// ProviderConfig is one entry under "providers" in the config file.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// SSH, when set, reaches the provider through a local port forward.
	SSH *sshtunnel.EndpointConfig `yaml:"ssh,omitempty" json:"ssh,omitempty"`
}

// File is the on-disk config: {"providers": {"ollama": {...}}}. It is read as
// YAML, which also accepts the JSON the file is normally written in.
type File struct {
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// LoadFile reads the provider config at path. A missing file yields an empty
// config.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{Providers: map[string]ProviderConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseFile(data)
}

func ParseFile(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if f.Providers == nil {
		f.Providers = map[string]ProviderConfig{}
	}
	for name, p := range f.Providers {
		if p.SSH == nil {
			continue
		}
		cfg := p.SSH.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s: ssh: %w", name, err)
		}
		p.SSH = &cfg
		f.Providers[name] = p
	}
	return f, nil
}

// Provider returns the named provider section.
func (f *File) Provider(name string) (ProviderConfig, bool) {
	p, ok := f.Providers[name]
	return p, ok
}

// Names returns the configured provider names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Providers))
	for n := range f.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
