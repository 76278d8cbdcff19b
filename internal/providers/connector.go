package providers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/aicli/internal/config"
	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// TunnelOpener is satisfied by *sshtunnel.Registry.
type TunnelOpener interface {
	CreateTunnel(name string, cfg sshtunnel.EndpointConfig) (*sshtunnel.Tunnel, error)
}

// Connector resolves the base URL a provider should be reached at, opening
// an ssh tunnel for providers configured with an ssh block.
type Connector struct {
	tunnels      TunnelOpener
	file         *config.File
	readyTimeout time.Duration
	client       *http.Client
}

func NewConnector(tunnels TunnelOpener, file *config.File, readyTimeout time.Duration) *Connector {
	if file == nil {
		file = &config.File{Providers: map[string]config.ProviderConfig{}}
	}
	return &Connector{
		tunnels:      tunnels,
		file:         file,
		readyTimeout: readyTimeout,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the URL for the named provider. With an ssh block the
// provider is reached through the registry tunnel of the same name, which
// is created on first use and reused afterwards.
func (c *Connector) BaseURL(ctx context.Context, name string) (string, error) {
	p, err := lookup(name)
	if err != nil {
		return "", err
	}
	pc, _ := c.file.Provider(p.Name)
	if pc.SSH == nil {
		if pc.BaseURL != "" {
			return strings.TrimRight(pc.BaseURL, "/"), nil
		}
		return p.UpstreamURL, nil
	}
	if c.tunnels == nil {
		return "", fmt.Errorf("provider %s: ssh configured but no tunnel registry", p.Name)
	}

	t, err := c.tunnels.CreateTunnel(p.Name, *pc.SSH)
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", p.Name, err)
	}

	ready := make(chan bool, 1)
	go func() { ready <- t.WaitReady(c.readyTimeout) }()
	select {
	case ok := <-ready:
		if !ok {
			return "", fmt.Errorf("provider %s: %w", p.Name, sshtunnel.ErrReadinessTimeout)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	log.Printf("[providers] %s via tunnel %s", p.Name, t.LocalURL())
	return t.LocalURL(), nil
}

// Check resolves the provider's URL and performs its reachability request.
func (c *Connector) Check(ctx context.Context, name string) error {
	p, err := lookup(name)
	if err != nil {
		return err
	}
	baseURL, err := c.BaseURL(ctx, p.Name)
	if err != nil {
		return err
	}
	pc, _ := c.file.Provider(p.Name)
	return c.check(ctx, p, baseURL, pc.APIKey)
}

// Model returns the configured model for the provider, falling back to the
// provider's default.
func (c *Connector) Model(name string) string {
	p, ok := Get(name)
	if !ok {
		return ""
	}
	if pc, _ := c.file.Provider(p.Name); pc.Model != "" {
		return pc.Model
	}
	return p.Model
}

func lookup(name string) (Provider, error) {
	p, ok := Get(name)
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// CheckOllama reports whether an Ollama server answers GET /api/tags.
func CheckOllama(ctx context.Context, baseURL string) error {
	p, _ := Get("ollama")
	return (&Connector{client: &http.Client{Timeout: 30 * time.Second}}).check(ctx, p, baseURL, "")
}

func (c *Connector) check(ctx context.Context, p Provider, baseURL, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+p.CheckPath, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if name, value := p.AuthHeader(apiKey); name != "" {
		req.Header.Set(name, value)
	}
	if p.AuthStyle == AuthXAPIKey {
		req.Header.Set("anthropic-version", "2023-06-01")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: GET %s returned %d", p.Name, p.CheckPath, resp.StatusCode)
	}
	return nil
}
