package providers

import (
	"sort"
	"strings"
)

type AuthStyle int

const (
	AuthNone    AuthStyle = iota
	AuthBearer            // Authorization: Bearer <key>
	AuthXAPIKey           // x-api-key: <key>
)

type Provider struct {
	Name        string
	UpstreamURL string // default base URL when none is configured
	AuthStyle   AuthStyle
	CheckPath   string // GET returning 200 when the provider is reachable
	Model       string // default model
}

var registry = map[string]Provider{
	"claude": {
		Name:        "claude",
		UpstreamURL: "https://api.anthropic.com",
		AuthStyle:   AuthXAPIKey,
		CheckPath:   "/v1/models",
		Model:       "claude-3-5-sonnet-20241022",
	},
	"chatgpt": {
		Name:        "chatgpt",
		UpstreamURL: "https://api.openai.com",
		AuthStyle:   AuthBearer,
		CheckPath:   "/v1/models",
		Model:       "gpt-4-turbo-preview",
	},
	"ollama": {
		Name:        "ollama",
		UpstreamURL: "http://localhost:11434",
		AuthStyle:   AuthNone,
		CheckPath:   "/api/tags",
		Model:       "llama2",
	},
}

func Get(name string) (Provider, bool) {
	p, ok := registry[strings.ToLower(name)]
	return p, ok
}

func All() map[string]Provider {
	return registry
}

// Names returns the known provider names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range All() {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AuthHeader returns the header carrying key for this provider, or empty
// strings when the provider takes no key.
func (p Provider) AuthHeader(key string) (headerName, headerValue string) {
	if key == "" {
		return "", ""
	}
	switch p.AuthStyle {
	case AuthXAPIKey:
		return "x-api-key", key
	case AuthBearer:
		return "Authorization", "Bearer " + key
	default:
		return "", ""
	}
}
