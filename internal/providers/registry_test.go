package providers

import "testing"

func TestGet(t *testing.T) {
	tests := []struct {
		name         string
		providerName string
		wantOK       bool
		wantURL      string
	}{
		{"claude", "claude", true, "https://api.anthropic.com"},
		{"chatgpt", "chatgpt", true, "https://api.openai.com"},
		{"ollama", "ollama", true, "http://localhost:11434"},
		{"case insensitive", "OLLAMA", true, "http://localhost:11434"},
		{"unknown provider", "gemini", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := Get(tt.providerName)
			if ok != tt.wantOK {
				t.Errorf("Get() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && p.UpstreamURL != tt.wantURL {
				t.Errorf("Get() URL = %s, want %s", p.UpstreamURL, tt.wantURL)
			}
		})
	}
	if len(All()) != 3 {
		t.Errorf("len(All()) = %d, want 3", len(All()))
	}
}

func TestNames(t *testing.T) {
	got := Names()
	want := []string{"chatgpt", "claude", "ollama"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAuthHeader(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		key        string
		wantHeader string
		wantValue  string
	}{
		{"claude uses x-api-key", "claude", "sk-ant", "x-api-key", "sk-ant"},
		{"chatgpt uses bearer", "chatgpt", "sk-oai", "Authorization", "Bearer sk-oai"},
		{"ollama has no auth", "ollama", "ignored", "", ""},
		{"empty key", "chatgpt", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := Get(tt.provider)
			h, v := p.AuthHeader(tt.key)
			if h != tt.wantHeader || v != tt.wantValue {
				t.Errorf("AuthHeader() = %q, %q; want %q, %q", h, v, tt.wantHeader, tt.wantValue)
			}
		})
	}
}
