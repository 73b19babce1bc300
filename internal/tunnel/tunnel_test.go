package tunnel

import "testing"

func TestMatchURL(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		line     string
		want     string
	}{
		{
			"cloudflared url in log line",
			ProviderCloudflared,
			"2024-01-01T00:00:00Z INF +  https://witty-otter-abc123.trycloudflare.com  +",
			"https://witty-otter-abc123.trycloudflare.com",
		},
		{"cloudflared ignores other hosts", ProviderCloudflared, "https://example.com ready", ""},
		{
			"ngrok json log record",
			ProviderNgrok,
			`{"lvl":"info","msg":"started tunnel","url":"https://abc.ngrok-free.app"}`,
			"https://abc.ngrok-free.app",
		},
		{"ngrok non-url field", ProviderNgrok, `{"msg":"x","url":"not-a-url"}`, ""},
		{"ngrok plain text line", ProviderNgrok, "starting tunnel", ""},
		{
			"localxpose",
			ProviderLocalxpose,
			"tunnel ready at http://myapp.loclx.io more",
			"http://myapp.loclx.io",
		},
		{
			"zrok",
			ProviderZrok,
			"access your share at https://abcd1234.share.zrok.io",
			"https://abcd1234.share.zrok.io",
		},
		{"unknown provider", "frp", "https://x.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchURL(tt.provider, tt.line); got != tt.want {
				t.Errorf("matchURL(%s, %q) = %q, want %q", tt.provider, tt.line, got, tt.want)
			}
		})
	}
}

func TestToWebSocketURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://abc.trycloudflare.com", "wss://abc.trycloudflare.com"},
		{"http://myapp.loclx.io", "ws://myapp.loclx.io"},
		{"wss://already.ws", "wss://already.ws"},
	}
	for _, tt := range tests {
		if got := toWebSocketURL(tt.in); got != tt.want {
			t.Errorf("toWebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBinaryName(t *testing.T) {
	if got := binaryName(ProviderLocalxpose); got != "loclx" {
		t.Errorf("binaryName(localxpose) = %q, want loclx", got)
	}
	if got := binaryName(ProviderCloudflared); got != "cloudflared" {
		t.Errorf("binaryName(cloudflared) = %q, want cloudflared", got)
	}
}

func TestProviderCommandArgv(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		opts     Options
		want     []string
	}{
		{
			"cloudflared", ProviderCloudflared, Options{Port: 18789},
			[]string{"tunnel", "--url", "http://localhost:18789"},
		},
		{
			"cloudflared with domain", ProviderCloudflared, Options{Port: 18789, Domain: "gw.example.com"},
			[]string{"tunnel", "--url", "http://localhost:18789", "--hostname", "gw.example.com"},
		},
		{
			"ngrok", ProviderNgrok, Options{Port: 8080},
			[]string{"http", "8080", "--log", "stdout", "--log-format", "json"},
		},
		{
			"localxpose", ProviderLocalxpose, Options{Port: 8080, Domain: "myapp"},
			[]string{"tunnel", "http", "--to", "localhost:8080", "--subdomain", "myapp"},
		},
		{
			"zrok", ProviderZrok, Options{Port: 9000},
			[]string{"share", "public", "http://localhost:9000"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := providerCommand(tt.provider, tt.opts)
			got := cmd.Args[1:]
			if len(got) != len(tt.want) {
				t.Fatalf("argv = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("argv = %v, want %v", got, tt.want)
				}
			}
		})
	}
}
