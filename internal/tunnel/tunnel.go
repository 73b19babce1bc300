// Package tunnel supervises an egress-tunnel child process (cloudflared,
// ngrok, localxpose, or zrok) and recovers the public URL from its startup
// output.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

// Provider names. Autodetect tries them in this order.
const (
	ProviderCloudflared = "cloudflared"
	ProviderNgrok       = "ngrok"
	ProviderLocalxpose  = "localxpose"
	ProviderZrok        = "zrok"
	ProviderNone        = "none"
)

const (
	startupTimeout = 30 * time.Second
	stopTimeout    = 3 * time.Second
)

// Each provider's URL appears once in its startup output; the patterns live
// here in one place because they are the part that breaks on provider upgrades.
var (
	cloudflaredURL = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)
	localxposeURL  = regexp.MustCompile(`https?://[^\s]+\.loclx\.io`)
	zrokURL        = regexp.MustCompile(`https?://[^\s]+\.zrok\.[^\s]+`)
)

// Options configure a tunnel start.
type Options struct {
	Provider  string // empty = autodetect
	Port      int
	AuthToken string
	Domain    string
}

// Handle is a running tunnel. Stop is idempotent.
type Handle struct {
	PublicURL    string // wss:// or ws:// gateway URL
	PublicOrigin string // https:// or http:// origin
	Provider     string

	cmd      *exec.Cmd
	waitDone chan struct{}
	onStop   func()
	stopOnce sync.Once
}

// OriginHook is invoked with the tunnel's HTTP origin when it comes up, and
// again on stop. The server wires this to the runtime origin allow-set.
type OriginHook func(origin string, up bool)

// binaryName maps a provider to its executable.
func binaryName(provider string) string {
	if provider == ProviderLocalxpose {
		return "loclx"
	}
	return provider
}

// available probes `<binary> --version` to confirm the provider is installed.
func available(provider string) bool {
	if err := exec.Command(binaryName(provider), "--version").Run(); err != nil {
		return false
	}
	return true
}

// autodetect picks the first installed provider, or "" when none is.
func autodetect() string {
	for _, p := range []string{ProviderCloudflared, ProviderNgrok, ProviderLocalxpose, ProviderZrok} {
		if available(p) {
			return p
		}
	}
	return ""
}

// Start launches the tunnel and blocks until its public URL is known or the
// 30-second startup deadline passes. It returns (nil, nil) when no provider
// is available or the provider is "none": the gateway runs without a tunnel.
func Start(ctx context.Context, opts Options, hook OriginHook) (*Handle, error) {
	provider := opts.Provider
	if provider == ProviderNone {
		return nil, nil
	}
	if provider == "" {
		provider = autodetect()
		if provider == "" {
			slog.Info("no tunnel provider available, continuing without a public URL")
			return nil, nil
		}
	} else if !available(provider) {
		slog.Warn("tunnel provider unavailable, continuing without a public URL",
			"provider", provider)
		return nil, nil
	}

	if err := providerLogin(ctx, provider, opts.AuthToken); err != nil {
		return nil, err
	}

	cmd := providerCommand(provider, opts)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tunnel: start %s: %w", provider, err)
	}

	urlCh := make(chan string, 2)
	go scanForURL(provider, stdout, urlCh)
	go scanForURL(provider, stderr, urlCh)

	select {
	case httpURL := <-urlCh:
		origin := strings.TrimRight(httpURL, "/")
		h := &Handle{
			PublicURL:    toWebSocketURL(origin),
			PublicOrigin: origin,
			Provider:     provider,
			cmd:          cmd,
			waitDone:     make(chan struct{}),
		}
		if hook != nil {
			hook(origin, true)
			h.onStop = func() { hook(origin, false) }
		}
		// Single waiter: reaps the child on natural exit and lets Stop
		// observe the same completion.
		go func() {
			if err := cmd.Wait(); err != nil {
				slog.Warn("tunnel process exited", "provider", provider, "error", err)
			}
			close(h.waitDone)
		}()
		slog.Info("tunnel up", "provider", provider, "url", h.PublicURL)
		return h, nil

	case <-time.After(startupTimeout):
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
		return nil, fmt.Errorf("%s startup timed out (30s)", provider)

	case <-ctx.Done():
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
		return nil, ctx.Err()
	}
}

// Stop terminates the child with SIGTERM and waits at most three seconds
// before abandoning it. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		if h.onStop != nil {
			h.onStop()
		}
		if h.cmd.Process == nil {
			return
		}
		h.cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck

		select {
		case <-h.waitDone:
		case <-time.After(stopTimeout):
			slog.Warn("tunnel process did not exit, abandoning", "provider", h.Provider)
		}
	})
}

// providerLogin runs the one-time credential setup some providers need.
func providerLogin(ctx context.Context, provider, authToken string) error {
	if authToken == "" {
		return nil
	}
	var cmd *exec.Cmd
	switch provider {
	case ProviderNgrok:
		cmd = exec.CommandContext(ctx, "ngrok", "config", "add-authtoken", authToken)
	case ProviderLocalxpose:
		cmd = exec.CommandContext(ctx, "loclx", "account", "login", "--token", authToken)
	default:
		return nil
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tunnel: %s login: %w", provider, err)
	}
	return nil
}

// providerCommand builds the provider-specific argv.
func providerCommand(provider string, opts Options) *exec.Cmd {
	local := fmt.Sprintf("http://localhost:%d", opts.Port)
	switch provider {
	case ProviderCloudflared:
		args := []string{"tunnel", "--url", local}
		if opts.Domain != "" {
			args = append(args, "--hostname", opts.Domain)
		}
		return exec.Command("cloudflared", args...)
	case ProviderNgrok:
		args := []string{"http", fmt.Sprint(opts.Port), "--log", "stdout", "--log-format", "json"}
		if opts.Domain != "" {
			args = append(args, "--domain", opts.Domain)
		}
		return exec.Command("ngrok", args...)
	case ProviderLocalxpose:
		args := []string{"tunnel", "http", "--to", fmt.Sprintf("localhost:%d", opts.Port)}
		if opts.Domain != "" {
			args = append(args, "--subdomain", opts.Domain)
		}
		return exec.Command("loclx", args...)
	case ProviderZrok:
		return exec.Command("zrok", "share", "public", local)
	default:
		panic("tunnel: unknown provider " + provider)
	}
}

// scanForURL reads the child's output line by line until the provider's URL
// pattern appears, then sends it once.
func scanForURL(provider string, out io.Reader, urlCh chan<- string) {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if u := matchURL(provider, line); u != "" {
			select {
			case urlCh <- u:
			default:
			}
			// Keep draining so the child never blocks on a full pipe.
		}
	}
}

func matchURL(provider, line string) string {
	switch provider {
	case ProviderCloudflared:
		return cloudflaredURL.FindString(line)
	case ProviderNgrok:
		// ngrok logs line-delimited JSON; the tunnel-started record carries
		// the public URL in its "url" field.
		if u := gjson.Get(line, "url").String(); strings.HasPrefix(u, "http") {
			return u
		}
		return ""
	case ProviderLocalxpose:
		return localxposeURL.FindString(line)
	case ProviderZrok:
		return zrokURL.FindString(line)
	default:
		return ""
	}
}

// toWebSocketURL converts the tunnel's HTTP(S) URL to the gateway's WS(S) form.
func toWebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
