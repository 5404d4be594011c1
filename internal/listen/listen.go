// Package listen parses the control API bind address and opens URLs in the
// operator's browser.
package listen

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/strongdm/berth/internal/shell"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = "18790"
)

// Config represents a normalized listen target derived from CLI/environment input.
type Config struct {
	Host    string
	Port    string
	Disable bool
}

// Default returns the loopback listen configuration used when no explicit
// value is provided.
func Default() Config {
	return Config{Host: defaultHost, Port: defaultPort}
}

// Parse interprets a raw listen argument. Empty strings disable listening, host-only
// values inherit the default port, and bare ports or :port forms bind loopback.
func Parse(raw string) (Config, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Config{Disable: true}, nil
	}

	host := defaultHost
	var port string

	switch {
	case strings.HasPrefix(value, "[") && strings.Contains(value, "]:"):
		closing := strings.LastIndex(value, "]:")
		host = strings.TrimSpace(value[1:closing])
		port = strings.TrimSpace(value[closing+2:])
	case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
		host = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(value, "["), "]"))
	case strings.HasPrefix(value, ":"):
		port = strings.TrimSpace(value[1:])
	case isDigits(value):
		port = value
	case strings.Contains(value, ":"):
		h, p, err := net.SplitHostPort(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid listen address %q: %w", value, err)
		}
		host = strings.TrimSpace(h)
		port = strings.TrimSpace(p)
	default:
		host = value
	}

	if port == "" {
		port = defaultPort
	}
	if err := validatePort(port); err != nil {
		return Config{}, err
	}
	if host == "" {
		return Config{}, fmt.Errorf("invalid listen address %q: host required", value)
	}

	return Config{Host: host, Port: port}, nil
}

// Address returns the bind string for net.Listen.
func (c Config) Address() string {
	if c.Disable {
		return ""
	}
	return net.JoinHostPort(c.Host, c.Port)
}

// Loopback reports whether the address only accepts local connections.
func (c Config) Loopback() bool {
	if c.Host == "localhost" {
		return true
	}
	ip := net.ParseIP(c.Host)
	return ip != nil && ip.IsLoopback()
}

// DisplayURL renders a human-friendly URL for CLI output.
func (c Config) DisplayURL() string {
	if c.Disable {
		return ""
	}
	host := c.Host
	switch host {
	case "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, c.Port) + "/"
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func validatePort(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q", value)
	}
	return nil
}

// BrowserCommand returns the command that opens url on goos.
func BrowserCommand(goos, url string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{"open", url}, nil
	case "linux", "freebsd", "openbsd":
		return []string{"xdg-open", url}, nil
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}, nil
	default:
		return nil, fmt.Errorf("opening a browser is not supported on %s", goos)
	}
}

// OpenURL launches the default browser on goos with url.
func OpenURL(ctx context.Context, exec shell.Executor, goos, url string) error {
	argv, err := BrowserCommand(goos, url)
	if err != nil {
		return err
	}
	res, err := exec.Run(ctx, argv)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("open browser: %s", res.Diagnostic())
	}
	return nil
}
