package vpn

import (
	"fmt"
	"maps"
	"net/url"
	"runtime"
	"strings"

	"github.com/yllada/ocvpn/common"
)

// DefaultProtocol is used when an entrypoint does not name one.
const DefaultProtocol = "anyconnect"

// Config holds the engine options shared by every connection attempt of a
// session. It does not change after the session is built.
type Config struct {
	VpncScript        string
	HTTPProxy         string
	LogLevel          common.LogLevel
	ReconnectTimeout  int
	ReconnectInterval int
	// ResetOnDisconnect clears the engine's SSL state and cookie once the
	// tunnel loop has exited.
	ResetOnDisconnect bool
}

// NewConfig validates c and fills defaults.
func NewConfig(c Config) (*Config, error) {
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = common.DefaultReconnectTimeout
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = common.DefaultReconnectInterval
	}
	if c.ReconnectTimeout < 0 || c.ReconnectInterval < 0 {
		return nil, fmt.Errorf("%w: reconnect timing must not be negative", common.ErrConfig)
	}
	if c.ReconnectInterval > c.ReconnectTimeout {
		c.ReconnectInterval = c.ReconnectTimeout
	}
	if c.HTTPProxy != "" {
		if _, err := url.Parse(c.HTTPProxy); err != nil {
			return nil, fmt.Errorf("%w: invalid http proxy %q", common.ErrConfig, c.HTTPProxy)
		}
	}
	return &c, nil
}

// FormKey identifies a saved answer to a hidden or select field.
type FormKey struct {
	FormID   string
	OptionID string
}

// Entrypoint is everything needed for one connection attempt.
type Entrypoint struct {
	Name               string
	Server             string
	Username           string
	Password           string
	Protocol           string
	Cookie             string
	EnableUDP          bool
	AcceptInsecureCert bool
	FormAnswers        map[FormKey]string
}

// NewEntrypoint validates e and fills defaults. Server is required.
func NewEntrypoint(e Entrypoint) (*Entrypoint, error) {
	e.Server = strings.TrimSpace(e.Server)
	if e.Server == "" {
		return nil, fmt.Errorf("%w: server is required", common.ErrConfig)
	}
	if e.Protocol == "" {
		e.Protocol = DefaultProtocol
	}
	if e.Name == "" {
		e.Name = e.Server
	}
	e.FormAnswers = maps.Clone(e.FormAnswers)
	return &e, nil
}

// ReportedOS is the client OS string sent to the server.
func ReportedOS() string {
	switch runtime.GOOS {
	case "darwin":
		return "mac-intel"
	case "windows":
		return "win"
	case "android":
		return "android"
	case "ios":
		return "apple-ios"
	case "linux":
		if strings.HasSuffix(runtime.GOARCH, "64") {
			return "linux-64"
		}
		return "linux"
	default:
		return "linux"
	}
}
