// Package storage implements the credential store: a JSON document of named
// server profiles whose password fields are encrypted at rest.
package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yllada/ocvpn/common"
)

// AuthType discriminates the profile variants.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthOIDC     AuthType = "oidc"
)

// ServerProfile is one stored VPN server. Password profiles use Username
// and Password; OIDC profiles use Issuer, ClientID and ClientSecret.
type ServerProfile struct {
	AuthType      AuthType   `json:"authType"`
	Name          string     `json:"name"`
	Server        string     `json:"server"`
	Username      string     `json:"username,omitempty"`
	Password      string     `json:"password,omitempty"`
	Issuer        string     `json:"issuer,omitempty"`
	ClientID      string     `json:"clientId,omitempty"`
	ClientSecret  string     `json:"clientSecret,omitempty"`
	AllowInsecure bool       `json:"allowInsecure"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// NewPasswordProfile builds a password profile.
func NewPasswordProfile(name, server, username, password string, allowInsecure bool) *ServerProfile {
	return &ServerProfile{
		AuthType:      AuthPassword,
		Name:          name,
		Server:        server,
		Username:      username,
		Password:      password,
		AllowInsecure: allowInsecure,
	}
}

// NewOIDCProfile builds an OIDC profile.
func NewOIDCProfile(name, server, issuer, clientID, clientSecret string, allowInsecure bool) *ServerProfile {
	return &ServerProfile{
		AuthType:      AuthOIDC,
		Name:          name,
		Server:        server,
		Issuer:        issuer,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		AllowInsecure: allowInsecure,
	}
}

// Validate checks that the profile is usable for its auth type.
func (p *ServerProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: profile name is required", common.ErrConfig)
	}
	if err := validateServer(p.Server); err != nil {
		return err
	}

	switch p.AuthType {
	case AuthPassword:
		if p.Issuer != "" || p.ClientID != "" {
			return fmt.Errorf("%w: password profile %q carries OIDC fields", common.ErrConfig, p.Name)
		}
	case AuthOIDC:
		if p.Issuer == "" {
			return fmt.Errorf("%w: OIDC profile %q requires an issuer", common.ErrConfig, p.Name)
		}
		if _, err := url.ParseRequestURI(p.Issuer); err != nil {
			return fmt.Errorf("%w: invalid issuer URL %q", common.ErrConfig, p.Issuer)
		}
		if p.ClientID == "" {
			return fmt.Errorf("%w: OIDC profile %q requires a client id", common.ErrConfig, p.Name)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", common.ErrConfig, p.AuthType)
	}
	return nil
}

// validateServer accepts a bare host[:port][/path] or a full https URL.
func validateServer(server string) error {
	server = strings.TrimSpace(server)
	if server == "" {
		return fmt.Errorf("%w: server is required", common.ErrConfig)
	}
	raw := server
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid server %q", common.ErrConfig, server)
	}
	return nil
}

// Clone returns a deep copy.
func (p *ServerProfile) Clone() *ServerProfile {
	c := *p
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		c.UpdatedAt = &t
	}
	return &c
}

// Export encodes the profile for sharing. Secrets and timestamps are left
// out; the receiver supplies their own password.
func (p *ServerProfile) Export() (string, error) {
	shared := p.Clone()
	shared.Password = ""
	shared.ClientSecret = ""
	shared.UpdatedAt = nil

	data, err := json.Marshal(shared)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ImportProfile decodes a blob produced by Export.
func ImportProfile(blob string) (*ServerProfile, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: import data is not base64", common.ErrConfig)
	}

	var p ServerProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: import data is not a server profile: %v", common.ErrConfig, err)
	}
	p.UpdatedAt = nil
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
