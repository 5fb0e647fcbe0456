package cli

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/keyring"
	"github.com/yllada/ocvpn/oidc"
	"github.com/yllada/ocvpn/storage"
)

// oidcCookie signs in to the profile's issuer and trades the ID token for
// a VPN session cookie. A cached refresh token is tried before the device
// flow, and the newest refresh token is cached again afterwards.
func (c *CLI) oidcCookie(ctx context.Context, p *storage.ServerProfile, insecure bool) (string, error) {
	provider, err := oidc.NewProvider(ctx, p.Issuer, p.ClientID, p.ClientSecret)
	if err != nil {
		return "", err
	}

	tok := c.refreshToken(ctx, provider, p.Name)
	if tok == nil {
		tok, err = c.deviceLogin(ctx, provider, p.Name)
		if err != nil {
			return "", err
		}
	}

	if tok.RefreshToken != "" {
		if err := keyring.StoreToken(p.Name, tok.RefreshToken); err != nil {
			common.LogWarn("Could not cache refresh token for %s: %v", p.Name, err)
		}
	}

	cookie, err := oidc.ExchangeCookie(ctx, p.Server, tok.IDToken, insecure || p.AllowInsecure)
	if err != nil {
		return "", fmt.Errorf("cookie exchange with %s: %w", p.Server, err)
	}
	return cookie, nil
}

// refreshToken returns a token from the cached refresh token, or nil if
// there is none or it no longer works.
func (c *CLI) refreshToken(ctx context.Context, provider *oidc.Provider, profile string) *oidc.Token {
	cached, err := keyring.LoadToken(profile)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogWarn("Token cache unavailable: %v", err)
		}
		return nil
	}

	tok, err := provider.Refresh(ctx, cached)
	if err != nil {
		common.LogInfo("Cached token for %s rejected, signing in again: %v", profile, err)
		if err := keyring.DeleteToken(profile); err != nil {
			common.LogWarn("Could not drop cached token for %s: %v", profile, err)
		}
		return nil
	}
	return tok
}

// deviceLogin runs the device authorization flow, on the wait screen when
// attached to a terminal and as plain text otherwise.
func (c *CLI) deviceLogin(ctx context.Context, provider *oidc.Provider, profile string) (*oidc.Token, error) {
	if c.outputIsTerminal() && c.interactive() {
		return runDeviceScreen(ctx, c.in, c.out, profile, provider.DeviceLogin)
	}

	return provider.DeviceLogin(ctx, func(auth *oauth2.DeviceAuthResponse) {
		fmt.Fprintf(c.out, "To sign in to %s, open %s and enter the code %s\n",
			profile, auth.VerificationURI, labelStyle.Render(auth.UserCode))
		if auth.VerificationURIComplete != "" {
			fmt.Fprintf(c.out, "or open %s\n", auth.VerificationURIComplete)
		}
		fmt.Fprintln(c.out, dimStyle.Render("Waiting for sign-in..."))
	})
}
