package keyring

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "ocvpn-oidc"
)

// Common errors returned by token cache operations.
var (
	ErrNotFound    = errors.New("token not found")
	ErrUnavailable = errors.New("keyring service unavailable")
)

// StoreToken caches an OIDC refresh token for a profile in the system
// keyring.
func StoreToken(profile, token string) error {
	if profile == "" {
		return errors.New("profile name cannot be empty")
	}
	if token == "" {
		return errors.New("token cannot be empty")
	}

	if err := keyring.Set(serviceName, profile, token); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}

// LoadToken returns the cached refresh token for a profile.
func LoadToken(profile string) (string, error) {
	if profile == "" {
		return "", errors.New("profile name cannot be empty")
	}

	token, err := keyring.Get(serviceName, profile)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Join(ErrUnavailable, err)
	}
	return token, nil
}

// DeleteToken forgets the cached token for a profile. A missing entry is
// not an error.
func DeleteToken(profile string) error {
	if profile == "" {
		return errors.New("profile name cannot be empty")
	}

	err := keyring.Delete(serviceName, profile)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}
