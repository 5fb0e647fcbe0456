package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/ipc"
	"github.com/yllada/ocvpn/storage"
	"github.com/yllada/ocvpn/vpn"
)

// resolve builds the entrypoint for a start request. A stored profile
// supplies the server and credentials; a name the store does not know is
// accepted when the request carries a server. A cookie in the request
// takes precedence over the stored password.
func (h *Host) resolve(req ipc.Request) (*vpn.Entrypoint, error) {
	entry := vpn.Entrypoint{
		Name:               req.Name,
		Server:             req.Server,
		Cookie:             req.Cookie,
		Protocol:           h.opts.Protocol,
		EnableUDP:          true,
		AcceptInsecureCert: req.AllowInsecure,
	}

	profile, err := h.lookup(req)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		if entry.Server == "" {
			entry.Server = profile.Server
		}
		entry.AcceptInsecureCert = entry.AcceptInsecureCert || profile.AllowInsecure

		switch profile.AuthType {
		case storage.AuthPassword:
			entry.Username = profile.Username
			if entry.Cookie == "" {
				entry.Password = profile.Password
			}
		case storage.AuthOIDC:
			if entry.Cookie == "" {
				return nil, fmt.Errorf("%w: profile %s signs in with OIDC and no cookie was supplied",
					common.ErrConfig, profile.Name)
			}
		}
	}

	if h.opts.History != nil && entry.Name != "" {
		answers, err := h.opts.History.Answers(context.Background(), entry.Name)
		if err != nil {
			common.LogWarn("host: saved answers for %s: %v", entry.Name, err)
		}
		entry.FormAnswers = answers
	}

	return vpn.NewEntrypoint(entry)
}

// lookup returns the stored profile named by req, or nil for an ad-hoc
// request.
func (h *Host) lookup(req ipc.Request) (*storage.ServerProfile, error) {
	if req.Name == "" || h.opts.Profiles == nil {
		return nil, nil
	}
	p, err := h.opts.Profiles.Get(req.Name)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, common.ErrProfileNotFound) && req.Server != "":
		common.LogInfo("host: %s is not stored, connecting to %s ad hoc", req.Name, req.Server)
		return nil, nil
	default:
		return nil, err
	}
}
