package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/daemon"
	"github.com/yllada/ocvpn/ipc"
	"github.com/yllada/ocvpn/notify"
	"github.com/yllada/ocvpn/storage"
	"github.com/yllada/ocvpn/vpn"
)

// statusPollInterval is how often status --watch asks the host.
const statusPollInterval = time.Second

// StartOptions are the arguments of the start command.
type StartOptions struct {
	Name     string
	Server   string
	Insecure bool
}

// Start launches the session host and asks it to connect. The host is
// always a fresh process: an existing endpoint is reported, never reused.
func (c *CLI) Start(ctx context.Context, opts StartOptions) error {
	socket := c.cfg.SocketPath
	switch ipc.ProbeEndpoint(socket) {
	case ipc.EndpointLive:
		return fmt.Errorf("%w: ocvpn is already running on %s; run 'ocvpn stop' first",
			common.ErrAlreadyConnected, socket)
	case ipc.EndpointStale:
		return fmt.Errorf("%w: %s exists but nothing answers on it; remove it and retry",
			common.ErrAddressInUse, socket)
	}

	profile, err := c.resolveProfile(opts)
	if err != nil {
		return err
	}

	req := ipc.StartRequest(opts.Name, opts.Server, opts.Insecure, "")
	if profile != nil {
		req.Name = profile.Name
		if profile.AuthType == storage.AuthOIDC {
			cookie, err := c.oidcCookie(ctx, profile, opts.Insecure)
			if err != nil {
				return err
			}
			req.Cookie = cookie
		}
	}

	exited, err := c.spawn(ctx)
	if err != nil {
		return err
	}
	if err := daemon.WaitForEndpoint(ctx, socket, exited); err != nil {
		return err
	}

	client, err := ipc.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer client.Close()

	label := req.Name
	if label == "" {
		label = req.Server
	}
	fmt.Fprintf(c.out, "Connecting to %s...\n", label)

	res, err := client.Do(ctx, req)
	if err != nil {
		return err
	}
	if !res.Start.Success {
		return fmt.Errorf("connection to %s failed: %s", res.Start.Name, res.Start.ErrMessage)
	}
	fmt.Fprintf(c.out, "%s Connected to %s\n", successStyle.Render("✓"), res.Start.Name)
	return nil
}

// resolveProfile finds the stored profile for opts. A name the store does
// not know is fine as long as a server is given; the host connects ad hoc.
func (c *CLI) resolveProfile(opts StartOptions) (*storage.ServerProfile, error) {
	store, err := c.openStore()
	if err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		if opts.Server != "" {
			return nil, nil
		}
		def, ok := store.DefaultName()
		if !ok {
			return nil, fmt.Errorf("%w: no profile given and no default profile set", common.ErrConfig)
		}
		name = def
	}

	p, err := store.Get(name)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, common.ErrProfileNotFound) && opts.Server != "":
		return nil, nil
	default:
		return nil, err
	}
}

// Stop asks the host to end its session.
func (c *CLI) Stop(ctx context.Context) error {
	client, err := ipc.Dial(ctx, c.cfg.SocketPath)
	if isNoDaemon(err) {
		fmt.Fprintln(c.out, "ocvpn is not running.")
		return nil
	}
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Stop(ctx)
	if err != nil {
		return err
	}
	if res.Name == "" {
		fmt.Fprintln(c.out, "No active session.")
		return nil
	}
	fmt.Fprintf(c.out, "%s Disconnected from %s\n", successStyle.Render("✓"), res.Name)
	return nil
}

// StatusOptions are the arguments of the status command.
type StatusOptions struct {
	// Watch keeps polling and prints every change.
	Watch bool
	// Notify raises a desktop notification on every change while watching.
	Notify bool
}

// Status prints the host's session.
func (c *CLI) Status(ctx context.Context, opts StatusOptions) error {
	client, err := ipc.Dial(ctx, c.cfg.SocketPath)
	if isNoDaemon(err) {
		fmt.Fprintln(c.out, "ocvpn is not running.")
		return nil
	}
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.Info(ctx)
	if err != nil {
		return err
	}
	c.printInfo(info)
	if !opts.Watch {
		return nil
	}

	var notifier common.Notifier
	if opts.Notify {
		notifier = c.notifier
		if notifier == nil {
			n := notify.New()
			defer n.Close()
			notifier = n
		}
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	last := info.Status
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := client.Info(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(c.out, warnStyle.Render("ocvpn stopped."))
			if notifier != nil {
				notifier.Notify("VPN", "ocvpn stopped")
			}
			return nil
		}
		if info.Status == last {
			continue
		}
		last = info.Status
		fmt.Fprintf(c.out, "%s %s\n", dimStyle.Render(time.Now().Format("15:04:05")), statusText(info.Status))
		if notifier != nil {
			notifier.Notify(info.ServerName, info.Status)
		}
	}
}

func (c *CLI) printInfo(info *ipc.InfoResult) {
	row := func(label, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(c.out, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label)), value)
	}

	row("Status:", statusText(info.Status))
	if info.ServerName == "" {
		return
	}
	row("Profile:", info.ServerName)
	row("Server:", info.ServerURL)
	row("Host:", info.Hostname)
	if info.Info == nil {
		return
	}
	row("Address:", joinAddr(info.Info.Addr, info.Info.Netmask))
	if info.Info.Addr6 != "" {
		row("IPv6:", joinAddr(info.Info.Addr6, info.Info.Netmask6))
	}
	row("DNS:", strings.Join(info.Info.DNS, ", "))
	row("Domain:", info.Info.Domain)
	if info.Info.MTU > 0 {
		row("MTU:", fmt.Sprint(info.Info.MTU))
	}
	row("Gateway:", info.Info.GatewayAddr)
}

func joinAddr(addr, mask string) string {
	if addr == "" || mask == "" {
		return addr
	}
	return addr + "/" + mask
}

// statusText colors a status string by its state.
func statusText(status string) string {
	switch {
	case status == vpn.StatusConnected.String():
		return successStyle.Render(status)
	case strings.HasPrefix(status, vpn.StatusError.String()):
		return errorStyle.Render(status)
	case strings.HasPrefix(status, vpn.StatusConnecting.String()), status == vpn.StatusDisconnecting.String():
		return warnStyle.Render(status)
	default:
		return status
	}
}
