// Package cli implements the ocvpn commands. Each command talks to the
// credential store in the user's process and to the session host over its
// control socket; only the host itself runs elevated.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/config"
	"github.com/yllada/ocvpn/daemon"
	"github.com/yllada/ocvpn/history"
	"github.com/yllada/ocvpn/keyring"
	"github.com/yllada/ocvpn/storage"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// SpawnFunc starts the session host and returns a channel that reports
// its exit.
type SpawnFunc func(ctx context.Context) (<-chan error, error)

// Options configures a CLI. Zero values select the real terminal and
// the real daemon.
type Options struct {
	In      io.Reader
	Out     io.Writer
	Err     io.Writer
	Config  *config.Config
	Verbose bool
	// Spawn overrides how start launches the host.
	Spawn SpawnFunc
	// Notifier receives status --notify changes. Defaults to D-Bus.
	Notifier common.Notifier
}

// CLI carries the terminal and configuration shared by every command.
type CLI struct {
	in      io.Reader
	reader  *bufio.Reader
	out     io.Writer
	errOut  io.Writer
	cfg     *config.Config
	verbose bool
	spawn   SpawnFunc

	notifier common.Notifier
}

// New creates a CLI, loading the configuration file when none is given.
func New(opts Options) (*CLI, error) {
	c := &CLI{
		in:      opts.In,
		out:     opts.Out,
		errOut:  opts.Err,
		cfg:     opts.Config,
		verbose: opts.Verbose,
		spawn:   opts.Spawn,

		notifier: opts.Notifier,
	}
	if c.in == nil {
		c.in = os.Stdin
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.errOut == nil {
		c.errOut = os.Stderr
	}
	if c.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		c.cfg = cfg
	}
	if c.spawn == nil {
		c.spawn = c.spawnDaemon
	}
	return c, nil
}

// Config returns the loaded configuration.
func (c *CLI) Config() *config.Config {
	return c.cfg
}

// Fail prints err the way every command reports failure.
func (c *CLI) Fail(err error) {
	fmt.Fprintln(c.errOut, errorStyle.Render("Error:")+" "+err.Error())
}

func (c *CLI) spawnDaemon(ctx context.Context) (<-chan error, error) {
	home, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	home, err = filepath.Abs(home)
	if err != nil {
		return nil, err
	}
	p, err := daemon.Spawn(ctx, daemon.Options{Home: home, Verbose: c.verbose})
	if err != nil {
		return nil, err
	}
	return p.Exited(), nil
}

func (c *CLI) openStore() (*storage.Store, error) {
	cipher, err := keyring.CipherFor(c.cfg.KeySource)
	if err != nil {
		return nil, err
	}
	path, err := storage.DefaultPath()
	if err != nil {
		return nil, err
	}
	return storage.Open(path, cipher)
}

func (c *CLI) openHistory() (*history.Store, error) {
	path, err := history.DefaultPath()
	if err != nil {
		return nil, err
	}
	return history.Open(path)
}

// interactive reports whether stdin is a terminal.
func (c *CLI) interactive() bool {
	f, ok := c.in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// outputIsTerminal reports whether stdout is a terminal.
func (c *CLI) outputIsTerminal() bool {
	f, ok := c.out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// isNoDaemon reports errors that only mean nothing is listening.
func isNoDaemon(err error) bool {
	return errors.Is(err, common.ErrNoDaemon)
}
