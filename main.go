// Package main provides the entry point for ocvpn, a command-line manager
// for OpenConnect VPN sessions.
//
// The binary has two roles. Invoked by a user it is a short-lived client:
// it reads the credential store, signs in where needed and talks to the
// session host. Invoked as "ocvpn serve" it is the session host itself,
// normally started detached and elevated by "ocvpn start".
//
// Usage:
//
//	ocvpn [--home DIR] [--verbose] <command>
//
// Environment:
//
//	The openconnect binary and a vpnc-script must be installed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yllada/ocvpn/cli"
	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/config"
	"github.com/yllada/ocvpn/daemon"
	"github.com/yllada/ocvpn/history"
	"github.com/yllada/ocvpn/host"
	"github.com/yllada/ocvpn/keyring"
	"github.com/yllada/ocvpn/notify"
	"github.com/yllada/ocvpn/openconnect"
	"github.com/yllada/ocvpn/storage"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	verbose bool
	homeDir string
)

// errSilent marks failures that were already reported.
var errSilent = errors.New("already reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	common.CloseLogger()
	if err != nil {
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "Manage OpenConnect VPN sessions",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if homeDir != "" {
				common.SetHomeDir(homeDir)
			}
			if cmd.Name() == daemon.ServeCommand {
				return nil
			}
			return initClientLogger()
		},
	}
	root.SetVersionTemplate(versionString())
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&homeDir, "home", "", "Configuration directory (default ~/.config/ocvpn)")

	root.AddCommand(
		startCommand(),
		clientCommand("stop", "Disconnect and stop the daemon", cobra.NoArgs,
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.Stop(cmd.Context())
			}),
		statusCommand(),
		clientCommand("list", "List stored profiles", cobra.NoArgs,
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.ListProfiles()
			}),
		addCommand(),
		clientCommand("delete NAME", "Delete a stored profile", cobra.ExactArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.DeleteProfile(args[0])
			}),
		clientCommand("default NAME", "Set the default profile", cobra.ExactArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.SetDefault(args[0])
			}),
		clientCommand("import BLOB", "Import a profile exported elsewhere", cobra.ExactArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.Import(args[0])
			}),
		clientCommand("export NAME", "Print a shareable form of a profile", cobra.ExactArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.Export(args[0])
			}),
		logsCommand(),
		historyCommand(),
		formCommand(),
		clientCommand("protocols", "List supported VPN protocols", cobra.NoArgs,
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.Protocols()
			}),
		serveCommand(),
	)
	return root
}

func versionString() string {
	v := fmt.Sprintf("ocvpn v%s\n", appVersion)
	if buildTime != "unknown" {
		v += fmt.Sprintf("  Build:  %s\n  Commit: %s\n", buildTime, commitSHA)
	}
	return v
}

// initClientLogger logs client commands to the shared file, and to the
// terminal only when verbose.
func initClientLogger() error {
	level := common.LevelInfo
	if verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:        level,
		EnableFile:   true,
		EnableStdout: verbose,
		MaxFileSize:  5 * 1024 * 1024, // 5MB
		MaxBackups:   5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	return nil
}

type clientRun func(cmd *cobra.Command, c *cli.CLI, args []string) error

// clientCommand builds a command that runs against a fresh CLI and
// reports failure the same way everywhere.
func clientCommand(use, short string, args cobra.PositionalArgs, run clientRun) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE:  withCLI(run),
	}
}

func withCLI(run clientRun) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := cli.New(cli.Options{Verbose: verbose})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return errSilent
		}
		if err := run(cmd, c, args); err != nil {
			common.LogError("%s: %v", cmd.Name(), err)
			c.Fail(err)
			return errSilent
		}
		return nil
	}
}

func startCommand() *cobra.Command {
	var opts cli.StartOptions
	cmd := clientCommand("start [NAME]", "Connect to a stored profile or a server", cobra.MaximumNArgs(1),
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			if len(args) == 1 {
				opts.Name = args[0]
			}
			return c.Start(cmd.Context(), opts)
		})
	cmd.Flags().StringVar(&opts.Server, "server", "", "Server to connect to (overrides the profile)")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "Accept an untrusted server certificate")
	return cmd
}

func statusCommand() *cobra.Command {
	var opts cli.StatusOptions
	cmd := clientCommand("status", "Show the current session", cobra.NoArgs,
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			return c.Status(cmd.Context(), opts)
		})
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "Keep watching for changes")
	cmd.Flags().BoolVar(&opts.Notify, "notify", false, "Show a desktop notification on every change (with --watch)")
	return cmd
}

func addCommand() *cobra.Command {
	var (
		username, issuer, clientID, clientSecret string
		insecure                                 bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Store a new profile",
	}

	password := clientCommand("password [NAME] [SERVER]", "Store a username/password profile", cobra.MaximumNArgs(2),
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			name, server := positional(args)
			return c.AddPassword(name, server, username, insecure)
		})
	password.Flags().StringVarP(&username, "user", "u", "", "Username")
	password.Flags().BoolVar(&insecure, "insecure", false, "Accept an untrusted server certificate")

	oidcCmd := clientCommand("oidc [NAME] [SERVER]", "Store a single sign-on profile", cobra.MaximumNArgs(2),
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			name, server := positional(args)
			return c.AddOIDC(name, server, issuer, clientID, clientSecret, insecure)
		})
	oidcCmd.Flags().StringVar(&issuer, "issuer", "", "OIDC issuer URL")
	oidcCmd.Flags().StringVar(&clientID, "client-id", "", "OIDC client id")
	oidcCmd.Flags().StringVar(&clientSecret, "client-secret", "", "OIDC client secret, if the client has one")
	oidcCmd.Flags().BoolVar(&insecure, "insecure", false, "Accept an untrusted server certificate")

	add.AddCommand(password, oidcCmd)
	return add
}

func positional(args []string) (name, server string) {
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		server = args[1]
	}
	return name, server
}

func logsCommand() *cobra.Command {
	var (
		lines  int
		follow bool
	)
	cmd := clientCommand("logs", "Show the log file", cobra.NoArgs,
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			return c.Logs(cmd.Context(), lines, follow)
		})
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}

func historyCommand() *cobra.Command {
	var limit int
	cmd := clientCommand("history", "Show recent sessions", cobra.NoArgs,
		func(cmd *cobra.Command, c *cli.CLI, args []string) error {
			return c.History(cmd.Context(), limit)
		})
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show")
	return cmd
}

func formCommand() *cobra.Command {
	form := &cobra.Command{
		Use:   "form",
		Short: "Manage saved answers to login form fields",
	}
	form.AddCommand(
		clientCommand("set PROFILE FORM FIELD VALUE", "Answer a hidden or select field automatically", cobra.ExactArgs(4),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.FormSet(cmd.Context(), args[0], args[1], args[2], args[3])
			}),
		clientCommand("list [PROFILE]", "List saved answers", cobra.MaximumNArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				profile, _ := positional(args)
				return c.FormList(cmd.Context(), profile)
			}),
		clientCommand("clear PROFILE", "Forget the saved answers of a profile", cobra.ExactArgs(1),
			func(cmd *cobra.Command, c *cli.CLI, args []string) error {
				return c.FormClear(cmd.Context(), args[0])
			}),
	)
	return form
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:    daemon.ServeCommand,
		Short:  "Run the session host (started by 'ocvpn start')",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runServe(cmd.Context()); err != nil {
				common.LogError("serve: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return errSilent
			}
			return nil
		},
	}
}

// runServe wires the session host to the user's configuration and runs
// it until stopped.
func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := common.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if verbose {
		level = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024,
		MaxBackups:  5,
	}); err != nil {
		return err
	}
	common.LogInfo("Starting %s v%s session host (pid %d)", common.AppName, appVersion, os.Getpid())

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	cipher, err := keyring.CipherFor(cfg.KeySource)
	if err != nil {
		return err
	}
	storePath, err := storage.DefaultPath()
	if err != nil {
		return err
	}
	store, err := storage.Open(storePath, cipher)
	if err != nil {
		return err
	}

	opts := host.Options{
		SocketPath:    cfg.SocketPath,
		Engine:        engineCfg,
		Factory:       openconnect.Factory(""),
		Profiles:      store,
		Protocol:      cfg.Protocol,
		ExitOnFailure: cfg.ExitOnFailure,
		ExitOnStop:    true,
	}

	historyPath, err := history.DefaultPath()
	if err != nil {
		return err
	}
	if hist, err := history.Open(historyPath); err != nil {
		common.LogWarn("Session history disabled: %v", err)
	} else {
		defer hist.Close()
		opts.History = hist
	}

	if cfg.Notifications {
		notifier := notify.New()
		defer notifier.Close()
		opts.Notifier = notifier
	}
	if cfg.Watchdog.Enabled {
		wd := cfg.WatchdogSettings()
		opts.Watchdog = &wd
	}

	h, err := host.Listen(opts)
	if err != nil {
		return err
	}
	return h.Serve(ctx)
}
