// Package daemon starts the session host in the background and waits for
// it to come up.
//
// The host needs root to create the tunnel device. When the caller is not
// root, credentials are refreshed with "sudo -v" on the terminal first so
// the detached "sudo -n" that follows never prompts.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/ipc"
)

// ServeCommand is the hidden subcommand that runs the host.
const ServeCommand = "serve"

// pollInterval is how often WaitForEndpoint probes the socket.
const pollInterval = 100 * time.Millisecond

var geteuid = unix.Geteuid

// Options describes the daemon to launch.
type Options struct {
	// Executable defaults to the running binary.
	Executable string
	// Home is the invoking user's configuration directory.
	Home    string
	Verbose bool
}

// Process is a spawned daemon.
type Process struct {
	cmd    *exec.Cmd
	exited chan error
}

// Pid returns the process id of the spawned command.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited delivers the exit status if the daemon stops. A daemon that
// keeps running never sends.
func (p *Process) Exited() <-chan error {
	return p.exited
}

// Command builds the detached command line. It goes through sudo unless
// the caller is already root.
func Command(opts Options) (*exec.Cmd, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, common.WrapError(err, "failed to locate executable")
		}
	}

	args := []string{ServeCommand}
	if opts.Home != "" {
		args = append(args, "--home", opts.Home)
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}

	var cmd *exec.Cmd
	if geteuid() == 0 {
		cmd = exec.Command(exe, args...)
	} else {
		cmd = exec.Command("sudo", append([]string{"-n", "-E", exe}, args...)...)
	}
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}

// Authorize refreshes the sudo timestamp interactively. It does nothing
// when running as root.
func Authorize(ctx context.Context) error {
	if geteuid() == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: sudo authorization failed: %w", common.ErrPermissionDenied, err)
	}
	return nil
}

// Spawn authorizes if needed and starts the daemon detached from the
// terminal with its stdio on /dev/null.
func Spawn(ctx context.Context, opts Options) (*Process, error) {
	if err := Authorize(ctx); err != nil {
		return nil, err
	}
	cmd, err := Command(opts)
	if err != nil {
		return nil, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, common.WrapError(err, "failed to open "+os.DevNull)
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return nil, common.WrapError(err, "failed to start daemon")
	}
	common.LogInfo("Spawned daemon pid %d: %v", cmd.Process.Pid, cmd.Args)

	p := &Process{cmd: cmd, exited: make(chan error, 1)}
	go func() {
		p.exited <- cmd.Wait()
	}()
	return p, nil
}

// WaitForEndpoint polls path until a daemon accepts connections on it.
// It gives up after common.EndpointWaitTimeout, when ctx ends or when
// exited (which may be nil) reports that the daemon died.
func WaitForEndpoint(ctx context.Context, path string, exited <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, common.EndpointWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ipc.ProbeEndpoint(path) == ipc.EndpointLive {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: daemon did not open %s in time", common.ErrNoDaemon, path)
			}
			return ctx.Err()
		case err := <-exited:
			if err == nil {
				return fmt.Errorf("%w: daemon exited before opening %s", common.ErrNoDaemon, path)
			}
			return fmt.Errorf("%w: daemon exited before opening %s: %w", common.ErrNoDaemon, path, err)
		case <-ticker.C:
		}
	}
}
