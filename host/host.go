// Package host implements the session host: the daemon that owns the one
// live VPN session and serves start, stop and info requests on a local
// domain socket.
//
// # Lifecycle
//
// Listen binds the control socket and refuses to touch a path that already
// exists. Serve then waits on the next connection and on termination
// signals at the same time; SIGINT, SIGTERM and SIGQUIT end the loop, other
// handled signals are forwarded to the session. Shutdown releases the
// session and removes the socket.
//
// # Requests
//
// Every connection is served by its own goroutine, one request at a time,
// so responses keep the order of requests on that connection. Connections
// are independent of each other and only meet at the session slot.
package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/storage"
	"github.com/yllada/ocvpn/vpn"
)

// socketMode lets the invoking user's group reach a root-owned socket.
const socketMode fs.FileMode = 0o660

// ProfileSource looks up stored server profiles.
type ProfileSource interface {
	Get(name string) (*storage.ServerProfile, error)
}

// History records sessions and supplies saved form answers.
type History interface {
	Begin(ctx context.Context, id, name, server string, at time.Time) error
	Finish(ctx context.Context, id, status, errMsg string, at time.Time) error
	Answers(ctx context.Context, profile string) (map[vpn.FormKey]string, error)
}

// StatusNotifier is told about every status change of the session.
type StatusNotifier interface {
	StatusChanged(name string, st vpn.Status)
}

// Options configures a Host. SocketPath, Engine and Factory are required.
type Options struct {
	SocketPath string
	Engine     *vpn.Config
	Factory    vpn.EngineFactory

	Profiles ProfileSource
	History  History
	Notifier StatusNotifier

	// Protocol is used for requests whose profile names none.
	Protocol string
	// Watchdog, when set, monitors every connected session.
	Watchdog *vpn.WatchdogConfig
	// ExitOnFailure shuts the host down when a start fails or the
	// session ends in error.
	ExitOnFailure bool
	// ExitOnStop shuts the host down after a stop that ended a session.
	ExitOnStop bool
	// DisconnectGrace overrides the session disconnect grace period.
	DisconnectGrace time.Duration
}

// Host owns the control socket and the session slot.
type Host struct {
	opts     Options
	listener *net.UnixListener

	mu       sync.RWMutex
	session  *vpn.Session
	pending  *vpn.Session
	watchdog *vpn.Watchdog

	// startMu serializes start requests across connections.
	startMu sync.Mutex

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Listen binds the control socket. It fails with common.ErrAddressInUse
// if anything exists at the path: a stale socket must be removed by the
// operator, never silently replaced.
func Listen(opts Options) (*Host, error) {
	if opts.SocketPath == "" {
		opts.SocketPath = common.DefaultSocketPath
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("%w: no engine factory", common.ErrConfig)
	}
	if opts.Engine == nil {
		cfg, err := vpn.NewConfig(vpn.Config{})
		if err != nil {
			return nil, err
		}
		opts.Engine = cfg
	}

	if _, err := os.Lstat(opts.SocketPath); err == nil {
		return nil, fmt.Errorf("%w: %s already exists; if no daemon is running, remove it and retry",
			common.ErrAddressInUse, opts.SocketPath)
	}

	addr := &net.UnixAddr{Name: opts.SocketPath, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s", common.ErrAddressInUse, opts.SocketPath)
		}
		return nil, fmt.Errorf("%w: listen on %s: %w", common.ErrIPC, opts.SocketPath, err)
	}
	if err := os.Chmod(opts.SocketPath, socketMode); err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: chmod %s: %w", common.ErrIPC, opts.SocketPath, err)
	}
	if err := common.ChownToInvoker(opts.SocketPath); err != nil {
		common.LogWarn("host: chown %s: %v", opts.SocketPath, err)
	}

	common.LogInfo("Session host listening on %s", opts.SocketPath)
	return &Host{
		opts:     opts,
		listener: l,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the socket path.
func (h *Host) Addr() string {
	return h.opts.SocketPath
}

// Shutdown asks Serve to return. Safe to call from any goroutine and more
// than once.
func (h *Host) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

// Done is closed once shutdown has been requested.
func (h *Host) Done() <-chan struct{} {
	return h.shutdown
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Serve runs the host until ctx is done, a termination signal arrives or
// Shutdown is called. It always cleans up before returning.
func (h *Host) Serve(ctx context.Context) error {
	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	accepted := make(chan acceptResult)
	go h.acceptLoop(accepted)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			common.LogInfo("Session host stopping: %v", ctx.Err())
			break loop
		case <-h.shutdown:
			common.LogInfo("Session host stopping on request")
			break loop
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				common.LogInfo("Session host stopping on %v", sig)
				break loop
			default:
				vpn.DeliverSignal(sig)
			}
		case res := <-accepted:
			if res.err != nil {
				serveErr = fmt.Errorf("%w: accept: %w", common.ErrIPC, res.err)
				common.LogError("Session host: %v", serveErr)
				break loop
			}
			h.track(res.conn)
		}
	}

	h.Shutdown()
	h.cleanup()
	return serveErr
}

// acceptLoop feeds accepted connections to Serve until the listener is
// closed.
func (h *Host) acceptLoop(out chan<- acceptResult) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case out <- acceptResult{err: err}:
			case <-h.shutdown:
			}
			return
		}
		select {
		case out <- acceptResult{conn: conn}:
		case <-h.shutdown:
			conn.Close()
			return
		}
	}
}

func (h *Host) track(conn net.Conn) {
	h.connMu.Lock()
	h.conns[conn] = struct{}{}
	h.connMu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serveConn(conn)

		h.connMu.Lock()
		delete(h.conns, conn)
		h.connMu.Unlock()
	}()
}

// cleanup stops accepting, ends the session, waits for connection
// handlers and removes the socket.
func (h *Host) cleanup() {
	h.listener.Close()

	h.mu.Lock()
	sess := h.session
	pending := sess != nil && sess == h.pending
	wd := h.watchdog
	h.session = nil
	h.watchdog = nil
	h.mu.Unlock()

	if wd != nil {
		wd.Stop()
	}
	if sess != nil {
		if pending {
			// The start handler releases it once connect returns.
			sess.Send(vpn.CommandCancel)
		} else {
			sess.Release()
		}
	}

	h.connMu.Lock()
	for conn := range h.conns {
		conn.Close()
	}
	h.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(common.ReleaseTimeout):
		common.LogWarn("Session host: connection handlers still running at exit")
	}

	if err := os.Remove(h.opts.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		common.LogWarn("Session host: remove %s: %v", h.opts.SocketPath, err)
	}
	common.LogInfo("Session host stopped")
}
