// Package openconnect implements vpn.Engine by driving the openconnect
// binary. Authentication runs `openconnect --authenticate` and answers its
// prompts through the session callbacks; the tunnel is a second process
// started with the resulting cookie. Commands from the session's command
// channel are relayed to the running process as signals.
package openconnect

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// DefaultBinary is the openconnect executable looked up on PATH.
const DefaultBinary = "openconnect"

// ConnectTimeout bounds each wait for the tunnel process to come up.
var ConnectTimeout = 60 * time.Second

// Engine drives one openconnect connection.
type Engine struct {
	binary string
	config *vpn.Config
	cb     vpn.Callbacks

	mu         sync.Mutex
	protocol   string
	reportedOS string
	noDTLS     bool
	url        string
	host       string
	port       int
	cookie     string
	connectURL string
	resolve    string
	peerHash   string
	serverCert string
	info       vpn.IPInfo
	dtlsCipher string
	cancelled  bool
	detached   bool

	// proc is the child currently running, for auth or tunnel.
	proc *exec.Cmd
	tun  *tunnel
}

// Factory returns a vpn.EngineFactory for the given binary.
func Factory(binary string) vpn.EngineFactory {
	return func(cfg *vpn.Config, cb vpn.Callbacks) (vpn.Engine, error) {
		return New(binary, cfg, cb)
	}
}

// New creates an engine. binary is resolved on PATH.
func New(binary string, cfg *vpn.Config, cb vpn.Callbacks) (*Engine, error) {
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", common.ErrEngine, binary, err)
	}
	if cfg == nil {
		if cfg, err = vpn.NewConfig(vpn.Config{}); err != nil {
			return nil, err
		}
	}
	return &Engine{
		binary:   path,
		config:   cfg,
		cb:       cb,
		protocol: vpn.DefaultProtocol,
	}, nil
}

func (e *Engine) SetProtocol(protocol string) error {
	p, ok := LookupProtocol(protocol)
	if !ok {
		return fmt.Errorf("%w: unsupported protocol %q", common.ErrConfig, protocol)
	}
	e.mu.Lock()
	e.protocol = p.Name
	e.mu.Unlock()
	return nil
}

// SetCommandChannel starts relaying commands from f to the child process.
// The relay stops when f is closed.
func (e *Engine) SetCommandChannel(f *os.File) error {
	if f == nil {
		return fmt.Errorf("%w: nil command channel", common.ErrEngine)
	}
	e.mu.Lock()
	e.cancelled = false
	e.detached = false
	e.mu.Unlock()
	go e.relay(f)
	return nil
}

func (e *Engine) relay(f *os.File) {
	buf := make([]byte, 1)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		if n == 1 {
			e.command(vpn.Command(buf[0]))
		}
	}
}

// command applies one channel command to the current child.
func (e *Engine) command(cmd vpn.Command) {
	var sig syscall.Signal
	e.mu.Lock()
	switch cmd {
	case vpn.CommandCancel:
		e.cancelled = true
		sig = syscall.SIGTERM
	case vpn.CommandDetach:
		e.detached = true
		sig = syscall.SIGHUP
	case vpn.CommandPause:
		sig = syscall.SIGUSR2
	case vpn.CommandStats:
		sig = syscall.SIGUSR1
	default:
		e.mu.Unlock()
		common.LogWarn("openconnect: ignoring unknown command %s", cmd)
		return
	}
	proc := e.proc
	e.mu.Unlock()

	if proc == nil || proc.Process == nil {
		return
	}
	common.LogDebug("openconnect: sending %v to pid %d for %s", sig, proc.Process.Pid, cmd)
	if err := proc.Process.Signal(sig); err != nil {
		common.LogDebug("openconnect: signal %v: %v", sig, err)
	}
}

func (e *Engine) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled || e.detached
}

func (e *Engine) SetReportedOS(name string) error {
	e.mu.Lock()
	e.reportedOS = name
	e.mu.Unlock()
	return nil
}

func (e *Engine) DisableDTLS() error {
	e.mu.Lock()
	e.noDTLS = true
	e.mu.Unlock()
	return nil
}

// ParseURL accepts host, host:port or a full https URL.
func (e *Engine) ParseURL(server string) error {
	raw := strings.TrimSpace(server)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("%w: invalid server URL %q", common.ErrConfig, server)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", common.ErrConfig, u.Scheme)
	}

	port := 443
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%w: invalid port in %q", common.ErrConfig, server)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.url = u.String()
	e.host = u.Hostname()
	e.port = port
	return nil
}

func (e *Engine) Hostname() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.host
}

func (e *Engine) Port() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

func (e *Engine) SetCookie(cookie string) error {
	if cookie == "" {
		return fmt.Errorf("%w: empty cookie", common.ErrConfig)
	}
	e.mu.Lock()
	e.cookie = cookie
	e.mu.Unlock()
	return nil
}

func (e *Engine) Cookie() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cookie
}

func (e *Engine) ClearCookie() {
	e.mu.Lock()
	e.cookie = ""
	e.connectURL = ""
	e.resolve = ""
	e.mu.Unlock()
}

// ResetSSL forgets the pinned certificate and the tunnel state.
func (e *Engine) ResetSSL() {
	e.mu.Lock()
	e.serverCert = ""
	e.peerHash = ""
	e.info = vpn.IPInfo{}
	e.dtlsCipher = ""
	e.mu.Unlock()
}

func (e *Engine) PeerCertHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerHash
}

// IPInfo returns the configuration parsed from the X-CSTP headers.
func (e *Engine) IPInfo() (*vpn.IPInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.info.Addr == "" && e.info.Addr6 == "" {
		return nil, fmt.Errorf("%w: no address assigned yet", common.ErrNotConnected)
	}
	info := e.info
	info.DNS = append([]string(nil), e.info.DNS...)
	info.NBNS = append([]string(nil), e.info.NBNS...)
	return &info, nil
}

// Free stops any child still running.
func (e *Engine) Free() {
	e.mu.Lock()
	proc := e.proc
	tun := e.tun
	e.mu.Unlock()

	if proc != nil && proc.Process != nil {
		proc.Process.Signal(syscall.SIGTERM)
	}
	if tun != nil {
		tun.stop(5 * time.Second)
	}
}

// baseArgs are the options shared by the auth and tunnel invocations.
func (e *Engine) baseArgs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := []string{"--protocol=" + e.protocol}
	if e.reportedOS != "" {
		args = append(args, "--os="+e.reportedOS)
	}
	if e.noDTLS {
		args = append(args, "--no-dtls")
	}
	if e.config.HTTPProxy != "" {
		args = append(args, "--proxy="+e.config.HTTPProxy)
	}
	if e.serverCert != "" {
		args = append(args, "--servercert="+e.serverCert)
	}
	if e.resolve != "" {
		args = append(args, "--resolve="+e.resolve)
	}
	return args
}

func (e *Engine) debug() bool {
	return e.config.LogLevel == common.LevelDebug
}

// gatewayAddr resolves the address the tunnel connects to.
func gatewayAddr(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
