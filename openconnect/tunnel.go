package openconnect

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/ocvpn/common"
)

// tunnel is the long-running openconnect process.
type tunnel struct {
	cmd        *exec.Cmd
	script     string
	connected  chan struct{}
	configured chan struct{}
	exited     chan struct{}

	connectOnce   sync.Once
	configureOnce sync.Once

	mu        sync.Mutex
	lastError string
	waitErr   error
}

func (t *tunnel) markConnected() {
	t.connectOnce.Do(func() { close(t.connected) })
}

func (t *tunnel) markConfigured() {
	t.markConnected()
	t.configureOnce.Do(func() { close(t.configured) })
}

func (t *tunnel) failure() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastError != "" {
		return t.lastError
	}
	if t.waitErr != nil {
		return t.waitErr.Error()
	}
	return "openconnect exited"
}

// stop sends SIGTERM and kills the process if it outlives grace.
func (t *tunnel) stop(grace time.Duration) {
	select {
	case <-t.exited:
		return
	default:
	}
	t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.exited:
	case <-time.After(grace):
		common.LogWarn("openconnect: pid %d ignored SIGTERM, killing", t.cmd.Process.Pid)
		t.cmd.Process.Kill()
	}
}

// MakeCSTPConnection starts the tunnel process with the cookie on stdin
// and waits until the CSTP channel is up.
func (e *Engine) MakeCSTPConnection() error {
	if e.stopRequested() {
		return common.ErrCancelled
	}

	e.mu.Lock()
	cookie := e.cookie
	target := e.url
	if e.connectURL != "" {
		target = e.connectURL
	}
	running := e.tun != nil
	e.mu.Unlock()

	if cookie == "" {
		return fmt.Errorf("%w: no cookie", common.ErrEngine)
	}
	if running {
		return fmt.Errorf("%w: tunnel already running", common.ErrInvalidOperation)
	}

	args := append([]string{"--cookie-on-stdin", "--non-inter"}, e.baseArgs()...)
	args = append(args,
		"-v",
		"--reconnect-timeout="+strconv.Itoa(e.config.ReconnectTimeout),
	)
	if e.debug() {
		args = append(args, "-v")
	}
	if e.config.VpncScript != "" {
		args = append(args, "--script="+e.config.VpncScript)
	}
	args = append(args, target)

	cmd := exec.Command(e.binary, args...)
	cmd.Stdin = strings.NewReader(cookie + "\n")
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", common.ErrEngine, err)
	}
	cmd.Stderr = cmd.Stdout

	t := &tunnel{
		cmd:        cmd,
		script:     e.config.VpncScript,
		connected:  make(chan struct{}),
		configured: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	common.LogDebug("openconnect: %s %s", e.binary, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start openconnect: %v", common.ErrEngine, err)
	}
	common.LogInfo("openconnect: tunnel process started with PID %d", cmd.Process.Pid)

	e.mu.Lock()
	e.tun = t
	e.proc = cmd
	if e.info.GatewayAddr == "" {
		e.info.GatewayAddr = gatewayAddr(e.host)
	}
	e.mu.Unlock()

	go e.monitorOutput(t, out)

	return e.waitFor(t, t.connected, "CSTP connection")
}

// SetupTunDevice waits until the tunnel process has configured its
// device. The script is fixed when the process starts.
func (e *Engine) SetupTunDevice(vpncScript, ifname string) error {
	e.mu.Lock()
	t := e.tun
	e.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: no CSTP connection", common.ErrInvalidOperation)
	}
	if vpncScript != "" && vpncScript != t.script {
		common.LogWarn("openconnect: tunnel started with script %q, ignoring %q", t.script, vpncScript)
	}
	return e.waitFor(t, t.configured, "tunnel device")
}

func (e *Engine) waitFor(t *tunnel, ready <-chan struct{}, what string) error {
	timer := time.NewTimer(ConnectTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-t.exited:
		e.clearTunnel(t)
		if e.stopRequested() {
			return common.ErrCancelled
		}
		return fmt.Errorf("%w: %s: %s", common.ErrEngine, what, t.failure())
	case <-timer.C:
		t.stop(5 * time.Second)
		e.clearTunnel(t)
		return fmt.Errorf("%w: %s timed out after %v", common.ErrEngine, what, ConnectTimeout)
	}
}

func (e *Engine) clearTunnel(t *tunnel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tun == t {
		e.tun = nil
		e.proc = nil
	}
}

// MainLoop blocks until the tunnel process exits. The reconnect budget is
// handed to openconnect when the process starts.
func (e *Engine) MainLoop(reconnectTimeout, reconnectInterval int) error {
	e.mu.Lock()
	t := e.tun
	e.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: no tunnel running", common.ErrInvalidOperation)
	}

	<-t.exited
	e.clearTunnel(t)

	if e.stopRequested() {
		return common.ErrCancelled
	}
	return fmt.Errorf("openconnect exited: %s", t.failure())
}

// monitorOutput parses the tunnel process output until it exits.
func (e *Engine) monitorOutput(t *tunnel, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		e.handleLine(t, strings.TrimSpace(scanner.Text()))
	}

	err := t.cmd.Wait()
	t.mu.Lock()
	t.waitErr = err
	t.mu.Unlock()
	if err != nil {
		common.LogWarn("openconnect: process exited: %v", err)
	} else {
		common.LogInfo("openconnect: process exited")
	}
	close(t.exited)
}

func (e *Engine) handleLine(t *tunnel, line string) {
	if line == "" {
		return
	}
	common.LogDebug("openconnect: %s", line)

	e.mu.Lock()
	isHeader := applyCSTPHeader(&e.info, line)
	e.mu.Unlock()
	if isHeader {
		return
	}

	if cipher, ok := parseDTLSCipher(line); ok {
		e.mu.Lock()
		e.dtlsCipher = cipher
		e.mu.Unlock()
	}

	if stats, ok := parseStats(line); ok {
		e.mu.Lock()
		stats.DTLSCipher = e.dtlsCipher
		e.mu.Unlock()
		e.cb.ReportStats(stats)
		return
	}

	switch {
	case isTunnelConfigured(line):
		common.LogInfo("openconnect: %s", line)
		t.markConfigured()
	case isCSTPConnected(line):
		common.LogInfo("openconnect: %s", line)
		t.markConnected()
	case isFailureLine(line):
		t.mu.Lock()
		t.lastError = line
		t.mu.Unlock()
	}
}

func isFailureLine(line string) bool {
	lower := strings.ToLower(line)
	for _, word := range []string{"failed", "error", "refused", "rejected", "terminated"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
