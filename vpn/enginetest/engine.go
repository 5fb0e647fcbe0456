// Package enginetest provides a scripted vpn.Engine for tests.
package enginetest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// ErrInjected is returned by calls listed in Engine.FailOn.
var ErrInjected = errors.New("injected failure")

// Engine records every call and replays scripted behavior. Fields are set
// before the engine is handed to a session.
type Engine struct {
	// FailOn makes the named method return its error.
	FailOn map[string]error
	// Forms are presented in order during ObtainCookie.
	Forms []*vpn.AuthForm
	// CertUntrusted makes ObtainCookie ask for certificate validation.
	CertUntrusted bool
	// IssuedCookie is stored once authentication succeeds.
	IssuedCookie string
	// LoopErr, when set, ends MainLoop with this error after LoopDelay.
	LoopErr   error
	LoopDelay time.Duration
	Info      vpn.IPInfo
	CertHash  string

	// LoopStarted is closed when MainLoop is first entered.
	LoopStarted chan struct{}
	// HoldAuth makes ObtainCookie block until Cancel arrives on the
	// command channel. AuthStarted is closed once it is waiting.
	HoldAuth    bool
	AuthStarted chan struct{}

	mu        sync.Mutex
	cb        vpn.Callbacks
	calls     []string
	cmd       *os.File
	host      string
	port      int
	cookie    string
	protocol  string
	dtlsOff   bool
	reported  string
	submitted []*vpn.AuthForm
	freed     int
	started   sync.Once
	authOnce  sync.Once
}

// New returns an engine that succeeds at every step.
func New() *Engine {
	return &Engine{
		FailOn:       map[string]error{},
		IssuedCookie: "webvpn=fake-cookie",
		CertHash:     "sha256:0123456789abcdef",
		LoopStarted:  make(chan struct{}),
		AuthStarted:  make(chan struct{}),
		Info: vpn.IPInfo{
			Addr:    "10.8.0.2",
			Netmask: "255.255.255.0",
			DNS:     []string{"10.8.0.1"},
			Domain:  "corp.example",
			MTU:     1406,
		},
	}
}

// Factory returns a vpn.EngineFactory that hands out e.
func (e *Engine) Factory() vpn.EngineFactory {
	return func(_ *vpn.Config, cb vpn.Callbacks) (vpn.Engine, error) {
		e.mu.Lock()
		e.cb = cb
		e.mu.Unlock()
		return e, nil
	}
}

func (e *Engine) record(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
	return e.FailOn[name]
}

// Calls returns the recorded method names in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Called reports whether name was recorded.
func (e *Engine) Called(name string) bool {
	return slices.Contains(e.Calls(), name)
}

// Freed returns how many times Free was called.
func (e *Engine) Freed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freed
}

// Submitted returns the forms ObtainCookie submitted.
func (e *Engine) Submitted() []*vpn.AuthForm {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.submitted)
}

// Protocol returns the protocol set on the engine.
func (e *Engine) Protocol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocol
}

// DTLSDisabled reports whether DisableDTLS was called.
func (e *Engine) DTLSDisabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dtlsOff
}

// ReportedOS returns the reported OS string.
func (e *Engine) ReportedOS() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reported
}

func (e *Engine) SetProtocol(protocol string) error {
	if err := e.record("SetProtocol"); err != nil {
		return err
	}
	e.mu.Lock()
	e.protocol = protocol
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetCommandChannel(f *os.File) error {
	if err := e.record("SetCommandChannel"); err != nil {
		return err
	}
	e.mu.Lock()
	e.cmd = f
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetReportedOS(name string) error {
	if err := e.record("SetReportedOS"); err != nil {
		return err
	}
	e.mu.Lock()
	e.reported = name
	e.mu.Unlock()
	return nil
}

func (e *Engine) DisableDTLS() error {
	if err := e.record("DisableDTLS"); err != nil {
		return err
	}
	e.mu.Lock()
	e.dtlsOff = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) ParseURL(server string) error {
	if err := e.record("ParseURL"); err != nil {
		return err
	}
	raw := server
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("parse %q: invalid URL", server)
	}
	e.mu.Lock()
	e.host = u.Hostname()
	e.port = 443
	if p, err := strconv.Atoi(u.Port()); err == nil {
		e.port = p
	}
	e.mu.Unlock()
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
	if err := e.record("SetCookie"); err != nil {
		return err
	}
	e.mu.Lock()
	e.cookie = cookie
	e.mu.Unlock()
	return nil
}

// ObtainCookie validates the certificate if configured, then submits every
// scripted form through the callbacks.
func (e *Engine) ObtainCookie() error {
	if err := e.record("ObtainCookie"); err != nil {
		return err
	}
	e.mu.Lock()
	cb := e.cb
	forms := e.Forms
	untrusted := e.CertUntrusted
	hold := e.HoldAuth
	cmd := e.cmd
	e.mu.Unlock()

	if hold {
		e.authOnce.Do(func() { close(e.AuthStarted) })
		return waitForCancel(cmd)
	}

	if untrusted && !cb.ValidatePeerCertificate("certificate signed by unknown authority") {
		return fmt.Errorf("%w: certificate rejected", common.ErrAuthAborted)
	}
	for _, form := range forms {
		if cb.ProcessAuthForm(form) == vpn.FormCancelled {
			return fmt.Errorf("%w: form %s cancelled", common.ErrAuthAborted, form.ID)
		}
		e.mu.Lock()
		e.submitted = append(e.submitted, form)
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.cookie = e.IssuedCookie
	e.mu.Unlock()
	return nil
}

func (e *Engine) Cookie() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cookie
}

func (e *Engine) ClearCookie() {
	e.record("ClearCookie")
	e.mu.Lock()
	e.cookie = ""
	e.mu.Unlock()
}

func (e *Engine) ResetSSL() {
	e.record("ResetSSL")
}

func (e *Engine) PeerCertHash() string {
	return e.CertHash
}

func (e *Engine) MakeCSTPConnection() error {
	return e.record("MakeCSTPConnection")
}

func (e *Engine) SetupTunDevice(vpncScript, ifname string) error {
	return e.record("SetupTunDevice")
}

// waitForCancel reads cmd until Cancel arrives or the channel closes.
func waitForCancel(cmd *os.File) error {
	buf := make([]byte, 1)
	for {
		n, err := cmd.Read(buf)
		if err != nil {
			return fmt.Errorf("%w: command channel: %v", common.ErrCancelled, err)
		}
		if n == 1 && vpn.Command(buf[0]) == vpn.CommandCancel {
			return common.ErrCancelled
		}
	}
}

// MainLoop reads commands from the channel until Cancel arrives. Stats
// reports the current counters; Pause returns nil so the session calls
// the loop again.
func (e *Engine) MainLoop(reconnectTimeout, reconnectInterval int) error {
	if err := e.record("MainLoop"); err != nil {
		return err
	}
	e.started.Do(func() { close(e.LoopStarted) })

	e.mu.Lock()
	cmd := e.cmd
	cb := e.cb
	loopErr := e.LoopErr
	delay := e.LoopDelay
	e.mu.Unlock()

	if loopErr != nil {
		time.Sleep(delay)
		return loopErr
	}

	buf := make([]byte, 1)
	for {
		n, err := cmd.Read(buf)
		if err != nil {
			return fmt.Errorf("%w: command channel: %v", common.ErrCancelled, err)
		}
		if n == 0 {
			continue
		}
		switch vpn.Command(buf[0]) {
		case vpn.CommandCancel:
			return common.ErrCancelled
		case vpn.CommandStats:
			cb.ReportStats(vpn.Stats{TxPackets: 10, TxBytes: 1000, RxPackets: 20, RxBytes: 2000})
		case vpn.CommandPause, vpn.CommandDetach:
			return nil
		}
	}
}

func (e *Engine) IPInfo() (*vpn.IPInfo, error) {
	if err := e.record("IPInfo"); err != nil {
		return nil, err
	}
	info := e.Info
	info.DNS = slices.Clone(e.Info.DNS)
	return &info, nil
}

func (e *Engine) Free() {
	e.record("Free")
	e.mu.Lock()
	e.freed++
	e.mu.Unlock()
}
