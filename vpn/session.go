package vpn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yllada/ocvpn/common"
)

// Session wraps one engine handle and drives it through the connection
// lifecycle:
//
//	Initialized -> Connecting(stage) -> Connected -> Disconnecting -> Disconnected
//
// Error(reason) is reachable from any of them and a later Connect retries.
// The tunnel loop runs on a dedicated goroutine started by Connect.
type Session struct {
	id     string
	config *Config
	engine Engine
	forms  *FormResolver

	// mu guards the entrypoint, the accepted certificates and the
	// resolved hostname.
	mu         sync.RWMutex
	entrypoint *Entrypoint
	hostname   string
	accepted   []acceptedCert
	certPrompt CertPrompt

	// transitionMu serializes status changes, statusMu guards reads.
	transitionMu sync.Mutex
	statusMu     sync.RWMutex
	status       Status
	onStatus     func(Status)

	cmd       atomic.Pointer[CommandChannel]
	requested atomic.Bool

	stats       atomic.Pointer[Stats]
	lastStatsAt atomic.Int64
	onStats     func(Stats)

	workerMu sync.Mutex
	worker   chan struct{}

	releaseOnce sync.Once
	grace       time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithStatusCallback registers fn to run on every status change, before
// the new status is stored.
func WithStatusCallback(fn func(Status)) Option {
	return func(s *Session) { s.onStatus = fn }
}

// WithCertificatePrompt registers the interactive fallback for untrusted
// certificates.
func WithCertificatePrompt(fn CertPrompt) Option {
	return func(s *Session) { s.certPrompt = fn }
}

// WithStatsCallback registers fn to receive every stats report.
func WithStatsCallback(fn func(Stats)) Option {
	return func(s *Session) { s.onStats = fn }
}

// WithDisconnectGrace overrides how long Disconnect waits after Cancel.
func WithDisconnectGrace(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

// NewSession builds a session and its engine. The session is registered
// with the engine as its callbacks, so it must outlive the engine handle;
// Release frees the engine.
func NewSession(cfg *Config, factory EngineFactory, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: missing session config", common.ErrConfig)
	}

	s := &Session{
		id:     common.GenerateID(),
		config: cfg,
		forms:  NewFormResolver(),
		status: Initialized(),
		grace:  common.DisconnectGrace,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine, err := factory(cfg, s)
	if err != nil {
		return nil, common.KindError(common.ErrEngine, fmt.Errorf("create engine: %w", err))
	}
	s.engine = engine
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the last stored status. It may briefly lag the status
// passed to the callback.
func (s *Session) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Entrypoint returns the entrypoint of the current attempt, or nil.
func (s *Session) Entrypoint() *Entrypoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entrypoint
}

// Name returns the entrypoint name, or "" before the first connect.
func (s *Session) Name() string {
	if e := s.Entrypoint(); e != nil {
		return e.Name
	}
	return ""
}

// Server returns the entrypoint server, or "".
func (s *Session) Server() string {
	if e := s.Entrypoint(); e != nil {
		return e.Server
	}
	return ""
}

// Hostname returns the host resolved from the server URL.
func (s *Session) Hostname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostname
}

// IPInfo returns the tunnel configuration while connected.
func (s *Session) IPInfo() (*IPInfo, error) {
	if s.Status().Kind != StatusConnected {
		return nil, common.ErrNotConnected
	}
	return s.engine.IPInfo()
}

// Stats returns the most recent stats report, or nil.
func (s *Session) Stats() *Stats {
	return s.stats.Load()
}

// LastStatsAt returns when stats were last reported.
func (s *Session) LastStatsAt() time.Time {
	ns := s.lastStatsAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// setStatus runs the callback and then stores st.
func (s *Session) setStatus(st Status) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()
	s.applyStatusLocked(st)
}

func (s *Session) applyStatusLocked(st Status) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
	common.LogDebug("Session %s: %s", s.id, st)
}

// Connect runs the connection sequence for entry and, once connected,
// starts the tunnel loop on its own goroutine. A failing step moves the
// session to Error and returns; nothing is retried.
func (s *Session) Connect(entry *Entrypoint) error {
	if entry == nil {
		return fmt.Errorf("%w: missing entrypoint", common.ErrConfig)
	}
	if st := s.Status(); !st.CanConnect() {
		return fmt.Errorf("%w: session is %s", common.ErrAlreadyConnected, st)
	}
	if s.workerRunning() {
		return fmt.Errorf("%w: previous tunnel loop still running", common.ErrAlreadyConnected)
	}

	s.mu.Lock()
	s.entrypoint = entry
	s.hostname = ""
	s.mu.Unlock()
	s.requested.Store(false)
	registerSession(s)

	s.setStatus(Connecting(StageInitializing))
	s.forms.Reset(entry.FormAnswers)

	if err := s.engine.SetProtocol(entry.Protocol); err != nil {
		return s.fail("set protocol", err)
	}

	s.setStatus(Connecting(StagePipe))
	ch, err := OpenCommandChannel()
	if err != nil {
		return s.fail("open command channel", err)
	}
	if old := s.cmd.Swap(ch); old != nil {
		old.Close()
	}
	if err := s.engine.SetCommandChannel(ch.EngineEnd()); err != nil {
		return s.fail("attach command channel", err)
	}

	if err := s.engine.SetReportedOS(ReportedOS()); err != nil {
		return s.fail("set reported OS", err)
	}
	if !entry.EnableUDP {
		if err := s.engine.DisableDTLS(); err != nil {
			return s.fail("disable DTLS", err)
		}
	}

	s.setStatus(Connecting(StageParseURL))
	if err := s.engine.ParseURL(entry.Server); err != nil {
		return s.fail("parse URL", err)
	}
	host := s.engine.Hostname()
	s.mu.Lock()
	s.hostname = host
	s.mu.Unlock()

	s.setStatus(Connecting(StageCookiePrefix + host))
	if entry.Cookie != "" {
		if err := s.engine.SetCookie(entry.Cookie); err != nil {
			return s.fail("set cookie", err)
		}
	} else if err := s.engine.ObtainCookie(); err != nil {
		return s.fail("obtain cookie", err)
	}

	s.setStatus(Connecting(StageCSTP))
	if err := s.engine.MakeCSTPConnection(); err != nil {
		return s.fail("make CSTP connection", err)
	}

	s.setStatus(Connecting(StageTunnel))
	if err := s.engine.SetupTunDevice(s.config.VpncScript, ""); err != nil {
		return s.fail("set up tunnel device", err)
	}

	s.setStatus(Connected())
	common.LogInfo("Session %s connected to %s (%s)", entry.Name, host, entry.Protocol)
	s.startWorker()
	return nil
}

// fail tags err, drops the command channel and moves to Error.
func (s *Session) fail(step string, err error) error {
	err = fmt.Errorf("%s: %w", step, err)
	if !errors.Is(err, common.ErrAuthAborted) && !errors.Is(err, common.ErrCancelled) {
		err = common.KindError(common.ErrEngine, err)
	}
	if ch := s.cmd.Swap(nil); ch != nil {
		ch.Close()
	}
	common.LogError("Session %s: %v", s.Name(), err)
	s.setStatus(Errored(err.Error()))
	return err
}

func (s *Session) startWorker() {
	done := make(chan struct{})
	s.workerMu.Lock()
	s.worker = done
	s.workerMu.Unlock()
	go s.runLoop(done)
}

func (s *Session) workerRunning() bool {
	s.workerMu.Lock()
	done := s.worker
	s.workerMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the current tunnel loop exits, or
// nil if no loop was started.
func (s *Session) Done() <-chan struct{} {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.worker == nil {
		return nil
	}
	return s.worker
}

// runLoop calls the engine main loop until it returns an error, then
// settles the final status.
func (s *Session) runLoop(done chan struct{}) {
	defer close(done)

	var loopErr error
	for {
		if err := s.engine.MainLoop(s.config.ReconnectTimeout, s.config.ReconnectInterval); err != nil {
			loopErr = err
			break
		}
		common.LogDebug("Session %s: main loop returned, resuming", s.id)
	}

	if ch := s.cmd.Swap(nil); ch != nil {
		ch.Close()
	}
	if s.config.ResetOnDisconnect {
		s.engine.ResetSSL()
		s.engine.ClearCookie()
	}

	if s.requested.Load() || errors.Is(loopErr, common.ErrCancelled) {
		common.LogInfo("Session %s disconnected", s.Name())
		s.setStatus(Disconnected())
		return
	}

	err := common.KindError(common.ErrEngine, fmt.Errorf("main loop: %w", loopErr))
	common.LogError("Session %s: %v", s.Name(), err)
	s.setStatus(Errored(err.Error()))
}

// Disconnect stops a connected session. It is a no-op in any other state.
// It sends Cancel, waits a short grace period and returns; the worker
// reports Disconnected once the engine loop has exited.
func (s *Session) Disconnect() {
	s.transitionMu.Lock()
	if s.Status().Kind != StatusConnected {
		s.transitionMu.Unlock()
		return
	}
	s.requested.Store(true)
	s.applyStatusLocked(Disconnecting())
	s.transitionMu.Unlock()

	if err := s.cmd.Load().Cancel(); err != nil {
		common.LogWarn("Session %s: %v", s.Name(), err)
	}
	time.Sleep(s.grace)
}

// Send writes cmd to the engine. Cancel also marks the stop as requested.
// Sending without an open channel is a no-op.
func (s *Session) Send(cmd Command) error {
	if cmd == CommandCancel {
		s.requested.Store(true)
	}
	return s.cmd.Load().Send(cmd)
}

// Release disconnects, waits for the tunnel loop and frees the engine.
// Safe to call more than once.
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.Disconnect()

		if done := s.Done(); done != nil {
			select {
			case <-done:
			case <-time.After(common.ReleaseTimeout):
				common.LogError("Session %s: engine loop did not stop, leaking engine handle", s.id)
				unregisterSession(s)
				return
			}
		}

		if ch := s.cmd.Swap(nil); ch != nil {
			ch.Close()
		}
		s.engine.Free()
		unregisterSession(s)
		common.LogDebug("Session %s released", s.id)
	})
}

// ValidatePeerCertificate implements Callbacks.
func (s *Session) ValidatePeerCertificate(reason string) bool {
	return s.acceptCertificate(CertificateInfo{
		Fingerprint: s.engine.PeerCertHash(),
		Host:        s.engine.Hostname(),
		Port:        s.engine.Port(),
		Reason:      reason,
	})
}

// ProcessAuthForm implements Callbacks.
func (s *Session) ProcessAuthForm(form *AuthForm) FormResult {
	if form.Error != "" {
		common.LogWarn("Server rejected form %s: %s", form.ID, form.Error)
	}
	return s.forms.Process(form, s.Entrypoint())
}

// ReportStats implements Callbacks.
func (s *Session) ReportStats(stats Stats) {
	s.stats.Store(&stats)
	s.lastStatsAt.Store(time.Now().UnixNano())
	common.LogDebug("Session %s stats: rx %d B, tx %d B", s.id, stats.RxBytes, stats.TxBytes)
	if s.onStats != nil {
		s.onStats(stats)
	}
}
