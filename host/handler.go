package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/ipc"
	"github.com/yllada/ocvpn/vpn"
)

// serveConn answers requests on conn one at a time until it closes.
func (h *Host) serveConn(conn net.Conn) {
	defer conn.Close()
	common.LogDebug("host: client connected")

	for {
		var req ipc.Request
		if err := ipc.ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				common.LogWarn("host: dropping client: %v", err)
			}
			return
		}

		switch req.Command {
		case ipc.CmdStart, ipc.CmdStop, ipc.CmdInfo:
		default:
			common.LogWarn("host: dropping client: unknown command %q", req.Command)
			return
		}

		resp, exitAfter := h.dispatch(req)
		if err := ipc.WriteFrame(conn, resp); err != nil {
			common.LogWarn("host: reply to %s: %v", req.Command, err)
			return
		}
		if exitAfter {
			h.Shutdown()
		}
	}
}

// dispatch runs one request. exitAfter asks for shutdown once the reply
// has been written.
func (h *Host) dispatch(req ipc.Request) (resp ipc.Response, exitAfter bool) {
	common.LogDebug("host: %s request", req.Command)
	switch req.Command {
	case ipc.CmdStart:
		res := h.start(req)
		return ipc.NewStartResponse(res), !res.Success && h.opts.ExitOnFailure
	case ipc.CmdStop:
		res := h.stop()
		return ipc.NewStopResponse(res), res.Name != "" && h.opts.ExitOnStop
	default:
		return ipc.NewInfoResponse(h.info()), false
	}
}

// start supersedes any current session with a new one built from req and
// connects it. The reply is sent once the connect sequence has finished.
func (h *Host) start(req ipc.Request) ipc.StartResult {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	fail := func(name string, err error) ipc.StartResult {
		common.LogError("host: start %s: %v", name, err)
		return ipc.StartResult{Name: name, ErrMessage: err.Error()}
	}

	entry, err := h.resolve(req)
	if err != nil {
		return fail(req.Name, err)
	}

	var sess *vpn.Session
	opts := []vpn.Option{
		vpn.WithStatusCallback(func(st vpn.Status) { h.statusChanged(sess, st) }),
	}
	if h.opts.DisconnectGrace > 0 {
		opts = append(opts, vpn.WithDisconnectGrace(h.opts.DisconnectGrace))
	}
	sess, err = vpn.NewSession(h.opts.Engine, h.opts.Factory, opts...)
	if err != nil {
		return fail(entry.Name, err)
	}

	h.mu.Lock()
	old, oldWatchdog := h.session, h.watchdog
	h.session, h.pending, h.watchdog = sess, sess, nil
	h.mu.Unlock()

	if oldWatchdog != nil {
		oldWatchdog.Stop()
	}
	if old != nil {
		common.LogInfo("host: superseding session %s", old.Name())
		old.Release()
	}

	h.recordBegin(sess, entry)
	connectErr := sess.Connect(entry)

	h.mu.Lock()
	h.pending = nil
	current := h.session == sess
	if connectErr != nil && current {
		h.session = nil
	}
	h.mu.Unlock()

	if connectErr != nil {
		sess.Release()
		return fail(entry.Name, connectErr)
	}
	if !current {
		sess.Release()
		return fail(entry.Name, fmt.Errorf("%w: stopped while connecting", common.ErrCancelled))
	}

	h.startWatchdog(sess)
	go h.watchWorker(sess)
	return ipc.StartResult{Name: entry.Name, Success: true}
}

// stop disconnects and releases the current session, if any. A connected
// session stays in the slot until it is released, so a concurrent Info
// reports Disconnecting or Disconnected rather than an empty host.
func (h *Host) stop() ipc.StopResult {
	h.mu.Lock()
	sess := h.session
	pending := sess != nil && sess == h.pending
	wd := h.watchdog
	h.watchdog = nil
	if pending {
		h.session = nil
	}
	h.mu.Unlock()

	if sess == nil {
		return ipc.StopResult{}
	}
	if wd != nil {
		wd.Stop()
	}

	name := sess.Name()
	if pending {
		// Abort the running connect; start releases the session.
		if err := sess.Send(vpn.CommandCancel); err != nil {
			common.LogWarn("host: cancel %s: %v", name, err)
		}
		return ipc.StopResult{Name: name}
	}

	common.LogInfo("host: stopping session %s", name)
	sess.Release()

	h.mu.Lock()
	if h.session == sess {
		h.session = nil
	}
	h.mu.Unlock()
	return ipc.StopResult{Name: name}
}

// info snapshots the current session.
func (h *Host) info() ipc.InfoResult {
	h.mu.RLock()
	sess := h.session
	h.mu.RUnlock()

	if sess == nil {
		return ipc.InfoResult{Status: vpn.Initialized().String()}
	}
	res := ipc.InfoResult{
		ServerName: sess.Name(),
		ServerURL:  sess.Server(),
		Hostname:   sess.Hostname(),
		Status:     sess.Status().String(),
	}
	if info, err := sess.IPInfo(); err == nil {
		res.Info = info
	}
	return res
}

// watchWorker reacts to the tunnel loop of sess ending on its own.
func (h *Host) watchWorker(sess *vpn.Session) {
	done := sess.Done()
	if done == nil {
		return
	}
	<-done

	h.mu.RLock()
	current := h.session == sess
	h.mu.RUnlock()
	if !current {
		return
	}

	st := sess.Status()
	common.LogInfo("host: session %s ended: %s", sess.Name(), st)
	if st.Kind == vpn.StatusError && h.opts.ExitOnFailure {
		common.LogWarn("host: session failed, shutting down")
		h.Shutdown()
	}
}

func (h *Host) startWatchdog(sess *vpn.Session) {
	if h.opts.Watchdog == nil {
		return
	}
	wd := vpn.NewWatchdog(sess, *h.opts.Watchdog)
	wd.SetOnHealthChange(func(oldState, newState vpn.HealthState) {
		common.LogWarn("host: session %s health %s -> %s", sess.Name(), oldState, newState)
	})

	h.mu.Lock()
	if h.session != sess {
		h.mu.Unlock()
		return
	}
	h.watchdog = wd
	h.mu.Unlock()
	wd.Start()
}

// statusChanged fans a status change out to the log, history and
// notifier. It runs inside the session's transition and must not call
// back into the session's state-changing methods.
func (h *Host) statusChanged(sess *vpn.Session, st vpn.Status) {
	name := ""
	if sess != nil {
		name = sess.Name()
	}
	common.LogInfo("Session %s: %s", name, st)

	if h.opts.Notifier != nil {
		h.opts.Notifier.StatusChanged(name, st)
	}
	if h.opts.History == nil || sess == nil {
		return
	}
	switch st.Kind {
	case vpn.StatusDisconnected, vpn.StatusError:
		if err := h.opts.History.Finish(context.Background(), sess.ID(), st.Kind.String(), st.Reason, time.Now()); err != nil {
			common.LogWarn("host: history: %v", err)
		}
	}
}

func (h *Host) recordBegin(sess *vpn.Session, entry *vpn.Entrypoint) {
	if h.opts.History == nil {
		return
	}
	if err := h.opts.History.Begin(context.Background(), sess.ID(), entry.Name, entry.Server, time.Now()); err != nil {
		common.LogWarn("host: history: %v", err)
	}
}
