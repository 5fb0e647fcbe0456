package vpn

import (
	"os"
	"sync"
	"syscall"
	"weak"

	"github.com/yllada/ocvpn/common"
)

// registry points at the session most recently connected in this process.
// It holds a weak reference: a signal never keeps a dropped session alive,
// and a collected session is simply ignored.
var registry struct {
	mu      sync.Mutex
	current weak.Pointer[Session]
}

func registerSession(s *Session) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.current = weak.Make(s)
}

func unregisterSession(s *Session) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.current.Value() == s {
		registry.current = weak.Pointer[Session]{}
	}
}

// CurrentSession returns the registered session, or nil.
func CurrentSession() *Session {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.current.Value()
}

// SignalCommand maps an OS signal to the engine command it requests.
func SignalCommand(sig os.Signal) (Command, bool) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return CommandCancel, true
	case syscall.SIGHUP:
		return CommandDetach, true
	case syscall.SIGUSR2:
		return CommandPause, true
	case syscall.SIGUSR1:
		return CommandStats, true
	}
	return 0, false
}

// DeliverSignal forwards sig to the current session, if there still is
// one. It reports whether a command was sent.
func DeliverSignal(sig os.Signal) bool {
	cmd, ok := SignalCommand(sig)
	if !ok {
		return false
	}
	s := CurrentSession()
	if s == nil {
		common.LogDebug("Signal %v ignored: no active session", sig)
		return false
	}
	if err := s.Send(cmd); err != nil {
		common.LogWarn("Forwarding %v as %s failed: %v", sig, cmd, err)
		return false
	}
	common.LogInfo("Forwarded %v to session %s as %s", sig, s.Name(), cmd)
	return true
}
