package vpn

import (
	"os"
	"syscall"
	"testing"
	"weak"
)

func TestSignalCommand(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want Command
		ok   bool
	}{
		{syscall.SIGINT, CommandCancel, true},
		{syscall.SIGTERM, CommandCancel, true},
		{syscall.SIGHUP, CommandDetach, true},
		{syscall.SIGUSR2, CommandPause, true},
		{syscall.SIGUSR1, CommandStats, true},
		{syscall.SIGQUIT, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			got, ok := SignalCommand(tt.sig)
			if got != tt.want || ok != tt.ok {
				t.Errorf("SignalCommand(%v) = (%v, %v), want (%v, %v)", tt.sig, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDeliverSignal_NoSession(t *testing.T) {
	registry.mu.Lock()
	saved := registry.current
	registry.current = weak.Pointer[Session]{}
	registry.mu.Unlock()
	defer func() {
		registry.mu.Lock()
		registry.current = saved
		registry.mu.Unlock()
	}()

	if DeliverSignal(syscall.SIGUSR1) {
		t.Error("DeliverSignal() should report false without a session")
	}
	if DeliverSignal(syscall.SIGQUIT) {
		t.Error("DeliverSignal() should ignore unmapped signals")
	}
}

func TestDeliverSignal_ForwardsToSession(t *testing.T) {
	ch, err := OpenCommandChannel()
	if err != nil {
		t.Fatalf("OpenCommandChannel() error = %v", err)
	}
	defer ch.Close()

	s := &Session{status: Connected()}
	s.cmd.Store(ch)
	registerSession(s)
	defer unregisterSession(s)

	if !DeliverSignal(syscall.SIGUSR2) {
		t.Fatal("DeliverSignal() should forward to the registered session")
	}
	got, err := readCommand(t, ch)
	if err != nil || Command(got) != CommandPause {
		t.Errorf("read = (%q, %v), want pause", got, err)
	}

	if !DeliverSignal(syscall.SIGTERM) {
		t.Fatal("DeliverSignal(SIGTERM) should forward")
	}
	if !s.requested.Load() {
		t.Error("SIGTERM should mark the stop as requested")
	}
}
