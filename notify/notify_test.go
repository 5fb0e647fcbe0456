package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/ocvpn/vpn"
)

func TestForStatus(t *testing.T) {
	tests := []struct {
		status  vpn.Status
		want    bool
		typ     Type
		message string
	}{
		{vpn.Connected(), true, Success, "Connected to corp"},
		{vpn.Disconnected(), true, Info, "Disconnected from corp"},
		{vpn.Errored("cookie rejected"), true, Error, "corp: cookie rejected"},
		{vpn.Connecting(vpn.StageCSTP), false, Info, ""},
		{vpn.Disconnecting(), false, Info, ""},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			note, ok := ForStatus("corp", tt.status)
			if ok != tt.want {
				t.Fatalf("ForStatus() ok = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if note.Type != tt.typ {
				t.Errorf("Type = %v, want %v", note.Type, tt.typ)
			}
			if note.Message != tt.message {
				t.Errorf("Message = %q, want %q", note.Message, tt.message)
			}
		})
	}
}

func TestNotifyArgs(t *testing.T) {
	args := notifyArgs(Notification{Title: "t", Message: "m", Type: Error}, 7)
	if len(args) != 8 {
		t.Fatalf("len(args) = %d, want 8", len(args))
	}
	if args[1] != uint32(7) {
		t.Errorf("replaces_id = %v, want 7", args[1])
	}
	if args[2] != "dialog-error" {
		t.Errorf("icon = %v, want dialog-error", args[2])
	}
	hints := args[6].(map[string]dbus.Variant)
	if got := hints["urgency"].Value(); got != byte(2) {
		t.Errorf("urgency = %v, want 2", got)
	}
	if args[7] != expireDefault {
		t.Errorf("expire = %v, want %v", args[7], expireDefault)
	}
}

func TestNotifier_ReplacesPrevious(t *testing.T) {
	var seen []uint32
	n := &Notifier{}
	n.send = func(_ Notification, replaces uint32) (uint32, error) {
		seen = append(seen, replaces)
		return 42, nil
	}

	n.StatusChanged("corp", vpn.Connected())
	n.StatusChanged("corp", vpn.Connecting(vpn.StageTunnel))
	if err := n.Notify("title", "body"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	want := []uint32{0, 42}
	if len(seen) != len(want) || seen[0] != want[0] || seen[1] != want[1] {
		t.Errorf("replaces ids = %v, want %v", seen, want)
	}
}

func TestNotification_Urgency(t *testing.T) {
	tests := []struct {
		typ  Type
		want string
	}{
		{Info, "low"},
		{Success, "low"},
		{Warning, "normal"},
		{Error, "critical"},
	}
	for _, tt := range tests {
		if got := (Notification{Type: tt.typ}).urgencyName(); got != tt.want {
			t.Errorf("urgencyName(%v) = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

var errNoBus = errors.New("no bus")

func TestNotifier_FallbackIsAttempted(t *testing.T) {
	calls := 0
	n := &Notifier{}
	n.send = func(Notification, uint32) (uint32, error) {
		calls++
		return 0, errNoBus
	}
	// notify-send may or may not exist here; only the bus attempt matters.
	_ = n.Notify("title", "body")
	if calls != 1 {
		t.Errorf("bus attempts = %d, want 1", calls)
	}
	if n.lastID != 0 {
		t.Errorf("lastID = %d, want 0", n.lastID)
	}
}

func TestNotifier_StatusChangedDoesNotWaitForBus(t *testing.T) {
	release := make(chan struct{})
	var titles []string
	n := &Notifier{}
	n.send = func(note Notification, _ uint32) (uint32, error) {
		<-release
		titles = append(titles, note.Title)
		return 1, nil
	}

	returned := make(chan struct{})
	go func() {
		n.StatusChanged("corp", vpn.Connected())
		n.StatusChanged("corp", vpn.Disconnected())
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("StatusChanged() blocked on a stalled bus")
	}

	close(release)
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := []string{"VPN Connected", "VPN Disconnected"}
	if len(titles) != len(want) || titles[0] != want[0] || titles[1] != want[1] {
		t.Errorf("delivered = %v, want %v", titles, want)
	}
}

func TestNotifier_StatusChangedAfterClose(t *testing.T) {
	calls := 0
	n := &Notifier{}
	n.send = func(Notification, uint32) (uint32, error) {
		calls++
		return 1, nil
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	n.StatusChanged("corp", vpn.Connected())
	if calls != 0 {
		t.Errorf("bus calls after Close = %d, want 0", calls)
	}
}
