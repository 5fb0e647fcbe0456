// Package notify shows desktop notifications for session status changes.
// It talks to org.freedesktop.Notifications on the session bus and falls
// back to notify-send when the bus is unreachable, which is common for a
// daemon running under sudo.
package notify

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	method     = busName + ".Notify"

	// expireDefault lets the server pick the timeout.
	expireDefault int32 = -1

	queueSize    = 16
	drainTimeout = 5 * time.Second
)

// Type represents the kind of a notification.
type Type int

const (
	Info Type = iota
	Success
	Warning
	Error
)

// Notification is one desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    Type
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case Success:
		return "network-vpn"
	case Warning:
		return "dialog-warning"
	case Error:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency follows the freedesktop levels: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case Error:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

func (n Notification) urgencyName() string {
	return [...]string{"low", "normal", "critical"}[n.urgency()]
}

// Notifier sends notifications, replacing the previous one so that a
// session's status changes stack into a single popup. StatusChanged only
// queues; a background goroutine talks to the bus.
type Notifier struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	lastID uint32
	send   func(n Notification, replaces uint32) (uint32, error)

	startOnce sync.Once
	closeOnce sync.Once
	queue     chan Notification
	quit      chan struct{}
	drained   chan struct{}
}

// New returns a notifier. The bus connection is made on first use.
func New() *Notifier {
	n := &Notifier{}
	n.send = n.sendBus
	return n
}

// Notify implements common.Notifier.
func (n *Notifier) Notify(title, message string) error {
	return n.Show(Notification{Title: title, Message: message})
}

// Show displays a notification.
func (n *Notifier) Show(note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.send(note, n.lastID)
	if err != nil {
		common.LogDebug("notify: bus unavailable (%v), using notify-send", err)
		return sendCommand(note)
	}
	n.lastID = id
	return nil
}

// Close delivers what is still queued, waiting at most drainTimeout, and
// drops the bus connection.
func (n *Notifier) Close() error {
	n.start()
	n.closeOnce.Do(func() { close(n.quit) })
	select {
	case <-n.drained:
	case <-time.After(drainTimeout):
		common.LogWarn("notify: queued notifications not delivered")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}

func (n *Notifier) sendBus(note Notification, replaces uint32) (uint32, error) {
	if n.conn == nil {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return 0, err
		}
		n.conn = conn
	}

	var id uint32
	err := n.conn.Object(busName, objectPath).
		Call(method, 0, notifyArgs(note, replaces)...).
		Store(&id)
	if err != nil {
		n.conn.Close()
		n.conn = nil
		return 0, err
	}
	return id, nil
}

// notifyArgs builds the Notify call arguments.
func notifyArgs(note Notification, replaces uint32) []interface{} {
	return []interface{}{
		common.AppName,
		replaces,
		note.icon(),
		note.Title,
		note.Message,
		[]string{},
		map[string]dbus.Variant{
			"urgency":  dbus.MakeVariant(note.urgency()),
			"category": dbus.MakeVariant("network"),
		},
		expireDefault,
	}
}

func sendCommand(note Notification) error {
	cmd := exec.Command("notify-send",
		"--app-name="+common.AppName,
		"--icon="+note.icon(),
		"--urgency="+note.urgencyName(),
		note.Title,
		note.Message,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	return nil
}

// ForStatus returns the notification for a status change of the named
// session. Only transitions a user cares about produce one.
func ForStatus(name string, st vpn.Status) (Notification, bool) {
	switch st.Kind {
	case vpn.StatusConnected:
		return Notification{
			Title:   "VPN Connected",
			Message: "Connected to " + name,
			Type:    Success,
		}, true
	case vpn.StatusDisconnected:
		return Notification{
			Title:   "VPN Disconnected",
			Message: "Disconnected from " + name,
			Type:    Info,
			Icon:    "network-vpn-disconnected",
		}, true
	case vpn.StatusError:
		return Notification{
			Title:   "Connection Error",
			Message: name + ": " + st.Reason,
			Type:    Error,
			Icon:    "network-vpn-error",
		}, true
	}
	return Notification{}, false
}

// StatusChanged queues the notification for st, if any. It never waits
// for the bus: it runs inside session transitions. A full queue drops the
// notification.
func (n *Notifier) StatusChanged(name string, st vpn.Status) {
	note, ok := ForStatus(name, st)
	if !ok {
		return
	}
	n.start()
	select {
	case <-n.quit:
		return
	default:
	}
	select {
	case n.queue <- note:
	default:
		common.LogDebug("notify: queue full, dropping %q", note.Title)
	}
}

func (n *Notifier) start() {
	n.startOnce.Do(func() {
		n.queue = make(chan Notification, queueSize)
		n.quit = make(chan struct{})
		n.drained = make(chan struct{})
		go n.deliver()
	})
}

func (n *Notifier) deliver() {
	defer close(n.drained)
	show := func(note Notification) {
		if err := n.Show(note); err != nil {
			common.LogDebug("notify: %v", err)
		}
	}
	for {
		select {
		case note := <-n.queue:
			show(note)
		case <-n.quit:
			for {
				select {
				case note := <-n.queue:
					show(note)
				default:
					return
				}
			}
		}
	}
}
