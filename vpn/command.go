package vpn

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/yllada/ocvpn/common"
)

// Command is a single byte written to the engine's command channel.
type Command byte

const (
	CommandCancel Command = 'X'
	CommandDetach Command = 'D'
	CommandPause  Command = 'p'
	CommandStats  Command = 's'
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandCancel:
		return "cancel"
	case CommandDetach:
		return "detach"
	case CommandPause:
		return "pause"
	case CommandStats:
		return "stats"
	default:
		return fmt.Sprintf("command(%#x)", byte(c))
	}
}

// CommandChannel is a connected socket pair. The session keeps the write
// end; the engine reads commands from the other. Once Cancel has been
// sent the write end is gone and further sends are silent no-ops.
type CommandChannel struct {
	w         atomic.Pointer[os.File]
	fd        int
	engine    *os.File
	closeOnce sync.Once
}

// OpenCommandChannel creates a new channel.
func OpenCommandChannel() (*CommandChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %v", common.ErrEngine, err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		// Non-blocking descriptors go through the runtime poller, so
		// Close unblocks a pending Read on the engine side.
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("%w: set nonblock: %v", common.ErrEngine, err)
		}
	}

	ch := &CommandChannel{
		fd:     fds[0],
		engine: os.NewFile(uintptr(fds[1]), "ocvpn-cmd-engine"),
	}
	ch.w.Store(os.NewFile(uintptr(fds[0]), "ocvpn-cmd"))
	return ch, nil
}

// EngineEnd returns the descriptor handed to the engine.
func (c *CommandChannel) EngineEnd() *os.File {
	return c.engine
}

// FD returns the retained descriptor, or -1 once it has been invalidated.
func (c *CommandChannel) FD() int {
	if c == nil {
		return -1
	}
	if c.w.Load() == nil {
		return -1
	}
	return c.fd
}

// Send writes cmd. Sending on an invalidated channel does nothing.
func (c *CommandChannel) Send(cmd Command) error {
	if cmd == CommandCancel {
		return c.Cancel()
	}
	if c == nil {
		return nil
	}
	w := c.w.Load()
	if w == nil {
		return nil
	}
	if _, err := w.Write([]byte{byte(cmd)}); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return fmt.Errorf("%w: send %s: %v", common.ErrEngine, cmd, err)
	}
	return nil
}

// Cancel sends CommandCancel and invalidates the write end. Only the
// first call writes; later calls return nil.
func (c *CommandChannel) Cancel() error {
	if c == nil {
		return nil
	}
	w := c.w.Swap(nil)
	if w == nil {
		return nil
	}
	defer w.Close()
	if _, err := w.Write([]byte{byte(CommandCancel)}); err != nil {
		return fmt.Errorf("%w: send cancel: %v", common.ErrEngine, err)
	}
	return nil
}

// Close releases both ends.
func (c *CommandChannel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		if w := c.w.Swap(nil); w != nil {
			w.Close()
		}
		c.engine.Close()
	})
}
