package ipc

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"syscall"
	"time"
)

// EndpointState describes what is found at the control socket path.
type EndpointState int

const (
	// EndpointAbsent means nothing exists at the path.
	EndpointAbsent EndpointState = iota
	// EndpointStale means a file exists but nothing accepts connections.
	EndpointStale
	// EndpointLive means a host is accepting connections.
	EndpointLive
)

func (s EndpointState) String() string {
	switch s {
	case EndpointAbsent:
		return "absent"
	case EndpointStale:
		return "stale"
	case EndpointLive:
		return "live"
	default:
		return "unknown"
	}
}

// probeTimeout bounds the liveness dial.
const probeTimeout = 500 * time.Millisecond

// ProbeEndpoint reports whether a host is listening at path. A path that
// exists but is not a socket counts as stale. Errors other than absence
// are reported as stale so that the caller never overwrites the path.
func ProbeEndpoint(path string) EndpointState {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EndpointAbsent
		}
		return EndpointStale
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return EndpointStale
	}

	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		// A socket we may not connect to belongs to someone else's host.
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			return EndpointLive
		}
		return EndpointStale
	}
	conn.Close()
	return EndpointLive
}
