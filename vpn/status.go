package vpn

// StatusKind enumerates the session states.
type StatusKind int

const (
	StatusInitialized StatusKind = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
	StatusError
)

// String returns the state name.
func (k StatusKind) String() string {
	switch k {
	case StatusInitialized:
		return "Initialized"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	case StatusDisconnected:
		return "Disconnected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Connect stages, in the order they are reported.
const (
	StageInitializing = "Initializing connection"
	StagePipe         = "Setting up system pipe"
	StageParseURL     = "Parsing URL"
	StageCookiePrefix = "Obtaining cookie from: "
	StageCSTP         = "Make CSTP connection"
	StageTunnel       = "Setting up tunnel device"
)

// Status is a state plus its payload: the stage while connecting, the
// reason after an error.
type Status struct {
	Kind   StatusKind
	Stage  string
	Reason string
}

func Initialized() Status { return Status{Kind: StatusInitialized} }
func Connecting(stage string) Status { return Status{Kind: StatusConnecting, Stage: stage} }
func Connected() Status { return Status{Kind: StatusConnected} }
func Disconnecting() Status { return Status{Kind: StatusDisconnecting} }
func Disconnected() Status { return Status{Kind: StatusDisconnected} }
func Errored(reason string) Status { return Status{Kind: StatusError, Reason: reason} }

// String renders the status the way it is reported over IPC.
func (s Status) String() string {
	switch s.Kind {
	case StatusConnecting:
		if s.Stage != "" {
			return "Connecting: " + s.Stage
		}
	case StatusError:
		if s.Reason != "" {
			return "Error: " + s.Reason
		}
	}
	return s.Kind.String()
}

// CanConnect reports whether connect may start from this state.
func (s Status) CanConnect() bool {
	switch s.Kind {
	case StatusInitialized, StatusDisconnected, StatusError:
		return true
	}
	return false
}
