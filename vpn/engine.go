package vpn

import "os"

// Engine is the protocol engine driving one VPN connection. Its calls are
// synchronous and may block for a long time; the Session runs them on its
// own goroutines and never while holding its locks.
//
// Hostname, Port, PeerCertHash, Cookie and IPInfo may be called from any
// goroutine, including from inside a Callbacks method.
type Engine interface {
	SetProtocol(protocol string) error
	// SetCommandChannel hands the engine its end of the cancellation
	// channel. The engine reads one command byte at a time from it.
	SetCommandChannel(f *os.File) error
	SetReportedOS(name string) error
	DisableDTLS() error
	ParseURL(server string) error
	Hostname() string
	Port() int
	SetCookie(cookie string) error
	// ObtainCookie authenticates against the server. It may call
	// ValidatePeerCertificate and ProcessAuthForm on the same goroutine.
	ObtainCookie() error
	Cookie() string
	ClearCookie()
	ResetSSL()
	PeerCertHash() string
	MakeCSTPConnection() error
	SetupTunDevice(vpncScript, ifname string) error
	// MainLoop runs the tunnel until it stops. It returns nil when it
	// should simply be called again (after a pause), common.ErrCancelled
	// when stopped through the command channel, and any other error on
	// failure.
	MainLoop(reconnectTimeout, reconnectInterval int) error
	IPInfo() (*IPInfo, error)
	// Free releases the engine. It is called exactly once.
	Free()
}

// Callbacks is what the engine calls back into while it works.
// Session implements it.
type Callbacks interface {
	ValidatePeerCertificate(reason string) bool
	ProcessAuthForm(form *AuthForm) FormResult
	ReportStats(stats Stats)
}

// EngineFactory creates an engine bound to the given callbacks.
type EngineFactory func(cfg *Config, cb Callbacks) (Engine, error)

// FieldType is the kind of an authentication form field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldPassword
	FieldSelect
	FieldHidden
	FieldToken
)

// String returns the field type name.
func (f FieldType) String() string {
	switch f {
	case FieldText:
		return "text"
	case FieldPassword:
		return "password"
	case FieldSelect:
		return "select"
	case FieldHidden:
		return "hidden"
	case FieldToken:
		return "token"
	default:
		return "unknown"
	}
}

// FormOption is one field of an authentication form. The resolver writes
// its answer into Value.
type FormOption struct {
	Name    string
	Label   string
	Type    FieldType
	Choices []string
	Value   string
}

// AuthForm is one round of questions from the server.
type AuthForm struct {
	ID      string
	Banner  string
	Message string
	Error   string
	Options []*FormOption
}

// FormResult tells the engine whether to submit the form.
type FormResult int

const (
	FormOK FormResult = iota
	FormCancelled
)

// IPInfo is the tunnel configuration pushed by the server.
type IPInfo struct {
	Addr        string   `json:"addr,omitempty"`
	Netmask     string   `json:"netmask,omitempty"`
	Addr6       string   `json:"addr6,omitempty"`
	Netmask6    string   `json:"netmask6,omitempty"`
	DNS         []string `json:"dns,omitempty"`
	NBNS        []string `json:"nbns,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	ProxyPAC    string   `json:"proxy_pac,omitempty"`
	MTU         int      `json:"mtu,omitempty"`
	GatewayAddr string   `json:"gateway_addr,omitempty"`
}

// maxNameServers caps the DNS and NBNS lists.
const maxNameServers = 3

// AddDNS appends a DNS server, keeping at most three.
func (i *IPInfo) AddDNS(addr string) {
	if addr != "" && len(i.DNS) < maxNameServers {
		i.DNS = append(i.DNS, addr)
	}
}

// AddNBNS appends a NBNS server, keeping at most three.
func (i *IPInfo) AddNBNS(addr string) {
	if addr != "" && len(i.NBNS) < maxNameServers {
		i.NBNS = append(i.NBNS, addr)
	}
}

// Stats are traffic counters reported by the engine.
type Stats struct {
	TxPackets  uint64 `json:"tx_pkts"`
	TxBytes    uint64 `json:"tx_bytes"`
	RxPackets  uint64 `json:"rx_pkts"`
	RxBytes    uint64 `json:"rx_bytes"`
	DTLSCipher string `json:"dtls_cipher,omitempty"`
}
