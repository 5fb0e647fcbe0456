package openconnect

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/vpn"
)

// fakeOpenconnect mimics the two openconnect invocations the engine makes.
const fakeOpenconnect = `#!/bin/sh
case "$*" in
*--authenticate*)
	printf 'POST https://vpn.example.com/\n' >&2
	printf 'Username:' >&2
	read user
	printf 'Password:' >&2
	read pass
	if [ "$user" != "alice" ] || [ "$pass" != "secret" ]; then
		echo "Login failed." >&2
		exit 1
	fi
	echo "COOKIE='webvpn=abc'\''def'"
	echo "HOST='192.0.2.10'"
	echo "CONNECT_URL='https://vpn.example.com/'"
	echo "FINGERPRINT='pin-sha256:AAAA'"
	;;
*--cookie-on-stdin*)
	read cookie
	if [ "$cookie" != "webvpn=abc'def" ]; then
		echo "Cookie was rejected by server" >&2
		exit 2
	fi
	trap 'echo "RX: 5 packets (500 B); TX: 3 packets (300 B)" >&2' USR1
	trap 'exit 0' TERM
	echo "Connected as 10.8.0.2, using SSL, with DTLS disabled"
	echo "X-CSTP-Address: 10.8.0.2"
	echo "X-CSTP-Netmask: 255.255.255.0"
	echo "X-CSTP-DNS: 10.8.0.1"
	echo "Configured as 10.8.0.2, with SSL connected and DTLS disabled"
	while :; do sleep 0.05; done
	;;
esac
`

type fakeCallbacks struct {
	mu       sync.Mutex
	username string
	password string
	forms    []*vpn.AuthForm
	stats    []vpn.Stats
	accept   bool
	reasons  []string
}

func (f *fakeCallbacks) ValidatePeerCertificate(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return f.accept
}

func (f *fakeCallbacks) ProcessAuthForm(form *vpn.AuthForm) vpn.FormResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = append(f.forms, form)
	for _, opt := range form.Options {
		switch opt.Type {
		case vpn.FieldText:
			opt.Value = f.username
		case vpn.FieldPassword:
			opt.Value = f.password
		}
	}
	return vpn.FormOK
}

func (f *fakeCallbacks) ReportStats(stats vpn.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stats)
}

func (f *fakeCallbacks) statsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stats)
}

func newFakeEngine(t *testing.T, cb vpn.Callbacks) *Engine {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	bin := filepath.Join(t.TempDir(), "openconnect")
	require.NoError(t, os.WriteFile(bin, []byte(fakeOpenconnect), 0o755))

	cfg, err := vpn.NewConfig(vpn.Config{VpncScript: "/bin/true"})
	require.NoError(t, err)
	e, err := New(bin, cfg, cb)
	require.NoError(t, err)
	t.Cleanup(e.Free)
	return e
}

func TestNew_MissingBinary(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil, &fakeCallbacks{})
	assert.ErrorIs(t, err, common.ErrEngine)
}

func TestEngine_ParseURL(t *testing.T) {
	tests := []struct {
		server  string
		host    string
		port    int
		wantErr bool
	}{
		{"vpn.example.com", "vpn.example.com", 443, false},
		{"vpn.example.com:8443", "vpn.example.com", 8443, false},
		{"https://vpn.example.com/group", "vpn.example.com", 443, false},
		{"http://vpn.example.com", "", 0, true},
		{"https://", "", 0, true},
		{"vpn.example.com:99999", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			e := &Engine{}
			err := e.ParseURL(tt.server)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, e.Hostname())
			assert.Equal(t, tt.port, e.Port())
		})
	}
}

func TestEngine_SetProtocol(t *testing.T) {
	e := &Engine{}
	require.NoError(t, e.SetProtocol("fortinet"))
	assert.Equal(t, "fortinet", e.protocol)
	assert.ErrorIs(t, e.SetProtocol("ipsec"), common.ErrConfig)
}

func TestEngine_BaseArgs(t *testing.T) {
	cfg, err := vpn.NewConfig(vpn.Config{HTTPProxy: "http://proxy:3128"})
	require.NoError(t, err)
	e := &Engine{config: cfg, protocol: "gp", reportedOS: "linux-64", noDTLS: true, serverCert: "pin-sha256:AAAA"}

	assert.Equal(t, []string{
		"--protocol=gp",
		"--os=linux-64",
		"--no-dtls",
		"--proxy=http://proxy:3128",
		"--servercert=pin-sha256:AAAA",
	}, e.baseArgs())
}

func TestEngine_FullConnection(t *testing.T) {
	cb := &fakeCallbacks{username: "alice", password: "secret"}
	e := newFakeEngine(t, cb)

	ch, err := vpn.OpenCommandChannel()
	require.NoError(t, err)
	defer ch.Close()
	require.NoError(t, e.SetCommandChannel(ch.EngineEnd()))

	require.NoError(t, e.ParseURL("vpn.example.com"))
	require.NoError(t, e.ObtainCookie())
	assert.Equal(t, "webvpn=abc'def", e.Cookie())
	assert.Equal(t, "pin-sha256:AAAA", e.PeerCertHash())
	require.Len(t, cb.forms, 2)
	assert.Equal(t, "username", cb.forms[0].Options[0].Name)
	assert.Equal(t, vpn.FieldPassword, cb.forms[1].Options[0].Type)

	require.NoError(t, e.MakeCSTPConnection())
	require.NoError(t, e.SetupTunDevice("/bin/true", ""))

	info, err := e.IPInfo()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", info.Addr)
	assert.Equal(t, "255.255.255.0", info.Netmask)
	assert.Equal(t, []string{"10.8.0.1"}, info.DNS)
	assert.Equal(t, "192.0.2.10", info.GatewayAddr)

	loopDone := make(chan error, 1)
	go func() { loopDone <- e.MainLoop(300, 10) }()

	require.NoError(t, ch.Send(vpn.CommandStats))
	require.Eventually(t, func() bool { return cb.statsCount() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, uint64(500), cb.stats[0].RxBytes)

	require.NoError(t, ch.Cancel())
	select {
	case err := <-loopDone:
		assert.ErrorIs(t, err, common.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("MainLoop did not return after cancel")
	}
}

func TestEngine_AuthenticationFailure(t *testing.T) {
	cb := &fakeCallbacks{username: "alice", password: "wrong"}
	e := newFakeEngine(t, cb)

	require.NoError(t, e.ParseURL("vpn.example.com"))
	err := e.ObtainCookie()
	assert.ErrorIs(t, err, common.ErrEngine)
	assert.Empty(t, e.Cookie())
}

func TestEngine_RejectedCookie(t *testing.T) {
	e := newFakeEngine(t, &fakeCallbacks{})

	require.NoError(t, e.ParseURL("192.0.2.10"))
	require.NoError(t, e.SetCookie("webvpn=stale"))
	err := e.MakeCSTPConnection()
	require.ErrorIs(t, err, common.ErrEngine)
	assert.Contains(t, err.Error(), "Cookie was rejected")
}

func TestEngine_MainLoopWithoutTunnel(t *testing.T) {
	e := &Engine{}
	assert.ErrorIs(t, e.MainLoop(300, 10), common.ErrInvalidOperation)
	assert.ErrorIs(t, e.SetupTunDevice("", ""), common.ErrInvalidOperation)

	_, err := e.IPInfo()
	assert.ErrorIs(t, err, common.ErrNotConnected)
}
