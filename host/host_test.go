package host

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/ocvpn/common"
	"github.com/yllada/ocvpn/ipc"
	"github.com/yllada/ocvpn/keyring"
	"github.com/yllada/ocvpn/storage"
	"github.com/yllada/ocvpn/vpn"
	"github.com/yllada/ocvpn/vpn/enginetest"
)

// engines hands out a fresh scripted engine per session.
type engines struct {
	mu        sync.Mutex
	list      []*enginetest.Engine
	configure func(*enginetest.Engine)
}

func (f *engines) factory(cfg *vpn.Config, cb vpn.Callbacks) (vpn.Engine, error) {
	e := enginetest.New()
	if f.configure != nil {
		f.configure(e)
	}
	f.mu.Lock()
	f.list = append(f.list, e)
	f.mu.Unlock()
	return e.Factory()(cfg, cb)
}

func (f *engines) get(i int) *enginetest.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list[i]
}

func (f *engines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

type historyCall struct {
	op, id, name, status string
}

type fakeHistory struct {
	mu      sync.Mutex
	calls   []historyCall
	answers map[vpn.FormKey]string
}

func (f *fakeHistory) Begin(_ context.Context, id, name, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, historyCall{op: "begin", id: id, name: name})
	return nil
}

func (f *fakeHistory) Finish(_ context.Context, id, status, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, historyCall{op: "finish", id: id, status: status})
	return nil
}

func (f *fakeHistory) Answers(context.Context, string) (map[vpn.FormKey]string, error) {
	return f.answers, nil
}

func (f *fakeHistory) snapshot() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyCall(nil), f.calls...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeNotifier) StatusChanged(_ string, st vpn.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st.String())
}

func (f *fakeNotifier) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func passwordForm() *vpn.AuthForm {
	return &vpn.AuthForm{
		ID: "main",
		Options: []*vpn.FormOption{
			{Name: "username", Type: vpn.FieldText},
			{Name: "password", Type: vpn.FieldPassword},
		},
	}
}

func newProfileStore(t *testing.T, profiles ...*storage.ServerProfile) *storage.Store {
	t.Helper()
	cipher, err := keyring.NewCipher([]byte("test-machine"))
	require.NoError(t, err)
	store, err := storage.Open(filepath.Join(t.TempDir(), common.StoreFileName), cipher)
	require.NoError(t, err)
	for _, p := range profiles {
		require.NoError(t, store.Upsert(p))
	}
	return store
}

type testHost struct {
	*Host
	engines  *engines
	history  *fakeHistory
	notifier *fakeNotifier
	served   chan error
}

func startHost(t *testing.T, profiles ProfileSource, mutate func(*Options)) *testHost {
	t.Helper()
	th := &testHost{
		engines:  &engines{},
		history:  &fakeHistory{},
		notifier: &fakeNotifier{},
		served:   make(chan error, 1),
	}
	opts := Options{
		SocketPath:      filepath.Join(t.TempDir(), "ocvpn.sock"),
		Factory:         th.engines.factory,
		Profiles:        profiles,
		History:         th.history,
		Notifier:        th.notifier,
		DisconnectGrace: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	h, err := Listen(opts)
	require.NoError(t, err)
	th.Host = h

	ctx, cancel := context.WithCancel(context.Background())
	go func() { th.served <- h.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-th.served:
		case <-time.After(15 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return th
}

func (th *testHost) dial(t *testing.T) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(context.Background(), th.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStart_StoredPasswordProfile(t *testing.T) {
	store := newProfileStore(t, storage.NewPasswordProfile("corp", "vpn.example.com", "alice", "hunter2", false))
	th := startHost(t, store, nil)
	th.engines.configure = func(e *enginetest.Engine) { e.Forms = []*vpn.AuthForm{passwordForm()} }
	c := th.dial(t)
	ctx := testContext(t)

	res, err := c.Start(ctx, "corp", "", false, "")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrMessage)
	assert.Equal(t, "corp", res.Name)

	assert.Equal(t, []string{
		"Connecting: " + vpn.StageInitializing,
		"Connecting: " + vpn.StagePipe,
		"Connecting: " + vpn.StageParseURL,
		"Connecting: " + vpn.StageCookiePrefix + "vpn.example.com",
		"Connecting: " + vpn.StageCSTP,
		"Connecting: " + vpn.StageTunnel,
		"Connected",
	}, th.notifier.snapshot())

	submitted := th.engines.get(0).Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "alice", submitted[0].Options[0].Value)
	assert.Equal(t, "hunter2", submitted[0].Options[1].Value)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Connected", info.Status)
	assert.Equal(t, "corp", info.ServerName)
	assert.Equal(t, "vpn.example.com", info.ServerURL)
	assert.Equal(t, "vpn.example.com", info.Hostname)
	require.NotNil(t, info.Info)
	assert.Equal(t, "10.8.0.2", info.Info.Addr)

	calls := th.history.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, "begin", calls[0].op)
	assert.Equal(t, "corp", calls[0].name)
}

func TestListen_ExistingEndpoint(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "stale.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: stale, Net: "unix"})
	require.NoError(t, err)
	l.SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	regular := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(regular, nil, 0o600))

	for _, path := range []string{stale, regular} {
		_, err := Listen(Options{SocketPath: path, Factory: (&engines{}).factory})
		require.ErrorIs(t, err, common.ErrAddressInUse)
		assert.Contains(t, err.Error(), "remove it")
		assert.FileExists(t, path)
	}
}

func TestListen_LiveEndpointUntouched(t *testing.T) {
	th := startHost(t, nil, nil)

	_, err := Listen(Options{SocketPath: th.Addr(), Factory: th.engines.factory})
	require.ErrorIs(t, err, common.ErrAddressInUse)

	info, err := th.dial(t).Info(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "Initialized", info.Status)
}

func TestConnection_ResponsesKeepRequestOrder(t *testing.T) {
	th := startHost(t, nil, func(o *Options) { o.DisconnectGrace = 300 * time.Millisecond })
	c := th.dial(t)
	ctx := testContext(t)

	res, err := c.Start(ctx, "lab", "lab.example.com", false, "webvpn=cookie")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrMessage)

	conn, err := net.Dial("unix", th.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, ipc.WriteFrame(conn, ipc.Request{Command: ipc.CmdInfo}))
	require.NoError(t, ipc.WriteFrame(conn, ipc.Request{Command: ipc.CmdStop}))

	var first, second ipc.Response
	require.NoError(t, ipc.ReadFrame(conn, &first))
	require.NoError(t, ipc.ReadFrame(conn, &second))

	assert.Equal(t, ipc.CmdInfo, first.Kind)
	assert.Equal(t, "Connected", first.Info.Status)
	assert.Equal(t, ipc.CmdStop, second.Kind)
	assert.Equal(t, "lab", second.Stop.Name)
}

func TestInfoAndStop_NoSession(t *testing.T) {
	th := startHost(t, nil, nil)
	c := th.dial(t)
	ctx := testContext(t)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, ipc.InfoResult{Status: "Initialized"}, *info)

	stop, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Empty(t, stop.Name)
}

func TestStop_ReleasesSession(t *testing.T) {
	th := startHost(t, nil, nil)
	c := th.dial(t)
	ctx := testContext(t)

	res, err := c.Start(ctx, "lab", "lab.example.com", false, "webvpn=cookie")
	require.NoError(t, err)
	require.True(t, res.Success)

	stop, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lab", stop.Name)

	e := th.engines.get(0)
	assert.Equal(t, 1, e.Freed())
	assert.False(t, e.Called("ObtainCookie"))

	statuses := th.notifier.snapshot()
	assert.Equal(t, []string{"Disconnecting", "Disconnected"}, statuses[len(statuses)-2:])

	calls := th.history.snapshot()
	last := calls[len(calls)-1]
	assert.Equal(t, historyCall{op: "finish", id: calls[0].id, status: "Disconnected"}, last)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Initialized", info.Status)
}

func TestStart_SupersedesSession(t *testing.T) {
	th := startHost(t, nil, nil)
	c := th.dial(t)
	ctx := testContext(t)

	_, err := c.Start(ctx, "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)
	res, err := c.Start(ctx, "corp", "vpn.example.com", false, "c2")
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Equal(t, 2, th.engines.count())
	assert.Equal(t, 1, th.engines.get(0).Freed())
	assert.Equal(t, 0, th.engines.get(1).Freed())

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "corp", info.ServerName)
	assert.Equal(t, "Connected", info.Status)
}

func TestStart_Failure(t *testing.T) {
	th := startHost(t, nil, nil)
	th.engines.configure = func(e *enginetest.Engine) {
		e.FailOn["MakeCSTPConnection"] = enginetest.ErrInjected
	}
	c := th.dial(t)
	ctx := testContext(t)

	res, err := c.Start(ctx, "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrMessage, "make CSTP connection")
	assert.Equal(t, 1, th.engines.get(0).Freed())

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Initialized", info.Status)

	calls := th.history.snapshot()
	assert.Equal(t, "finish", calls[len(calls)-1].op)
	assert.Equal(t, "Error", calls[len(calls)-1].status)

	select {
	case <-th.Done():
		t.Fatal("host shut down without exit_on_failure")
	default:
	}
}

func TestStart_FailureExitsHost(t *testing.T) {
	th := startHost(t, nil, func(o *Options) { o.ExitOnFailure = true })
	th.engines.configure = func(e *enginetest.Engine) {
		e.FailOn["ObtainCookie"] = enginetest.ErrInjected
	}
	c := th.dial(t)

	res, err := c.Start(testContext(t), "lab", "lab.example.com", false, "")
	require.NoError(t, err)
	assert.False(t, res.Success)

	select {
	case err := <-th.served:
		assert.NoError(t, err)
		th.served <- err
	case <-time.After(5 * time.Second):
		t.Fatal("host kept running after a failed start")
	}
	assert.NoFileExists(t, th.Addr())
}

func TestWorkerFailureExitsHost(t *testing.T) {
	th := startHost(t, nil, func(o *Options) { o.ExitOnFailure = true })
	th.engines.configure = func(e *enginetest.Engine) {
		e.LoopErr = enginetest.ErrInjected
		e.LoopDelay = 50 * time.Millisecond
	}

	res, err := th.dial(t).Start(testContext(t), "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)
	require.True(t, res.Success)

	select {
	case <-th.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host kept running after the session failed")
	}
}

func TestStop_ExitsHost(t *testing.T) {
	th := startHost(t, nil, func(o *Options) { o.ExitOnStop = true })
	c := th.dial(t)
	ctx := testContext(t)

	_, err := c.Stop(ctx)
	require.NoError(t, err)
	select {
	case <-th.Done():
		t.Fatal("stop without a session shut the host down")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = c.Start(ctx, "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)
	_, err = c.Stop(ctx)
	require.NoError(t, err)

	select {
	case <-th.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host kept running after stop")
	}
}

func TestStart_Resolution(t *testing.T) {
	store := newProfileStore(t,
		storage.NewPasswordProfile("corp", "vpn.example.com", "alice", "hunter2", true),
		storage.NewOIDCProfile("sso", "sso.example.com", "https://id.example.com", "ocvpn", "", false),
	)

	tests := []struct {
		name       string
		req        ipc.Request
		wantErr    error
		wantCookie string
		insecure   bool
		username   string
		password   string
	}{
		{
			name:     "password profile",
			req:      ipc.StartRequest("corp", "", false, ""),
			insecure: true,
			username: "alice",
			password: "hunter2",
		},
		{
			name:       "cookie wins over password",
			req:        ipc.StartRequest("corp", "", false, "webvpn=x"),
			wantCookie: "webvpn=x",
			insecure:   true,
			username:   "alice",
		},
		{
			name:    "oidc without cookie",
			req:     ipc.StartRequest("sso", "", false, ""),
			wantErr: common.ErrConfig,
		},
		{
			name:       "oidc with cookie",
			req:        ipc.StartRequest("sso", "", true, "webvpn=y"),
			wantCookie: "webvpn=y",
			insecure:   true,
		},
		{
			name:    "unknown name",
			req:     ipc.StartRequest("nope", "", false, ""),
			wantErr: common.ErrProfileNotFound,
		},
		{
			name: "ad hoc",
			req:  ipc.StartRequest("nope", "adhoc.example.com", false, ""),
		},
		{
			name:    "nothing to connect to",
			req:     ipc.StartRequest("", "", false, ""),
			wantErr: common.ErrConfig,
		},
	}

	h := &Host{opts: Options{Profiles: store, Protocol: "gp"}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := h.resolve(tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCookie, entry.Cookie)
			assert.Equal(t, tt.insecure, entry.AcceptInsecureCert)
			assert.Equal(t, tt.username, entry.Username)
			assert.Equal(t, tt.password, entry.Password)
			assert.Equal(t, "gp", entry.Protocol)
			assert.True(t, entry.EnableUDP)
		})
	}
}

func TestStart_SavedAnswers(t *testing.T) {
	th := startHost(t, nil, nil)
	group := vpn.FormKey{FormID: "main", OptionID: "group_list"}
	th.history.answers = map[vpn.FormKey]string{group: "Ops"}
	th.engines.configure = func(e *enginetest.Engine) {
		e.Forms = []*vpn.AuthForm{{
			ID:      "main",
			Options: []*vpn.FormOption{{Name: "group_list", Type: vpn.FieldSelect, Choices: []string{"Staff", "Ops"}}},
		}}
	}

	res, err := th.dial(t).Start(testContext(t), "lab", "lab.example.com", false, "")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrMessage)

	submitted := th.engines.get(0).Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "Ops", submitted[0].Options[0].Value)
}

func TestConcurrentClients(t *testing.T) {
	th := startHost(t, nil, nil)
	ctx := testContext(t)
	_, err := th.dial(t).Start(ctx, "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		c := th.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				info, err := c.Info(ctx)
				if assert.NoError(t, err) {
					assert.Equal(t, "lab", info.ServerName)
				}
			}
		}()
	}
	wg.Wait()
}

func TestServe_RemovesSocketOnShutdown(t *testing.T) {
	th := startHost(t, nil, nil)
	_, err := th.dial(t).Start(testContext(t), "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)

	th.Shutdown()
	select {
	case err := <-th.served:
		require.NoError(t, err)
		th.served <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	assert.NoFileExists(t, th.Addr())
	assert.Equal(t, 1, th.engines.get(0).Freed())
	assert.Equal(t, ipc.EndpointAbsent, ipc.ProbeEndpoint(th.Addr()))
}

func TestStop_InfoDuringDisconnectSeesSession(t *testing.T) {
	th := startHost(t, nil, func(o *Options) { o.DisconnectGrace = 500 * time.Millisecond })
	a, b := th.dial(t), th.dial(t)
	ctx := testContext(t)

	res, err := a.Start(ctx, "lab", "lab.example.com", false, "c1")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrMessage)

	stopped := make(chan *ipc.StopResult, 1)
	go func() {
		r, err := a.Stop(ctx)
		if err != nil {
			r = nil
		}
		stopped <- r
	}()

	var seen *ipc.InfoResult
	require.Eventually(t, func() bool {
		info, err := b.Info(ctx)
		if err != nil || info.Status == vpn.Connected().String() {
			return false
		}
		seen = info
		return true
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "lab", seen.ServerName)
	assert.Contains(t, []string{vpn.Disconnecting().String(), vpn.Disconnected().String()}, seen.Status)

	select {
	case r := <-stopped:
		require.NotNil(t, r)
		assert.Equal(t, "lab", r.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpn.Initialized().String(), info.Status)
	assert.Empty(t, info.ServerName)
	assert.Equal(t, 1, th.engines.get(0).Freed())
}

// startHeld starts lab on c in the background with an engine that waits
// in authentication, and returns once the engine is waiting.
func startHeld(t *testing.T, th *testHost, c *ipc.Client) (<-chan *ipc.StartResult, *enginetest.Engine) {
	t.Helper()
	th.engines.configure = func(e *enginetest.Engine) { e.HoldAuth = true }

	started := make(chan *ipc.StartResult, 1)
	go func() {
		r, err := c.Start(context.Background(), "lab", "lab.example.com", false, "")
		if err != nil {
			r = nil
		}
		started <- r
	}()

	require.Eventually(t, func() bool { return th.engines.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	eng := th.engines.get(0)
	select {
	case <-eng.AuthStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never reached authentication")
	}
	return started, eng
}

func TestStop_CancelsPendingStart(t *testing.T) {
	th := startHost(t, nil, nil)
	a, b := th.dial(t), th.dial(t)
	ctx := testContext(t)

	started, eng := startHeld(t, th, a)

	info, err := b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Connecting: "+vpn.StageCookiePrefix+"lab.example.com", info.Status)

	stop, err := b.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lab", stop.Name)

	var res *ipc.StartResult
	select {
	case res = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after stop")
	}
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrMessage, common.ErrCancelled.Error())
	assert.Equal(t, 1, eng.Freed())
	assert.False(t, eng.Called("MakeCSTPConnection"))

	info, err = b.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, vpn.Initialized().String(), info.Status)
	assert.Empty(t, info.ServerName)

	calls := th.history.snapshot()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, "finish", last.op)
	assert.Equal(t, vpn.StatusError.String(), last.status)
}

func TestShutdown_CancelsPendingStart(t *testing.T) {
	th := startHost(t, nil, nil)
	c := th.dial(t)

	_, eng := startHeld(t, th, c)
	th.Shutdown()

	select {
	case err := <-th.served:
		assert.NoError(t, err)
		th.served <- err
	case <-time.After(15 * time.Second):
		t.Fatal("host did not stop with a start in progress")
	}
	assert.Equal(t, 1, eng.Freed())
	assert.NoFileExists(t, th.Addr())
}
