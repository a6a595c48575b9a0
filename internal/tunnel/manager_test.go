package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/die-net/sshforward/internal/forward"
	"github.com/die-net/sshforward/internal/keystore"
	"github.com/die-net/sshforward/internal/ssh"
	"github.com/die-net/sshforward/internal/store"
	"github.com/die-net/sshforward/internal/testutil"
	"github.com/die-net/sshforward/internal/tunnelerr"
)

type harness struct {
	mgr      *Manager
	keys     *keystore.KeyStore
	settings *store.MemorySettings
	srv      *ssh.Server
	echo     net.Listener
}

// anyPort ignores the configured local port so tests can run in parallel.
func anyPort(ctx context.Context, _ int) (net.Listener, error) {
	return forward.Listen(ctx, 0, net.KeepAliveConfig{})
}

func mustPort(t *testing.T, addr net.Addr) int {
	t.Helper()

	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// newHarness starts an SSH server that trusts authorized, plus an echo
// target, and a Manager configured to reach the echo target through it.
// A nil authorized trusts the Manager's own key.
func newHarness(ctx context.Context, t *testing.T, authorized gossh.PublicKey) *harness {
	t.Helper()

	settings := store.NewMemorySettings()
	keys := keystore.New(store.NewMemorySecretStore(), settings)
	if authorized == nil {
		if _, err := keys.EnsureKeyPair(); err != nil {
			t.Fatal(err)
		}
		signer, err := keys.Signer()
		if err != nil {
			t.Fatal(err)
		}
		authorized = signer.PublicKey()
	}

	hostKey, err := ssh.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	srv, err := ssh.NewServer(ctx, "127.0.0.1:0", ssh.ServerConfig{
		HostKeys:          []gossh.Signer{hostKey},
		PublicKeyCallback: ssh.PublicKeyAuth("user", []gossh.PublicKey{authorized}),
	})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() { _ = srv.Close() })

	echo := testutil.StartEchoTCPServer(ctx, t)

	mgr, err := NewManager(Options{
		Settings:         settings,
		Keys:             keys,
		Listen:           anyPort,
		DialTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Disconnect)

	err = mgr.SetConfig(Config{
		Enabled:    true,
		Host:       "127.0.0.1",
		SSHPort:    mustPort(t, srv.Addr()),
		Username:   "user",
		RemotePort: mustPort(t, echo.Addr()),
	})
	if err != nil {
		t.Fatal(err)
	}

	return &harness{mgr: mgr, keys: keys, settings: settings, srv: srv, echo: echo}
}

func waitState(t *testing.T, m *Manager, want State) Status {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		st := m.Status()
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", st, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialLocal(ctx context.Context, t *testing.T, addr string) net.Conn {
	t.Helper()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recordStates collects every status delivered to a watcher until stop is
// called.
func recordStates(m *Manager) func() []State {
	ch, cancel := m.Watch()
	var (
		mu     sync.Mutex
		states []State
		done   = make(chan struct{})
	)
	go func() {
		defer close(done)
		for st := range ch {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		}
	}()
	return func() []State {
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return states
	}
}

type countingDialer struct {
	calls atomic.Int32
	block bool
}

func (d *countingDialer) DialSession(ctx context.Context, _ Config, _ []byte) (Session, error) {
	d.calls.Add(1)
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, tunnelerr.New(tunnelerr.ConnectionFailed, "unreachable", nil)
}

func newFakeManager(t *testing.T, d SessionDialer) *Manager {
	t.Helper()

	settings := store.NewMemorySettings()
	m, err := NewManager(Options{
		Settings: settings,
		Keys:     keystore.New(store.NewMemorySecretStore(), settings),
		Dialer:   d,
		Listen:   anyPort,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	t.Parallel()

	settings := store.NewMemorySettings()
	keys := keystore.New(store.NewMemorySecretStore(), settings)

	if _, err := NewManager(Options{Keys: keys}); err == nil {
		t.Error("expected error without settings")
	}
	if _, err := NewManager(Options{Settings: settings}); err == nil {
		t.Error("expected error without keys")
	}
	if _, err := NewManager(Options{Settings: settings, Keys: keys, HostKeyPolicy: ssh.HostKeyTOFU}); err == nil {
		t.Error("expected error for tofu without known_hosts path")
	}

	m, err := NewManager(Options{Settings: settings, Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.LocalAddr(); got != "127.0.0.1:4096" {
		t.Errorf("LocalAddr() = %s, want 127.0.0.1:4096", got)
	}
	if got := m.Status(); got.State != StateDisconnected {
		t.Errorf("initial status = %s", got)
	}
}

func TestConnectInvalidConfig(t *testing.T) {
	t.Parallel()

	d := &countingDialer{}
	m := newFakeManager(t, d)
	stop := recordStates(m)

	err := m.Connect(context.Background())
	if !errors.Is(err, tunnelerr.ErrInvalidConfiguration) {
		t.Fatalf("Connect() = %v, want InvalidConfiguration", err)
	}
	st := m.Status()
	if want := errorStatus("invalid configuration"); st != want {
		t.Fatalf("status = %s, want %s", st, want)
	}
	if !strings.Contains(err.Error(), "missing host") {
		t.Errorf("returned error lost its reason: %v", err)
	}
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("dialer called %d times", n)
	}

	for _, s := range stop() {
		if s == StateConnecting {
			t.Fatal("invalid config passed through connecting")
		}
	}
}

func TestDisconnectWhenDisconnected(t *testing.T) {
	t.Parallel()

	m := newFakeManager(t, &countingDialer{})
	ch, cancel := m.Watch()
	defer cancel()

	if st := <-ch; st.State != StateDisconnected {
		t.Fatalf("initial status = %s", st)
	}

	m.Disconnect()
	m.Disconnect()

	select {
	case st := <-ch:
		t.Fatalf("unexpected status change to %s", st)
	case <-time.After(50 * time.Millisecond):
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("status = %s", st)
	}
}

func TestConnectDialFailure(t *testing.T) {
	t.Parallel()

	d := &countingDialer{}
	m := newFakeManager(t, d)
	if err := m.SetConfig(Config{Host: "h", Username: "u", SSHPort: 22, RemotePort: 18080}); err != nil {
		t.Fatal(err)
	}

	err := m.Connect(context.Background())
	if !errors.Is(err, tunnelerr.ErrConnectionFailed) {
		t.Fatalf("Connect() = %v, want ConnectionFailed", err)
	}
	if st := m.Status(); st.State != StateError || !strings.Contains(st.Message, "unreachable") {
		t.Fatalf("status = %s", st)
	}
	// A key pair is generated on demand.
	if _, ok := m.PublicKey(); !ok {
		t.Fatal("expected key pair to be generated by Connect")
	}
}

func TestConnectSupersededByDisconnect(t *testing.T) {
	t.Parallel()

	m := newFakeManager(t, &countingDialer{block: true})
	if err := m.SetConfig(Config{Host: "h", Username: "u", SSHPort: 22, RemotePort: 18080}); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- m.Connect(context.Background())
	}()
	waitState(t, m, StateConnecting)

	m.Disconnect()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Connect() = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("status = %s", st)
	}
}

func TestConnectCallerCanceled(t *testing.T) {
	t.Parallel()

	m := newFakeManager(t, &countingDialer{block: true})
	if err := m.SetConfig(Config{Host: "h", Username: "u", SSHPort: 22, RemotePort: 18080}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- m.Connect(ctx)
	}()
	waitState(t, m, StateConnecting)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() = %v, want context.Canceled", err)
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("status = %s", st)
	}
}

func TestConnectEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	stop := recordStates(h.mgr)

	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := h.mgr.Status(); st.State != StateConnected {
		t.Fatalf("status = %s", st)
	}

	addr := h.mgr.LocalAddr()
	c := dialLocal(ctx, t, addr)
	testutil.AssertEcho(t, c, c, []byte("through the tunnel"))

	if _, err := h.mgr.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	h.mgr.Disconnect()
	if st := h.mgr.Status(); st.State != StateDisconnected {
		t.Fatalf("status after Disconnect = %s", st)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected relay closed by Disconnect, got %v", err)
	}
	var d net.Dialer
	if c2, err := d.DialContext(ctx, "tcp", addr); err == nil {
		_ = c2.Close()
		t.Fatal("listener still accepting after Disconnect")
	}
	if _, err := h.mgr.Probe(ctx); err == nil {
		t.Fatal("Probe succeeded while disconnected")
	}

	states := stop()
	if len(states) == 0 || states[len(states)-1] != StateDisconnected {
		t.Fatalf("observed states %v, want last to be disconnected", states)
	}
}

func TestConnectReplacesLiveTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := dialLocal(ctx, t, h.mgr.LocalAddr())
	testutil.AssertEcho(t, first, first, []byte("one"))

	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := first.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("old relay not torn down: %v", err)
	}

	second := dialLocal(ctx, t, h.mgr.LocalAddr())
	testutil.AssertEcho(t, second, second, []byte("two"))
}

func TestConcurrentConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 4)
	)
	for i := range errs {
		wg.Go(func() {
			errs[i] = h.mgr.Connect(ctx)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if st := h.mgr.Status(); st.State != StateConnected {
		t.Fatalf("status = %s", st)
	}

	c := dialLocal(ctx, t, h.mgr.LocalAddr())
	testutil.AssertEcho(t, c, c, []byte("single tunnel"))
}

func TestConnectAuthenticationFailed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	other, err := ssh.GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(ctx, t, other.PublicKey())

	err = h.mgr.Connect(ctx)
	if !errors.Is(err, tunnelerr.ErrAuthenticationFailed) {
		t.Fatalf("Connect() = %v, want AuthenticationFailed", err)
	}
	st := h.mgr.Status()
	if st.State != StateError || !strings.Contains(st.Message, "authorized_keys") {
		t.Fatalf("status = %s", st)
	}
}

func TestSessionLossSetsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	addr := h.mgr.LocalAddr()

	h.srv.DropConnections()

	st := waitState(t, h.mgr, StateError)
	if !strings.Contains(st.Message, "connection failed") {
		t.Errorf("status = %s", st)
	}

	// The tunnel is torn down, not just flagged.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			break
		}
		_ = c.Close()
		if time.Now().After(deadline) {
			t.Fatal("listener still accepting after session loss")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelOpenFailureSetsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	cfg := h.mgr.Config()
	_, closedPort, _ := net.SplitHostPort(testutil.ClosedPort(t))
	cfg.RemotePort, _ = strconv.Atoi(closedPort)
	if err := h.mgr.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c := dialLocal(ctx, t, h.mgr.LocalAddr())
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected local socket closed, got %v", err)
	}

	st := waitState(t, h.mgr, StateError)
	if !strings.Contains(st.Message, "tunnel failed") {
		t.Errorf("status = %s", st)
	}
	if !h.mgr.Active() {
		t.Fatal("channel failure tore down the tunnel")
	}
}

// forgetfulSecrets accepts writes but never finds anything.
type forgetfulSecrets struct{}

func (forgetfulSecrets) Save(string, []byte) error { return nil }
func (forgetfulSecrets) Load(string) ([]byte, error) {
	return nil, store.ErrNotFound
}
func (forgetfulSecrets) Delete(string) error { return nil }

func TestConnectMissingKey(t *testing.T) {
	t.Parallel()

	d := &countingDialer{}
	settings := store.NewMemorySettings()
	m, err := NewManager(Options{
		Settings: settings,
		Keys:     keystore.New(forgetfulSecrets{}, settings),
		Dialer:   d,
		Listen:   anyPort,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Disconnect)
	if err := m.SetConfig(Config{Enabled: true, Host: "127.0.0.1", SSHPort: 22, Username: "user", RemotePort: DefaultRemotePort}); err != nil {
		t.Fatal(err)
	}

	err = m.Connect(context.Background())
	if !errors.Is(err, tunnelerr.ErrKeyNotFound) {
		t.Fatalf("Connect() = %v, want KeyNotFound", err)
	}
	if want := errorStatus("no key"); m.Status() != want {
		t.Fatalf("status = %s, want %s", m.Status(), want)
	}
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("dialer called %d times", n)
	}
}

func TestProbeChecksRemoteTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	cfg := h.mgr.Config()
	_, closedPort, _ := net.SplitHostPort(testutil.ClosedPort(t))
	cfg.RemotePort, _ = strconv.Atoi(closedPort)
	if err := h.mgr.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := h.mgr.Probe(ctx); !errors.Is(err, tunnelerr.ErrTunnelFailed) {
		t.Fatalf("Probe() = %v, want TunnelFailed for a dead remote port", err)
	}
	if st := h.mgr.Status(); st.State != StateConnected {
		t.Fatalf("status after Probe = %s", st)
	}
}

// gatedListener fails Accept once fail is closed.
type gatedListener struct {
	net.Listener
	fail   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (l *gatedListener) Accept() (net.Conn, error) {
	select {
	case <-l.fail:
		return nil, errors.New("listener revoked")
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *gatedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.Listener.Close()
}

func TestListenerFailureSetsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := newHarness(ctx, t, nil)
	gl := make(chan *gatedListener, 1)
	h.mgr.listen = func(ctx context.Context, port int) (net.Listener, error) {
		ln, err := anyPort(ctx, port)
		if err != nil {
			return nil, err
		}
		l := &gatedListener{Listener: ln, fail: make(chan struct{}), closed: make(chan struct{})}
		gl <- l
		return l, nil
	}

	if err := h.mgr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	close((<-gl).fail)

	st := waitState(t, h.mgr, StateError)
	if !strings.Contains(st.Message, "listener failed") {
		t.Errorf("status = %s", st)
	}
}

func TestKeyAccessors(t *testing.T) {
	t.Parallel()

	m := newFakeManager(t, &countingDialer{})
	if _, ok := m.PublicKey(); ok {
		t.Fatal("unexpected key before generation")
	}

	line, err := m.GenerateOrGetPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "ssh-ed25519 ") || !strings.HasSuffix(line, " opencode-ios") {
		t.Fatalf("unexpected key line %q", line)
	}
	again, err := m.GenerateOrGetPublicKey()
	if err != nil {
		t.Fatal(err)
	}
	if again != line {
		t.Fatal("GenerateOrGetPublicKey not idempotent")
	}

	rotated, err := m.RotateKey()
	if err != nil {
		t.Fatal(err)
	}
	if rotated == line {
		t.Fatal("RotateKey returned the old key")
	}
	if got, _ := m.PublicKey(); got != rotated {
		t.Fatalf("PublicKey() = %q, want rotated key", got)
	}
}

func TestWatchDeliversLatest(t *testing.T) {
	t.Parallel()

	m := newFakeManager(t, &countingDialer{})
	ch, cancel := m.Watch()

	// Nobody reads while several transitions happen.
	_ = m.Connect(context.Background())
	m.Disconnect()

	var last Status
	for {
		select {
		case st := <-ch:
			last = st
			continue
		default:
		}
		break
	}
	if last.State != StateDisconnected {
		t.Fatalf("latest delivered status = %s, want disconnected", last)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after cancel")
	}
}
