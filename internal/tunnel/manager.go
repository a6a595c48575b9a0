package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/die-net/sshforward/internal/forward"
	"github.com/die-net/sshforward/internal/keystore"
	"github.com/die-net/sshforward/internal/ssh"
	"github.com/die-net/sshforward/internal/store"
	"github.com/die-net/sshforward/internal/tunnelerr"
)

const probeTimeout = 2 * time.Second

// Options configures a Manager.
type Options struct {
	// Settings holds the config record. Required.
	Settings store.Settings
	// Keys provides the client key pair. Required.
	Keys *keystore.KeyStore

	// Dialer establishes sessions. Defaults to an SSH dialer built from the
	// host key and timeout options below.
	Dialer SessionDialer
	// Listen binds the loopback listener. Defaults to forward.Listen.
	Listen func(ctx context.Context, port int) (net.Listener, error)
	// LocalPort is the loopback port clients connect to. Defaults to 4096.
	LocalPort int

	HostKeyPolicy    ssh.HostKeyPolicy
	KnownHostsPath   string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        net.KeepAliveConfig

	Verbose bool
}

// Manager owns one tunnel: its config, its status and, while connected, its
// session and forwarder.
type Manager struct {
	settings  store.Settings
	keys      *keystore.KeyStore
	dialer    SessionDialer
	listen    func(ctx context.Context, port int) (net.Listener, error)
	localPort int
	verbose   bool

	// connMu serializes connection setup so two connects never hold the
	// local port at once.
	connMu sync.Mutex

	mu       sync.Mutex
	config   Config
	status   Status
	gen      uint64
	pending  context.CancelFunc
	active   *link
	watchers map[chan Status]struct{}
}

// link is the set of resources belonging to one connected generation.
type link struct {
	gen     uint64
	cancel  context.CancelFunc
	session Session
	fwd     *forward.Forwarder
	target  int
	done    chan struct{}
}

// close releases the link. When wait is set it also waits for the accept
// loop and every relay pair to exit.
func (l *link) close(wait bool) {
	if l == nil {
		return
	}
	l.cancel()
	_ = l.fwd.Close()
	_ = l.session.Close()
	if wait {
		<-l.done
	}
}

// NewManager returns a disconnected Manager with the config loaded from
// opts.Settings.
func NewManager(opts Options) (*Manager, error) {
	if opts.Settings == nil {
		return nil, errors.New("tunnel: settings required")
	}
	if opts.Keys == nil {
		return nil, errors.New("tunnel: key store required")
	}

	if opts.Dialer == nil {
		hostKeyCallback, err := ssh.NewHostKeyCallback(opts.HostKeyPolicy, opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("tunnel: %w", err)
		}
		opts.Dialer = &sshDialer{
			hostKeyCallback:  hostKeyCallback,
			dialTimeout:      opts.DialTimeout,
			handshakeTimeout: opts.HandshakeTimeout,
			keepAlive:        opts.KeepAlive,
		}
	}
	if opts.Listen == nil {
		ka := opts.KeepAlive
		opts.Listen = func(ctx context.Context, port int) (net.Listener, error) {
			return forward.Listen(ctx, port, ka)
		}
	}
	if opts.LocalPort == 0 {
		opts.LocalPort = DefaultLocalPort
	}

	cfg, err := LoadConfig(opts.Settings)
	if err != nil {
		log.Printf("tunnel: %v; using defaults", err)
	}

	return &Manager{
		settings:  opts.Settings,
		keys:      opts.Keys,
		dialer:    opts.Dialer,
		listen:    opts.Listen,
		localPort: opts.LocalPort,
		verbose:   opts.Verbose,
		config:    cfg,
		status:    Status{State: StateDisconnected},
		watchers:  make(map[chan Status]struct{}),
	}, nil
}

// Connect tears down any existing tunnel and establishes a new one from the
// current config. The outcome is always reflected in Status; the error is
// also returned for the caller's convenience.
//
// If a later Connect or Disconnect supersedes this one, Connect releases
// whatever it built and returns context.Canceled without touching Status.
// Canceling ctx aborts the attempt; it has no effect once Connect returns.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.pending != nil {
		m.pending()
		m.pending = nil
	}
	m.mu.Unlock()

	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return context.Canceled
	}
	old := m.active
	m.active = nil
	cfg := m.config
	m.mu.Unlock()

	old.close(true)

	if err := cfg.Validate(); err != nil {
		return m.fail(ctx, gen, err)
	}
	if _, err := m.keys.EnsureKeyPair(); err != nil {
		return m.fail(ctx, gen, err)
	}
	seed, err := m.keys.LoadPrivateKey()
	if err != nil {
		return m.fail(ctx, gen, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopCaller := context.AfterFunc(ctx, cancel)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		stopCaller()
		cancel()
		return context.Canceled
	}
	m.pending = cancel
	m.setStatusLocked(Status{State: StateConnecting})
	m.mu.Unlock()

	if m.verbose {
		log.Printf("tunnel: connecting to %s as %s", cfg.SSHAddr(), cfg.Username)
	}

	sess, err := m.dialer.DialSession(runCtx, cfg, seed)
	if err != nil {
		stopCaller()
		cancel()
		return m.fail(ctx, gen, err)
	}

	l, err := m.start(runCtx, gen, cfg, sess)
	if err != nil {
		stopCaller()
		cancel()
		_ = sess.Close()
		return m.fail(ctx, gen, err)
	}
	l.cancel = cancel

	callerCanceled := !stopCaller()

	m.mu.Lock()
	if m.gen != gen || callerCanceled {
		m.mu.Unlock()
		// Serve never ran, so there is nothing to wait for.
		l.close(false)
		if callerCanceled {
			return m.fail(ctx, gen, ctx.Err())
		}
		return context.Canceled
	}
	m.pending = nil
	m.active = l
	m.setStatusLocked(Status{State: StateConnected})
	m.mu.Unlock()

	go m.serve(runCtx, l)
	go m.watchSession(runCtx, l)

	if m.verbose {
		log.Printf("tunnel: forwarding %s to %s port %d", l.fwd.Addr(), cfg.SSHAddr(), cfg.RemotePort)
	}
	return nil
}

func (m *Manager) start(ctx context.Context, gen uint64, cfg Config, sess Session) (*link, error) {
	ln, err := m.listen(ctx, m.localPort)
	if err != nil {
		if tunnelerr.KindOf(err) == 0 {
			err = tunnelerr.New(tunnelerr.ListenerFailed, err.Error(), err)
		}
		return nil, err
	}

	fwd, err := forward.New(forward.Config{
		Listener:   ln,
		Opener:     sess,
		TargetHost: forward.LoopbackHost,
		TargetPort: cfg.RemotePort,
		OnChannelError: func(err error) {
			m.channelFailed(gen, err)
		},
		OnListenerError: func(err error) {
			m.sessionFailed(gen, err)
		},
		Verbose: m.verbose,
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	return &link{
		gen:     gen,
		session: sess,
		fwd:     fwd,
		target:  cfg.RemotePort,
		done:    make(chan struct{}),
	}, nil
}

func (m *Manager) serve(ctx context.Context, l *link) {
	defer close(l.done)
	_ = l.fwd.Serve(ctx)
}

func (m *Manager) watchSession(ctx context.Context, l *link) {
	select {
	case <-ctx.Done():
	case <-l.session.Done():
		cause := l.session.Err()
		if tunnelerr.KindOf(cause) == 0 {
			cause = tunnelerr.New(tunnelerr.ConnectionFailed, "ssh session closed", cause)
		}
		m.sessionFailed(l.gen, cause)
	}
}

// fail records err as the outcome of connect generation gen.
func (m *Manager) fail(ctx context.Context, gen uint64, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return context.Canceled
	}
	m.pending = nil
	if ctx.Err() != nil {
		m.setStatusLocked(Status{State: StateDisconnected})
		return ctx.Err()
	}

	m.setStatusLocked(connectFailureStatus(err))
	log.Printf("tunnel: connect: %s", tunnelerr.DebugMessage(err))
	return err
}

// sessionFailed tears down the live tunnel of generation gen after a
// listener or transport failure. It must not wait for the accept loop,
// which may be the caller.
func (m *Manager) sessionFailed(gen uint64, err error) {
	m.mu.Lock()
	l := m.active
	if l == nil || l.gen != gen {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.setStatusLocked(errorStatus(tunnelerr.UserMessage(err)))
	m.mu.Unlock()

	log.Printf("tunnel: %s", tunnelerr.DebugMessage(err))
	l.close(false)
}

// channelFailed records a failed channel open. The tunnel stays up; only a
// connected status is replaced.
func (m *Manager) channelFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.gen != gen || m.status.State != StateConnected {
		return
	}
	m.setStatusLocked(errorStatus(tunnelerr.UserMessage(err)))
}

// Disconnect cancels any connect in progress, closes the listener, every
// relay pair and the session, and sets StateDisconnected. It is safe to
// call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.pending != nil {
		m.pending()
		m.pending = nil
	}
	l := m.active
	m.active = nil
	m.setStatusLocked(Status{State: StateDisconnected})
	m.mu.Unlock()

	l.close(true)
}

// Config returns the current config.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetConfig replaces and persists the config. A live tunnel keeps its old
// settings until the next Connect.
func (m *Manager) SetConfig(cfg Config) error {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return SaveConfig(m.settings, cfg)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Watch returns a channel that receives the current status immediately and
// then every change. A slow reader may miss intermediate states but always
// receives the latest. Call the returned func to stop watching.
func (m *Manager) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	ch <- m.status
	m.mu.Unlock()

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}
	return ch, stop
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	if m.verbose {
		log.Printf("tunnel: status %s", s)
	}

	for ch := range m.watchers {
		select {
		case ch <- s:
		default:
			// Replace the stale value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// PublicKey returns the stored public key line without generating one.
func (m *Manager) PublicKey() (string, bool) {
	return m.keys.PublicKey()
}

// GenerateOrGetPublicKey returns the public key line, generating a key pair
// first if none exists.
func (m *Manager) GenerateOrGetPublicKey() (string, error) {
	return m.keys.EnsureKeyPair()
}

// RotateKey replaces the key pair. A live session keeps authenticating with
// the key it connected with.
func (m *Manager) RotateKey() (string, error) {
	return m.keys.RotateKey()
}

// LocalAddr returns the loopback address backend clients should use. While
// connected it is the bound listener's address.
func (m *Manager) LocalAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return m.active.fwd.Addr().String()
	}
	return net.JoinHostPort(forward.LoopbackHost, strconv.Itoa(m.localPort))
}

// Active reports whether a session and listener are currently held. It stays
// true after a single channel open fails.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Probe opens a channel to the remote target over the live session and
// reports how long the open took. It fails unless the tunnel is connected
// and the target accepts the connection. Status is left untouched.
func (m *Manager) Probe(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	st, l := m.status, m.active
	m.mu.Unlock()
	if st.State != StateConnected || l == nil {
		return 0, fmt.Errorf("tunnel is %s", st)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	ch, err := l.session.OpenDirectChannel(ctx, forward.LoopbackHost, l.target, nil)
	if err != nil {
		return 0, fmt.Errorf("probe remote port %d: %w", l.target, err)
	}
	elapsed := time.Since(start)
	_ = ch.Close()
	return elapsed, nil
}
