package forward

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"

	"github.com/die-net/sshforward/internal/tunnelerr"
)

// ChannelOpener opens one remote channel per accepted local connection.
// It is satisfied by *ssh.Session.
type ChannelOpener interface {
	OpenDirectChannel(ctx context.Context, targetHost string, targetPort int, originator *net.TCPAddr) (net.Conn, error)
}

// Config configures a Forwarder.
type Config struct {
	// Listener is owned by the Forwarder once Serve is called. Required.
	Listener net.Listener
	// Opener opens the remote side of each relay pair. Required.
	Opener ChannelOpener
	// TargetHost is sent as the channel destination. Defaults to 127.0.0.1.
	TargetHost string
	// TargetPort is the destination port on the remote host. Required.
	TargetPort int
	// ChunkSize bounds each read. Defaults to DefaultChunkSize.
	ChunkSize int

	// OnChannelError is called when a channel cannot be opened for an
	// accepted connection. The local connection has already been closed.
	OnChannelError func(error)
	// OnListenerError is called once if the listener fails while serving.
	// All relay pairs are being torn down when it is called.
	OnListenerError func(error)

	Verbose bool
}

// Forwarder accepts loopback connections and relays each over its own
// remote channel.
type Forwarder struct {
	cfg        Config
	bufs       *bufferPool
	originator *net.TCPAddr

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	active map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New validates cfg and returns a Forwarder ready to Serve.
func New(cfg Config) (*Forwarder, error) {
	if cfg.Listener == nil {
		return nil, errors.New("forward: listener required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("forward: channel opener required")
	}
	if cfg.TargetPort <= 0 || cfg.TargetPort > 65535 {
		return nil, tunnelerr.New(tunnelerr.InvalidConfiguration, "remote port out of range", nil)
	}
	if cfg.TargetHost == "" {
		cfg.TargetHost = LoopbackHost
	}

	originator := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
	if addr, ok := cfg.Listener.Addr().(*net.TCPAddr); ok {
		originator.Port = addr.Port
	}

	return &Forwarder{
		cfg:        cfg,
		bufs:       poolFor(cfg.ChunkSize),
		originator: originator,
		active:     make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listener's address.
func (f *Forwarder) Addr() net.Addr {
	return f.cfg.Listener.Addr()
}

// Active reports the number of accepted connections that have not yet
// finished relaying.
func (f *Forwarder) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Serve accepts connections until ctx is canceled, Close is called or the
// listener fails. It returns nil on a requested stop and a
// tunnelerr.ListenerFailed error otherwise. Serve waits for every relay pair
// to finish before returning.
func (f *Forwarder) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil
	}
	f.cancel = cancel
	f.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = f.cfg.Listener.Close()
	})

	err := f.acceptLoop(ctx)

	stop()
	cancel()
	_ = f.cfg.Listener.Close()
	f.wg.Wait()

	if err != nil && f.cfg.OnListenerError != nil {
		f.cfg.OnListenerError(err)
	}
	return err
}

func (f *Forwarder) acceptLoop(ctx context.Context) error {
	for {
		conn, err := f.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || f.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if f.cfg.Verbose {
				log.Printf("forward: accept: %v", err)
			}
			return tunnelerr.New(tunnelerr.ListenerFailed, err.Error(), err)
		}

		if !f.track(conn) {
			_ = conn.Close()
			return nil
		}
		f.wg.Go(func() {
			defer f.untrack(conn)
			f.handle(ctx, conn)
		})
	}
}

func (f *Forwarder) handle(ctx context.Context, conn net.Conn) {
	ch, err := f.cfg.Opener.OpenDirectChannel(ctx, f.cfg.TargetHost, f.cfg.TargetPort, f.originator)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if f.cfg.Verbose {
			log.Printf("forward: open channel for %s: %v", conn.RemoteAddr(), err)
		}
		if f.cfg.OnChannelError != nil {
			f.cfg.OnChannelError(err)
		}
		return
	}

	if f.cfg.Verbose {
		log.Printf("forward: %s -> %s:%d", conn.RemoteAddr(), f.cfg.TargetHost, f.cfg.TargetPort)
	}
	if err := relay(ctx, conn, ch, f.bufs); err != nil && ctx.Err() == nil && f.cfg.Verbose {
		log.Printf("forward: relay %s: %v", conn.RemoteAddr(), err)
	}
}

// Close stops accepting and closes every active relay pair. It does not
// wait for Serve to return. Close is idempotent.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cancel := f.cancel
	conns := make([]net.Conn, 0, len(f.active))
	for c := range f.active {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := f.cfg.Listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (f *Forwarder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Forwarder) track(c net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.active[c] = struct{}{}
	return true
}

func (f *Forwarder) untrack(c net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, c)
}
