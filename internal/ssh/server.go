package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Server is an SSH server that supports TCP tunneling via direct-tcpip channels.
//
// This is the server side of SSH local port forwarding: clients open
// "direct-tcpip" channels and the server dials the requested destination and
// proxies data bidirectionally.
type Server struct {
	config   *ssh.ServerConfig
	listener net.Listener
	dialer   ContextDialer
	onOpen   func(DirectTCPIPRequest)

	mu       sync.Mutex
	closed   bool
	conns    map[*ssh.ServerConn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ContextDialer dials outbound connections for direct-tcpip channels.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// PublicKeyCallback authenticates users by public key. Required.
	PublicKeyCallback func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// OnDirectTCPIP, if set, is called for every well-formed channel request
	// before it is dialed.
	OnDirectTCPIP func(DirectTCPIPRequest)
}

// DirectTCPIPRequest is the payload of a direct-tcpip channel open (RFC 4254
// section 7.2).
type DirectTCPIPRequest struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// NewServer creates a new SSH tunnel server listening on the given address.
func NewServer(ctx context.Context, addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PublicKeyCallback == nil {
		return nil, errors.New("ssh server: public key callback required")
	}

	sshConfig := &ssh.ServerConfig{
		PublicKeyCallback: cfg.PublicKeyCallback,
	}

	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	s := &Server{
		config:   sshConfig,
		listener: ln,
		dialer:   dialer,
		onOpen:   cfg.OnDirectTCPIP,
		conns:    make(map[*ssh.ServerConn]struct{}),
		shutdown: make(chan struct{}),
	}

	return s, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts and handles SSH connections until the server is closed.
//
// This method blocks until Close is called or an unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Go(func() {
			s.handleConn(ctx, conn)
		})
	}
}

// Close stops accepting new connections, drops existing ones and waits for
// their handlers to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// DropConnections closes every live SSH connection without stopping the
// listener. Clients observe this as transport loss.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) track(c *ssh.ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *ssh.ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// handleConn handles a single SSH connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	if !s.track(sshConn) {
		return
	}
	defer s.untrack(sshConn)

	// Discard global requests (we don't support any).
	go ssh.DiscardRequests(reqs)

	// Close the SSH connection when ctx is canceled to unblock the
	// channel loop below.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		wg.Go(func() {
			s.handleDirectTCPIP(ctx, newChan)
		})
	}
	cancel()
	wg.Wait()
}

// handleDirectTCPIP handles a direct-tcpip channel request and proxies it
// until either side closes.
func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload DirectTCPIPRequest
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}
	if s.onOpen != nil {
		s.onOpen(payload)
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}

	// Discard channel-specific requests.
	go ssh.DiscardRequests(reqs)

	defer ch.Close()
	defer dst.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = ch.Close()
		_ = dst.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(dst, ch)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(ch, dst)
		_ = ch.CloseWrite()
		return err
	})
	_ = g.Wait()
}

// ListenAndServe is a convenience function that creates a server and starts serving.
//
// It blocks until ctx is canceled or an error occurs.
func ListenAndServe(ctx context.Context, addr string, cfg ServerConfig) error {
	srv, err := NewServer(ctx, addr, cfg)
	if err != nil {
		return err
	}

	context.AfterFunc(ctx, func() {
		_ = srv.Close()
	})

	return srv.Serve(ctx)
}
