package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/sshforward/internal/tunnelerr"
)

// DialConfig holds configuration for establishing a Session.
type DialConfig struct {
	// Addr is the SSH server's host:port.
	Addr string
	// Username for SSH authentication.
	Username string
	// Signer for public key authentication.
	Signer ssh.Signer
	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no timeout.
	DialTimeout time.Duration
	// HandshakeTimeout is the deadline for the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
	// KeepAlive is applied to the underlying TCP connection.
	KeepAlive net.KeepAliveConfig
}

// Session is one authenticated SSH transport.
//
// A Session is never reconnected; callers dial a new one.
type Session struct {
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error

	done chan struct{}
	err  error
}

// Dial connects to cfg.Addr and authenticates with cfg.Signer.
//
// Transport failures are returned as tunnelerr.ConnectionFailed, rejected
// keys as tunnelerr.AuthenticationFailed. Canceling ctx aborts the dial or
// handshake.
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	if cfg.Addr == "" {
		return nil, tunnelerr.New(tunnelerr.InvalidConfiguration, "missing ssh address", nil)
	}
	if cfg.Username == "" {
		return nil, tunnelerr.New(tunnelerr.InvalidConfiguration, "missing username", nil)
	}
	if cfg.Signer == nil {
		return nil, tunnelerr.New(tunnelerr.KeyNotFound, "", nil)
	}
	if cfg.HostKeyCallback == nil {
		return nil, errors.New("ssh: missing host key callback")
	}

	d := net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tunnelerr.New(tunnelerr.ConnectionFailed, dialReason(cfg.Addr, err), err)
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	client, err := newClient(conn, cfg)
	if !stop() {
		if client != nil {
			_ = client.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, classifyHandshakeError(err)
	}

	s := &Session{
		client: client,
		done:   make(chan struct{}),
	}
	go s.wait()
	return s, nil
}

// newClient runs the SSH handshake over conn.
//
// If cfg.HandshakeTimeout is set, a deadline is applied during the SSH
// handshake and cleared before returning.
//
// On error, conn is closed.
func newClient(conn net.Conn, cfg DialConfig) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

func (s *Session) wait() {
	s.err = s.client.Wait()
	close(s.done)
}

// Done is closed once the transport has shut down, for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport's exit error. Only valid after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// OpenDirectChannel asks the server to open a TCP stream to
// targetHost:targetPort on our behalf. originator describes the local socket
// that triggered the request and may be nil.
//
// Canceling ctx aborts the open, and closes the channel if it already opened.
func (s *Session) OpenDirectChannel(ctx context.Context, targetHost string, targetPort int, originator *net.TCPAddr) (net.Conn, error) {
	select {
	case <-s.done:
		return nil, tunnelerr.New(tunnelerr.TunnelFailed, "ssh session is closed", s.err)
	default:
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		var r result
		if ip := net.ParseIP(targetHost); ip != nil {
			r.conn, r.err = s.client.DialTCP("tcp", originator, &net.TCPAddr{IP: ip, Port: targetPort})
		} else {
			r.conn, r.err = s.client.Dial("tcp", net.JoinHostPort(targetHost, strconv.Itoa(targetPort)))
		}
		resc <- r
	}()

	select {
	case <-ctx.Done():
		// The open is still in flight; close whatever it produces.
		go func() {
			if r := <-resc; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-resc:
		if r.err != nil {
			return nil, tunnelerr.New(tunnelerr.TunnelFailed, channelReason(r.err), r.err)
		}
		stop := context.AfterFunc(ctx, func() {
			_ = r.conn.Close()
		})
		return &channelConn{Conn: r.conn, stop: stop}, nil
	}
}

// Close tears down the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

// channelConn wraps a single SSH "direct-tcpip" channel.
//
// Closing the conn stops the context cancellation hook and then closes the
// underlying channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}

func classifyHandshakeError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return tunnelerr.New(tunnelerr.AuthenticationFailed, "", err)
	}
	return tunnelerr.New(tunnelerr.ConnectionFailed, "ssh handshake failed", err)
}

func dialReason(addr string, err error) string {
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("cannot resolve %s", dnsErr.Name)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return fmt.Sprintf("timed out connecting to %s", addr)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return fmt.Sprintf("cannot connect to %s", addr)
	default:
		return fmt.Sprintf("dial %s", addr)
	}
}

func channelReason(err error) string {
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return fmt.Sprintf("remote refused channel: %s", openErr.Message)
	}
	return "cannot open channel"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
