package tunnel

import (
	"context"
	"net"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/die-net/sshforward/internal/forward"
	"github.com/die-net/sshforward/internal/keystore"
	"github.com/die-net/sshforward/internal/ssh"
)

// Session is a live SSH transport that the forwarder opens channels on.
type Session interface {
	forward.ChannelOpener
	// Done is closed when the transport is gone.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionDialer establishes a Session for cfg authenticated with the raw
// Ed25519 seed.
type SessionDialer interface {
	DialSession(ctx context.Context, cfg Config, seed []byte) (Session, error)
}

type sshDialer struct {
	hostKeyCallback  gossh.HostKeyCallback
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	keepAlive        net.KeepAliveConfig
}

func (d *sshDialer) DialSession(ctx context.Context, cfg Config, seed []byte) (Session, error) {
	signer, err := keystore.SignerFromSeed(seed)
	if err != nil {
		return nil, err
	}

	sess, err := ssh.Dial(ctx, ssh.DialConfig{
		Addr:             cfg.SSHAddr(),
		Username:         cfg.Username,
		Signer:           signer,
		HostKeyCallback:  d.hostKeyCallback,
		DialTimeout:      d.dialTimeout,
		HandshakeTimeout: d.handshakeTimeout,
		KeepAlive:        d.keepAlive,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
