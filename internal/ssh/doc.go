// Package ssh provides the SSH transport used by the tunnel.
//
// A [Session] owns one authenticated connection to the remote host and opens
// "direct-tcpip" channels over it, one per forwarded local connection. This
// is the client side of SSH local port forwarding (ssh -L).
//
// Features:
//   - Public key authentication with an Ed25519 signer
//   - Failures classified as connection, authentication or tunnel errors
//   - Context cancellation during dial, handshake and channel open
//   - Host key policy: accept any key, or known_hosts with trust-on-first-use
//   - Done channel that fires when the transport dies
//
// The package also contains a small direct-tcpip [Server], used by tests and
// by the test-server command for local end-to-end checks.
//
// Example usage:
//
//	hostKeyCallback, _ := ssh.NewHostKeyCallback(ssh.HostKeyTOFU, "~/.ssh/known_hosts")
//
//	sess, err := ssh.Dial(ctx, ssh.DialConfig{
//	    Addr:            "bastion.example.com:22",
//	    Username:        "user",
//	    Signer:          signer,
//	    HostKeyCallback: hostKeyCallback,
//	})
//
//	conn, err := sess.OpenDirectChannel(ctx, "127.0.0.1", 18080, originator)
package ssh
