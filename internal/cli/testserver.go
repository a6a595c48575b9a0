package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"

	"github.com/die-net/sshforward/internal/ssh"
)

func newTestServerCmd(opts *globalOptions) *cobra.Command {
	var (
		listen         string
		user           string
		authorizedKeys string
		hostKey        string
	)
	cmd := &cobra.Command{
		Use:   "test-server",
		Short: "Run a minimal SSH server that accepts direct-tcpip channels",
		Long: "Run a minimal SSH server for trying the tunnel locally. It only supports\n" +
			"direct-tcpip channels. Without --authorized-keys it trusts this tool's own key.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := loadServerAuthorizedKeys(opts, authorizedKeys)
			if err != nil {
				return err
			}

			var signer gossh.Signer
			if hostKey != "" {
				signer, err = ssh.LoadHostKey(hostKey)
			} else {
				signer, err = ssh.GenerateHostKey()
			}
			if err != nil {
				return fmt.Errorf("host key: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := ssh.ServerConfig{
				HostKeys:          []gossh.Signer{signer},
				PublicKeyCallback: ssh.PublicKeyAuth(user, keys),
			}
			if opts.verbose {
				cfg.OnDirectTCPIP = func(r ssh.DirectTCPIPRequest) {
					log.Printf("test-server: direct-tcpip %s:%d from %s:%d", r.Host, r.Port, r.OriginHost, r.OriginPort)
				}
			}

			log.Printf("test-server listening on %s (host key %s)", listen, gossh.FingerprintSHA256(signer.PublicKey()))
			return ssh.ListenAndServe(ctx, listen, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&listen, "listen", "127.0.0.1:2222", "Listen address")
	fs.StringVar(&user, "user", "", "Accepted username (empty accepts any)")
	fs.StringVar(&authorizedKeys, "authorized-keys", "", "authorized_keys file (default: this tool's public key)")
	fs.StringVar(&hostKey, "host-key", "", "OpenSSH private host key file (default: random per run)")
	return cmd
}

func loadServerAuthorizedKeys(opts *globalOptions, path string) ([]gossh.PublicKey, error) {
	if path != "" {
		return ssh.LoadAuthorizedKeys(path)
	}

	e, err := opts.openEnv()
	if err != nil {
		return nil, err
	}
	line, ok := e.keys.PublicKey()
	if !ok {
		return nil, errors.New("no key pair yet (run: sshforward key show)")
	}
	return ssh.ParseAuthorizedKeys([]byte(line))
}
