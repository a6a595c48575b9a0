// Package cli provides the command-line interface for sshforward.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/die-net/sshforward/internal/keystore"
	"github.com/die-net/sshforward/internal/ssh"
	"github.com/die-net/sshforward/internal/store"
	"github.com/die-net/sshforward/internal/tunnel"
)

const settingsFile = "settings.yaml"

// globalOptions are the flags shared by every command.
type globalOptions struct {
	stateDir           string
	localPort          int
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	tcpKeepAlive       keepAliveFlag
	hostKeyPolicy      string
	knownHosts         string
	verbose            bool
}

func (o *globalOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.stateDir, "state-dir", "", "Directory holding settings and key material (default $XDG_CONFIG_HOME/sshforward)")
	fs.IntVar(&o.localPort, "local-port", tunnel.DefaultLocalPort, "Loopback port the tunnel listens on")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for DNS lookup and TCP connect to the SSH server")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for the SSH handshake and authentication")
	_ = o.tcpKeepAlive.Set(defaultKeepAlive)
	fs.Var(&o.tcpKeepAlive, "tcp-keepalive", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&o.hostKeyPolicy, "host-key-policy", string(ssh.HostKeyAcceptAny), "Host key trust: accept-any or tofu")
	fs.StringVar(&o.knownHosts, "known-hosts", defaultKnownHostsPath(), "known_hosts file used by the tofu host key policy")
	fs.BoolVar(&o.verbose, "verbose", false, "Enable per-connection logging")
	fs.SortFlags = false
}

// env is what a command needs once flags are parsed.
type env struct {
	dir      string
	settings *store.FileSettings
	keys     *keystore.KeyStore
}

func (o *globalOptions) openEnv() (*env, error) {
	dir := o.stateDir
	if dir == "" {
		var err error
		if dir, err = store.DefaultDir(); err != nil {
			return nil, err
		}
	}

	secrets, err := store.NewFileSecretStore(filepath.Join(dir, "secrets"))
	if err != nil {
		return nil, err
	}
	settings, err := store.OpenFileSettings(filepath.Join(dir, settingsFile))
	if err != nil {
		return nil, err
	}

	return &env{
		dir:      dir,
		settings: settings,
		keys:     keystore.New(secrets, settings),
	}, nil
}

func (o *globalOptions) newManager(e *env) (*tunnel.Manager, error) {
	policy, err := ssh.ParseHostKeyPolicy(o.hostKeyPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid --host-key-policy: %w", err)
	}
	if o.localPort <= 0 || o.localPort > 65535 {
		return nil, fmt.Errorf("invalid --local-port %d", o.localPort)
	}

	return tunnel.NewManager(tunnel.Options{
		Settings:         e.settings,
		Keys:             e.keys,
		LocalPort:        o.localPort,
		HostKeyPolicy:    policy,
		KnownHostsPath:   o.knownHosts,
		DialTimeout:      o.dialTimeout,
		HandshakeTimeout: o.negotiationTimeout,
		KeepAlive:        o.tcpKeepAlive.cfg,
		Verbose:          o.verbose,
	})
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "sshforward",
		Short:         "Forward a loopback port to a remote service over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(root.PersistentFlags())

	root.AddCommand(
		newUpCmd(opts),
		newStatusCmd(opts),
		newProbeCmd(opts),
		newConfigCmd(opts),
		newKeyCmd(opts),
		newTestServerCmd(opts),
	)
	return root
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
