package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/die-net/sshforward/internal/tunnel"
	"github.com/die-net/sshforward/internal/tunnelerr"
)

func newUpCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Connect the tunnel and keep it up until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			mgr, err := opts.newManager(e)
			if err != nil {
				return err
			}
			cfg := mgr.Config()
			if !cfg.Enabled {
				return errors.New("tunnel is disabled (run: sshforward config set --enabled)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := mgr.Connect(ctx); err != nil {
				explain(cmd, mgr, err)
				return err
			}
			defer mgr.Disconnect()

			log.Printf("tunnel up: %s -> %s port %d", mgr.LocalAddr(), cfg.SSHAddr(), cfg.RemotePort)

			ch, cancel := mgr.Watch()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					log.Print("shutting down")
					return nil
				case st := <-ch:
					if st.State != tunnel.StateError {
						continue
					}
					if mgr.Active() {
						// One channel failed; the session and listener are still up.
						log.Printf("tunnel: %s", st.Message)
						continue
					}
					return errors.New(st.Message)
				}
			}
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, key and local endpoint state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			cfg, err := tunnel.LoadConfig(e.settings)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %s\n", "STATE DIR", e.dir)
			fmt.Fprintf(out, "%-10s %s\n", "TUNNEL", describeConfig(cfg))

			local := net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.localPort))
			fmt.Fprintf(out, "%-10s %s (%s)\n", "LOCAL", local, endpointState(cmd.Context(), local))

			fp, err := e.keys.Fingerprint()
			if err != nil {
				fp = "none"
			}
			fmt.Fprintf(out, "%-10s %s\n", "KEY", fp)
			return nil
		},
	}
}

func newProbeCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect once, open a channel to the remote port and disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			mgr, err := opts.newManager(e)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := mgr.Connect(ctx); err != nil {
				explain(cmd, mgr, err)
				fmt.Fprintf(cmd.OutOrStdout(), "[FAIL] %s\n", tunnelerr.UserMessage(err))
				return err
			}
			defer mgr.Disconnect()

			latency, err := mgr.Probe(ctx)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "[FAIL] %v\n", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[PASS] %s -> remote port %d %dms\n", mgr.LocalAddr(), mgr.Config().RemotePort, latency.Milliseconds())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for connect and probe")
	return cmd
}

// explain prints a hint for errors the user can fix on the server side.
func explain(cmd *cobra.Command, mgr *tunnel.Manager, err error) {
	if !errors.Is(err, tunnelerr.ErrAuthenticationFailed) {
		return
	}
	if line, ok := mgr.PublicKey(); ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "add this key to the server's authorized_keys:\n%s\n", line)
	}
}

func describeConfig(cfg tunnel.Config) string {
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	if !cfg.IsValid() {
		return state + ", incomplete"
	}
	return fmt.Sprintf("%s, %s@%s -> remote port %d", state, cfg.Username, cfg.SSHAddr(), cfg.RemotePort)
}

func endpointState(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "not listening"
	}
	_ = c.Close()
	return "listening"
}
