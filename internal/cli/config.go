package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/die-net/sshforward/internal/tunnel"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{Use: "config", Short: "Show or change the tunnel configuration"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored configuration as JSON",
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
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	var (
		cfg     tunnel.Config
		enabled bool
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Update fields of the stored configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			cur, err := tunnel.LoadConfig(e.settings)
			if err != nil {
				return err
			}

			fs := cmd.Flags()
			if fs.Changed("enabled") {
				cur.Enabled = enabled
			}
			if fs.Changed("host") {
				cur.Host = cfg.Host
			}
			if fs.Changed("port") {
				cur.SSHPort = cfg.SSHPort
			}
			if fs.Changed("username") {
				cur.Username = cfg.Username
			}
			if fs.Changed("remote-port") {
				cur.RemotePort = cfg.RemotePort
			}

			if err := tunnel.SaveConfig(e.settings, cur); err != nil {
				return err
			}
			if err := cur.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeConfig(cur))
			return nil
		},
	}
	fs := set.Flags()
	fs.BoolVar(&enabled, "enabled", false, "Enable the tunnel")
	fs.StringVar(&cfg.Host, "host", "", "SSH server host")
	fs.IntVar(&cfg.SSHPort, "port", tunnel.DefaultSSHPort, "SSH server port")
	fs.StringVar(&cfg.Username, "username", "", "SSH username")
	fs.IntVar(&cfg.RemotePort, "remote-port", tunnel.DefaultRemotePort, "Port of the service on the SSH server's loopback")

	root.AddCommand(show, set)
	return root
}
