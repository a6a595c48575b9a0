package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeyCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{Use: "key", Short: "Manage the tunnel's SSH key pair"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the public key, generating a key pair if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			line, err := e.keys.EnsureKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Replace the key pair and print the new public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			line, err := e.keys.RotateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	fingerprint := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the SHA256 fingerprint of the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.openEnv()
			if err != nil {
				return err
			}
			fp, err := e.keys.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fp)
			return nil
		},
	}

	root.AddCommand(show, rotate, fingerprint)
	return root
}
