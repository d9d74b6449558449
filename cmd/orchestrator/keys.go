package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/botfleet/orchestrator/internal/util"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a VAULT_KEY and shared secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range []string{"VAULT_KEY", "SERVICE_API_KEY", "RUNNER_SECRET"} {
				value, err := util.GenerateToken()
				if err != nil {
					return fmt.Errorf("generate %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s=%s\n", name, value)
			}
			return nil
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <admin-key>",
		Short: "Print the bcrypt hash to use as ADMIN_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := util.HashKey(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
