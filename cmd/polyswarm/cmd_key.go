package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyswarm/internal/crypto"
)

func newEncryptKeyCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "encrypt-key",
		Short: "Seal a wallet private key into a password-protected key file",
		Long: "Reads the key from POLYSWARM_WALLET_PRIVATE_KEY and the password from\n" +
			"POLYSWARM_WALLET_KEY_PASSWORD so neither lands in shell history.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := os.Getenv("POLYSWARM_WALLET_PRIVATE_KEY")
			password := os.Getenv("POLYSWARM_WALLET_KEY_PASSWORD")
			if key == "" || password == "" {
				return errors.New("POLYSWARM_WALLET_PRIVATE_KEY and POLYSWARM_WALLET_KEY_PASSWORD must both be set")
			}
			sealed, err := crypto.SealKey(key, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, sealed, 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sealed key written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wallet.key", "key file to write")
	return cmd
}
