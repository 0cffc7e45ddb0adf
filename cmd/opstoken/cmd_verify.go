package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"txtwise/internal/opstoken"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Check a token and print its subject and expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := secretFrom(cmd)
		if err != nil {
			return err
		}
		verifier, err := opstoken.NewVerifier(secret, 0)
		if err != nil {
			return err
		}
		claims, err := verifier.Verify(args[0])
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "operator: %s\n", claims.Subject)
		fmt.Fprintf(out, "issuer:   %s\n", claims.Issuer)
		if claims.ExpiresAt != nil {
			fmt.Fprintf(out, "expires:  %s\n", claims.ExpiresAt.Time.UTC().Format("2006-01-02T15:04:05Z"))
		}
		return nil
	},
}
