package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"txtwise/internal/opstoken"
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Print a signed operator token",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := secretFrom(cmd)
		if err != nil {
			return err
		}
		operator, _ := cmd.Flags().GetString("operator")
		issuer, _ := cmd.Flags().GetString("issuer")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		signer, err := opstoken.NewSigner(secret, issuer, ttl)
		if err != nil {
			return err
		}
		token, err := signer.Sign(operator)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	mintCmd.Flags().String("operator", "", "Operator name recorded as the token subject")
	mintCmd.Flags().String("issuer", "txtwise-opstoken", "Token issuer")
	mintCmd.Flags().Duration("ttl", opstoken.DefaultTokenTTL, "Token lifetime")
	_ = mintCmd.MarkFlagRequired("operator")
}
