package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "opstoken",
	Short: "Mint and inspect operator tokens for the relay /ops endpoints",
	Long: `opstoken issues HS256 operator tokens accepted by the relay's /ops routes.

The signing secret is read from --secret or RELAY_OPS_TOKEN_SECRET and must
match the relay's opsTokenSecret.

Examples:
  opstoken mint --operator alice
  opstoken mint --operator alice --ttl 1h
  opstoken verify "$TOKEN"`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(mintCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.PersistentFlags().String("secret", "", "Signing secret (default $RELAY_OPS_TOKEN_SECRET)")
}

func secretFrom(cmd *cobra.Command) (string, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv("RELAY_OPS_TOKEN_SECRET")
	}
	if secret == "" {
		return "", fmt.Errorf("secret required: pass --secret or set RELAY_OPS_TOKEN_SECRET")
	}
	return secret, nil
}
