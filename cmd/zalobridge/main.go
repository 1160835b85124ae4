// zalobridge
//
// A multi-account bridge between Zalo personal accounts and a Chatwoot hub.
// Messages flow in both directions: inbound chats become hub conversations,
// hub agent replies go back out through the owning account's session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "zalobridge",
	Short: "zalobridge - Zalo to Chatwoot bridge",
	Long: `zalobridge connects personal Zalo accounts to a Chatwoot hub.

  zalobridge serve              Start the bridge server
  zalobridge status             Show per-account connection status
  zalobridge health             Check the running server`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("ZALOBRIDGE_SERVER", "http://localhost:3001"), "zalobridge server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
