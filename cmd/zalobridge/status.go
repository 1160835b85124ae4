package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-account connection status",
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the running server",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := httpClient.Get(serverURL + "/accounts/status")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	var statuses []struct {
		Channel struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"channel"`
		IsConnected bool      `json:"isConnected"`
		Status      string    `json:"status"`
		LastSeen    time.Time `json:"lastSeen"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(statuses) == 0 {
		fmt.Println("No accounts registered.")
		return nil
	}

	fmt.Printf("%-6s %-24s %-14s %s\n", "ID", "NAME", "STATUS", "LAST SEEN")
	for _, st := range statuses {
		lastSeen := "-"
		if !st.LastSeen.IsZero() {
			lastSeen = st.LastSeen.Format(time.RFC3339)
		}
		fmt.Printf("%-6d %-24s %-14s %s\n", st.Channel.ID, st.Channel.Name, st.Status, lastSeen)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := httpClient.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	var health struct {
		Status            string `json:"status"`
		Uptime            string `json:"uptime"`
		ConnectedAccounts int    `json:"connected_accounts"`
		Degraded          bool   `json:"degraded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("Status:             %s\n", health.Status)
	fmt.Printf("Uptime:             %s\n", health.Uptime)
	fmt.Printf("Connected accounts: %d\n", health.ConnectedAccounts)
	if health.Degraded {
		fmt.Println("Degraded:           yes (hub unavailable at startup)")
	}
	return nil
}
