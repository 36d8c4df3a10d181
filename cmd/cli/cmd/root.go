package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "vforge",
	Short: "VirtForge CLI - run code and manage VM workspaces from the command line",
	Long: `VirtForge CLI (vforge) is a command-line tool for the VirtForge VM sandbox service.

It submits code-execution jobs to ephemeral VMs, manages long-lived workspace
VMs, and attaches an interactive terminal to a running workspace.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("VIRTFORGE_API_URL", "http://localhost:8080"), "VirtForge API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("VIRTFORGE_API_KEY"), "VirtForge API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
