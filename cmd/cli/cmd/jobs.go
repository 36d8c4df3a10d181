package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtforge/virtforge/pkg/client"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect code-execution jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show the current snapshot of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := c.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		return printJob(cmd, snap, true)
	},
}

var jobsWaitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Wait for a job to finish and print its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		snap, err := c.WaitJob(ctx, args[0], time.Second)
		if err != nil {
			return fmt.Errorf("failed while waiting for job: %w", err)
		}
		return printJob(cmd, snap, false)
	},
}

func init() {
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsWaitCmd)
	rootCmd.AddCommand(jobsCmd)
}
