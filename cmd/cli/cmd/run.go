package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtforge/virtforge/pkg/client"
	"github.com/virtforge/virtforge/pkg/types"
)

var (
	runTimeout int
	runProfile string
	runNoWait  bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <file.py>",
	Short: "Run a Python file in an ephemeral VM",
	Long: `Submit a Python file as a code-execution job. The code runs inside a
fresh ephemeral VM which is destroyed afterwards.
Example: vforge run script.py --timeout 60 --profile medium`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		jobID, err := c.SubmitJob(ctx, types.JobRequest{
			Code:            string(code),
			Language:        "python",
			TimeoutSeconds:  runTimeout,
			ResourceProfile: runProfile,
		})
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}

		if runNoWait {
			fmt.Println(jobID)
			return nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "job %s submitted, waiting...\n", jobID)

		snap, err := c.WaitJob(ctx, jobID, time.Second)
		if err != nil {
			return fmt.Errorf("failed while waiting for job: %w", err)
		}
		return printJob(cmd, snap, runJSON)
	},
}

func printJob(cmd *cobra.Command, snap *types.JobSnapshot, asJSON bool) error {
	if asJSON {
		data, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if snap.Result != nil {
		if snap.Result.Stdout != "" {
			fmt.Print(snap.Result.Stdout)
		}
		if snap.Result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), snap.Result.Stderr)
		}
	}
	switch {
	case snap.Status == types.JobStatusCompleted && snap.Result != nil && snap.Result.ExitCode != 0:
		return fmt.Errorf("job exited with code %d", snap.Result.ExitCode)
	case snap.Status != types.JobStatusCompleted:
		return fmt.Errorf("job %s: %s", snap.Status, snap.ErrorMessage)
	}
	return nil
}

func init() {
	runCmd.Flags().IntVar(&runTimeout, "timeout", 30, "execution timeout in seconds (1-300)")
	runCmd.Flags().StringVar(&runProfile, "profile", "small", "resource profile: small, medium, large")
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "print the job id and return without waiting")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full job snapshot as JSON")
	rootCmd.AddCommand(runCmd)
}
