package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtforge/virtforge/pkg/client"
	"github.com/virtforge/virtforge/pkg/types"
)

var (
	wsMemoryMB int
	wsVCPUs    int
	wsDiskSize string
	wsForce    bool
)

var workspacesCmd = &cobra.Command{
	Use:     "workspaces",
	Aliases: []string{"ws"},
	Short:   "Manage long-lived workspace VMs",
}

var wsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create and start a workspace VM",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		id, err := c.CreateWorkspace(ctx, types.WorkspaceRequest{
			Name:     name,
			MemoryMB: wsMemoryMB,
			VCPUs:    wsVCPUs,
			DiskSize: wsDiskSize,
		})
		if err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

var wsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspace VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		list, err := c.ListWorkspaces(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDISK")
		for _, ws := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ws.ID, ws.Status, ws.DiskPath)
		}
		return w.Flush()
	},
}

var wsGetCmd = &cobra.Command{
	Use:   "get <workspace-id>",
	Short: "Show details for a workspace VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		d, err := c.GetWorkspace(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:      %s\n", d.ID)
		fmt.Printf("UUID:    %s\n", d.UUID)
		fmt.Printf("Status:  %s\n", d.Status)
		fmt.Printf("Memory:  %d MB\n", d.MemoryMB)
		fmt.Printf("VCPUs:   %d\n", d.VCPUs)
		fmt.Printf("Disk:    %s\n", d.DiskPath)
		if d.IP != "" {
			fmt.Printf("IP:      %s\n", d.IP)
		}
		return nil
	},
}

var wsDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Stop and remove a workspace VM and its disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := c.DeleteWorkspace(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("workspace %s deleted\n", args[0])
		return nil
	},
}

var wsStartCmd = &cobra.Command{
	Use:   "start <workspace-id>",
	Short: "Boot a stopped workspace VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		return c.StartWorkspace(ctx, args[0])
	},
}

var wsStopCmd = &cobra.Command{
	Use:   "stop <workspace-id>",
	Short: "Shut a workspace VM down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		return c.StopWorkspace(ctx, args[0], wsForce)
	},
}

func init() {
	wsCreateCmd.Flags().IntVar(&wsMemoryMB, "memory", 0, "memory in MB (server default if 0)")
	wsCreateCmd.Flags().IntVar(&wsVCPUs, "vcpus", 0, "virtual CPUs (server default if 0)")
	wsCreateCmd.Flags().StringVar(&wsDiskSize, "disk-size", "", "standalone disk size (e.g. 10G) instead of a base-image overlay")
	wsStopCmd.Flags().BoolVar(&wsForce, "force", false, "skip the graceful shutdown attempt")

	workspacesCmd.AddCommand(wsCreateCmd)
	workspacesCmd.AddCommand(wsListCmd)
	workspacesCmd.AddCommand(wsGetCmd)
	workspacesCmd.AddCommand(wsDeleteCmd)
	workspacesCmd.AddCommand(wsStartCmd)
	workspacesCmd.AddCommand(wsStopCmd)
	rootCmd.AddCommand(workspacesCmd)
}
