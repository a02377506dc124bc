package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Worker type commands
var workerTypeCmd = &cobra.Command{
	Use:     "worker-type",
	Aliases: []string{"wt"},
	Short:   "Manage worker types",
}

var workerTypeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker types with their capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		summaries, err := c.ListWorkerTypeSummaries()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "WORKER TYPE\tMIN\tMAX\tRUNNING\tPENDING\tREQUESTED")
		for _, s := range summaries {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
				s.WorkerType, s.MinCapacity, s.MaxCapacity, s.RunningCapacity, s.PendingCapacity, s.RequestedCapacity)
		}
		return tw.Flush()
	},
}

var workerTypeGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a worker type definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		wt, err := c.GetWorkerType(args[0])
		if err != nil {
			return err
		}
		return printJSON(wt)
	},
}

var workerTypeDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a worker type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteWorkerType(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Worker type deleted: %s\n", args[0])
		return nil
	},
}

var workerTypeLaunchSpecsCmd = &cobra.Command{
	Use:   "launch-specs NAME",
	Short: "Show the generated launch specifications of a worker type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		specs, err := c.LaunchSpecs(args[0])
		if err != nil {
			return err
		}
		return printJSON(specs)
	},
}

func init() {
	workerTypeCmd.AddCommand(workerTypeListCmd)
	workerTypeCmd.AddCommand(workerTypeGetCmd)
	workerTypeCmd.AddCommand(workerTypeDeleteCmd)
	workerTypeCmd.AddCommand(workerTypeLaunchSpecsCmd)
	rootCmd.AddCommand(workerTypeCmd)
}

// AMI set commands
var amiSetCmd = &cobra.Command{
	Use:   "ami-set",
	Short: "Manage AMI sets",
}

var amiSetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List AMI sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		ids, err := c.ListAmiSets()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var amiSetGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show an AMI set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		set, err := c.GetAmiSet(args[0])
		if err != nil {
			return err
		}
		return printJSON(set)
	},
}

var amiSetDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an AMI set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteAmiSet(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ AMI set deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	amiSetCmd.AddCommand(amiSetListCmd)
	amiSetCmd.AddCommand(amiSetGetCmd)
	amiSetCmd.AddCommand(amiSetDeleteCmd)
	rootCmd.AddCommand(amiSetCmd)
}

// Secret commands
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage bootstrap secrets",
}

var secretCreateCmd = &cobra.Command{
	Use:   "create TOKEN",
	Short: "Create a secret for a booting instance",
	Long: `Create a secret for a booting instance.

Examples:
  provisioner secret create $(uuidgen) --worker-type gecko-b-1 \
    --data password=hunter2 --scope assume:worker-type:gecko-b-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workerType, _ := cmd.Flags().GetString("worker-type")
		pairs, _ := cmd.Flags().GetStringToString("data")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")

		data := make(map[string]any, len(pairs))
		for k, v := range pairs {
			data[k] = v
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		err = c.CreateSecret(&types.Secret{
			Token:      args[0],
			WorkerType: workerType,
			Secrets:    data,
			Scopes:     scopes,
			Expiration: time.Now().Add(expiresIn).UTC(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Secret created for %s\n", workerType)
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get TOKEN",
	Short: "Redeem a secret and print it with its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		resp, err := c.GetSecret(args[0])
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete TOKEN",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Secret deleted")
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretCreateCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)

	secretCreateCmd.Flags().String("worker-type", "", "Worker type the secret is for")
	secretCreateCmd.Flags().StringToString("data", nil, "Secret payload as key=value pairs")
	secretCreateCmd.Flags().StringSlice("scope", nil, "Scopes granted to the redeemed credentials")
	secretCreateCmd.Flags().Duration("expires-in", defaultSecretLifetime, "Time until the secret is garbage collected")
	_ = secretCreateCmd.MarkFlagRequired("worker-type")
}

// State commands
var stateCmd = &cobra.Command{
	Use:   "state NAME",
	Short: "Show the last capacity snapshot of a worker type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		state, err := c.GetState(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Worker type: %s\n", state.WorkerType)
		if s := state.Summary; s != nil {
			fmt.Printf("Capacity:    min %d, max %d, running %d, pending %d, requested %d\n",
				s.MinCapacity, s.MaxCapacity, s.RunningCapacity, s.PendingCapacity, s.RequestedCapacity)
		}
		fmt.Println()

		tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "KIND\tID\tTYPE\tREGION\tSTATE")
		for _, i := range state.Instances {
			fmt.Fprintf(tw, "instance\t%s\t%s\t%s\t%s\n", i.ID, i.Type, i.Region, i.State)
		}
		for _, r := range state.Requests {
			fmt.Fprintf(tw, "request\t%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Region, r.Status)
		}
		for _, r := range state.InternalTrackedRequests {
			fmt.Fprintf(tw, "tracked\t%s\t%s\t%s\t%s\n", r.ID, r.Type, r.Region, r.Status)
		}
		return tw.Flush()
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is up",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		uptime, err := c.Ping()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Server alive, up %s\n", uptime.Round(time.Second))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(pingCmd)
}

