package main

import (
	"fmt"
	"os"

	"github.com/cuemby/provisioner/pkg/client"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Provisioner - worker type registry for an elastic EC2 fleet",
	Long: `Provisioner stores worker type definitions, AMI sets, bootstrap
secrets and capacity snapshots for an autoscaling fleet of EC2 workers,
and serves them over HTTP.

Run "provisioner serve" to start the API; the other commands talk to a
running server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Provisioner version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", "127.0.0.1:5556", "Provisioner API address")
	rootCmd.PersistentFlags().StringSlice("scopes", []string{"aws-provisioner:*"}, "Scopes to present to the server")
}

// newClient builds a client from the persistent flags
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("server")
	scopes, _ := cmd.Flags().GetStringSlice("scopes")

	c, err := client.NewClient(addr, client.WithScopes(scopes...))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
