package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "splitz",
		Short:        "Multi-tenant variant flag evaluation",
		Long:         `splitz serves deterministic variant assignments for tenant-scoped flags over HTTP and gRPC.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newAPIKeyCmd(),
		newEvalCmd(),
		newBucketCmd(),
	)

	return root
}
