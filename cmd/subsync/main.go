package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync"
	"github.com/rcourtman/subsync/internal/billingsync/registry"
	"github.com/rcourtman/subsync/internal/billingsync/syncapi"
	"github.com/rcourtman/subsync/internal/logging"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// openStore is swapped in tests.
var openStore = func(ctx context.Context) (registry.Store, error) {
	return registry.Open(ctx, billingsync.LoadStoreOptions())
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "subsync",
		Short:   "Stripe subscription state synchronizer",
		Long:    `subsync verifies Stripe webhooks and keeps a local subscription record per user in step with Stripe.`,
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return billingsync.Run(cmd.Context(), Version)
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newStatusCmd(),
		newPruneLedgerCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return billingsync.Run(cmd.Context(), Version)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the subscription store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the subscription status of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user-id must be a positive integer")
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			rec, err := store.GetByUserID(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("lookup user %d: %w", userID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(syncapi.StatusFromRecord(rec))
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "application user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newPruneLedgerCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune-ledger",
		Short: "Delete processed-event ledger rows older than a retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < billingsync.MinLedgerRetention {
				return fmt.Errorf("--older-than must be at least %s", billingsync.MinLedgerRetention)
			}
			store, err := openStore(cmd.Context())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			n, err := billingsync.NewLedgerPruner(store, olderThan).PruneOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d ledger rows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subsync %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subsync",
	})

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
