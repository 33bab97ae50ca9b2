package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/appos-io/appos/pkg/config"
	"github.com/appos-io/appos/pkg/credentials"
	"github.com/appos-io/appos/pkg/cron"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/platform"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/types"
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
	Use:   "appos",
	Short: "AppOS - Process engine for business applications",
	Long: `AppOS runs versioned business processes: durable step execution with
retries and parallel groups, cron and event triggers, and encrypted
credentials for connected systems, all in a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AppOS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// Server command

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the AppOS engine",
	Long: `Run the AppOS engine: queue workers, the cron scheduler and the
metrics endpoint. Trigger and connected-system manifests given with
--apply are loaded before the engine starts consuming work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("json-logs") {
			cfg.JSONLogs, _ = cmd.Flags().GetBool("json-logs")
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.JSONLogs})

		p, err := platform.New(platform.Config{
			DataDir:     cfg.DataDir,
			Workers:     cfg.Workers,
			MetricsAddr: cfg.MetricsAddr,
		})
		if err != nil {
			return fmt.Errorf("failed to create platform: %v", err)
		}

		applyFiles, _ := cmd.Flags().GetStringArray("apply")
		for _, f := range applyFiles {
			if err := applyFile(p, f); err != nil {
				_ = p.Stop()
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		p.Start(ctx)

		fmt.Println("Engine is running. Press Ctrl+C to stop.")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		if err := p.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Server config file (YAML)")
	serverCmd.Flags().String("data-dir", "./data", "Data directory")
	serverCmd.Flags().Int("workers", 4, "Queue worker count")
	serverCmd.Flags().String("metrics-addr", ":9090", "Metrics listen address (empty to disable)")
	serverCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().Bool("json-logs", false, "Emit JSON logs")
	serverCmd.Flags().StringArray("apply", nil, "Manifest file to load at startup (repeatable)")
}

// openStore opens the data directory for offline commands. The engine holds
// an exclusive lock on the database, so these commands run against a stopped
// server.
func openStore(cmd *cobra.Command) (store.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s (is the server running?): %v", dataDir, err)
	}
	return st, nil
}

// Credential commands

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage connected-system credentials",
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <system> key=value [key=value ...]",
	Short: "Encrypt and store credentials for a connected system",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		creds := types.Document{}
		for _, pair := range args[1:] {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("invalid credential %q, expected key=value", pair)
			}
			creds[k] = v
		}

		mgr := credentials.NewManager(st, "", nil)
		if err := mgr.SetCredentials(args[0], creds); err != nil {
			return fmt.Errorf("failed to set credentials: %v", err)
		}
		fmt.Printf("✓ Credentials stored for %s (%d keys)\n", args[0], len(creds))
		return nil
	},
}

var credentialGetCmd = &cobra.Command{
	Use:   "get <system>",
	Short: "Decrypt and print credentials for a connected system",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := credentials.NewManager(st, "", nil)
		creds, err := mgr.GetCredentials(args[0])
		if err != nil {
			return fmt.Errorf("failed to get credentials: %v", err)
		}
		if creds == nil {
			fmt.Printf("No credentials stored for %s\n", args[0])
			return nil
		}
		out, _ := json.MarshalIndent(creds, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <system>",
	Short: "Delete the stored credentials for a connected system",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := credentials.NewManager(st, "", nil)
		if err := mgr.DeleteCredentials(args[0]); err != nil {
			return fmt.Errorf("failed to delete credentials: %v", err)
		}
		fmt.Printf("✓ Credentials deleted for %s\n", args[0])
		return nil
	},
}

var credentialRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt all stored credentials under a new secret",
	Long: `Rotate the credential encryption key. Every stored ciphertext is
decrypted with the current key and re-encrypted under the key derived
from --new-secret, committed as a single transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		newSecret, _ := cmd.Flags().GetString("new-secret")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr := credentials.NewManager(st, "", nil)
		if err := mgr.RotateKey(newSecret); err != nil {
			return fmt.Errorf("rotation failed: %v", err)
		}
		fmt.Println("✓ Encryption key rotated")
		fmt.Println("Update APPOS_SECRET_KEY before restarting the server.")
		return nil
	},
}

func init() {
	credentialCmd.PersistentFlags().String("data-dir", "./data", "Data directory")
	credentialRotateCmd.Flags().String("new-secret", "", "New master secret (required)")
	_ = credentialRotateCmd.MarkFlagRequired("new-secret")

	credentialCmd.AddCommand(credentialSetCmd)
	credentialCmd.AddCommand(credentialGetCmd)
	credentialCmd.AddCommand(credentialDeleteCmd)
	credentialCmd.AddCommand(credentialRotateCmd)
}

// Instance commands

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Inspect process instances",
}

var instanceGetCmd = &cobra.Command{
	Use:   "get <instance-id>",
	Short: "Show one process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		inst, err := st.GetInstance(args[0])
		if err != nil {
			if types.IsNotFound(err) {
				return fmt.Errorf("instance %s not found", args[0])
			}
			return err
		}
		out, _ := json.MarshalIndent(inst, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var instanceHistoryCmd = &cobra.Command{
	Use:   "history <instance-id>",
	Short: "Show the step log of a process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.GetStepHistory(args[0])
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No step history")
			return nil
		}
		fmt.Printf("%-30s %-10s %-18s %s\n", "STEP", "ATTEMPT", "STATUS", "COMPLETED")
		for _, e := range entries {
			completed := "-"
			if e.CompletedAt != nil {
				completed = e.CompletedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-30s %-10d %-18s %s\n", e.StepName, e.Attempt, e.Status, completed)
		}
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List process instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _ := cmd.Flags().GetString("app")
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !types.InstanceStatus(status).Valid() {
			return fmt.Errorf("unknown status %q", status)
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		instances, err := st.ListInstances(app, types.InstanceStatus(status))
		if err != nil {
			return err
		}
		if len(instances) == 0 {
			fmt.Println("No instances")
			return nil
		}
		fmt.Printf("%-20s %-40s %-12s %s\n", "INSTANCE", "PROCESS", "STATUS", "STARTED")
		for _, inst := range instances {
			fmt.Printf("%-20s %-40s %-12s %s\n",
				inst.InstanceID, inst.ProcessRef, inst.Status,
				inst.StartedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		cancelled, err := st.CancelInstance(args[0])
		if err != nil {
			return err
		}
		if !cancelled {
			fmt.Printf("Instance %s is already finished\n", args[0])
			return nil
		}
		fmt.Printf("✓ Instance %s cancelled\n", args[0])
		return nil
	},
}

// Schedule commands

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Work with cron schedules",
}

var schedulePreviewCmd = &cobra.Command{
	Use:   "preview <cron-expression>",
	Short: "Show the upcoming fire times of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		tzName, _ := cmd.Flags().GetString("timezone")

		loc := time.UTC
		if tzName != "" {
			var err error
			loc, err = time.LoadLocation(tzName)
			if err != nil {
				return fmt.Errorf("unknown time zone %q: %v", tzName, err)
			}
		}

		sched, err := cron.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid cron expression: %v", err)
		}

		next := time.Now().In(loc)
		for i := 0; i < count; i++ {
			next = sched.Next(next)
			if next.IsZero() {
				fmt.Println("(no further fire times)")
				return nil
			}
			fmt.Println(next.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	schedulePreviewCmd.Flags().Int("count", 5, "Number of fire times to show")
	schedulePreviewCmd.Flags().String("timezone", "", "IANA time zone (default UTC)")

	scheduleCmd.AddCommand(schedulePreviewCmd)
}

func init() {
	instanceCmd.PersistentFlags().String("data-dir", "./data", "Data directory")
	instanceListCmd.Flags().String("app", "", "Filter by application name")
	instanceListCmd.Flags().String("status", "", "Filter by status")

	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceHistoryCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceCancelCmd)
}
