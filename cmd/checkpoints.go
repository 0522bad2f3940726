package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/trialforge/internal/config"
	"github.com/cwbudde/trialforge/internal/store"
)

var (
	checkpointDataDir string
	keepLast          int
	olderThanDays     int
	forceClean        bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage experiment checkpoints",
	Long: `Manage experiment checkpoints including listing, inspecting and cleaning
old checkpoints. The backend comes from the config file; --data-dir forces the
filesystem backend at that directory.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with experiment, strategy, timestamp, trial counts, best score and size.`,
	RunE:  runListCheckpoints,
}

var inspectCheckpointCmd = &cobra.Command{
	Use:   "inspect <key>",
	Short: "Print a checkpoint as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectCheckpoint,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints based on retention policy.
You can keep the last N checkpoints per experiment or delete checkpoints older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(inspectCheckpointCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	checkpointsCmd.PersistentFlags().StringVar(&checkpointDataDir, "data-dir", "", "Checkpoint directory (overrides the configured backend)")

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N checkpoints per experiment (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openCheckpointStore() (store.Store, error) {
	if checkpointDataDir != "" {
		return store.NewFSStore(checkpointDataDir)
	}
	c := cfg
	if c == nil {
		c = config.DefaultConfig()
	}
	return c.Store.OpenStore()
}

func closeStore(s store.Store) {
	if closer, ok := s.(io.Closer); ok {
		closer.Close()
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closeStore(checkpointStore)

	infos, err := checkpointStore.ListCheckpoints(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tEXPERIMENT\tSTRATEGY\tSAVED\tTRIALS\tBEST\tSIZE")
	fmt.Fprintln(w, "---\t----------\t--------\t-----\t------\t----\t----")

	for _, info := range infos {
		best := "-"
		if info.BestScore != nil {
			best = fmt.Sprintf("%.6g", *info.BestScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			info.Key,
			truncate(info.ExperimentID, 24),
			info.Strategy,
			info.SavedAt.Local().Format("2006-01-02 15:04:05"),
			info.Completed,
			info.Trials,
			best,
			formatBytes(info.Size),
		)
	}

	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runInspectCheckpoint(cmd *cobra.Command, args []string) error {
	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closeStore(checkpointStore)

	env, err := checkpointStore.LoadCheckpoint(commandContext(cmd), args[0])
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cmd != nil {
		out = cmd.OutOrStdout()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := openCheckpointStore()
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer closeStore(checkpointStore)

	ctx := commandContext(cmd)
	infos, err := checkpointStore.ListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays, time.Now())

	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, %d trials, %s)\n",
			info.Key,
			truncate(info.ExperimentID, 24),
			info.Trials,
			info.SavedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := checkpointStore.DeleteCheckpoint(ctx, info.Key); err != nil {
			slog.Error("Failed to delete checkpoint", "key", info.Key, "error", err)
			failed++
		} else {
			slog.Info("Deleted checkpoint", "key", info.Key, "experiment_id", info.ExperimentID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the retention policy: checkpoints saved
// before now minus olderThanDays, plus everything but the newest keepLast
// checkpoints of each experiment. Zero disables either rule.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int, now time.Time) []store.CheckpointInfo {
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.SavedAt.Before(cutoff) {
				selected[info.Key] = true
			}
		}
	}

	if keepLast > 0 {
		byExperiment := make(map[string][]store.CheckpointInfo)
		for _, info := range infos {
			byExperiment[info.ExperimentID] = append(byExperiment[info.ExperimentID], info)
		}
		for _, group := range byExperiment {
			if len(group) <= keepLast {
				continue
			}
			// newest first
			sort.Slice(group, func(i, j int) bool {
				return group[i].SavedAt.After(group[j].SavedAt)
			})
			for _, info := range group[keepLast:] {
				selected[info.Key] = true
			}
		}
	}

	var toDelete []store.CheckpointInfo
	for _, info := range infos {
		if selected[info.Key] {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
