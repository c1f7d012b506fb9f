package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/deadletter"
)

var (
	dlqCategory  string
	dlqOperation string
	dlqOut       string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead letter archive",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived dead letters",
	Run:   runDlqList,
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the archive by category and operation",
	Run:   runDlqStats,
}

var dlqPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop dead letters older than the retention window",
	Run:   runDlqPrune,
}

var dlqRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a single dead letter",
	Args:  cobra.ExactArgs(1),
	Run:   runDlqRemove,
}

var dlqExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the archive as JSON",
	Run:   runDlqExport,
}

var dlqImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Replace the archive with a previously exported JSON file",
	Args:  cobra.ExactArgs(1),
	Run:   runDlqImport,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqCategory, "category", "", "filter by error category")
	dlqListCmd.Flags().StringVar(&dlqOperation, "operation", "", "filter by operation name")
	dlqExportCmd.Flags().StringVar(&dlqOut, "out", "", "write to file instead of stdout")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqPruneCmd, dlqRemoveCmd, dlqExportCmd, dlqImportCmd)
	rootCmd.AddCommand(dlqCmd)
}

// dlqStore loads config and opens the archived store, exiting on error.
func dlqStore() (*deadletter.Store, func()) {
	cfg, err := loadConfig()
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogging(cfg)

	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to open dead letter store", "error", err)
		os.Exit(1)
	}
	return store, closeStore
}

func runDlqList(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	items := store.GetAll(deadletter.Filter{
		Category:      classify.Category(dlqCategory),
		OperationName: dlqOperation,
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tOPERATION\tCATEGORY\tATTEMPTS\tLAST FAILURE\tERROR")
	for _, it := range items {
		msg := ""
		if it.Error != nil {
			msg = truncate(it.Error.Message(), 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ID, it.OperationName, it.Category(), it.Attempts,
			it.LastFailure.Format(time.RFC3339), msg)
	}
	_ = w.Flush()
}

func runDlqStats(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	stats := store.GetStats()
	fmt.Printf("Total: %d\n", stats.Total)
	if stats.Total == 0 {
		return
	}
	fmt.Printf("Average attempts: %.1f\n", stats.AvgAttempts)
	fmt.Printf("Oldest first failure: %s\n", stats.OldestFirst.Format(time.RFC3339))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CATEGORY\tCOUNT")
	for category, count := range stats.ByCategory {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", category, count)
	}
	_, _ = fmt.Fprintln(w, "OPERATION\tCOUNT")
	for operation, count := range stats.ByOperation {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", operation, count)
	}
	_ = w.Flush()
}

func runDlqPrune(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	n := store.Prune()
	fmt.Printf("Pruned %d dead letters\n", n)
}

func runDlqRemove(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	if !store.Remove(args[0]) {
		fmt.Printf("No dead letter with id %s\n", args[0])
		os.Exit(1)
	}
	fmt.Printf("Removed %s\n", args[0])
}

func runDlqExport(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	data, err := store.Export()
	if err != nil {
		slog.Error("Failed to export dead letters", "error", err)
		os.Exit(1)
	}

	if dlqOut == "" {
		_, _ = os.Stdout.Write(data)
		fmt.Println()
		return
	}
	if err := os.WriteFile(dlqOut, data, 0o644); err != nil {
		slog.Error("Failed to write export file", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Exported %d dead letters to %s\n", store.Len(), dlqOut)
}

func runDlqImport(cmd *cobra.Command, args []string) {
	store, closeStore := dlqStore()
	defer closeStore()

	data, err := os.ReadFile(args[0])
	if err != nil {
		slog.Error("Failed to read import file", "error", err)
		os.Exit(1)
	}
	if err := store.Import(data); err != nil {
		slog.Error("Failed to import dead letters", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Imported %d dead letters\n", store.Len())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
