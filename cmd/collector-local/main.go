package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/servicerequestflow/internal/archive"
	"github.com/Lllllllleong/servicerequestflow/internal/blob"
	"github.com/Lllllllleong/servicerequestflow/internal/columnar"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
	"github.com/Lllllllleong/servicerequestflow/internal/services"
	"github.com/Lllllllleong/servicerequestflow/internal/socrata"
	"github.com/Lllllllleong/servicerequestflow/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "collector-local",
	Short: "Run one service-request collection pass from the command line",
	Long: `Run one service-request collection pass from the command line.

Configuration is read from the same environment variables as the deployed
function. With --dry-run every bucket is kept in memory, so only the open-data
API is contacted.

Examples:
  collector-local --dry-run --force-initial --max-records 100 --lookback-days 7
  collector-local --test-end-date 2025-01-31`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().Bool("force-initial", false, "ignore the stored checkpoint and run an initial load")
	rootCmd.Flags().Int("max-records", models.DefaultMaxRecords, "maximum records to fetch")
	rootCmd.Flags().Int("lookback-days", models.DefaultInitialLookbackDays, "days to look back on an initial load")
	rootCmd.Flags().String("test-end-date", "", "pretend the run happens at the end of this day (YYYY-MM-DD)")
	rootCmd.Flags().Bool("dry-run", false, "keep all output in memory")
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	forceInitial, _ := cmd.Flags().GetBool("force-initial")
	maxRecords, _ := cmd.Flags().GetInt("max-records")
	lookbackDays, _ := cmd.Flags().GetInt("lookback-days")
	testEndDate, _ := cmd.Flags().GetString("test-end-date")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var (
		collector *services.CollectorFunction
		buckets   []*blob.MemoryBucket
		err       error
	)
	if dryRun {
		collector, buckets = dryRunCollector()
	} else {
		collector, err = services.NewCollector(ctx)
		if err != nil {
			return fmt.Errorf("initializing collector: %w", err)
		}
	}

	res := collector.Process(ctx, &models.CollectRequest{
		ForceInitialLoad:    forceInitial,
		MaxRecords:          maxRecords,
		InitialLookbackDays: lookbackDays,
		TestEndDate:         testEndDate,
	})

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	for _, b := range buckets {
		for _, key := range b.Keys() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\n", b.Name(), key)
		}
	}

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("run failed with status %d: %s", res.StatusCode, res.Body.Message)
	}
	return nil
}

func dryRunCollector() (*services.CollectorFunction, []*blob.MemoryBucket) {
	config := services.ConfigFromEnv()
	raw := blob.NewMemoryBucket("raw")
	processed := blob.NewMemoryBucket("processed")

	collector := services.NewCollectorFromDeps(config, services.Dependencies{
		Fetcher:  socrata.NewClient(config.SocrataConfig(), nil),
		Archiver: archive.NewArchiver(raw),
		Writer:   columnar.NewTransformer(processed),
		State:    state.NewObjectStore(processed, state.DefaultObjectKey),
	})
	return collector, []*blob.MemoryBucket{raw, processed}
}
