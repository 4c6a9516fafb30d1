package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/okvist/portsweep/internal/history"
)

var runsLimit int

// runsCmd lists stored scan runs.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored scan runs",
	Long: `List scan runs stored in the history database, newest first.
Use "runs show <run-id>" to see the open ports recorded for one run.`,
	Run: runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the open ports recorded for a run",
	Args:  cobra.ExactArgs(1),
	Run:   runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
}

// openHistoryStore connects to the configured history database or exits.
func openHistoryStore(ctx context.Context) (*history.Store, func()) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "Error: history is disabled in the configuration")
		os.Exit(1)
	}

	db, err := history.Connect(ctx, &cfg.History.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to history database: %v\n", err)
		os.Exit(1)
	}

	return history.NewStore(db), func() { _ = db.Close() }
}

func runRunsList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeDB := openHistoryStore(ctx)
	defer closeDB()

	runs, err := store.ListRuns(ctx, runsLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing runs: %v\n", err)
		os.Exit(1)
	}

	if len(runs) == 0 {
		fmt.Println("No stored runs.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Transport", "Started", "Duration", "Targets", "Probes", "Open")
	for i := range runs {
		run := &runs[i]
		_ = table.Append([]string{
			run.ID.String()[:8] + "...",
			run.Transport,
			run.StartedAt.Format("2006-01-02 15:04"),
			(time.Duration(run.DurationMS) * time.Millisecond).String(),
			strconv.Itoa(run.TargetCount),
			strconv.FormatInt(run.Attempts, 10),
			strconv.Itoa(run.OpenCount),
		})
	}
	_ = table.Render()
}

func runRunsShow(cmd *cobra.Command, args []string) {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid run id %q\n", args[0])
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeDB := openHistoryStore(ctx)
	defer closeDB()

	endpoints, err := store.RunEndpoints(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading run endpoints: %v\n", err)
		os.Exit(1)
	}

	if len(endpoints) == 0 {
		fmt.Println("No open ports recorded for this run.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Host", "Port")
	for _, ep := range endpoints {
		_ = table.Append([]string{ep.Address, strconv.Itoa(ep.Port)})
	}
	_ = table.Render()
}
