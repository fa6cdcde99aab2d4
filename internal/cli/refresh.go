package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/speedyreader/internal/session"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch every subscribed feed",
	Long: `Fetch all feeds concurrently and merge new entries into the cache.
Feeds that fail are reported and left untouched.

Examples:
  speedyreader refresh                 # Normal refresh
  speedyreader refresh --clear         # Drop cached articles first
  speedyreader refresh --limit 10      # Keep the 10 newest entries per feed`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Prune old articles and compact the cache",
	Args:  cobra.NoArgs,
	RunE:  runCompact,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(compactCmd)

	refreshCmd.Flags().Bool("clear", false, "delete cached articles before fetching")
	refreshCmd.Flags().Int("limit", 0, "keep only the N most recent entries of each feed (0 = config)")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	clearFirst, _ := cmd.Flags().GetBool("clear")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	p := a.sess.Policy()
	p.ClearFirst = clearFirst
	if limit > 0 {
		p.PerFeedLimit = limit
	}

	out := cmd.OutOrStdout()
	res, runErr := a.run(ctx, a.sess.RefreshOperation(p), out)
	if runErr == nil {
		printReport(cmd, res.(session.Report))
	}
	if err := a.close(true); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printReport(cmd *cobra.Command, rep session.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Refreshed %d/%d feeds in %s\n", rep.Succeeded, rep.Feeds, rep.Duration.Round(time.Millisecond))
	if rep.Cleared > 0 {
		fmt.Fprintf(out, "  cleared:   %d\n", rep.Cleared)
	}
	fmt.Fprintf(out, "  added:     %d\n", rep.Added)
	fmt.Fprintf(out, "  updated:   %d\n", rep.Updated)
	fmt.Fprintf(out, "  unchanged: %d\n", rep.Unchanged)
	if rep.TombstonedSkipped > 0 {
		fmt.Fprintf(out, "  deleted (skipped): %d\n", rep.TombstonedSkipped)
	}
	if rep.Expired > 0 || rep.Evicted > 0 {
		fmt.Fprintf(out, "  expired:   %d\n", rep.Expired+int(rep.Evicted))
	}
	for _, fe := range rep.FeedErrors {
		fmt.Fprintf(out, "  ! %s (%s): %s\n", fe.URL, fe.Kind, fe.Message)
	}
}

func runCompact(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	res, runErr := a.run(ctx, a.sess.MaintenanceOperation(a.sess.Policy()), cmd.OutOrStdout())
	if runErr == nil {
		rep := res.(session.MaintenanceReport)
		fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d articles, pruned %d tombstones\n", rep.Evicted, rep.TombstonesPruned)
	}
	if err := a.close(false); err != nil && runErr == nil {
		return err
	}
	return runErr
}
