package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/session"
)

var addCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Subscribe to a feed or a site that links one",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var feedsCmd = &cobra.Command{
	Use:     "feeds",
	Aliases: []string{"ls"},
	Short:   "List subscribed feeds",
	Args:    cobra.NoArgs,
	RunE:    runFeeds,
}

var importCmd = &cobra.Command{
	Use:   "import <file.opml>",
	Short: "Subscribe to every feed in an OPML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export <file.opml>",
	Short: "Write subscriptions as OPML (- for stdout)",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)

	feedsCmd.Flags().Bool("json", false, "output as JSON")
}

func runAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)
	ctx, stop := signalContext(cmd)
	defer stop()

	res, err := a.run(ctx, a.sess.AddFeedOperation(args[0]), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	added := res.(session.AddResult)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subscribed to %q (%s)\n", added.Feed.Title, added.Feed.URL)
	if added.FetchError != "" {
		fmt.Fprintf(out, "  first fetch failed: %s\n", added.FetchError)
		return nil
	}
	fmt.Fprintf(out, "  %d articles cached\n", added.Upsert.Inserted)
	return nil
}

func runFeeds(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)

	feeds, err := a.store.GetAllFeeds(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), feeds)
	}
	printFeeds(cmd.OutOrStdout(), feeds)
	return nil
}

func printFeeds(out io.Writer, feeds []model.Feed) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tURL\tLAST FETCHED\tERROR")
	for _, f := range feeds {
		fetched := "never"
		if !f.LastFetched.IsZero() {
			fetched = f.LastFetched.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", f.ID, f.Title, f.URL, fetched, f.LastError)
	}
	tw.Flush()
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading opml: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)
	ctx, stop := signalContext(cmd)
	defer stop()

	res, err := a.run(ctx, a.sess.ImportOperation(data), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	rep := res.(session.ImportReport)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Imported %d of %d feeds (%d already subscribed, %d failed)\n",
		rep.Added, rep.Total, rep.Skipped, rep.Failed)
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "  ! %s\n", e)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)

	var w io.Writer = cmd.OutOrStdout()
	if args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("creating %s: %w", args[0], err)
		}
		defer f.Close()
		w = f
	}

	n, err := a.sess.ExportOPML(cmd.Context(), w)
	if err != nil {
		return err
	}
	if args[0] != "-" {
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d feeds to %s\n", n, args[0])
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
