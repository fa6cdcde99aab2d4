package cli

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
)

const defaultArticleCount = 20

var articlesCmd = &cobra.Command{
	Use:   "articles [N]",
	Short: "Show the N newest cached articles",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runArticles,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <article-id>",
	Short: "Delete an article so later refreshes do not bring it back",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <article-id>",
	Short: "Summarize an article (cached after the first run)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummarize,
}

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark <article-id>",
	Short: "Save an article to Raindrop.io",
	Args:  cobra.ExactArgs(1),
	RunE:  runBookmark,
}

func init() {
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(bookmarkCmd)

	articlesCmd.Flags().Int64("feed", 0, "only articles from this feed")
	articlesCmd.Flags().Bool("unread", false, "only unread articles")
	articlesCmd.Flags().Bool("starred", false, "only starred articles")
	articlesCmd.Flags().Bool("json", false, "output as JSON")
	summarizeCmd.Flags().Bool("regenerate", false, "ignore the cached summary")
	bookmarkCmd.Flags().StringSlice("tag", nil, "bookmark tag (repeatable; default from config)")
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid article id %q", s)
	}
	return id, nil
}

func runArticles(cmd *cobra.Command, args []string) error {
	filter := database.ArticleFilter{Limit: defaultArticleCount}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		filter.Limit = n
	}
	filter.FeedID, _ = cmd.Flags().GetInt64("feed")
	filter.UnreadOnly, _ = cmd.Flags().GetBool("unread")
	filter.StarredOnly, _ = cmd.Flags().GetBool("starred")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)

	articles, err := a.store.ListArticles(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(cmd.OutOrStdout(), articles)
	}
	printArticles(cmd.OutOrStdout(), articles)
	return nil
}

func printArticles(out io.Writer, articles []model.Article) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\t\tDATE\tFEED\tTITLE")
	for _, art := range articles {
		flags := ""
		if !art.IsRead {
			flags += "●"
		}
		if art.IsStarred {
			flags += "★"
		}
		date := art.SortTime().Local().Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", art.ID, flags, date, art.FeedTitle, art.Title)
	}
	tw.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)

	slot, err := a.store.SoftDelete(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", slot.Article.Title)
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	regenerate, _ := cmd.Flags().GetBool("regenerate")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)
	ctx, stop := signalContext(cmd)
	defer stop()

	res, err := a.run(ctx, a.sess.SummarizeOperation(id, regenerate), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	sum := res.(*model.Summary)
	fmt.Fprintln(cmd.OutOrStdout(), sum.Content)
	return nil
}

func runBookmark(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	tags, _ := cmd.Flags().GetStringSlice("tag")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(false)
	ctx, stop := signalContext(cmd)
	defer stop()

	res, err := a.run(ctx, a.sess.BookmarkOperation(id, tags), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	b := res.(*model.Bookmark)
	fmt.Fprintf(cmd.OutOrStdout(), "Saved to Raindrop.io (id %d, tags %v)\n", b.RemoteID, b.Tags)
	return nil
}
