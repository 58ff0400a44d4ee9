package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Fasd800/civitai-browser/internal/helpers"
	"github.com/Fasd800/civitai-browser/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded downloads",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded downloads, most recent first",
	RunE:  runHistoryList,
}

var historySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over recorded downloads",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistorySearch,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historySearchCmd)
	historySearchCmd.Flags().IntVarP(&historyLimit, "limit", "l", 25, "Maximum results")
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	store, err := history.Open(globalConfig.HistoryPath, globalConfig.HistoryIndex)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return err
	}
	printHistoryEntries(entries)
	return nil
}

func runHistorySearch(cmd *cobra.Command, args []string) error {
	store, err := history.Open(globalConfig.HistoryPath, globalConfig.HistoryIndex)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Search(args[0], historyLimit)
	if err != nil {
		return err
	}
	printHistoryEntries(entries)
	return nil
}

func printHistoryEntries(entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Println("No downloads recorded.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tMODEL\tTYPE\tCREATOR\tSTATE\tSIZE\tPATH")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.FinishedAt.Format("2006-01-02 15:04"),
			truncate(e.ModelName, 40), e.ModelType, e.Creator, e.State,
			helpers.BytesToSize(e.SizeBytes), e.FilePath)
	}
	_ = w.Flush()
}
