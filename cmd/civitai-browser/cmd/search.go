package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Fasd800/civitai-browser/internal/models"
	"github.com/Fasd800/civitai-browser/internal/sanitize"
)

var (
	searchQuery       string
	searchCreator     string
	searchType        string
	searchBaseModel   string
	searchSort        string
	searchPeriod      string
	searchRating      string
	searchTags        []string
	searchCategories  []string
	searchPages       int
	searchShowDetails bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the model catalog",
	Long: `Search lists models matching a keyword and filters. With --creator the
creator's whole catalog is fetched once, so repeated keyword searches in the
same scope stay local.`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	flags := searchCmd.Flags()
	flags.StringVarP(&searchQuery, "query", "q", "", "Keyword to search for")
	flags.StringVarP(&searchCreator, "creator", "u", "", "Restrict to one creator's models")
	flags.StringVarP(&searchType, "type", "t", "", "Model type (Checkpoint, LORA, TextualInversion, ...)")
	flags.StringVarP(&searchBaseModel, "base-model", "b", "", "Base model substring filter (e.g. SDXL)")
	flags.StringVar(&searchSort, "sort", "Most Downloaded", "Sort order")
	flags.StringVar(&searchPeriod, "period", "AllTime", "Time period")
	flags.StringVar(&searchRating, "rating", "", "Maximum content rating (PG, PG-13, R, X, XXX)")
	flags.StringSliceVar(&searchTags, "tag", nil, "Required tag (repeatable, all must match)")
	flags.StringSliceVar(&searchCategories, "category", nil, "Category tag (repeatable, any may match)")
	flags.IntVarP(&searchPages, "pages", "p", 1, "How many result pages to load")
	flags.BoolVarP(&searchShowDetails, "details", "d", false, "Print description snippets")
}

func searchFilters() models.SearchFilters {
	return models.SearchFilters{
		Keyword:       searchQuery,
		CreatorID:     searchCreator,
		Type:          searchType,
		BaseModel:     searchBaseModel,
		Sort:          searchSort,
		Period:        searchPeriod,
		ContentRating: models.NormalizeRating(searchRating),
		Tags:          searchTags,
		TagCategories: searchCategories,
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM so a slow
// catalog aggregation can be interrupted and keep its partial result.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	manager := newManager(nil)
	session, err := manager.Open("cli")
	if err != nil {
		return err
	}

	page, err := session.Search(ctx, searchFilters())
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	for i := 1; i < searchPages; i++ {
		if !page.HasNextPage {
			break
		}
		page, err = session.LoadNextPage(ctx)
		if err != nil {
			log.WithError(err).Warn("Stopping page loading early")
			break
		}
	}

	printResultPage(page)
	return nil
}

func printResultPage(page models.SearchResultPage) {
	if len(page.Models) == 0 {
		fmt.Println("No models matched.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tCREATOR\tRATING\tVERSIONS")
	for _, m := range page.Models {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n",
			m.ID, truncate(m.Name, 48), m.Type, m.Creator.Username, m.ContentLevel(), len(m.ModelVersions))
	}
	_ = w.Flush()

	if searchShowDetails {
		for _, m := range page.Models {
			snippet := truncate(sanitize.PlainText(m.Description), 200)
			if snippet != "" {
				fmt.Printf("\n[%d] %s\n%s\n", m.ID, m.Name, snippet)
			}
		}
	}

	fmt.Printf("\n%d of %d models", len(page.Models), page.TotalItems)
	switch {
	case page.PartialCatalog:
		fmt.Print(" (partial: the listing could not be fetched completely)")
	case page.CeilingHit:
		fmt.Print(" (fetch limit reached: results may be incomplete)")
	case page.HasNextPage:
		fmt.Print(" (more pages available)")
	}
	fmt.Println()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
