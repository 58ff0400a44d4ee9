package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	creatorsLimit     int
	creatorsFavorites bool
)

var creatorsCmd = &cobra.Command{
	Use:   "creators [query]",
	Short: "Search for creators by name",
	Long: `Creators looks up creator usernames on the remote catalog. With
--favorites the configured favorite creators are listed instead of querying.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreators,
}

func init() {
	rootCmd.AddCommand(creatorsCmd)
	creatorsCmd.Flags().IntVarP(&creatorsLimit, "limit", "l", 10, "Maximum results")
	creatorsCmd.Flags().BoolVar(&creatorsFavorites, "favorites", false, "List the favorite creators from the configuration")
}

func runCreators(cmd *cobra.Command, args []string) error {
	if creatorsFavorites {
		if len(globalConfig.FavoriteCreators) == 0 {
			fmt.Println("No favorite creators configured (favoritecreators in config.toml).")
			return nil
		}
		printUsernames(globalConfig.FavoriteCreators)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("a query argument is required unless --favorites is given")
	}

	ctx, stop := signalContext()
	defer stop()

	creators, err := globalClient.SearchCreators(ctx, args[0], creatorsLimit)
	if err != nil {
		return fmt.Errorf("creator search failed: %w", err)
	}
	if len(creators) == 0 {
		fmt.Println("No creators matched.")
		return nil
	}

	usernames := make([]string, 0, len(creators))
	for _, c := range creators {
		usernames = append(usernames, c.Username)
	}
	printUsernames(usernames)
	return nil
}

func printUsernames(usernames []string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME")
	for _, u := range usernames {
		fmt.Fprintln(w, u)
	}
	_ = w.Flush()
}
