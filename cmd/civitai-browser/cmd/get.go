package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Fasd800/civitai-browser/internal/helpers"
	"github.com/Fasd800/civitai-browser/internal/models"
	"github.com/Fasd800/civitai-browser/internal/sanitize"
)

var getCmd = &cobra.Command{
	Use:   "get <model-id | civitai.com model URL>",
	Short: "Show one model's details",
	Long: `Get fetches a single model by id or by its civitai.com page URL and
prints its versions, files and trigger words.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	manager := newManager(nil)
	session, err := manager.Open("cli")
	if err != nil {
		return err
	}

	var model models.Model
	var selected models.ModelVersion

	if id, convErr := strconv.Atoi(args[0]); convErr == nil && id > 0 {
		model, err = globalClient.GetModel(ctx, id)
		if err != nil {
			return err
		}
		model.Description = sanitize.Description(model.Description)
		if len(model.ModelVersions) > 0 {
			selected = model.ModelVersions[0]
		}
	} else {
		model, selected, err = session.LoadByUrl(ctx, args[0])
		if err != nil {
			return err
		}
	}

	printModel(model, selected)
	return nil
}

func printModel(model models.Model, selected models.ModelVersion) {
	fmt.Printf("%s (id %d)\n", model.Name, model.ID)
	fmt.Printf("  Type:    %s\n", model.Type)
	fmt.Printf("  Creator: %s\n", model.Creator.Username)
	fmt.Printf("  Rating:  %s\n", model.ContentLevel())
	if len(model.Tags) > 0 {
		fmt.Printf("  Tags:    %s\n", strings.Join(model.Tags, ", "))
	}

	if desc := truncate(sanitize.PlainText(model.Description), 400); desc != "" {
		fmt.Printf("\n%s\n", desc)
	}

	fmt.Printf("\nVersions:\n")
	for _, v := range model.ModelVersions {
		marker := " "
		if v.ID == selected.ID {
			marker = "*"
		}
		fmt.Printf("%s %d  %s (%s)\n", marker, v.ID, v.Name, v.BaseModel)
		if len(v.TrainedWords) > 0 {
			fmt.Printf("     trigger words: %s\n", strings.Join(v.TrainedWords, ", "))
		}
		for _, f := range v.Files {
			primary := ""
			if f.Primary {
				primary = " primary"
			}
			fmt.Printf("     file %d: %s (%s)%s\n", f.ID, f.Name, helpers.BytesToSize(uint64(f.SizeKB*1024)), primary)
		}
	}
}
