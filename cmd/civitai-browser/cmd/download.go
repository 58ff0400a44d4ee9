package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Fasd800/civitai-browser/internal/catalog"
	"github.com/Fasd800/civitai-browser/internal/downloader"
	"github.com/Fasd800/civitai-browser/internal/helpers"
	"github.com/Fasd800/civitai-browser/internal/models"
	"github.com/Fasd800/civitai-browser/internal/sanitize"
)

var (
	downloadVersionID int
	downloadFileID    int
)

var downloadCmd = &cobra.Command{
	Use:   "download <model-id | civitai.com model URL>",
	Short: "Download a model file",
	Long: `Download fetches the selected version's primary file (or a specific
file with --file) into the per-type directory under the save path. LoRA
downloads also save the first preview image next to the model file.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	flags := downloadCmd.Flags()
	flags.IntVarP(&downloadVersionID, "version", "v", 0, "Model version id (default: latest)")
	flags.IntVarP(&downloadFileID, "file", "f", 0, "File id within the version (default: primary file)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	store := openHistory()
	var recorder catalog.OutcomeRecorder
	if store != nil {
		recorder = store
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("Failed to close history store")
			}
		}()
	}

	manager := newManager(recorder)
	session, err := manager.Open("cli")
	if err != nil {
		return err
	}

	model, version, err := resolveTarget(ctx, session, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Downloading %s / %s\n", model.Name, version.Name)

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	progress := func(state downloader.State, written, total uint64) {
		switch state {
		case downloader.StateFetching:
			if total > 0 {
				fmt.Fprintf(writer, "Fetching: %s / %s\n", helpers.BytesToSize(written), helpers.BytesToSize(total))
			} else {
				fmt.Fprintf(writer, "Fetching: %s\n", helpers.BytesToSize(written))
			}
		case downloader.StateWritingPreview:
			fmt.Fprintf(writer, "Saving preview image...\n")
		case downloader.StateDone:
			fmt.Fprintf(writer, "Done.\n")
		case downloader.StateFailed:
			fmt.Fprintf(writer, "Failed.\n")
		}
	}

	outcome, err := session.Download(ctx, downloader.Request{
		Model:   model,
		Version: version,
		FileID:  downloadFileID,
	}, progress)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	writer.Stop()
	fmt.Printf("Saved %s (%s)\n", outcome.FilePath, helpers.BytesToSize(outcome.SizeBytes))
	if outcome.PreviewPath != "" {
		fmt.Printf("Preview %s\n", outcome.PreviewPath)
	}
	for _, warning := range outcome.Warnings {
		log.Warn(warning)
	}
	return nil
}

// resolveTarget turns the positional argument into a model and version,
// accepting either a numeric id or a civitai.com page URL.
func resolveTarget(ctx context.Context, session *catalog.Session, arg string) (models.Model, models.ModelVersion, error) {
	var model models.Model
	var version models.ModelVersion

	if id, err := strconv.Atoi(arg); err == nil && id > 0 {
		fetched, fetchErr := globalClient.GetModel(ctx, id)
		if fetchErr != nil {
			return models.Model{}, models.ModelVersion{}, fetchErr
		}
		fetched.Description = sanitize.Description(fetched.Description)
		model = fetched
		if len(model.ModelVersions) == 0 {
			return models.Model{}, models.ModelVersion{}, fmt.Errorf("model %d has no versions", id)
		}
		version = model.ModelVersions[0]
	} else {
		var loadErr error
		model, version, loadErr = session.LoadByUrl(ctx, arg)
		if loadErr != nil {
			return models.Model{}, models.ModelVersion{}, loadErr
		}
	}

	if downloadVersionID > 0 {
		found := false
		for _, v := range model.ModelVersions {
			if v.ID == downloadVersionID {
				version = v
				found = true
				break
			}
		}
		if !found {
			return models.Model{}, models.ModelVersion{}, fmt.Errorf("model %d has no version %d", model.ID, downloadVersionID)
		}
	}
	return model, version, nil
}
