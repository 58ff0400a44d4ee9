package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Fasd800/civitai-browser/internal/api"
	"github.com/Fasd800/civitai-browser/internal/catalog"
	"github.com/Fasd800/civitai-browser/internal/config"
	"github.com/Fasd800/civitai-browser/internal/downloader"
	"github.com/Fasd800/civitai-browser/internal/history"
)

var (
	cfgFile      string
	globalConfig config.Config
	globalClient *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "civitai-browser",
	Short: "Browse, search and download models from Civitai",
	Long: `civitai-browser searches the Civitai model catalog, refines results
locally where possible, and downloads selected files into per-type
directories with hash verification.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Configuration file path (default ./config.toml)")
	flags.String("log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error)")
	flags.String("log-format", config.DefaultLogFormat, "Logging format (text, json)")
	flags.String("save-path", "", "Directory to save models (overrides config)")
	flags.String("api-key", "", "Civitai API key (overrides config)")
	flags.Bool("trace-api", false, "Write API request/response dumps to a trace file")

	config.SetDefaults(viper.GetViper())
	_ = viper.BindPFlag("loglevel", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logformat", flags.Lookup("log-format"))
	_ = viper.BindPFlag("savepath", flags.Lookup("save-path"))
	_ = viper.BindPFlag("apikey", flags.Lookup("api-key"))
	_ = viper.BindPFlag("traceapitraffic", flags.Lookup("trace-api"))
}

// setup resolves the configuration and builds the shared API client before
// any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	globalConfig = cfg

	initLogging(cfg.LogLevel, cfg.LogFormat)

	client, err := cfg.BuildClient()
	if err != nil {
		return err
	}
	globalClient = client
	return nil
}

func initLogging(level, format string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// openHistory opens the download history store. A failure is reported but
// does not stop a command that can work without history.
func openHistory() *history.Store {
	store, err := history.Open(globalConfig.HistoryPath, globalConfig.HistoryIndex)
	if err != nil {
		log.WithError(err).Warn("Download history unavailable")
		return nil
	}
	return store
}

// newManager builds the session layer shared by the browse commands.
// recorder may be nil.
func newManager(recorder catalog.OutcomeRecorder) *catalog.Manager {
	pipeline := downloader.NewPipeline(globalClient, globalConfig.SavePath)
	return catalog.NewManager(globalClient, pipeline, recorder, catalog.ManagerOptions{
		MaxPages:       globalConfig.Catalog.MaxPages,
		MaxModels:      globalConfig.Catalog.MaxModels,
		CreatorPageSz:  globalConfig.Catalog.CreatorPageSz,
		BrowsePageSize: globalConfig.Catalog.BrowsePageSize,
	})
}
