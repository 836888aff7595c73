package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"deedwatch/internal/address"
	"deedwatch/internal/antibot"
	"deedwatch/internal/archive"
	"deedwatch/internal/browser"
	"deedwatch/internal/checkpoint"
	"deedwatch/internal/doctext"
	"deedwatch/internal/ingest"
	"deedwatch/internal/nav"
	"deedwatch/internal/orchestrator"
	"deedwatch/lib/configutil"
	"deedwatch/lib/serviceutil"
	"deedwatch/lib/telemetry"
)

type SiteConfig struct {
	DisclaimerUrl string `json:"disclaimerUrl"`
	SearchUrl     string `json:"searchUrl"`
}

type BackendConfig struct {
	BaseUrl string `json:"baseUrl"`
	Token   string `json:"token"`
}

type Config struct {
	Headless bool          `json:"headless"`
	Site     SiteConfig    `json:"site"`
	Backend  BackendConfig `json:"backend"`

	MaxRecords             int  `json:"maxRecords"`
	RestartEvery           int  `json:"restartEvery"`
	PacingSeconds          int  `json:"pacingSeconds"`
	OcrPages               int  `json:"ocrPages"`
	OcrDpi                 int  `json:"ocrDpi"`
	ResumeFromCheckpoint   bool `json:"resumeFromCheckpoint"`
	RequireNumberedAddress bool `json:"requireNumberedAddress"`

	Counties []orchestrator.CountyProfile `json:"counties"`
}

var scrapeDb *string

func init() {
	scrapeDb = scrapeCmd.Flags().String("db", "results.db", "The local archive database to shadow results into.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--db <path/to/results.db>]",
	Short: "Scrapes every enabled county's auction listing and ingests the records.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}

		runID := uuid.NewString()
		slog.Info("starting run", "run", runID)

		store, err := archive.Open(*scrapeDb)
		if err != nil {
			serviceutil.Fatal("failed to open archive db", err)
		}
		defer store.Close()

		tel := telemetry.SlogAPI{}
		fetcher, err := nav.NewFetcher(tel)
		if err != nil {
			serviceutil.Fatal("failed to build document fetcher", err)
		}
		ingestor := ingest.NewClient(ingest.Options{
			BaseURL:   cfg.Backend.BaseUrl,
			Token:     cfg.Backend.Token,
			Telemetry: tel,
		})
		extractor := doctext.NewExtractor(doctext.Options{
			Pages:     cfg.OcrPages,
			DPI:       cfg.OcrDpi,
			Telemetry: tel,
		})

		for _, county := range cfg.Counties {
			if !county.Enabled {
				slog.Info("skipping disabled county", "county", county.Name)
				continue
			}
			runCounty(cmd.Context(), cfg, county, store, fetcher, extractor, ingestor, tel)
		}
	},
}

func runCounty(
	ctx context.Context,
	cfg Config,
	county orchestrator.CountyProfile,
	store *archive.Store,
	fetcher *nav.Fetcher,
	extractor *doctext.Extractor,
	ingestor *ingest.Client,
	tel telemetry.API,
) {
	slog.Info("scraping county", "county", county.Name)

	factory := func(ctx context.Context) (browser.Session, error) {
		return browser.NewChromeSession(ctx, browser.Options{Headless: cfg.Headless})
	}
	machine := nav.NewMachine(factory, nav.Config{
		DisclaimerURL: cfg.Site.DisclaimerUrl,
		SearchURL:     cfg.Site.SearchUrl,
		Telemetry:     tel,
	})
	defer machine.Close()

	ckpt := checkpoint.NewStore(county.Name, checkpoint.Options{
		BaseURL:   cfg.Backend.BaseUrl,
		Token:     cfg.Backend.Token,
		Local:     store,
		Telemetry: tel,
	})
	controller := antibot.NewController(antibot.Options{Telemetry: tel})

	runner := orchestrator.New(
		orchestrator.Config{
			County:                 county,
			MaxRecords:             cfg.MaxRecords,
			RestartEvery:           cfg.RestartEvery,
			Pacing:                 time.Duration(cfg.PacingSeconds) * time.Second,
			ResumeFromCheckpoint:   cfg.ResumeFromCheckpoint,
			RequireNumberedAddress: cfg.RequireNumberedAddress,
			Telemetry:              tel,
		},
		machine, fetcher, extractor, address.NewResolver(nil),
		controller, ckpt, ingestor, store,
	)

	t1 := time.Now()
	counters, err := runner.Run(ctx)
	t2 := time.Now()
	if err != nil {
		slog.Error("run aborted", "county", county.Name, "err", err.Error())
	}
	slog.Info("run finished",
		"county", county.Name,
		"seconds", t2.Sub(t1).Seconds(),
		"listed", counters.Listed,
		"created", counters.Created,
		"updated", counters.Updated,
		"skipped", counters.Skipped,
		"failed", counters.Failed,
		"removed", counters.Removed,
	)
}
