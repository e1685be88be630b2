package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/andbeder/ClinicalGenius/ai/provider"
	"github.com/andbeder/ClinicalGenius/ai/schema"
	"github.com/andbeder/ClinicalGenius/am"
	"github.com/andbeder/ClinicalGenius/batch"
	"github.com/andbeder/ClinicalGenius/db"
	"github.com/andbeder/ClinicalGenius/errors"
	"github.com/andbeder/ClinicalGenius/logger"
	"github.com/andbeder/ClinicalGenius/run"
	"github.com/andbeder/ClinicalGenius/server"
	"github.com/andbeder/ClinicalGenius/wave"
)

// ServeCmd starts the ClinicalGenius web server.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the ClinicalGenius web server",
	Long: `Start the HTTP server: batch and prompt management, dataset discovery,
batch execution with live progress over WebSocket, and CSV download.`,
	RunE: runServe,
}

var serveDBPath string

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := am.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	dbPath := cfg.Database.Path
	if serveDBPath != "" {
		dbPath = serveDBPath
	}

	database, err := db.Open(dbPath, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	if err := db.Migrate(database, log); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	// An unapproved or unknown provider is fatal at startup, before the
	// server accepts any request.
	gen, err := provider.New(cfg, log)
	if err != nil {
		return err
	}

	source := wave.NewClient(
		cfg.Analytics.InstanceURL,
		cfg.Analytics.APIVersion,
		wave.StaticToken(cfg.Analytics.AccessToken),
		time.Duration(cfg.Analytics.TimeoutSecs)*time.Second,
		log.Named("wave"),
	)

	batches := batch.NewStore(database)
	status := run.NewStatusStore(database)
	history := run.NewHistoryStore(database)
	registry := run.NewRegistry()
	runner := run.NewRunner(cfg, batches, status, history, registry, source, gen, log.Named("run"))
	schemas := schema.NewService(gen, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)

	srv := server.New(cfg, log.Named("server"), batches, runner, registry, status, history, source, schemas)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("ClinicalGenius starting",
		"port", cfg.Server.Port,
		"provider", cfg.LLM.Provider,
		"database", dbPath,
	)
	defer logger.Sync()

	return srv.Start(ctx)
}
