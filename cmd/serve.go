package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/gwtoolzone/open-swe/internal/api"
	"github.com/gwtoolzone/open-swe/internal/auth"
	"github.com/gwtoolzone/open-swe/internal/classifier"
	"github.com/gwtoolzone/open-swe/internal/config"
	"github.com/gwtoolzone/open-swe/internal/orchestrator"
	"github.com/gwtoolzone/open-swe/internal/pipeline"
	"github.com/gwtoolzone/open-swe/internal/runs"
	"github.com/gwtoolzone/open-swe/internal/session"
	"github.com/gwtoolzone/open-swe/internal/store"
	"github.com/gwtoolzone/open-swe/internal/tracker"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the open-swe API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			port := cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			server, err := buildServer(cfg, port)
			if err != nil {
				return err
			}

			fmt.Printf("Starting open-swe API server on port %d...\n", port)
			return server.Start()
		},
	}
}

func buildServer(cfg *config.Config, port int) (*api.Server, error) {
	var tokens tracker.TokenSource
	if cfg.GitHub.Token != "" {
		tokens = auth.NewStaticTokenSource(cfg.GitHub.Token)
	} else {
		appTokens, err := auth.NewAppTokenSource(
			cfg.GitHub.AppID, cfg.GitHub.InstallationID, cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		tokens = appTokens
	}

	trackerClient := tracker.NewGitHubClient(tokens)
	trackerSync := tracker.NewSync(trackerClient)
	registry := session.NewRegistry()

	engine, err := classifier.NewEngine(classifier.Config{
		Provider:    cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.StandardModel,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return nil, err
	}

	runsClient := runs.NewHTTPClient(cfg.RunService.BaseURL, cfg.RunService.APIKey)

	orch := orchestrator.New(runsClient, trackerSync, registry, tokens, orchestrator.Config{
		ManagerGraphID: cfg.RunService.ManagerGraphID,
		PlannerGraphID: cfg.RunService.PlannerGraphID,
		StandardModel:  cfg.Model.StandardModel,
		MaxModel:       cfg.Model.MaxModel,
	})

	p := pipeline.New(trackerSync, engine, orch)

	var st store.Store
	if cfg.Store.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(context.Background(), cfg.Store.PostgresDSN)
		if err != nil {
			return nil, err
		}
		st = pg
	} else {
		log.Warn().Msg("No postgres DSN configured, conversation state is in-memory only")
		st = store.NewMemoryStore()
	}

	return api.NewServer(port, p, orch, trackerClient, st, cfg.GitHub.AllowedUsers, cfg.GitHub.WebhookSecret), nil
}
