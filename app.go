package main

import (
	"context"
	"fmt"

	"github.com/bryan-buckman/tabs/internal/archive"
	"github.com/bryan-buckman/tabs/internal/auth"
	"github.com/bryan-buckman/tabs/internal/bot"
	"github.com/bryan-buckman/tabs/internal/config"
	"github.com/bryan-buckman/tabs/internal/database"
	"github.com/bryan-buckman/tabs/internal/ingest"
	"github.com/bryan-buckman/tabs/internal/media"
	"github.com/bryan-buckman/tabs/internal/preview"
	"github.com/bryan-buckman/tabs/internal/server"
	"golang.org/x/sync/errgroup"
)

func openDatabase(c config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// run wires the components and blocks until ctx ends or one of them fails.
func run(ctx context.Context, withAPI, withBot bool) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Str("driver", db.DatabaseType()).Msg("Database ready")

	blobs, err := media.NewStore(cfg.Media.Dir, cfg.Media.MaxBytes, cfg.Media.FetchTimeout, logger)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(db, cfg.Telegram.BotUsername, cfg.Auth.PendingTTL, logger)

	g, ctx := errgroup.WithContext(ctx)

	if withBot {
		consolidator := ingest.New(db, blobs,
			ingest.NewRegistry(cfg.Ingest.Shards, cfg.Ingest.QuietWindow),
			cfg.Ingest.SettleWindow, logger)
		defer consolidator.Close()

		b, err := bot.New(bot.Config{
			AppID:       cfg.Telegram.AppID,
			AppHash:     cfg.Telegram.AppHash,
			Token:       cfg.Telegram.BotToken,
			SessionFile: cfg.Telegram.SessionFile,
		}, consolidator, authSvc, db, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return b.Run(ctx)
		})
	}

	if withAPI {
		janitor := auth.NewJanitor(authSvc, cfg.Auth.SweepInterval)
		janitor.Start()
		defer janitor.Stop()

		srv, err := server.New(
			archive.NewService(db, blobs, logger),
			authSvc,
			preview.NewFetcher(cfg.Preview.Timeout, logger),
			server.Options{
				CORSOrigins:    cfg.API.CORSOrigins,
				MaxUploadBytes: cfg.API.MaxUploadBytes,
				StaticDir:      blobs.Root(),
			},
			logger,
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(ctx, cfg.API.Addr)
		})
	}

	err = g.Wait()
	logger.Info().Msg("Shutting down")
	return err
}
