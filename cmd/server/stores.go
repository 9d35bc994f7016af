package main

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-approval-routing/internal/catalog"
	"github.com/pesio-ai/be-approval-routing/internal/client"
	"github.com/pesio-ai/be-approval-routing/internal/config"
	"github.com/pesio-ai/be-approval-routing/internal/database"
	"github.com/pesio-ai/be-approval-routing/internal/logger"
	"github.com/pesio-ai/be-approval-routing/internal/repository"
	"github.com/pesio-ai/be-approval-routing/internal/repository/memory"
	"github.com/pesio-ai/be-approval-routing/internal/repository/sqlite"
	"github.com/pesio-ai/be-approval-routing/internal/service"
)

// stores bundles the ports the routing service needs for one driver.
type stores struct {
	rules     catalog.RuleSource
	directory service.Directory
	lines     service.LineSource
	requests  service.RequestStore
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	var file *client.CatalogFile
	if cfg.Approval.CatalogFile != "" {
		f, err := client.LoadCatalog(cfg.Approval.CatalogFile)
		if err != nil {
			return nil, err
		}
		file = f
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, cfg, file, log)
	case config.DriverSQLite:
		return openSQLite(ctx, cfg, file, log)
	default:
		mem := memory.NewStore()
		if file != nil {
			if err := file.Seed(ctx, mem, mem); err != nil {
				return nil, err
			}
		}
		log.Info().Msg("Using in-memory store")
		return &stores{rules: mem, directory: mem, lines: mem, requests: mem}, nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, file *client.CatalogFile, log *logger.Logger) (*stores, error) {
	db, err := connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	pg := &repository.PostgresCatalog{
		Groups: repository.NewAuthorityGroupsRepository(db),
		Rules:  repository.NewApprovalRulesRepository(db),
		Lines:  repository.NewCandidateLinesRepository(db),
	}
	if file != nil {
		if err := file.Seed(ctx, pg, pg); err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Str("file", cfg.Approval.CatalogFile).Msg("Catalog seeded")
	}

	requests := repository.NewApprovalRequestsRepository(db, repository.NewApprovalHistoryRepository(db))
	return &stores{
		rules:     pg.Rules,
		directory: pg.Groups,
		lines:     pg.Lines,
		requests:  requests,
		closers:   []func(){db.Close},
	}, nil
}

// openSQLite keeps lines and requests in SQLite. Groups and rules are read
// from the catalog file into memory since the file is their source of truth
// in this mode.
func openSQLite(ctx context.Context, cfg *config.Config, file *client.CatalogFile, log *logger.Logger) (*stores, error) {
	gdb, err := sqlite.Open(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	closeDB := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := sqlite.RunMigrations(ctx, gdb); err != nil {
		closeDB()
		return nil, err
	}

	store := sqlite.NewStore(gdb)
	mem := memory.NewStore()
	if file != nil {
		if err := file.Seed(ctx, mem, store); err != nil {
			closeDB()
			return nil, err
		}
	} else {
		log.Warn().Msg("No catalog file configured; every line will be validated against an empty rule set")
	}
	log.Info().Str("path", cfg.Database.SQLitePath).Msg("SQLite store opened")

	return &stores{
		rules:     mem,
		directory: mem,
		lines:     store,
		requests:  store,
		closers:   []func(){closeDB},
	}, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.PostgresDSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}
